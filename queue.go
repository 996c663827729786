package plexus

import (
	"context"
	"hash/fnv"
	"sync"
)

// QueueLoader refills a destination queue's in-memory buffer from storage,
// returning connector messages in QUEUED status ordered by message id.
type QueueLoader func(ctx context.Context, limit int) ([]*ConnectorMessage, error)

// DestinationQueue is the durable retry queue of one queue-enabled
// destination. The persisted QUEUED rows are authoritative; the queue holds
// an in-memory buffer over them with acquire/release checkout semantics.
//
// With a groupBy expression and more than one thread, items partition into
// per-bucket sub-queues and each send worker owns exactly one bucket; items
// within a bucket keep insertion order. Without groupBy all workers share
// bucket zero.
type DestinationQueue struct {
	threads int
	rotate  bool
	groupBy func(cm *ConnectorMessage) string
	loader  QueueLoader

	mu         sync.Mutex
	buckets    [][]*ConnectorMessage
	checkedOut map[int64]*ConnectorMessage
	deleted    map[int64]bool
	size       int
	stale      bool

	notify chan struct{}
}

// QueueOption configures a DestinationQueue.
type QueueOption func(*DestinationQueue)

// WithQueueRotation moves failed messages to the back of their bucket on
// release instead of blocking head-of-line.
func WithQueueRotation() QueueOption {
	return func(q *DestinationQueue) { q.rotate = true }
}

// WithQueueGroupBy partitions the queue into per-thread buckets keyed by fn's
// result. Messages with equal keys always land in the same bucket.
func WithQueueGroupBy(fn func(cm *ConnectorMessage) string) QueueOption {
	return func(q *DestinationQueue) { q.groupBy = fn }
}

// WithQueueLoader sets the storage refill used after Invalidate.
func WithQueueLoader(loader QueueLoader) QueueOption {
	return func(q *DestinationQueue) { q.loader = loader }
}

// NewDestinationQueue returns a queue drained by the given number of worker
// threads (minimum one).
func NewDestinationQueue(threads int, opts ...QueueOption) *DestinationQueue {
	if threads < 1 {
		threads = 1
	}
	q := &DestinationQueue{
		threads:    threads,
		checkedOut: make(map[int64]*ConnectorMessage),
		deleted:    make(map[int64]bool),
		notify:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	q.buckets = make([][]*ConnectorMessage, q.bucketCount())
	return q
}

func (q *DestinationQueue) bucketCount() int {
	if q.groupBy == nil {
		return 1
	}
	return q.threads
}

func (q *DestinationQueue) bucketFor(cm *ConnectorMessage) int {
	if q.groupBy == nil {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(q.groupBy(cm)))
	return int(h.Sum32()) % q.bucketCount()
}

// workerBucket returns the bucket index owned by worker w.
func (q *DestinationQueue) workerBucket(w int) int {
	if q.groupBy == nil {
		return 0
	}
	return w % q.bucketCount()
}

// Add enqueues cm. The caller has already persisted the row in QUEUED.
func (q *DestinationQueue) Add(cm *ConnectorMessage) {
	q.mu.Lock()
	if q.deleted[cm.MessageID] {
		q.mu.Unlock()
		return
	}
	b := q.bucketFor(cm)
	q.buckets[b] = append(q.buckets[b], cm)
	q.size++
	q.mu.Unlock()
	q.wake()
}

// Size returns the logical queue size: buffered plus checked-out messages.
func (q *DestinationQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// C returns the wake channel; workers select on it between drain passes.
func (q *DestinationQueue) C() <-chan struct{} { return q.notify }

func (q *DestinationQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Acquire returns the next available message from worker w's bucket and
// records it as checked out, or nil when the bucket is empty. Checked-out
// messages are never returned to another Acquire until released.
func (q *DestinationQueue) Acquire(ctx context.Context, w int) *ConnectorMessage {
	q.mu.Lock()
	if q.stale {
		q.mu.Unlock()
		q.reload(ctx)
		q.mu.Lock()
	}
	defer q.mu.Unlock()

	b := q.workerBucket(w)
	for len(q.buckets[b]) > 0 {
		cm := q.buckets[b][0]
		q.buckets[b] = q.buckets[b][1:]
		if q.deleted[cm.MessageID] {
			q.size--
			continue
		}
		q.checkedOut[cm.MessageID] = cm
		return cm
	}
	return nil
}

// Release returns a checked-out message. finished=true removes it from the
// queue (the message reached a terminal status); finished=false requeues it
// for retry, at the front of its bucket or at the back when rotation is on.
func (q *DestinationQueue) Release(cm *ConnectorMessage, finished bool) {
	q.mu.Lock()
	delete(q.checkedOut, cm.MessageID)
	if finished || q.deleted[cm.MessageID] {
		q.size--
		q.mu.Unlock()
		return
	}
	b := q.bucketFor(cm)
	if q.rotate {
		q.buckets[b] = append(q.buckets[b], cm)
	} else {
		q.buckets[b] = append([]*ConnectorMessage{cm}, q.buckets[b]...)
	}
	q.mu.Unlock()
	q.wake()
}

// MarkAsDeleted records that messageID was removed by a delete or reprocess
// operation; buffered copies are discarded and a checked-out copy must not
// re-enter the pipeline.
func (q *DestinationQueue) MarkAsDeleted(messageID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted[messageID] = true
}

// ReleaseIfDeleted reports whether cm was deleted while checked out; when
// true the caller discards it without further processing and the checkout is
// cleared.
func (q *DestinationQueue) ReleaseIfDeleted(cm *ConnectorMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.deleted[cm.MessageID] {
		return false
	}
	delete(q.checkedOut, cm.MessageID)
	delete(q.deleted, cm.MessageID)
	q.size--
	return true
}

// Invalidate clears the in-memory buffer and forces the next Acquire to
// re-read QUEUED rows from storage.
func (q *DestinationQueue) Invalidate() {
	q.mu.Lock()
	for i := range q.buckets {
		q.buckets[i] = nil
	}
	q.stale = true
	q.mu.Unlock()
	q.wake()
}

// reload refills the buffer from the loader, skipping checked-out and
// deleted messages.
func (q *DestinationQueue) reload(ctx context.Context) {
	if q.loader == nil {
		q.mu.Lock()
		q.stale = false
		q.mu.Unlock()
		return
	}
	rows, err := q.loader(ctx, 10000)
	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		// Leave stale set; the next Acquire retries the reload.
		return
	}
	for i := range q.buckets {
		q.buckets[i] = nil
	}
	n := 0
	for _, cm := range rows {
		if q.deleted[cm.MessageID] {
			continue
		}
		if _, out := q.checkedOut[cm.MessageID]; out {
			continue
		}
		b := q.bucketFor(cm)
		q.buckets[b] = append(q.buckets[b], cm)
		n++
	}
	q.size = n + len(q.checkedOut)
	q.stale = false
}
