package plexus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher accepts raw messages from a source transport. The channel's
// source connector implements it.
type Dispatcher interface {
	DispatchRaw(ctx context.Context, raw string, sourceMap map[string]any) (*Message, error)
}

// SourceAdapter is implemented by concrete source transports (MLLP listener,
// HTTP receiver, in-process reader). Start receives the dispatcher the
// transport injects messages through.
type SourceAdapter interface {
	Start(ctx context.Context, d Dispatcher) error
	Stop(ctx context.Context) error
}

// Replier is optionally implemented by source adapters that send a reply or
// acknowledgment back to the external peer.
type Replier interface {
	Reply(ctx context.Context, status Status, message string) error
}

// Source is the source connector base: it creates the message, persists the
// dispatch transaction, and either runs the pipeline synchronously
// (respond-after-processing) or hands the message to the source queue.
type Source struct {
	Name string

	adapter  SourceAdapter
	ft       *FilterTransformer
	inbound  DataType
	outbound DataType

	respondAfterProcessing bool
	queueCap               int

	p       *persister
	exec    Executor
	logger  *slog.Logger
	channel *Channel

	queue   chan *Message
	qCancel context.CancelFunc
	qDone   chan struct{}
	mu      sync.Mutex
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithSourceFilterTransformer sets the source filter/transformer pair.
func WithSourceFilterTransformer(ft *FilterTransformer) SourceOption {
	return func(s *Source) { s.ft = ft }
}

// WithSourceDataTypes sets the inbound (wire) and outbound (wire form handed
// to destinations) data types.
func WithSourceDataTypes(inbound, outbound DataType) SourceOption {
	return func(s *Source) {
		s.inbound = inbound
		s.outbound = outbound
	}
}

// WithRespondAfterProcessing makes DispatchRaw run the full pipeline before
// returning (the default). Disabling it returns as soon as the message is
// durably RECEIVED and a background worker drains the source queue.
func WithRespondAfterProcessing(v bool) SourceOption {
	return func(s *Source) { s.respondAfterProcessing = v }
}

// WithSourceQueueCapacity bounds the source queue buffer (default 1000).
func WithSourceQueueCapacity(n int) SourceOption {
	return func(s *Source) { s.queueCap = n }
}

// WithSourceLogger sets the structured logger.
func WithSourceLogger(l *slog.Logger) SourceOption {
	return func(s *Source) { s.logger = l }
}

// NewSource builds a source connector base over adapter.
func NewSource(name string, adapter SourceAdapter, opts ...SourceOption) *Source {
	s := &Source{
		Name:                   name,
		adapter:                adapter,
		inbound:                RawDataType(),
		outbound:               RawDataType(),
		respondAfterProcessing: true,
		queueCap:               1000,
		logger:                 nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RespondAfterProcessing reports whether dispatch is synchronous.
func (s *Source) RespondAfterProcessing() bool { return s.respondAfterProcessing }

func (s *Source) bind(ch *Channel, p *persister, exec Executor) {
	s.channel = ch
	s.p = p
	s.exec = exec
}

// start brings up the source queue worker (when configured) and then the
// adapter, so no message arrives before the worker exists.
func (s *Source) start(ctx context.Context) error {
	if !s.respondAfterProcessing {
		s.mu.Lock()
		s.queue = make(chan *Message, s.queueCap)
		workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.qCancel = cancel
		s.qDone = make(chan struct{})
		queue, done := s.queue, s.qDone
		s.mu.Unlock()
		go s.runQueueWorker(workerCtx, queue, done)
	}
	return s.adapter.Start(ctx, s)
}

// stop shuts down the adapter first (no new dispatches), then the queue
// worker; the in-flight message completes.
func (s *Source) stop(ctx context.Context) error {
	err := s.adapter.Stop(ctx)
	s.mu.Lock()
	cancel, done := s.qCancel, s.qDone
	s.qCancel, s.qDone = nil, nil
	s.queue = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return err
}

// DispatchRaw implements Dispatcher: it allocates the message id, persists
// the message and source connector message as RECEIVED in one transaction,
// then processes synchronously or enqueues.
func (s *Source) DispatchRaw(ctx context.Context, raw string, sourceMap map[string]any) (*Message, error) {
	return s.dispatch(ctx, raw, sourceMap, nil)
}

// dispatch is DispatchRaw with an optional originalId for reprocessed
// messages.
func (s *Source) dispatch(ctx context.Context, raw string, sourceMap map[string]any, originalID *int64) (*Message, error) {
	ch := s.channel
	messageID, err := s.p.store.NextMessageID(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	m := &Message{
		ID:           messageID,
		ServerID:     s.p.serverID,
		ChannelID:    ch.ID,
		ReceivedDate: now,
		OriginalID:   originalID,
	}
	cm := &ConnectorMessage{
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		MessageID:     messageID,
		MetaDataID:    0,
		ServerID:      s.p.serverID,
		ConnectorName: s.Name,
		ReceivedDate:  now,
		Status:        StatusReceived,
	}
	cm.setMaps(NewKeyMapFrom(sourceMap), NewKeyMap(), NewKeyMap(), NewKeyMap())
	m.addConnectorMessage(cm)

	raw = ch.extractAttachments(ctx, m, raw)

	err = s.p.inTx(ctx, func(tx Tx) error {
		if err := tx.InsertMessage(ctx, m); err != nil {
			return err
		}
		apply, err := s.p.insertConnectorMessage(ctx, tx, cm)
		if err != nil {
			return err
		}
		if err := s.p.storeContent(ctx, tx, cm, ContentRaw, raw, s.inbound.Name()); err != nil {
			return err
		}
		apply()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if !s.respondAfterProcessing && queue != nil {
		select {
		case queue <- m:
			return m, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// No queue (channel not started in queued mode): process synchronously.
	if err := ch.process(ctx, m); err != nil {
		return m, err
	}
	return m, nil
}

// runQueueWorker drains the source queue sequentially.
func (s *Source) runQueueWorker(ctx context.Context, queue <-chan *Message, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-queue:
			// Graceful stop cancels ctx between messages only; the in-flight
			// message processes under the channel's halt context so it
			// completes unless the channel is halted.
			if err := s.channel.process(context.WithoutCancel(ctx), m); err != nil {
				s.logger.Error("source queue processing failed", "msg", m.ID, "err", err)
			}
		}
	}
}
