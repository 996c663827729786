package plexus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DestinationAdapter is implemented by concrete destination transports
// (HTTP/SOAP, TCP, in-process). Send reads the connector message's SENT
// content and delivers it; thrown errors must be classified by the adapter
// (connection errors retryable, application negatives not). Response returns
// the remote response payload after a successful Send, or "".
type DestinationAdapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, cm *ConnectorMessage) error
	Response(cm *ConnectorMessage) string
}

// Destination is the base wrapping one DestinationAdapter with its filter,
// transformers, queue, and retry policy. Chains call Process; queue-enabled
// destinations additionally run send workers.
type Destination struct {
	MetaDataID int
	Name       string

	adapter  DestinationAdapter
	ft       *FilterTransformer
	respTx   *Transformer
	inbound  DataType
	outbound DataType

	queueEnabled  bool
	sendFirst     bool
	queue         *DestinationQueue
	threads       int
	retryCount    int
	retryInterval time.Duration

	exec   Executor
	p      *persister
	logger *slog.Logger

	wg         sync.WaitGroup
	stopCh     chan struct{}
	hardCancel context.CancelFunc
}

// DestinationOption configures a Destination.
type DestinationOption func(*Destination)

// WithDestinationFilterTransformer sets the destination's filter/transformer
// pair.
func WithDestinationFilterTransformer(ft *FilterTransformer) DestinationOption {
	return func(d *Destination) { d.ft = ft }
}

// WithResponseTransformer sets the transformer applied to the remote
// response after a successful send.
func WithResponseTransformer(t *Transformer) DestinationOption {
	return func(d *Destination) { d.respTx = t }
}

// WithDestinationDataTypes sets the inbound (canonical) and outbound (wire)
// data types. Defaults to the identity data type.
func WithDestinationDataTypes(inbound, outbound DataType) DestinationOption {
	return func(d *Destination) {
		d.inbound = inbound
		d.outbound = outbound
	}
}

// WithQueue enables the durable retry queue, drained by the given number of
// send workers.
func WithQueue(threads int, opts ...QueueOption) DestinationOption {
	return func(d *Destination) {
		d.queueEnabled = true
		if threads < 1 {
			threads = 1
		}
		d.threads = threads
		d.queue = NewDestinationQueue(threads, opts...)
	}
}

// WithSendFirst makes a queue-enabled destination attempt one synchronous
// send before falling back to the queue ("queue on failure").
func WithSendFirst() DestinationOption {
	return func(d *Destination) { d.sendFirst = true }
}

// WithRetryPolicy sets the in-process retry count and the pause between
// attempts.
func WithRetryPolicy(count int, interval time.Duration) DestinationOption {
	return func(d *Destination) {
		d.retryCount = count
		d.retryInterval = interval
	}
}

// WithDestinationLogger sets the structured logger.
func WithDestinationLogger(l *slog.Logger) DestinationOption {
	return func(d *Destination) { d.logger = l }
}

// NewDestination builds a destination base over adapter.
func NewDestination(metaDataID int, name string, adapter DestinationAdapter, opts ...DestinationOption) *Destination {
	d := &Destination{
		MetaDataID: metaDataID,
		Name:       name,
		adapter:    adapter,
		inbound:    RawDataType(),
		outbound:   RawDataType(),
		threads:    1,
		logger:     nopLogger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// QueueEnabled reports whether this destination retries through a queue.
func (d *Destination) QueueEnabled() bool { return d.queueEnabled }

// Queue returns the destination queue, or nil when queueing is disabled.
func (d *Destination) Queue() *DestinationQueue { return d.queue }

// bind attaches the channel-owned collaborators. Called by the channel when
// destinations are registered.
func (d *Destination) bind(p *persister, exec Executor) {
	d.p = p
	d.exec = exec
	if d.queue != nil && d.queue.loader == nil {
		channelID := p.stats.channelID
		d.queue.loader = func(ctx context.Context, limit int) ([]*ConnectorMessage, error) {
			rows, err := p.store.QueuedConnectorMessages(ctx, channelID, d.MetaDataID, limit)
			if err != nil {
				return nil, err
			}
			for _, cm := range rows {
				p.decryptConnectorMessage(cm)
			}
			return rows, nil
		}
	}
}

// start brings up the adapter and the send workers.
func (d *Destination) start(ctx context.Context) error {
	if err := d.adapter.Start(ctx); err != nil {
		return err
	}
	if d.queueEnabled {
		// Pick up QUEUED rows persisted before a restart.
		d.queue.Invalidate()
		workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.hardCancel = cancel
		d.stopCh = make(chan struct{})
		for w := 0; w < d.threads; w++ {
			d.wg.Add(1)
			go d.runWorker(workerCtx, d.stopCh, w)
		}
	}
	return nil
}

// stop shuts down the send workers and the adapter. Graceful stop lets the
// in-flight attempt complete; force aborts it through context cancellation.
func (d *Destination) stop(ctx context.Context, force bool) error {
	if d.stopCh != nil {
		if force {
			d.hardCancel()
		}
		close(d.stopCh)
		d.wg.Wait()
		d.hardCancel()
		d.stopCh = nil
		d.hardCancel = nil
	}
	return d.adapter.Stop(ctx)
}

// process runs this destination inside a chain: filter, transform, then send
// or enqueue. Returns (stopChain, error): the chain stops on ERROR but keeps
// going past FILTERED, QUEUED, and SENT.
func (d *Destination) process(ctx context.Context, cm *ConnectorMessage, dset *DestinationSet) (bool, error) {
	accepted, err := d.filterTransform(ctx, cm, dset)
	if err != nil {
		d.recordError(ctx, cm, ContentProcessingError, err)
		if uerr := d.p.updateStatus(ctx, cm, StatusError); uerr != nil {
			return true, uerr
		}
		return true, nil
	}
	if !accepted {
		return false, d.p.updateStatus(ctx, cm, StatusFiltered)
	}

	if d.queueEnabled && !d.sendFirst {
		if err := d.p.updateStatus(ctx, cm, StatusQueued); err != nil {
			return true, err
		}
		d.queue.Add(cm)
		return false, nil
	}

	stop, err := d.attemptAndSettle(ctx, cm)
	return stop, err
}

// attemptAndSettle runs the send attempt cycle and persists the outcome for
// the synchronous (chain) path.
func (d *Destination) attemptAndSettle(ctx context.Context, cm *ConnectorMessage) (bool, error) {
	sendErr := d.sendWithRetry(ctx, cm)
	if sendErr == nil {
		return false, d.settleSent(ctx, cm)
	}
	if IsRetryable(sendErr) && d.queueEnabled {
		d.recordError(ctx, cm, ContentProcessingError, sendErr)
		if err := d.p.updateStatus(ctx, cm, StatusQueued); err != nil {
			return true, err
		}
		d.queue.Add(cm)
		return false, nil
	}
	d.recordError(ctx, cm, ContentProcessingError, sendErr)
	if err := d.p.updateStatus(ctx, cm, StatusError); err != nil {
		return true, err
	}
	return true, nil
}

// filterTransform evaluates the destination filter and transformer, producing
// the ENCODED content. Channel/connector/response map writes made by a
// rejected filter are rolled back; globalMap writes always stick.
func (d *Destination) filterTransform(ctx context.Context, cm *ConnectorMessage, dset *DestinationSet) (bool, error) {
	raw := cm.ContentText(ContentRaw)
	msg, err := d.inbound.ToXML(raw)
	if err != nil {
		return false, &ErrValidation{DataType: d.inbound.Name(), Err: err}
	}

	chanSnap := cm.ChannelMap().Snapshot()
	connSnap := cm.ConnectorMap().Snapshot()
	respSnap := cm.ResponseMap().Snapshot()

	scope := connectorScope(cm, msg, dset)
	if d.ft != nil && d.ft.Filter != nil {
		accepted, err := d.ft.Filter.Accept(ctx, d.exec, scope)
		if err != nil {
			return false, err
		}
		if !accepted {
			cm.ChannelMap().ReplaceAll(chanSnap)
			cm.ConnectorMap().ReplaceAll(connSnap)
			cm.ResponseMap().ReplaceAll(respSnap)
			return false, nil
		}
	}

	transformed := msg
	if d.ft != nil && d.ft.Transformer != nil {
		transformed, err = d.ft.Transformer.Run(ctx, d.exec, scope, msg)
		if err != nil {
			return false, err
		}
		if err := d.p.storeContent(ctx, nil, cm, ContentTransformed, transformed, "XML"); err != nil {
			return false, err
		}
	}
	encoded, err := d.outbound.FromXML(transformed)
	if err != nil {
		return false, &ErrValidation{DataType: d.outbound.Name(), Err: err}
	}
	if err := d.p.storeContent(ctx, nil, cm, ContentEncoded, encoded, d.outbound.Name()); err != nil {
		return false, err
	}
	if err := d.p.updateStatus(ctx, cm, StatusTransformed); err != nil {
		return false, err
	}
	return true, d.p.storeMaps(ctx, nil, cm)
}

// sendWithRetry invokes the adapter with the in-process retry policy. Every
// adapter call counts one send attempt; failed retryable attempts persist
// their attempt count before pausing.
func (d *Destination) sendWithRetry(ctx context.Context, cm *ConnectorMessage) error {
	sent, err := d.p.reattach(ctx, cm, cm.ContentText(ContentEncoded))
	if err != nil {
		return err
	}
	if err := d.p.storeContent(ctx, nil, cm, ContentSent, sent, d.outbound.Name()); err != nil {
		return err
	}
	var lastErr error
	attempts := d.retryCount + 1
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return &ErrConnection{Op: "send", Err: ctx.Err()}
		}
		now := time.Now()
		cm.SendAttempts++
		cm.SendDate = &now
		err := d.adapter.Send(ctx, cm)
		if err == nil {
			return nil
		}
		lastErr = Classify("send", err)
		if !IsRetryable(lastErr) {
			return lastErr
		}
		d.logger.Warn("send attempt failed",
			"destination", d.Name, "msg", cm.MessageID, "attempt", cm.SendAttempts, "err", lastErr)
		// Persist the attempt count so the row reflects progress even if we
		// crash between attempts.
		if uerr := d.p.updateStatus(ctx, cm, cm.Status); uerr != nil {
			return uerr
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return &ErrConnection{Op: "send", Err: ctx.Err()}
			case <-time.After(d.retryInterval):
			}
		}
	}
	return lastErr
}

// settleSent records the response, runs the response transformer, and
// finishes the connector message in SENT (or ERROR on a response transformer
// failure).
func (d *Destination) settleSent(ctx context.Context, cm *ConnectorMessage) error {
	now := time.Now()
	cm.ResponseDate = &now

	response := d.adapter.Response(cm)
	if response != "" {
		if err := d.p.storeContent(ctx, nil, cm, ContentResponse, response, d.outbound.Name()); err != nil {
			return err
		}
		cm.ResponseMap().Put(d.Name, response)
	}
	if d.respTx != nil && response != "" {
		scope := connectorScope(cm, response, nil)
		scope["response"] = response
		scope["responseStatus"] = StatusSent.String()
		scope["responseStatusMessage"] = ""
		transformed, err := d.respTx.Run(ctx, d.exec, scope, response)
		if err != nil {
			d.recordError(ctx, cm, ContentResponseError, err)
			return d.p.updateStatus(ctx, cm, StatusError)
		}
		if err := d.p.storeContent(ctx, nil, cm, ContentResponseTransformed, transformed, "XML"); err != nil {
			return err
		}
		cm.ResponseMap().Put(d.Name, transformed)
	}
	if err := d.p.storeMaps(ctx, nil, cm); err != nil {
		return err
	}
	return d.p.updateStatus(ctx, cm, StatusSent)
}

// recordError stores the error content slot; storage failures are logged and
// swallowed so the status transition still happens.
func (d *Destination) recordError(ctx context.Context, cm *ConnectorMessage, t ContentType, err error) {
	if serr := d.p.storeContent(ctx, nil, cm, t, err.Error(), "TEXT"); serr != nil {
		d.logger.Error("storing error content failed",
			"destination", d.Name, "msg", cm.MessageID, "err", serr)
	}
}

// runWorker drains the destination queue. Workers check the stop signal
// between messages (graceful stop); ctx cancellation aborts the in-flight
// attempt (halt).
func (d *Destination) runWorker(ctx context.Context, stopCh <-chan struct{}, w int) {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		cm := d.queue.Acquire(ctx, w)
		if cm == nil {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-d.queue.C():
			case <-ticker.C:
			}
			continue
		}
		d.workOne(ctx, cm)
		if ctx.Err() != nil {
			return
		}
	}
}

// workOne processes one acquired queue item through a full attempt cycle.
func (d *Destination) workOne(ctx context.Context, cm *ConnectorMessage) {
	if d.queue.ReleaseIfDeleted(cm) {
		return
	}
	sendErr := d.sendWithRetry(ctx, cm)
	if sendErr == nil {
		if err := d.settleSent(ctx, cm); err != nil {
			d.logger.Error("settling sent message failed",
				"destination", d.Name, "msg", cm.MessageID, "err", err)
			d.queue.Release(cm, false)
			return
		}
		d.queue.Release(cm, true)
		d.afterTerminal(ctx, cm)
		return
	}
	if IsRetryable(sendErr) {
		if ctx.Err() != nil {
			// Shutting down; leave the message queued for the next start.
			d.queue.Release(cm, false)
			return
		}
		if err := d.p.updateStatus(ctx, cm, StatusQueued); err != nil {
			d.logger.Error("persisting queue attempt failed",
				"destination", d.Name, "msg", cm.MessageID, "err", err)
		}
		d.queue.Release(cm, false)
		return
	}
	d.recordError(ctx, cm, ContentProcessingError, sendErr)
	if err := d.p.updateStatus(ctx, cm, StatusError); err != nil {
		d.logger.Error("persisting error status failed",
			"destination", d.Name, "msg", cm.MessageID, "err", err)
	}
	d.queue.Release(cm, true)
	d.afterTerminal(ctx, cm)
}

// afterTerminal closes the owning message if this was the last unfinished
// connector. The queue path owns completion because the dispatch path has
// long since returned.
func (d *Destination) afterTerminal(ctx context.Context, cm *ConnectorMessage) {
	m, err := d.p.loadMessage(ctx, cm.ChannelID, cm.MessageID)
	if err != nil {
		d.logger.Error("loading message for completion failed",
			"destination", d.Name, "msg", cm.MessageID, "err", err)
		return
	}
	if m == nil || m.Processed {
		return
	}
	// The freshly persisted status may race the load; overlay our view.
	if own := m.ConnectorMessage(cm.MetaDataID); own != nil {
		own.Status = cm.Status
	}
	if err := d.p.completeMessage(ctx, m); err != nil {
		d.logger.Error("completing message failed",
			"destination", d.Name, "msg", cm.MessageID, "err", err)
	}
}
