package plexus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ChannelState is the lifecycle state of a channel.
type ChannelState int32

const (
	ChannelStopped ChannelState = iota
	ChannelStarting
	ChannelStarted
	ChannelStopping
)

// ScriptSet holds the channel-scope and global-scope lifecycle scripts. Empty
// strings mean "not configured".
type ScriptSet struct {
	GlobalPreprocessor  string
	Preprocessor        string
	GlobalPostprocessor string
	Postprocessor       string
	Deploy              string
	Undeploy            string
}

// AttachmentHandler extracts large payload segments from the raw message
// before processing. Extracted attachments persist separately (gated by
// StoreAttachments) and the stripped raw flows through the pipeline.
type AttachmentHandler interface {
	Extract(messageID int64, raw string) (stripped string, attachments []*Attachment, err error)
}

// Channel is the unit of configuration and lifecycle: one source connector,
// ordered destination chains, scripts, storage settings, and queues. A
// message traverses preprocessor, source filter/transformer, concurrent
// destination chains, postprocessor, then completion.
type Channel struct {
	ID       string
	Name     string
	ServerID string

	store   Store
	storage StorageSettings
	exec    Executor
	stats   *Statistics
	source  *Source
	chains  []*DestinationChain
	scripts ScriptSet
	attach  AttachmentHandler
	enc     Encryptor
	retries int
	logger  *slog.Logger
	sink    EventSink

	p *persister

	mu         sync.Mutex
	state      ChannelState
	procCtx    context.Context
	procCancel context.CancelFunc
	wg         sync.WaitGroup
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithSource sets the channel's source connector.
func WithSource(s *Source) ChannelOption {
	return func(c *Channel) { c.source = s }
}

// WithDestinationChain appends a chain of destinations executed sequentially;
// separate chains run concurrently during fan-out.
func WithDestinationChain(dests ...*Destination) ChannelOption {
	return func(c *Channel) {
		c.chains = append(c.chains, NewDestinationChain(len(c.chains)+1, dests, nil))
	}
}

// WithScripts sets the lifecycle scripts.
func WithScripts(s ScriptSet) ChannelOption {
	return func(c *Channel) { c.scripts = s }
}

// WithStorageSettings sets the content persistence policy.
func WithStorageSettings(s StorageSettings) ChannelOption {
	return func(c *Channel) { c.storage = s }
}

// WithAttachmentHandler sets the attachment extraction hook.
func WithAttachmentHandler(h AttachmentHandler) ChannelOption {
	return func(c *Channel) { c.attach = h }
}

// WithEncryptor sets the content encryptor.
func WithEncryptor(e Encryptor) ChannelOption {
	return func(c *Channel) { c.enc = e }
}

// WithDeadlockRetries sets how many times DAO calls retry on lock
// contention.
func WithDeadlockRetries(n int) ChannelOption {
	return func(c *Channel) { c.retries = n }
}

// WithChannelLogger sets the structured logger.
func WithChannelLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) { c.logger = l }
}

// WithChannelEventSink enables MessageEvent emission.
func WithChannelEventSink(sink EventSink) ChannelOption {
	return func(c *Channel) { c.sink = sink }
}

// NewChannel builds a channel. The store and executor are required
// collaborators; the source and at least one chain must be set before Start.
func NewChannel(id, name, serverID string, store Store, exec Executor, opts ...ChannelOption) *Channel {
	c := &Channel{
		ID:       id,
		Name:     name,
		ServerID: serverID,
		store:    store,
		exec:     exec,
		storage:  SettingsForMode(StorageDevelopment),
		retries:  3,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	var statOpts []StatisticsOption
	if c.sink != nil {
		statOpts = append(statOpts, WithEventSink(c.sink))
	}
	c.stats = NewStatistics(id, statOpts...)
	c.p = &persister{
		store:    store,
		storage:  c.storage,
		stats:    c.stats,
		acc:      NewAccumulator(id),
		serverID: serverID,
		retries:  c.retries,
		enc:      c.enc,
		logger:   c.logger,
	}
	if c.source != nil {
		c.source.bind(c, c.p, exec)
	}
	for _, chain := range c.chains {
		chain.bind(c.p)
		for _, d := range chain.destinations {
			d.bind(c.p, exec)
		}
	}
	return c
}

// State returns the channel's lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Statistics returns the channel-aggregate counters.
func (c *Channel) Statistics() StatSnapshot { return c.stats.ChannelTotals() }

// ConnectorStatistics returns the counters for one connector.
func (c *Channel) ConnectorStatistics(metaDataID int) StatSnapshot {
	return c.stats.Connector(metaDataID)
}

// Start ensures the channel's tables exist, runs the deploy script and the
// recovery task, then starts destination connectors before the source so
// nothing dispatches into a half-started pipeline.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != ChannelStopped {
		c.mu.Unlock()
		return fmt.Errorf("channel %s: not stopped", c.ID)
	}
	if c.source == nil || len(c.chains) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("channel %s: requires a source and at least one destination chain", c.ID)
	}
	c.state = ChannelStarting
	c.procCtx, c.procCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.state = ChannelStopped
		c.procCancel()
		c.mu.Unlock()
		return err
	}

	if _, err := c.store.EnsureChannel(ctx, c.ID); err != nil {
		return fail(fmt.Errorf("ensure channel tables: %w", err))
	}
	rows, err := c.store.Statistics(ctx, c.ID)
	if err != nil {
		return fail(fmt.Errorf("load statistics: %w", err))
	}
	c.stats.Seed(rows)

	if c.scripts.Deploy != "" {
		if _, err := c.exec.Execute(ctx, c.scripts.Deploy, c.lifecycleScope()); err != nil {
			return fail(&ErrScript{Stage: "deploy", Err: err})
		}
	}

	if c.storage.MessageRecoveryEnabled {
		task := &RecoveryTask{p: c.p, channelID: c.ID, serverID: c.ServerID, logger: c.logger}
		res, err := task.Run(ctx)
		if err != nil {
			return fail(fmt.Errorf("recovery: %w", err))
		}
		if res.Recovered > 0 || res.Errors > 0 {
			c.logger.Info("message recovery finished",
				"channel", c.ID, "recovered", res.Recovered, "errors", res.Errors)
		}
	}

	for _, chain := range c.chains {
		for _, d := range chain.destinations {
			if err := d.start(c.procCtx); err != nil {
				return fail(fmt.Errorf("start destination %s: %w", d.Name, err))
			}
		}
	}
	if err := c.source.start(c.procCtx); err != nil {
		return fail(fmt.Errorf("start source %s: %w", c.source.Name, err))
	}

	c.mu.Lock()
	c.state = ChannelStarted
	c.mu.Unlock()
	c.logger.Info("channel started", "channel", c.ID, "name", c.Name)
	return nil
}

// Stop drains the channel gracefully: the source stops accepting, in-flight
// messages complete, destination workers finish their current attempt, then
// the undeploy script runs.
func (c *Channel) Stop(ctx context.Context) error { return c.shutdown(ctx, false) }

// Halt stops forcefully: outstanding network and database calls are
// cancelled; the pipeline may record connection errors.
func (c *Channel) Halt(ctx context.Context) error { return c.shutdown(ctx, true) }

func (c *Channel) shutdown(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.state != ChannelStarted {
		c.mu.Unlock()
		return nil
	}
	c.state = ChannelStopping
	cancel := c.procCancel
	c.mu.Unlock()

	if force {
		cancel()
	}
	var firstErr error
	if err := c.source.stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	c.wg.Wait()
	for _, chain := range c.chains {
		for _, d := range chain.destinations {
			if err := d.stop(ctx, force); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if !force {
		cancel()
	}

	if c.scripts.Undeploy != "" {
		if _, err := c.exec.Execute(ctx, c.scripts.Undeploy, c.lifecycleScope()); err != nil {
			c.logger.Error("undeploy script failed", "channel", c.ID, "err", err)
		}
	}

	c.mu.Lock()
	c.state = ChannelStopped
	c.mu.Unlock()
	c.logger.Info("channel stopped", "channel", c.ID, "force", force)
	return firstErr
}

// DispatchRaw is the channel's single message entry point, delegated to the
// source connector base.
func (c *Channel) DispatchRaw(ctx context.Context, raw string, sourceMap map[string]any) (*Message, error) {
	return c.source.DispatchRaw(ctx, raw, sourceMap)
}

func (c *Channel) lifecycleScope() Scope {
	return Scope{
		"channelId":        c.ID,
		"channelName":      c.Name,
		"globalMap":        Globals().Global(),
		"globalChannelMap": Globals().Channel(c.ID),
		"configurationMap": Globals().Configuration(),
	}
}

// extractAttachments applies the attachment handler and persists the
// extracted segments when allowed.
func (c *Channel) extractAttachments(ctx context.Context, m *Message, raw string) string {
	if c.attach == nil {
		return raw
	}
	stripped, attachments, err := c.attach.Extract(m.ID, raw)
	if err != nil {
		c.logger.Warn("attachment extraction failed", "channel", c.ID, "msg", m.ID, "err", err)
		return raw
	}
	if len(attachments) > 0 && c.storage.StoreAttachments {
		err := c.p.inTx(ctx, func(tx Tx) error {
			for _, a := range attachments {
				a.MessageID = m.ID
				if err := tx.StoreAttachment(ctx, c.ID, a); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			c.logger.Error("storing attachments failed", "channel", c.ID, "msg", m.ID, "err", err)
			return raw
		}
	}
	return stripped
}

// process runs the full pipeline for a dispatched message: preprocessors,
// source filter/transformer, concurrent destination chains, postprocessor,
// and completion.
func (c *Channel) process(ctx context.Context, m *Message) error {
	c.wg.Add(1)
	defer c.wg.Done()

	// Halt cancels procCtx; merge it with the caller's context so in-flight
	// work aborts on either.
	c.mu.Lock()
	procCtx := c.procCtx
	c.mu.Unlock()
	if procCtx != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		release := context.AfterFunc(procCtx, cancel)
		defer release()
	}

	source := m.Source()
	raw := source.ContentText(ContentRaw)

	raw = c.runPreprocessors(ctx, source, raw)

	accepted, err := c.sourceFilterTransform(ctx, source, raw)
	if err != nil {
		// Script or validation failure on the source: ERROR, destinations
		// skipped, postprocessor still runs.
		c.recordSourceError(ctx, source, err)
	}

	if err == nil && accepted {
		c.fanOut(ctx, m, source)
	}

	c.runPostprocessor(ctx, m, source)

	if err := c.p.completeMessage(ctx, m); err != nil {
		return err
	}
	return nil
}

// runPreprocessors applies the global then channel preprocessor. A script
// returning a string replaces the message; errors are recorded as
// PROCESSING_ERROR and do not stop the pipeline.
func (c *Channel) runPreprocessors(ctx context.Context, source *ConnectorMessage, raw string) string {
	modified := false
	for _, script := range []string{c.scripts.GlobalPreprocessor, c.scripts.Preprocessor} {
		if script == "" {
			continue
		}
		scope := connectorScope(source, raw, nil)
		v, err := c.exec.Execute(ctx, script, scope)
		if err != nil {
			c.logger.Warn("preprocessor failed", "channel", c.ID, "msg", source.MessageID, "err", err)
			if serr := c.p.storeContent(ctx, nil, source, ContentProcessingError,
				(&ErrScript{Stage: "preprocessor", Err: err}).Error(), "TEXT"); serr != nil {
				c.logger.Error("storing preprocessor error failed", "msg", source.MessageID, "err", serr)
			}
			continue
		}
		if s, ok := v.(string); ok && s != raw {
			raw = s
			modified = true
		}
	}
	if modified {
		if err := c.p.storeContent(ctx, nil, source, ContentProcessedRaw, raw, c.source.inbound.Name()); err != nil {
			c.logger.Error("storing processed raw failed", "msg", source.MessageID, "err", err)
		}
	}
	return raw
}

// sourceFilterTransform runs the source filter and transformer, leaving the
// source in FILTERED or TRANSFORMED with its ENCODED content set.
func (c *Channel) sourceFilterTransform(ctx context.Context, source *ConnectorMessage, raw string) (bool, error) {
	s := c.source
	msg, err := s.inbound.ToXML(raw)
	if err != nil {
		return false, &ErrValidation{DataType: s.inbound.Name(), Err: err}
	}

	chanSnap := source.ChannelMap().Snapshot()
	connSnap := source.ConnectorMap().Snapshot()
	respSnap := source.ResponseMap().Snapshot()

	dset := c.destinationSet()
	scope := connectorScope(source, msg, dset)
	source.dset = dset

	if s.ft != nil && s.ft.Filter != nil {
		accepted, err := s.ft.Filter.Accept(ctx, c.exec, scope)
		if err != nil {
			return false, err
		}
		if !accepted {
			source.ChannelMap().ReplaceAll(chanSnap)
			source.ConnectorMap().ReplaceAll(connSnap)
			source.ResponseMap().ReplaceAll(respSnap)
			if err := c.p.updateStatus(ctx, source, StatusFiltered); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	transformed := msg
	if s.ft != nil && s.ft.Transformer != nil {
		transformed, err = s.ft.Transformer.Run(ctx, c.exec, scope, msg)
		if err != nil {
			return false, err
		}
		if err := c.p.storeContent(ctx, nil, source, ContentTransformed, transformed, "XML"); err != nil {
			return false, err
		}
	}
	encoded, err := s.outbound.FromXML(transformed)
	if err != nil {
		return false, &ErrValidation{DataType: s.outbound.Name(), Err: err}
	}
	if err := c.p.storeContent(ctx, nil, source, ContentEncoded, encoded, s.outbound.Name()); err != nil {
		return false, err
	}
	if err := c.p.storeMaps(ctx, nil, source); err != nil {
		return false, err
	}
	return true, c.p.updateStatus(ctx, source, StatusTransformed)
}

// recordSourceError finalizes the source in ERROR with PROCESSING_ERROR
// content.
func (c *Channel) recordSourceError(ctx context.Context, source *ConnectorMessage, err error) {
	if serr := c.p.storeContent(ctx, nil, source, ContentProcessingError, err.Error(), "TEXT"); serr != nil {
		c.logger.Error("storing processing error failed", "msg", source.MessageID, "err", serr)
	}
	if uerr := c.p.updateStatus(ctx, source, StatusError); uerr != nil {
		c.logger.Error("persisting source error status failed", "msg", source.MessageID, "err", uerr)
	}
}

// destinationSet builds the fan-out control over all configured destinations.
func (c *Channel) destinationSet() *DestinationSet {
	byName := make(map[string]int)
	for _, chain := range c.chains {
		for _, d := range chain.destinations {
			byName[d.Name] = d.MetaDataID
		}
	}
	return NewDestinationSet(byName)
}

// fanOut runs every destination chain concurrently and waits for all of
// them. Each chain receives its own copy of the source channelMap; the
// responseMap is likewise per chain.
func (c *Channel) fanOut(ctx context.Context, m *Message, source *ConnectorMessage) {
	dset := source.dset
	if dset == nil {
		dset = c.destinationSet()
	}
	var wg sync.WaitGroup
	for _, chain := range c.chains {
		channelMap := source.ChannelMap().Copy()
		responseMap := source.ResponseMap().Copy()
		wg.Add(1)
		go func(chain *DestinationChain, channelMap, responseMap *KeyMap) {
			defer wg.Done()
			if err := chain.Process(ctx, m, source, channelMap, responseMap, dset); err != nil {
				c.logger.Error("destination chain failed",
					"channel", c.ID, "chain", chain.ChainID, "msg", m.ID, "err", err)
			}
		}(chain, channelMap, responseMap)
	}
	wg.Wait()
}

// runPostprocessor applies the channel then global postprocessor over the
// merged view of the message. A string result persists as
// PROCESSED_RESPONSE; errors are recorded as POSTPROCESSOR_ERROR.
func (c *Channel) runPostprocessor(ctx context.Context, m *Message, source *ConnectorMessage) {
	if c.scripts.Postprocessor == "" && c.scripts.GlobalPostprocessor == "" {
		return
	}
	merged := NewKeyMap()
	for _, cm := range m.ConnectorMessages() {
		if cm.MetaDataID == 0 {
			continue
		}
		for k, v := range cm.ResponseMap().Snapshot() {
			merged.Put(k, v)
		}
	}
	scope := connectorScope(source, source.ContentText(ContentEncoded), nil)
	scope["responseMap"] = merged

	for _, script := range []string{c.scripts.Postprocessor, c.scripts.GlobalPostprocessor} {
		if script == "" {
			continue
		}
		v, err := c.exec.Execute(ctx, script, scope)
		if err != nil {
			c.logger.Warn("postprocessor failed", "channel", c.ID, "msg", m.ID, "err", err)
			if serr := c.p.storeContent(ctx, nil, source, ContentPostprocessorError,
				(&ErrScript{Stage: "postprocessor", Err: err}).Error(), "TEXT"); serr != nil {
				c.logger.Error("storing postprocessor error failed", "msg", m.ID, "err", serr)
			}
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			if err := c.p.storeContent(ctx, nil, source, ContentProcessedResponse, s, "TEXT"); err != nil {
				c.logger.Error("storing processed response failed", "msg", m.ID, "err", err)
			}
		}
	}
}

// --- Message operations ---

// ResetMessage reopens a message for reprocessing: processed=false and every
// destination back to PENDING with cleared send state. Queued copies are
// discarded first so a stale checkout cannot race the reset.
func (c *Channel) ResetMessage(ctx context.Context, messageID int64) error {
	c.eachQueue(func(q *DestinationQueue) { q.MarkAsDeleted(messageID) })
	return c.p.inTx(ctx, func(tx Tx) error {
		return tx.ResetMessage(ctx, c.ID, messageID)
	})
}

// Reprocess dispatches a copy of an existing message through the pipeline as
// a new message whose OriginalID points back at the source. Stored
// attachments are resolved into the raw first so extraction re-runs under the
// new message id.
func (c *Channel) Reprocess(ctx context.Context, messageID int64) (*Message, error) {
	m, err := c.p.loadMessage(ctx, c.ID, messageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("channel %s: message %d not found", c.ID, messageID)
	}
	src := m.Source()
	if src == nil {
		return nil, fmt.Errorf("channel %s: message %d has no source connector message", c.ID, messageID)
	}
	raw := src.ContentText(ContentRaw)
	if raw == "" {
		return nil, fmt.Errorf("channel %s: message %d has no raw content", c.ID, messageID)
	}
	raw, err = c.p.reattach(ctx, src, raw)
	if err != nil {
		return nil, err
	}
	return c.source.dispatch(ctx, raw, src.SourceMap().Snapshot(), &messageID)
}

// DeleteMessage removes a message and all children in child-first order,
// coordinating with destination queues so an acquired copy is discarded.
func (c *Channel) DeleteMessage(ctx context.Context, messageID int64) error {
	c.eachQueue(func(q *DestinationQueue) { q.MarkAsDeleted(messageID) })
	return c.p.inTx(ctx, func(tx Tx) error {
		return tx.DeleteMessage(ctx, c.ID, messageID)
	})
}

// ResetStatistics zeroes counters in scope, both in memory and persisted.
func (c *Channel) ResetStatistics(ctx context.Context, scope StatScope) error {
	err := c.p.inTx(ctx, func(tx Tx) error {
		return tx.ResetStatistics(ctx, c.ID, scope)
	})
	if err != nil {
		return err
	}
	c.stats.Reset(scope)
	return nil
}

// Destinations returns every destination across the channel's chains, in
// chain order.
func (c *Channel) Destinations() []*Destination {
	var out []*Destination
	for _, chain := range c.chains {
		out = append(out, chain.destinations...)
	}
	return out
}

func (c *Channel) eachQueue(fn func(q *DestinationQueue)) {
	for _, chain := range c.chains {
		for _, d := range chain.destinations {
			if d.queue != nil {
				fn(d.queue)
			}
		}
	}
}
