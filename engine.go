package plexus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Engine manages the lifecycle of a set of channels sharing one store. A
// deploy failure of one channel never prevents the others from starting.
type Engine struct {
	store    Store
	serverID string
	logger   *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an engine over store. serverID identifies this host for
// recovery partitioning.
func NewEngine(store Store, serverID string, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		serverID: serverID,
		logger:   nopLogger,
		channels: make(map[string]*Channel),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ServerID returns the host identifier used for recovery partitioning.
func (e *Engine) ServerID() string { return e.serverID }

// Init prepares the store's global tables.
func (e *Engine) Init(ctx context.Context) error {
	return e.store.Init(ctx)
}

// Deploy registers and starts a channel.
func (e *Engine) Deploy(ctx context.Context, c *Channel) error {
	e.mu.Lock()
	if _, exists := e.channels[c.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("channel %s: already deployed", c.ID)
	}
	e.channels[c.ID] = c
	e.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		e.mu.Lock()
		delete(e.channels, c.ID)
		e.mu.Unlock()
		return err
	}
	return nil
}

// Undeploy stops and removes a channel.
func (e *Engine) Undeploy(ctx context.Context, channelID string) error {
	e.mu.Lock()
	c, ok := e.channels[channelID]
	delete(e.channels, channelID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s: not deployed", channelID)
	}
	return c.Stop(ctx)
}

// Channel returns a deployed channel by id, or nil.
func (e *Engine) Channel(channelID string) *Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[channelID]
}

// Channels returns the deployed channels.
func (e *Engine) Channels() []*Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Channel, 0, len(e.channels))
	for _, c := range e.channels {
		out = append(out, c)
	}
	return out
}

// StopAll drains every channel gracefully. Errors are logged; the last one
// is returned.
func (e *Engine) StopAll(ctx context.Context) error {
	var lastErr error
	for _, c := range e.Channels() {
		if err := c.Stop(ctx); err != nil {
			e.logger.Error("channel stop failed", "channel", c.ID, "err", err)
			lastErr = err
		}
	}
	return lastErr
}

// HaltAll aborts every channel, cancelling in-flight I/O.
func (e *Engine) HaltAll(ctx context.Context) error {
	var lastErr error
	for _, c := range e.Channels() {
		if err := c.Halt(ctx); err != nil {
			e.logger.Error("channel halt failed", "channel", c.ID, "err", err)
			lastErr = err
		}
	}
	return lastErr
}
