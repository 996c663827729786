// Package vm routes messages between channels inside the same process: a
// channel writer destination dispatches directly into another channel's
// reader source, with no transport in between.
package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/plexushub/plexus"
)

// Router connects writers to readers by target name. Channels deployed in
// the same engine share one router.
type Router struct {
	mu      sync.RWMutex
	targets map[string]plexus.Dispatcher
}

// DefaultRouter is the process-wide router used when none is given.
var DefaultRouter = NewRouter()

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{targets: make(map[string]plexus.Dispatcher)}
}

func (r *Router) register(name string, d plexus.Dispatcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[name]; ok {
		return fmt.Errorf("vm: target %q already registered", name)
	}
	r.targets[name] = d
	return nil
}

func (r *Router) deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, name)
}

func (r *Router) lookup(name string) plexus.Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targets[name]
}

// Reader is the channel reader source adapter: it accepts messages written
// by Writer destinations addressed to its target name.
type Reader struct {
	router *Router
	name   string
}

var _ plexus.SourceAdapter = (*Reader)(nil)

// NewReader returns a reader reachable under name. A nil router uses
// DefaultRouter.
func NewReader(router *Router, name string) *Reader {
	if router == nil {
		router = DefaultRouter
	}
	return &Reader{router: router, name: name}
}

// Start registers the dispatcher under the reader's name.
func (r *Reader) Start(ctx context.Context, d plexus.Dispatcher) error {
	return r.router.register(r.name, d)
}

// Stop removes the registration; writers targeting this reader fail with a
// retryable error until it starts again.
func (r *Reader) Stop(ctx context.Context) error {
	r.router.deregister(r.name)
	return nil
}

// Writer is the channel writer destination adapter.
type Writer struct {
	router *Router
	target string

	mu        sync.Mutex
	delivered map[int64]int64
}

var _ plexus.DestinationAdapter = (*Writer)(nil)

// NewWriter returns a writer that dispatches into the reader registered
// under target. A nil router uses DefaultRouter.
func NewWriter(router *Router, target string) *Writer {
	if router == nil {
		router = DefaultRouter
	}
	return &Writer{router: router, target: target, delivered: make(map[int64]int64)}
}

func (w *Writer) Start(ctx context.Context) error { return nil }
func (w *Writer) Stop(ctx context.Context) error  { return nil }

// Send dispatches the SENT content into the target channel. A stopped or
// undeployed target is a connection error, so queue-enabled writers retry
// until the target comes back.
func (w *Writer) Send(ctx context.Context, cm *plexus.ConnectorMessage) error {
	d := w.router.lookup(w.target)
	if d == nil {
		return &plexus.ErrConnection{Op: "vm send", Err: fmt.Errorf("target channel %q not running", w.target)}
	}
	sourceMap := map[string]any{
		"sourceChannelId": cm.ChannelID,
		"sourceMessageId": cm.MessageID,
	}
	m, err := d.DispatchRaw(ctx, cm.ContentText(plexus.ContentSent), sourceMap)
	if err != nil {
		return plexus.Classify("vm send", err)
	}
	w.mu.Lock()
	w.delivered[cm.MessageID] = m.ID
	w.mu.Unlock()
	return nil
}

// Response reports the message id assigned by the target channel.
func (w *Writer) Response(cm *plexus.ConnectorMessage) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.delivered[cm.MessageID]
	if !ok {
		return ""
	}
	delete(w.delivered, cm.MessageID)
	return fmt.Sprintf("Message routed to %s as message %d", w.target, id)
}
