// Package observer provides OTEL-based observability for message flow.
//
// It exports the engine's tracked status transitions and destination queue
// depths as metrics via OTLP HTTP. Users export to any OTEL-compatible
// backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/plexushub/plexus"
)

const scopeName = "github.com/plexushub/plexus/observer"

// Instruments holds all OTEL instruments used by the engine bridge.
type Instruments struct {
	Meter metric.Meter

	// Counters, one bump per tracked status transition.
	MessagesReceived metric.Int64Counter
	MessagesFiltered metric.Int64Counter
	MessagesSent     metric.Int64Counter
	MessagesErrored  metric.Int64Counter

	// Gauge over registered destination queues.
	queueDepth metric.Int64ObservableGauge

	mu     sync.Mutex
	queues map[queueKey]func() int
}

type queueKey struct {
	channelID  string
	metaDataID int
}

// Init sets up an OTEL metric provider with an OTLP HTTP exporter.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("plexus")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := NewInstruments(otel.Meter(scopeName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	return inst, mp.Shutdown, nil
}

// NewInstruments builds the instrument set on meter. Split from Init so
// tests can use an in-memory reader.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	inst := &Instruments{
		Meter:  meter,
		queues: make(map[queueKey]func() int),
	}

	var err error
	inst.MessagesReceived, err = meter.Int64Counter("plexus.messages.received",
		metric.WithDescription("Messages accepted by source connectors"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	inst.MessagesFiltered, err = meter.Int64Counter("plexus.messages.filtered",
		metric.WithDescription("Connector messages rejected by a filter"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	inst.MessagesSent, err = meter.Int64Counter("plexus.messages.sent",
		metric.WithDescription("Connector messages delivered by a destination"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	inst.MessagesErrored, err = meter.Int64Counter("plexus.messages.errored",
		metric.WithDescription("Connector messages finishing in error"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	inst.queueDepth, err = meter.Int64ObservableGauge("plexus.queue.depth",
		metric.WithDescription("Messages waiting in destination queues"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(inst.observeQueues, inst.queueDepth)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// RegisterQueue exposes a destination queue's size through the depth gauge.
// The size func is called on every metric collection.
func (i *Instruments) RegisterQueue(channelID string, metaDataID int, size func() int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queues[queueKey{channelID, metaDataID}] = size
}

// DeregisterQueue stops reporting the queue, typically on undeploy.
func (i *Instruments) DeregisterQueue(channelID string, metaDataID int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.queues, queueKey{channelID, metaDataID})
}

func (i *Instruments) observeQueues(ctx context.Context, o metric.Observer) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for key, size := range i.queues {
		o.ObserveInt64(i.queueDepth, int64(size()),
			metric.WithAttributes(
				AttrChannelID.String(key.channelID),
				AttrMetaDataID.Int(key.metaDataID),
			))
	}
	return nil
}

// MessageEvent implements plexus.EventSink: each tracked status transition
// bumps the matching counter.
func (i *Instruments) MessageEvent(ev plexus.MessageEvent) {
	attrs := metric.WithAttributes(
		AttrChannelID.String(ev.ChannelID),
		AttrMetaDataID.Int(ev.MetaDataID),
	)
	ctx := context.Background()
	switch ev.Status {
	case plexus.StatusReceived:
		i.MessagesReceived.Add(ctx, ev.Count, attrs)
	case plexus.StatusFiltered:
		i.MessagesFiltered.Add(ctx, ev.Count, attrs)
	case plexus.StatusSent:
		i.MessagesSent.Add(ctx, ev.Count, attrs)
	case plexus.StatusError:
		i.MessagesErrored.Add(ctx, ev.Count, attrs)
	}
}

var _ plexus.EventSink = (*Instruments)(nil)
