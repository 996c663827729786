package plexus

import (
	"context"
	"log/slog"
	"time"
)

// DestinationChain executes an ordered group of destinations sequentially.
// The first destination consumes the source's ENCODED content as its RAW;
// each later destination consumes the previous destination's ENCODED. An
// ERROR stops the chain; FILTERED, QUEUED, and SENT let it continue. Sibling
// chains are unaffected by this chain's outcome.
type DestinationChain struct {
	ChainID      int
	destinations []*Destination

	p      *persister
	logger *slog.Logger
}

// NewDestinationChain builds a chain over destinations in execution order.
func NewDestinationChain(chainID int, destinations []*Destination, logger *slog.Logger) *DestinationChain {
	if logger == nil {
		logger = nopLogger
	}
	return &DestinationChain{ChainID: chainID, destinations: destinations, logger: logger}
}

// Destinations returns the chain's destinations in order.
func (c *DestinationChain) Destinations() []*Destination { return c.destinations }

func (c *DestinationChain) bind(p *persister) { c.p = p }

// Process runs the chain for one dispatched message. channelMap and
// responseMap are this chain's shared map instances (the channel copies
// channelMap by value per chain and shares it by reference inside the chain).
func (c *DestinationChain) Process(ctx context.Context, m *Message, source *ConnectorMessage, channelMap, responseMap *KeyMap, dset *DestinationSet) error {
	prevEncoded := source.ContentText(ContentEncoded)
	// The RAW handed to a destination is the producing side's ENCODED, so it
	// carries the producer's data type, not the consumer's.
	prevType := "RAW"
	if sc := source.Content(ContentEncoded); sc != nil && sc.DataType != "" {
		prevType = sc.DataType
	}

	for i, d := range c.destinations {
		cm := &ConnectorMessage{
			ChannelID:     source.ChannelID,
			ChannelName:   source.ChannelName,
			MessageID:     m.ID,
			MetaDataID:    d.MetaDataID,
			ServerID:      source.ServerID,
			ConnectorName: d.Name,
			ReceivedDate:  time.Now(),
			Status:        StatusReceived,
			ChainID:       c.ChainID,
			OrderID:       i + 1,
		}
		cm.setMaps(source.SourceMap(), channelMap, NewKeyMap(), responseMap)

		err := c.p.inTx(ctx, func(tx Tx) error {
			apply, err := c.p.insertConnectorMessage(ctx, tx, cm)
			if err != nil {
				return err
			}
			if err := c.p.storeContent(ctx, tx, cm, ContentRaw, prevEncoded, prevType); err != nil {
				return err
			}
			apply()
			return nil
		})
		if err != nil {
			return err
		}
		m.addConnectorMessage(cm)

		if !dset.Enabled(d.MetaDataID) {
			if err := c.p.updateStatus(ctx, cm, StatusFiltered); err != nil {
				return err
			}
			continue
		}

		stop, err := d.process(ctx, cm, dset)
		if err != nil {
			return err
		}
		if stop {
			c.logger.Debug("chain stopped on destination error",
				"chain", c.ChainID, "destination", d.Name, "msg", m.ID)
			return nil
		}
		if enc := cm.Content(ContentEncoded); enc != nil && enc.Content != "" && cm.Status != StatusFiltered {
			prevEncoded = enc.Content
			prevType = enc.DataType
		}
	}
	return nil
}
