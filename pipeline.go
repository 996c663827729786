package plexus

import (
	"context"
	"log/slog"
)

// persister applies storage gating and transaction scoping to the DAO calls
// made by the pipeline. One persister is shared by a channel's source, chains,
// destinations, and queue workers.
type persister struct {
	store    Store
	storage  StorageSettings
	stats    *Statistics
	acc      *Accumulator
	serverID string
	retries  int
	enc      Encryptor
	logger   *slog.Logger
}

// inTx wraps store.InTransaction with deadlock retry.
func (p *persister) inTx(ctx context.Context, fn func(Tx) error) error {
	return WithRetry(ctx, p.retries, p.logger, func() error {
		return p.store.InTransaction(ctx, fn)
	})
}

// encrypt applies the optional encryptor to c in place.
func (p *persister) encrypt(c *MessageContent) {
	if p.enc == nil || c == nil {
		return
	}
	enc, err := p.enc.Encrypt(c.Content)
	if err != nil {
		p.logger.Warn("content encryption failed, storing plaintext",
			"msg", c.MessageID, "meta", c.MetaDataID, "type", c.Type.String(), "err", err)
		return
	}
	c.Content = enc
	c.Encrypted = true
}

// decryptContent reverses the encryptor on a loaded content slot. An
// undecryptable value is logged and delivered as stored.
func (p *persister) decryptContent(c *MessageContent) {
	if p.enc == nil || c == nil || !c.Encrypted {
		return
	}
	plain, err := p.enc.Decrypt(c.Content)
	if err != nil {
		p.logger.Warn("content decryption failed, treating stored value as plaintext",
			"msg", c.MessageID, "meta", c.MetaDataID, "type", c.Type.String(), "err", err)
		return
	}
	c.Content = plain
	c.Encrypted = false
}

// decryptConnectorMessage decrypts every loaded content slot of cm.
func (p *persister) decryptConnectorMessage(cm *ConnectorMessage) {
	for _, c := range cm.content {
		p.decryptContent(c)
	}
}

// loadMessage reads one message with its content decrypted.
func (p *persister) loadMessage(ctx context.Context, channelID string, messageID int64) (*Message, error) {
	m, err := p.store.Message(ctx, channelID, messageID)
	if err != nil || m == nil {
		return m, err
	}
	for _, cm := range m.ConnectorMessages() {
		p.decryptConnectorMessage(cm)
	}
	return m, nil
}

// storeContent persists one content slot if the storage settings allow it.
// The in-memory slot is always set so the pipeline can keep flowing.
func (p *persister) storeContent(ctx context.Context, tx Tx, cm *ConnectorMessage, t ContentType, content, dataType string) error {
	c := cm.newContent(t, content, dataType)
	cm.SetContent(c)
	allowed := p.storage.StoresContent(t)
	if t == ContentEncoded {
		allowed = p.storage.StoresEncoded(cm.MetaDataID)
	}
	if !allowed {
		return nil
	}
	stored := *c
	p.encrypt(&stored)
	if tx != nil {
		return tx.StoreContent(ctx, &stored)
	}
	return p.inTx(ctx, func(tx Tx) error {
		return tx.StoreContent(ctx, &stored)
	})
}

// updateStatus transitions cm to status and persists the row together with
// its statistics delta in one transaction. Counters are cumulative: entering
// a tracked status increments it; nothing is decremented by the normal flow.
func (p *persister) updateStatus(ctx context.Context, cm *ConnectorMessage, status Status) error {
	previous := cm.Status
	cm.Status = status
	err := p.inTx(ctx, func(tx Tx) error {
		if err := tx.UpdateStatus(ctx, cm); err != nil {
			return err
		}
		p.accumulate(cm, status)
		return p.acc.Flush(ctx, tx)
	})
	if err != nil {
		cm.Status = previous
		return err
	}
	p.stats.UpdateStatus(cm.MetaDataID, cm.ServerID, status, 0)
	return nil
}

// accumulate stages the database statistics increment for entering status.
func (p *persister) accumulate(cm *ConnectorMessage, status Status) {
	if status.Tracked() {
		p.acc.Increment(cm.MetaDataID, cm.ServerID, status, 1)
	}
}

// insertConnectorMessage persists a freshly created connector message and its
// initial statistics and maps.
func (p *persister) insertConnectorMessage(ctx context.Context, tx Tx, cm *ConnectorMessage) (func(), error) {
	if err := tx.InsertConnectorMessage(ctx, cm, p.storage.StoreMaps); err != nil {
		return nil, err
	}
	p.accumulate(cm, cm.Status)
	if err := p.acc.Flush(ctx, tx); err != nil {
		return nil, err
	}
	return func() {
		p.stats.UpdateStatus(cm.MetaDataID, cm.ServerID, cm.Status, 0)
	}, nil
}

// storeMaps persists cm's current map contents when the settings allow.
func (p *persister) storeMaps(ctx context.Context, tx Tx, cm *ConnectorMessage) error {
	if !p.storage.StoreMaps && !p.storage.StoreResponseMap {
		return nil
	}
	do := func(tx Tx) error {
		return tx.UpdateMaps(ctx, cm, !p.storage.StoreMaps)
	}
	if tx != nil {
		return do(tx)
	}
	return p.inTx(ctx, do)
}

// completeMessage marks the message processed once no unfinished connector
// messages remain, then applies the completion cleanup policy. The source
// finishes its work at TRANSFORMED; destinations must reach a terminal
// status.
func (p *persister) completeMessage(ctx context.Context, m *Message) error {
	cms := m.ConnectorMessages()
	for _, cm := range cms {
		if cm.Status.Terminal() {
			continue
		}
		if cm.MetaDataID == 0 && cm.Status == StatusTransformed {
			continue
		}
		return nil
	}
	err := p.inTx(ctx, func(tx Tx) error {
		if err := tx.MarkProcessed(ctx, m.ChannelID, m.ID); err != nil {
			return err
		}
		switch {
		case p.storage.RemoveContentOnCompletion:
			if err := tx.DeleteMessageContent(ctx, m.ChannelID, m.ID); err != nil {
				return err
			}
		case p.storage.RemoveOnlyFilteredOnCompletion:
			for _, cm := range cms {
				if cm.Status != StatusFiltered {
					continue
				}
				if err := tx.DeleteConnectorContent(ctx, m.ChannelID, m.ID, cm.MetaDataID); err != nil {
					return err
				}
			}
		}
		if p.storage.RemoveAttachmentsOnCompletion {
			if err := tx.DeleteAttachments(ctx, m.ChannelID, m.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.Processed = true
	return nil
}
