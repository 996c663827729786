package plexus

import (
	"context"
	"fmt"
	"log/slog"
)

// RecoveryResult summarizes one recovery sweep.
type RecoveryResult struct {
	Recovered int
	Errors    int
}

// RecoveryTask resolves in-flight messages left behind by a crash. It runs
// at channel start, scoped to this host's serverId: every unprocessed
// message's connectors still in RECEIVED or PENDING transition to ERROR, and
// the message closes. Connectors in QUEUED or TRANSFORMED are left alone;
// the destination queue workers resume them.
type RecoveryTask struct {
	p         *persister
	channelID string
	serverID  string
	logger    *slog.Logger
}

// Run executes the sweep. A per-message failure is logged and counted but
// does not abort recovery of the remaining messages. Re-running on an
// already-recovered channel performs zero mutations.
func (t *RecoveryTask) Run(ctx context.Context) (RecoveryResult, error) {
	var res RecoveryResult
	messages, err := t.p.store.UnfinishedMessages(ctx, t.channelID, t.serverID)
	if err != nil {
		return res, fmt.Errorf("scan unfinished messages: %w", err)
	}
	for _, m := range messages {
		for _, cm := range m.ConnectorMessages() {
			t.p.decryptConnectorMessage(cm)
		}
		recovered, err := t.recoverOne(ctx, m)
		if err != nil {
			res.Errors++
			t.logger.Error("message recovery failed",
				"channel", t.channelID, "msg", m.ID, "err", err)
			continue
		}
		if recovered {
			res.Recovered++
		}
	}
	return res, nil
}

func (t *RecoveryTask) recoverOne(ctx context.Context, m *Message) (bool, error) {
	type target struct {
		cm       *ConnectorMessage
		original Status
	}
	var targets []target
	unfinished := false
	for _, cm := range m.ConnectorMessages() {
		switch {
		case cm.Status == StatusReceived || cm.Status == StatusPending:
			targets = append(targets, target{cm, cm.Status})
		case cm.Status.Terminal():
		case cm.MetaDataID == 0 && cm.Status == StatusTransformed:
		default:
			// QUEUED (or a mid-flight destination): the queue workers resume
			// it, and they close the message once it settles.
			unfinished = true
		}
	}
	if len(targets) == 0 && unfinished {
		return false, nil
	}

	err := t.p.inTx(ctx, func(tx Tx) error {
		for _, tg := range targets {
			// Restore before mutating so a deadlock-retried run starts clean.
			tg.cm.Status = tg.original
		}
		for _, tg := range targets {
			content := tg.cm.newContent(ContentProcessingError,
				fmt.Sprintf("Message recovered after server restart. Original status: %c", tg.original),
				"TEXT")
			tg.cm.SetContent(content)
			if err := tx.StoreContent(ctx, content); err != nil {
				return err
			}
			tg.cm.Status = StatusError
			if err := tx.UpdateStatus(ctx, tg.cm); err != nil {
				return err
			}
		}
		// Stage statistics only once every row mutation succeeded, so a
		// lock-contention rerun cannot double count.
		for _, tg := range targets {
			t.p.accumulate(tg.cm, StatusError)
		}
		if err := t.p.acc.Flush(ctx, tx); err != nil {
			return err
		}
		if unfinished {
			return nil
		}
		return tx.MarkProcessed(ctx, m.ChannelID, m.ID)
	})
	if err != nil {
		return false, err
	}
	for _, tg := range targets {
		t.p.stats.UpdateStatus(tg.cm.MetaDataID, tg.cm.ServerID, StatusError, 0)
	}
	if !unfinished {
		m.Processed = true
	}
	return true, nil
}
