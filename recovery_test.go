package plexus

import (
	"context"
	"errors"
	"testing"
)

func seedUnprocessedMessage(t *testing.T, store *memStore, id int64, serverID string, cms ...*ConnectorMessage) {
	t.Helper()
	ctx := context.Background()
	if err := store.InsertMessage(ctx, &Message{ID: id, ChannelID: testChannelID, ServerID: serverID}); err != nil {
		t.Fatal(err)
	}
	for _, cm := range cms {
		cm.ChannelID = testChannelID
		cm.MessageID = id
		cm.ServerID = serverID
		if err := store.InsertConnectorMessage(ctx, cm, false); err != nil {
			t.Fatal(err)
		}
	}
}

func newRecoveryTask(store *memStore) *RecoveryTask {
	p := &persister{
		store:    store,
		storage:  SettingsForMode(StorageDevelopment),
		stats:    NewStatistics(testChannelID),
		acc:      NewAccumulator(testChannelID),
		serverID: "server-A",
		retries:  3,
		logger:   nopLogger,
	}
	return &RecoveryTask{p: p, channelID: testChannelID, serverID: "server-A", logger: nopLogger}
}

func TestRecoveryResolvesReceivedAndPending(t *testing.T) {
	store := newMemStore()
	// M1: crashed before the source finished.
	seedUnprocessedMessage(t, store, 1, "server-A",
		&ConnectorMessage{MetaDataID: 0, ConnectorName: "Source", Status: StatusReceived})
	// M2: source done, destination never started.
	seedUnprocessedMessage(t, store, 2, "server-A",
		&ConnectorMessage{MetaDataID: 0, ConnectorName: "Source", Status: StatusTransformed},
		&ConnectorMessage{MetaDataID: 1, ConnectorName: "D1", Status: StatusPending})
	// M3: belongs to another host; recovery must not touch it.
	seedUnprocessedMessage(t, store, 3, "server-B",
		&ConnectorMessage{MetaDataID: 0, ConnectorName: "Source", Status: StatusReceived})
	// M4: a queued destination resumes via its queue worker, not recovery.
	seedUnprocessedMessage(t, store, 4, "server-A",
		&ConnectorMessage{MetaDataID: 0, ConnectorName: "Source", Status: StatusTransformed},
		&ConnectorMessage{MetaDataID: 1, ConnectorName: "D1", Status: StatusQueued})

	task := newRecoveryTask(store)
	res, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if res.Recovered != 2 || res.Errors != 0 {
		t.Fatalf("result = %+v, want 2 recovered", res)
	}

	requireStatus(t, store, 1, 0, StatusError)
	if c, ok := store.contentRow(testChannelID, 1, 0, ContentProcessingError); !ok ||
		c.Content != "Message recovered after server restart. Original status: R" {
		t.Fatalf("M1 error content = %+v, ok=%v", c, ok)
	}
	if processed, _ := store.messageRow(testChannelID, 1); !processed {
		t.Fatal("M1 not marked processed")
	}

	requireStatus(t, store, 2, 0, StatusTransformed)
	requireStatus(t, store, 2, 1, StatusError)
	if c, ok := store.contentRow(testChannelID, 2, 1, ContentProcessingError); !ok ||
		c.Content != "Message recovered after server restart. Original status: P" {
		t.Fatalf("M2 error content = %+v, ok=%v", c, ok)
	}
	if processed, _ := store.messageRow(testChannelID, 2); !processed {
		t.Fatal("M2 not marked processed")
	}

	requireStatus(t, store, 3, 0, StatusReceived)
	if processed, _ := store.messageRow(testChannelID, 3); processed {
		t.Fatal("M3 belongs to server-B but was recovered")
	}

	requireStatus(t, store, 4, 1, StatusQueued)
	if processed, _ := store.messageRow(testChannelID, 4); processed {
		t.Fatal("M4 has a queued destination but was closed")
	}

	if got := task.p.stats.ChannelTotals().Errored; got != 2 {
		t.Fatalf("in-memory ERROR total = %d, want 2", got)
	}
	if db := store.statRow(testChannelID, 0, "server-A"); db.Errored != 1 {
		t.Fatalf("persisted source ERROR = %d, want 1", db.Errored)
	}
	if db := store.statRow(testChannelID, 1, "server-A"); db.Errored != 1 {
		t.Fatalf("persisted D1 ERROR = %d, want 1", db.Errored)
	}
}

func TestRecoveryIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedUnprocessedMessage(t, store, 1, "server-A",
		&ConnectorMessage{MetaDataID: 0, ConnectorName: "Source", Status: StatusReceived})

	task := newRecoveryTask(store)
	if res, err := task.Run(context.Background()); err != nil || res.Recovered != 1 {
		t.Fatalf("first run = %+v, %v", res, err)
	}
	res, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Recovered != 0 || res.Errors != 0 {
		t.Fatalf("second run = %+v, want zero mutations", res)
	}
	if db := store.statRow(testChannelID, 0, "server-A"); db.Errored != 1 {
		t.Fatalf("persisted ERROR = %d after rerun, want 1", db.Errored)
	}
}

func TestRecoveryIsolatesPerMessageFailures(t *testing.T) {
	store := newMemStore()
	seedUnprocessedMessage(t, store, 1, "server-A",
		&ConnectorMessage{MetaDataID: 0, ConnectorName: "Source", Status: StatusReceived})
	seedUnprocessedMessage(t, store, 2, "server-A",
		&ConnectorMessage{MetaDataID: 0, ConnectorName: "Source", Status: StatusReceived})

	store.failNext = errors.New("disk full")
	task := newRecoveryTask(store)
	res, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if res.Recovered != 1 || res.Errors != 1 {
		t.Fatalf("result = %+v, want one recovered and one error", res)
	}
	requireStatus(t, store, 2, 0, StatusError)
}
