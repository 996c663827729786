package plexus

import (
	"context"
	"strings"
	"testing"
)

const testChannelID = "chan-1"

func startChannel(t *testing.T, store *memStore, opts ...ChannelOption) *Channel {
	t.Helper()
	Globals().Reset()
	c := NewChannel(testChannelID, "Test Channel", "server-A", store, stubExecutor{}, opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start channel: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Stop(context.Background()); err != nil {
			t.Errorf("stop channel: %v", err)
		}
		Globals().Reset()
	})
	return c
}

func requireStatus(t *testing.T, store *memStore, messageID int64, metaDataID int, want Status) {
	t.Helper()
	row, ok := store.cmRow(testChannelID, messageID, metaDataID)
	if !ok {
		t.Fatalf("no connector message row for metaDataId %d", metaDataID)
	}
	if row.status != want {
		t.Fatalf("metaDataId %d status = %s, want %s", metaDataID, row.status, want)
	}
}

func TestDispatchTwoDestinationsSent(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{response: "ack-1"}
	a2 := &recordingAdapter{}
	src := NewSource("Test Source", nopSourceAdapter{},
		WithSourceFilterTransformer(&FilterTransformer{
			Transformer: &Transformer{Steps: []Step{
				{Name: "set patient", Script: "set:channelMap:patientName:test"},
			}},
		}))
	c := startChannel(t, store,
		WithSource(src),
		WithDestinationChain(
			NewDestination(1, "D1", a1),
			NewDestination(2, "D2", a2),
		),
	)

	raw := "<root><name>test</name></root>"
	m, err := c.DispatchRaw(context.Background(), raw, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	requireStatus(t, store, m.ID, 0, StatusTransformed)
	requireStatus(t, store, m.ID, 1, StatusSent)
	requireStatus(t, store, m.ID, 2, StatusSent)

	processed, ok := store.messageRow(testChannelID, m.ID)
	if !ok || !processed {
		t.Fatalf("message processed = %v, want true", processed)
	}

	if got := m.Source().ChannelMap().GetString("patientName"); got != "test" {
		t.Fatalf("channelMap.patientName = %q, want %q", got, "test")
	}
	if a1.sentCount() != 1 || a1.sentAt(0) != raw {
		t.Fatalf("D1 sent %d messages, first %q", a1.sentCount(), a1.sentAt(0))
	}
	if c, ok := store.contentRow(testChannelID, m.ID, 1, ContentResponse); !ok || c.Content != "ack-1" {
		t.Fatalf("D1 response content = %+v, ok=%v", c, ok)
	}

	st := c.Statistics()
	if st.Received != 1 || st.Sent != 2 || st.Filtered != 0 || st.Errored != 0 {
		t.Fatalf("channel statistics = %+v", st)
	}
	if db := store.statRow(testChannelID, 0, "server-A"); db.Received != 1 {
		t.Fatalf("persisted source RECEIVED = %d, want 1", db.Received)
	}
	if db := store.statRow(testChannelID, 1, "server-A"); db.Sent != 1 {
		t.Fatalf("persisted D1 SENT = %d, want 1", db.Sent)
	}
}

func TestSourceFilterReject(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	src := NewSource("Test Source", nopSourceAdapter{},
		WithSourceFilterTransformer(&FilterTransformer{
			Filter: &Filter{Rules: []Rule{{Name: "name match", Script: "contains:DOE"}}},
		}))
	c := startChannel(t, store,
		WithSource(src),
		WithDestinationChain(NewDestination(1, "D1", a1)),
	)

	m, err := c.DispatchRaw(context.Background(), "<msg><name>SMITH</name></msg>", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	requireStatus(t, store, m.ID, 0, StatusFiltered)
	if _, ok := store.cmRow(testChannelID, m.ID, 1); ok {
		t.Fatal("destination row created for a filtered message")
	}
	if a1.sentCount() != 0 {
		t.Fatalf("D1 sent %d messages, want 0", a1.sentCount())
	}
	processed, _ := store.messageRow(testChannelID, m.ID)
	if !processed {
		t.Fatal("filtered message not marked processed")
	}

	st := c.Statistics()
	if st.Received != 1 || st.Filtered != 1 || st.Sent != 0 || st.Errored != 0 {
		t.Fatalf("channel statistics = %+v", st)
	}
}

func TestFilterRejectRollsBackMapWrites(t *testing.T) {
	store := newMemStore()
	src := NewSource("Test Source", nopSourceAdapter{},
		WithSourceFilterTransformer(&FilterTransformer{
			Filter: &Filter{Rules: []Rule{
				{Name: "writes global", Script: "setfalse:globalMap:g:1"},
				{Name: "writes channel", Operator: OpOr, Script: "setfalse:channelMap:x:1"},
			}},
		}))
	c := startChannel(t, store,
		WithSource(src),
		WithDestinationChain(NewDestination(1, "D1", &recordingAdapter{})),
	)

	m, err := c.DispatchRaw(context.Background(), "payload", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	requireStatus(t, store, m.ID, 0, StatusFiltered)

	if got := Globals().Global().GetString("g"); got != "1" {
		t.Fatalf("globalMap.g = %q, want %q (global writes survive a reject)", got, "1")
	}
	if _, ok := m.Source().ChannelMap().Get("x"); ok {
		t.Fatal("channelMap write survived a filter reject")
	}
}

func TestChainStopsOnDestinationError(t *testing.T) {
	store := newMemStore()
	failing := &recordingAdapter{sendFn: func(attempt int, cm *ConnectorMessage) error {
		return &ErrApplication{Kind: "nak", Message: "rejected by receiver"}
	}}
	a2 := &recordingAdapter{}
	a3 := &recordingAdapter{}
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(
			NewDestination(1, "D1", failing),
			NewDestination(2, "D2", a2),
		),
		WithDestinationChain(NewDestination(3, "D3", a3)),
	)

	m, err := c.DispatchRaw(context.Background(), "payload", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	requireStatus(t, store, m.ID, 1, StatusError)
	if _, ok := store.cmRow(testChannelID, m.ID, 2); ok {
		t.Fatal("D2 ran after its chain stopped on error")
	}
	requireStatus(t, store, m.ID, 3, StatusSent)
	if a2.sentCount() != 0 || a3.sentCount() != 1 {
		t.Fatalf("sent counts: D2=%d D3=%d", a2.sentCount(), a3.sentCount())
	}

	if c, ok := store.contentRow(testChannelID, m.ID, 1, ContentProcessingError); !ok ||
		!strings.Contains(c.Content, "rejected by receiver") {
		t.Fatalf("D1 error content = %+v, ok=%v", c, ok)
	}

	st := c.Statistics()
	if st.Errored != 1 || st.Sent != 1 {
		t.Fatalf("channel statistics = %+v", st)
	}
}

func TestChainOutputFeedsNextDestination(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	a2 := &recordingAdapter{}
	d1 := NewDestination(1, "D1", a1,
		WithDestinationFilterTransformer(&FilterTransformer{
			Transformer: &Transformer{Steps: []Step{{Name: "suffix", Script: "append:-d1"}}},
		}))
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(d1, NewDestination(2, "D2", a2)),
	)

	if _, err := c.DispatchRaw(context.Background(), "msg", nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if a1.sentAt(0) != "msg-d1" {
		t.Fatalf("D1 sent %q, want %q", a1.sentAt(0), "msg-d1")
	}
	if a2.sentAt(0) != "msg-d1" {
		t.Fatalf("D2 received %q, want D1's encoded output %q", a2.sentAt(0), "msg-d1")
	}
}

func TestChannelMapSharedInChainCopiedAcrossChains(t *testing.T) {
	store := newMemStore()
	src := NewSource("Test Source", nopSourceAdapter{},
		WithSourceFilterTransformer(&FilterTransformer{
			Transformer: &Transformer{Steps: []Step{{Name: "seed", Script: "set:channelMap:k:v"}}},
		}))
	d1 := NewDestination(1, "D1", &recordingAdapter{},
		WithDestinationFilterTransformer(&FilterTransformer{
			Transformer: &Transformer{Steps: []Step{{Name: "mutate", Script: "set:channelMap:k:w"}}},
		}))
	// Sees D1's write: same chain shares the map by reference.
	d2 := NewDestination(2, "D2", &recordingAdapter{},
		WithDestinationFilterTransformer(&FilterTransformer{
			Filter: &Filter{Rules: []Rule{{Name: "saw mutation", Script: "eq:channelMap:k:w"}}},
		}))
	// Sees the fork-time value: sibling chains get a copy.
	d3 := NewDestination(3, "D3", &recordingAdapter{},
		WithDestinationFilterTransformer(&FilterTransformer{
			Filter: &Filter{Rules: []Rule{{Name: "unaffected", Script: "eq:channelMap:k:v"}}},
		}))
	c := startChannel(t, store,
		WithSource(src),
		WithDestinationChain(d1, d2),
		WithDestinationChain(d3),
	)

	m, err := c.DispatchRaw(context.Background(), "payload", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	requireStatus(t, store, m.ID, 2, StatusSent)
	requireStatus(t, store, m.ID, 3, StatusSent)
}

func TestDestinationSetRemoveSkipsDestination(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	a2 := &recordingAdapter{}
	src := NewSource("Test Source", nopSourceAdapter{},
		WithSourceFilterTransformer(&FilterTransformer{
			Transformer: &Transformer{Steps: []Step{{Name: "drop D2", Script: "remove-dest:D2"}}},
		}))
	c := startChannel(t, store,
		WithSource(src),
		WithDestinationChain(
			NewDestination(1, "D1", a1),
			NewDestination(2, "D2", a2),
		),
	)

	m, err := c.DispatchRaw(context.Background(), "payload", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	requireStatus(t, store, m.ID, 1, StatusSent)
	requireStatus(t, store, m.ID, 2, StatusFiltered)
	if a2.sentCount() != 0 {
		t.Fatalf("removed destination sent %d messages", a2.sentCount())
	}
}

func TestPreprocessorModifiesRaw(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(NewDestination(1, "D1", a1)),
		WithScripts(ScriptSet{Preprocessor: "append:-pre"}),
	)

	m, err := c.DispatchRaw(context.Background(), "msg", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if c, ok := store.contentRow(testChannelID, m.ID, 0, ContentProcessedRaw); !ok || c.Content != "msg-pre" {
		t.Fatalf("PROCESSED_RAW = %+v, ok=%v", c, ok)
	}
	if a1.sentAt(0) != "msg-pre" {
		t.Fatalf("D1 sent %q, want preprocessed %q", a1.sentAt(0), "msg-pre")
	}
}

func TestPreprocessorErrorDoesNotStopPipeline(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(NewDestination(1, "D1", a1)),
		WithScripts(ScriptSet{Preprocessor: "fail:boom"}),
	)

	m, err := c.DispatchRaw(context.Background(), "msg", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	requireStatus(t, store, m.ID, 1, StatusSent)
	if c, ok := store.contentRow(testChannelID, m.ID, 0, ContentProcessingError); !ok ||
		!strings.Contains(c.Content, "boom") {
		t.Fatalf("PROCESSING_ERROR = %+v, ok=%v", c, ok)
	}
}

func TestPostprocessorStoresProcessedResponse(t *testing.T) {
	store := newMemStore()
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(NewDestination(1, "D1", &recordingAdapter{response: "ack"})),
		WithScripts(ScriptSet{Postprocessor: "return:done"}),
	)

	m, err := c.DispatchRaw(context.Background(), "msg", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if c, ok := store.contentRow(testChannelID, m.ID, 0, ContentProcessedResponse); !ok || c.Content != "done" {
		t.Fatalf("PROCESSED_RESPONSE = %+v, ok=%v", c, ok)
	}
}

func TestSourceTransformerErrorSkipsDestinations(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	src := NewSource("Test Source", nopSourceAdapter{},
		WithSourceFilterTransformer(&FilterTransformer{
			Transformer: &Transformer{Steps: []Step{{Name: "explode", Script: "fail:bad script"}}},
		}))
	c := startChannel(t, store,
		WithSource(src),
		WithDestinationChain(NewDestination(1, "D1", a1)),
	)

	m, err := c.DispatchRaw(context.Background(), "msg", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	requireStatus(t, store, m.ID, 0, StatusError)
	if _, ok := store.cmRow(testChannelID, m.ID, 1); ok {
		t.Fatal("destination ran after a source script error")
	}
	processed, _ := store.messageRow(testChannelID, m.ID)
	if !processed {
		t.Fatal("errored message not marked processed")
	}
	st := c.Statistics()
	if st.Received != 1 || st.Errored != 1 {
		t.Fatalf("channel statistics = %+v", st)
	}
}

func TestResponseTransformerRuns(t *testing.T) {
	store := newMemStore()
	d1 := NewDestination(1, "D1", &recordingAdapter{response: "ack"},
		WithResponseTransformer(&Transformer{Steps: []Step{{Name: "suffix", Script: "append:-rt"}}}))
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(d1),
	)

	m, err := c.DispatchRaw(context.Background(), "msg", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	requireStatus(t, store, m.ID, 1, StatusSent)
	if c, ok := store.contentRow(testChannelID, m.ID, 1, ContentResponseTransformed); !ok || c.Content != "ack-rt" {
		t.Fatalf("RESPONSE_TRANSFORMED = %+v, ok=%v", c, ok)
	}
	if got := m.ConnectorMessage(1).ResponseMap().GetString("D1"); got != "ack-rt" {
		t.Fatalf("responseMap.D1 = %q, want %q", got, "ack-rt")
	}
}

// namedDataType is an identity data type with a configurable name.
type namedDataType struct{ name string }

func (d namedDataType) Name() string                     { return d.name }
func (d namedDataType) ToXML(raw string) (string, error) { return raw, nil }
func (d namedDataType) FromXML(x string) (string, error) { return x, nil }

func TestDestinationRawCarriesProducerDataType(t *testing.T) {
	store := newMemStore()
	src := NewSource("Test Source", nopSourceAdapter{},
		WithSourceDataTypes(namedDataType{"WIRE"}, namedDataType{"WIRE"}))
	d1 := NewDestination(1, "D1", &recordingAdapter{},
		WithDestinationDataTypes(namedDataType{"INNER"}, namedDataType{"INNER"}))
	d2 := NewDestination(2, "D2", &recordingAdapter{})
	c := startChannel(t, store,
		WithSource(src),
		WithDestinationChain(d1, d2),
	)

	m, err := c.DispatchRaw(context.Background(), "msg", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// D1 consumes the source's encoded output, so its RAW is typed by the
	// source's outbound data type.
	if row, ok := store.contentRow(testChannelID, m.ID, 1, ContentRaw); !ok || row.DataType != "WIRE" {
		t.Fatalf("D1 RAW data type = %q, want %q", row.DataType, "WIRE")
	}
	// D2 consumes D1's encoded output.
	if row, ok := store.contentRow(testChannelID, m.ID, 2, ContentRaw); !ok || row.DataType != "INNER" {
		t.Fatalf("D2 RAW data type = %q, want %q", row.DataType, "INNER")
	}
}

func TestReprocessDispatchesNewMessage(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(NewDestination(1, "D1", a1)),
	)

	ctx := context.Background()
	m, err := c.DispatchRaw(ctx, "msg", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	m2, err := c.Reprocess(ctx, m.ID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if m2.ID == m.ID {
		t.Fatalf("reprocess reused message id %d", m.ID)
	}
	if m2.OriginalID == nil || *m2.OriginalID != m.ID {
		t.Fatalf("reprocessed OriginalID = %v, want %d", m2.OriginalID, m.ID)
	}
	requireStatus(t, store, m2.ID, 1, StatusSent)
	if a1.sentCount() != 2 || a1.sentAt(1) != "msg" {
		t.Fatalf("D1 sent %d messages, last %q", a1.sentCount(), a1.sentAt(a1.sentCount()-1))
	}

	persisted, err := store.Message(ctx, testChannelID, m2.ID)
	if err != nil || persisted == nil {
		t.Fatalf("load reprocessed message: %v", err)
	}
	if persisted.OriginalID == nil || *persisted.OriginalID != m.ID {
		t.Fatalf("persisted OriginalID = %v, want %d", persisted.OriginalID, m.ID)
	}
}

func TestReprocessUnknownMessage(t *testing.T) {
	store := newMemStore()
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(NewDestination(1, "D1", &recordingAdapter{})),
	)
	if _, err := c.Reprocess(context.Background(), 99); err == nil {
		t.Fatal("reprocess of an unknown message succeeded")
	}
}

func TestRegexAttachmentReattachedOnSend(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	handler, err := NewRegexAttachmentHandler(`BLOB[0-9]+`, "")
	if err != nil {
		t.Fatalf("compile handler: %v", err)
	}
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(NewDestination(1, "D1", a1)),
		WithAttachmentHandler(handler),
	)

	raw := "before BLOB123 after"
	m, err := c.DispatchRaw(context.Background(), raw, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The pipeline carries the token; the delivered content carries the data.
	if row, ok := store.contentRow(testChannelID, m.ID, 0, ContentRaw); !ok ||
		!strings.Contains(row.Content, "${ATTACH:") || strings.Contains(row.Content, "BLOB123") {
		t.Fatalf("stored RAW = %+v, want tokenized content", row)
	}
	if a1.sentAt(0) != raw {
		t.Fatalf("D1 sent %q, want reattached %q", a1.sentAt(0), raw)
	}

	store.mu.Lock()
	atts := store.channel(testChannelID).attachments[m.ID]
	store.mu.Unlock()
	if len(atts) != 1 || string(atts[0].Content) != "BLOB123" {
		t.Fatalf("stored attachments = %+v", atts)
	}
}

func TestReprocessResolvesAttachmentsFromOriginal(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	handler, err := NewRegexAttachmentHandler(`BLOB[0-9]+`, "")
	if err != nil {
		t.Fatalf("compile handler: %v", err)
	}
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(NewDestination(1, "D1", a1)),
		WithAttachmentHandler(handler),
	)

	ctx := context.Background()
	raw := "head BLOB77 tail"
	m, err := c.DispatchRaw(ctx, raw, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	m2, err := c.Reprocess(ctx, m.ID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if a1.sentCount() != 2 || a1.sentAt(1) != raw {
		t.Fatalf("reprocessed send = %q, want %q", a1.sentAt(1), raw)
	}
	store.mu.Lock()
	atts := store.channel(testChannelID).attachments[m2.ID]
	store.mu.Unlock()
	if len(atts) != 1 || string(atts[0].Content) != "BLOB77" {
		t.Fatalf("reprocessed attachments = %+v", atts)
	}
}

func TestAttachmentExtraction(t *testing.T) {
	store := newMemStore()
	a1 := &recordingAdapter{}
	c := startChannel(t, store,
		WithSource(NewSource("Test Source", nopSourceAdapter{})),
		WithDestinationChain(NewDestination(1, "D1", a1)),
		WithAttachmentHandler(stripAttachment{}),
	)

	m, err := c.DispatchRaw(context.Background(), "head|BLOB|tail", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if a1.sentAt(0) != "head|tail" {
		t.Fatalf("D1 sent %q, want stripped %q", a1.sentAt(0), "head|tail")
	}
	store.mu.Lock()
	atts := store.channel(testChannelID).attachments[m.ID]
	store.mu.Unlock()
	if len(atts) != 1 || string(atts[0].Content) != "BLOB" {
		t.Fatalf("stored attachments = %+v", atts)
	}
}
