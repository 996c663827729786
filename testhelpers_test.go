package plexus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// --- In-memory store ---

type cmKey struct {
	messageID  int64
	metaDataID int
}

type contentKey struct {
	messageID  int64
	metaDataID int
	ctype      ContentType
}

type statRowKey struct {
	metaDataID int
	serverID   string
}

type memMessage struct {
	id         int64
	serverID   string
	processed  bool
	originalID *int64
}

type memCM struct {
	metaDataID   int
	serverID     string
	name         string
	status       Status
	sendAttempts int
	chainID      int
	orderID      int
}

type memChannel struct {
	seq         int64
	messages    map[int64]*memMessage
	cms         map[cmKey]*memCM
	content     map[contentKey]MessageContent
	attachments map[int64][]Attachment
	stats       map[statRowKey]*StatSnapshot
}

// memStore is an in-memory Store+Tx used by the package tests. Transactions
// are not rolled back on error; tests only drive it through committing
// paths unless they exercise failures explicitly.
type memStore struct {
	mu       sync.Mutex
	channels map[string]*memChannel

	// failNext, when set, fails the next transaction with this error.
	failNext error
}

var _ Store = (*memStore)(nil)
var _ Tx = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{channels: make(map[string]*memChannel)}
}

func (s *memStore) channel(channelID string) *memChannel {
	ch, ok := s.channels[channelID]
	if !ok {
		ch = &memChannel{
			messages:    make(map[int64]*memMessage),
			cms:         make(map[cmKey]*memCM),
			content:     make(map[contentKey]MessageContent),
			attachments: make(map[int64][]Attachment),
			stats:       make(map[statRowKey]*StatSnapshot),
		}
		s.channels[channelID] = ch
	}
	return ch
}

func (s *memStore) Init(ctx context.Context) error { return nil }

func (s *memStore) EnsureChannel(ctx context.Context, channelID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(channelID)
	return int64(len(s.channels)), nil
}

func (s *memStore) RemoveChannel(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
	return nil
}

func (s *memStore) NextMessageID(ctx context.Context, channelID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	ch.seq++
	return ch.seq, nil
}

func (s *memStore) InTransaction(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	fail := s.failNext
	s.failNext = nil
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return fn(s)
}

func (s *memStore) UnfinishedMessages(ctx context.Context, channelID, serverID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	var ids []int64
	for id, m := range ch.messages {
		if !m.processed && m.serverID == serverID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []*Message
	for _, id := range ids {
		out = append(out, s.assembleLocked(channelID, id))
	}
	return out, nil
}

func (s *memStore) QueuedConnectorMessages(ctx context.Context, channelID string, metaDataID, limit int) ([]*ConnectorMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	var keys []cmKey
	for k, cm := range ch.cms {
		if k.metaDataID == metaDataID && cm.status == StatusQueued {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].messageID < keys[j].messageID })
	var out []*ConnectorMessage
	for _, k := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.assembleCMLocked(channelID, k))
	}
	return out, nil
}

func (s *memStore) Message(ctx context.Context, channelID string, messageID int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channel(channelID).messages[messageID]; !ok {
		return nil, nil
	}
	return s.assembleLocked(channelID, messageID), nil
}

func (s *memStore) assembleLocked(channelID string, messageID int64) *Message {
	ch := s.channel(channelID)
	row := ch.messages[messageID]
	m := &Message{
		ID:         messageID,
		ServerID:   row.serverID,
		ChannelID:  channelID,
		Processed:  row.processed,
		OriginalID: row.originalID,
	}
	for k := range ch.cms {
		if k.messageID == messageID {
			m.AddConnectorMessage(s.assembleCMLocked(channelID, k))
		}
	}
	return m
}

func (s *memStore) assembleCMLocked(channelID string, k cmKey) *ConnectorMessage {
	ch := s.channel(channelID)
	row := ch.cms[k]
	cm := &ConnectorMessage{
		ChannelID:     channelID,
		MessageID:     k.messageID,
		MetaDataID:    k.metaDataID,
		ServerID:      row.serverID,
		ConnectorName: row.name,
		Status:        row.status,
		SendAttempts:  row.sendAttempts,
		ChainID:       row.chainID,
		OrderID:       row.orderID,
	}
	cm.EnsureMaps()
	for ck, c := range ch.content {
		if ck.messageID == k.messageID && ck.metaDataID == k.metaDataID {
			stored := c
			cm.SetContent(&stored)
		}
	}
	return cm
}

func (s *memStore) Attachments(ctx context.Context, channelID string, messageID int64) ([]*Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Attachment
	for _, a := range s.channel(channelID).attachments[messageID] {
		stored := a
		out = append(out, &stored)
	}
	return out, nil
}

func (s *memStore) Statistics(ctx context.Context, channelID string) ([]StatSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	var out []StatSnapshot
	for _, row := range ch.stats {
		out = append(out, *row)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

// --- Tx ---

func (s *memStore) InsertMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(m.ChannelID).messages[m.ID] = &memMessage{
		id:         m.ID,
		serverID:   m.ServerID,
		originalID: m.OriginalID,
	}
	return nil
}

func (s *memStore) InsertConnectorMessage(ctx context.Context, cm *ConnectorMessage, storeMaps bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(cm.ChannelID).cms[cmKey{cm.MessageID, cm.MetaDataID}] = &memCM{
		metaDataID:   cm.MetaDataID,
		serverID:     cm.ServerID,
		name:         cm.ConnectorName,
		status:       cm.Status,
		sendAttempts: cm.SendAttempts,
		chainID:      cm.ChainID,
		orderID:      cm.OrderID,
	}
	return nil
}

func (s *memStore) StoreContent(ctx context.Context, c *MessageContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(c.ChannelID).content[contentKey{c.MessageID, c.MetaDataID, c.Type}] = *c
	return nil
}

func (s *memStore) StoreAttachment(ctx context.Context, channelID string, a *Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	ch.attachments[a.MessageID] = append(ch.attachments[a.MessageID], *a)
	return nil
}

func (s *memStore) UpdateStatus(ctx context.Context, cm *ConnectorMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channel(cm.ChannelID).cms[cmKey{cm.MessageID, cm.MetaDataID}]
	if !ok {
		return fmt.Errorf("memstore: no connector message %d/%d", cm.MessageID, cm.MetaDataID)
	}
	row.status = cm.Status
	row.sendAttempts = cm.SendAttempts
	return nil
}

func (s *memStore) UpdateMaps(ctx context.Context, cm *ConnectorMessage, responseMapOnly bool) error {
	return nil
}

func (s *memStore) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channel(channelID).messages[messageID]
	if !ok {
		return fmt.Errorf("memstore: no message %d", messageID)
	}
	row.processed = true
	return nil
}

func (s *memStore) ResetMessage(ctx context.Context, channelID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	row, ok := ch.messages[messageID]
	if !ok {
		return fmt.Errorf("memstore: no message %d", messageID)
	}
	row.processed = false
	for k, cm := range ch.cms {
		if k.messageID == messageID && k.metaDataID > 0 {
			cm.status = StatusPending
			cm.sendAttempts = 0
		}
	}
	return nil
}

func (s *memStore) DeleteMessage(ctx context.Context, channelID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	for k := range ch.content {
		if k.messageID == messageID {
			delete(ch.content, k)
		}
	}
	delete(ch.attachments, messageID)
	for k := range ch.cms {
		if k.messageID == messageID {
			delete(ch.cms, k)
		}
	}
	delete(ch.messages, messageID)
	return nil
}

func (s *memStore) DeleteMessageContent(ctx context.Context, channelID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	for k := range ch.content {
		if k.messageID == messageID {
			delete(ch.content, k)
		}
	}
	return nil
}

func (s *memStore) DeleteConnectorContent(ctx context.Context, channelID string, messageID int64, metaDataID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	for k := range ch.content {
		if k.messageID == messageID && k.metaDataID == metaDataID {
			delete(ch.content, k)
		}
	}
	return nil
}

func (s *memStore) DeleteAttachments(ctx context.Context, channelID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channel(channelID).attachments, messageID)
	return nil
}

func (s *memStore) IncrementStatistic(ctx context.Context, channelID string, metaDataID int, serverID string, status Status, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	k := statRowKey{metaDataID, serverID}
	row, ok := ch.stats[k]
	if !ok {
		row = &StatSnapshot{MetaDataID: metaDataID, ServerID: serverID}
		ch.stats[k] = row
	}
	switch status {
	case StatusReceived:
		row.Received += delta
	case StatusFiltered:
		row.Filtered += delta
	case StatusSent:
		row.Sent += delta
	case StatusError:
		row.Errored += delta
	}
	return nil
}

func (s *memStore) ResetStatistics(ctx context.Context, channelID string, scope StatScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(channelID)
	for k, row := range ch.stats {
		if scope.MetaDataID >= 0 && k.metaDataID != scope.MetaDataID {
			continue
		}
		if scope.ServerID != "" && k.serverID != scope.ServerID {
			continue
		}
		*row = StatSnapshot{MetaDataID: k.metaDataID, ServerID: k.serverID}
	}
	return nil
}

// Test accessors.

func (s *memStore) messageRow(channelID string, messageID int64) (processed, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channel(channelID).messages[messageID]
	if !ok {
		return false, false
	}
	return row.processed, true
}

func (s *memStore) cmRow(channelID string, messageID int64, metaDataID int) (memCM, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channel(channelID).cms[cmKey{messageID, metaDataID}]
	if !ok {
		return memCM{}, false
	}
	return *row, true
}

func (s *memStore) contentRow(channelID string, messageID int64, metaDataID int, t ContentType) (MessageContent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channel(channelID).content[contentKey{messageID, metaDataID, t}]
	return c, ok
}

func (s *memStore) statRow(channelID string, metaDataID int, serverID string) StatSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channel(channelID).stats[statRowKey{metaDataID, serverID}]
	if !ok {
		return StatSnapshot{MetaDataID: metaDataID, ServerID: serverID}
	}
	return *row
}

// --- Script executor stub ---

// stubExecutor evaluates a few fixed script forms used by tests:
//
//	"true" / "false"            constant filter results
//	"contains:NEEDLE"           true when msg contains NEEDLE
//	"set:MAP:KEY:VALUE"         writes a map entry, returns nil
//	"setfalse:MAP:KEY:VALUE"    writes a map entry, returns false
//	"eq:MAP:KEY:VALUE"          true when the map entry equals VALUE
//	"remove-dest:NAME"          removes a destination from the fan-out
//	"return:VALUE"              returns VALUE as a string
//	"fail:MESSAGE"              returns an error
//	"append:SUFFIX"             returns msg + SUFFIX
type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, script string, scope Scope) (any, error) {
	msg, _ := scope["msg"].(string)
	switch {
	case script == "true":
		return true, nil
	case script == "false":
		return false, nil
	case strings.HasPrefix(script, "contains:"):
		return strings.Contains(msg, strings.TrimPrefix(script, "contains:")), nil
	case strings.HasPrefix(script, "set:"):
		parts := strings.SplitN(strings.TrimPrefix(script, "set:"), ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("bad set script %q", script)
		}
		km, ok := scope[parts[0]].(*KeyMap)
		if !ok {
			return nil, fmt.Errorf("no map %q in scope", parts[0])
		}
		km.Put(parts[1], parts[2])
		return nil, nil
	case strings.HasPrefix(script, "setfalse:"):
		parts := strings.SplitN(strings.TrimPrefix(script, "setfalse:"), ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("bad setfalse script %q", script)
		}
		km, ok := scope[parts[0]].(*KeyMap)
		if !ok {
			return nil, fmt.Errorf("no map %q in scope", parts[0])
		}
		km.Put(parts[1], parts[2])
		return false, nil
	case strings.HasPrefix(script, "eq:"):
		parts := strings.SplitN(strings.TrimPrefix(script, "eq:"), ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("bad eq script %q", script)
		}
		km, ok := scope[parts[0]].(*KeyMap)
		if !ok {
			return nil, fmt.Errorf("no map %q in scope", parts[0])
		}
		return km.GetString(parts[1]) == parts[2], nil
	case strings.HasPrefix(script, "remove-dest:"):
		ds, ok := scope["destinationSet"].(*DestinationSet)
		if !ok {
			return nil, fmt.Errorf("no destinationSet in scope")
		}
		ds.Remove(strings.TrimPrefix(script, "remove-dest:"))
		return nil, nil
	case strings.HasPrefix(script, "return:"):
		return strings.TrimPrefix(script, "return:"), nil
	case strings.HasPrefix(script, "fail:"):
		return nil, fmt.Errorf("%s", strings.TrimPrefix(script, "fail:"))
	case strings.HasPrefix(script, "append:"):
		return msg + strings.TrimPrefix(script, "append:"), nil
	}
	return nil, fmt.Errorf("stub executor: unknown script %q", script)
}

// --- Connector fakes ---

type nopSourceAdapter struct{}

func (nopSourceAdapter) Start(ctx context.Context, d Dispatcher) error { return nil }
func (nopSourceAdapter) Stop(ctx context.Context) error                { return nil }

// recordingAdapter is a destination adapter whose behavior is scripted per
// attempt through sendFn.
type recordingAdapter struct {
	mu       sync.Mutex
	sent     []string
	attempts int
	sendFn   func(attempt int, cm *ConnectorMessage) error
	response string
}

func (a *recordingAdapter) Start(ctx context.Context) error { return nil }
func (a *recordingAdapter) Stop(ctx context.Context) error  { return nil }

func (a *recordingAdapter) Send(ctx context.Context, cm *ConnectorMessage) error {
	a.mu.Lock()
	a.attempts++
	n := a.attempts
	a.mu.Unlock()
	if a.sendFn != nil {
		if err := a.sendFn(n, cm); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.sent = append(a.sent, cm.ContentText(ContentSent))
	a.mu.Unlock()
	return nil
}

func (a *recordingAdapter) Response(cm *ConnectorMessage) string { return a.response }

func (a *recordingAdapter) attemptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

func (a *recordingAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *recordingAdapter) sentAt(i int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent[i]
}

func connRefused() error {
	return &ErrConnection{Op: "send", Err: fmt.Errorf("connect: connection refused")}
}

// stubEncryptor wraps plaintext in "enc(...)" so tests can assert what was
// stored versus what was delivered.
type stubEncryptor struct {
	failDecrypt bool
}

func (e stubEncryptor) Encrypt(plaintext string) (string, error) {
	return "enc(" + plaintext + ")", nil
}

func (e stubEncryptor) Decrypt(ciphertext string) (string, error) {
	if e.failDecrypt {
		return "", fmt.Errorf("bad key")
	}
	if !strings.HasPrefix(ciphertext, "enc(") || !strings.HasSuffix(ciphertext, ")") {
		return "", fmt.Errorf("not a ciphertext: %q", ciphertext)
	}
	return ciphertext[len("enc(") : len(ciphertext)-1], nil
}

// stripAttachment extracts the literal "|BLOB|" token as one attachment.
type stripAttachment struct{}

func (stripAttachment) Extract(messageID int64, raw string) (string, []*Attachment, error) {
	const marker = "|BLOB|"
	i := strings.Index(raw, marker)
	if i < 0 {
		return raw, nil, nil
	}
	att := &Attachment{ID: "att-1", Type: "raw", Content: []byte("BLOB")}
	return raw[:i] + "|" + raw[i+len(marker):], []*Attachment{att}, nil
}
