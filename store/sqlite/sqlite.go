// Package sqlite implements plexus.Store using pure-Go SQLite.
// Intended for embedded single-host deployments and for package tests;
// the production backend is store/postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/plexushub/plexus"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements plexus.Store backed by a local SQLite file. One
// connection is shared through SetMaxOpenConns(1) so writers serialize
// instead of hitting SQLITE_BUSY.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	local map[string]int64 // channel uuid -> local channel id
}

var _ plexus.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// channelIDPattern is the accepted channel id format. Anything else is
// rejected before it can reach a table name.
var channelIDPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z-]{0,63}$`)

// New creates a Store using a local SQLite file at dbPath.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, local: make(map[string]int64)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the channel registry. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return wrap("sqlite: busy timeout", err)
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS D_CHANNELS (
		CHANNEL_ID TEXT PRIMARY KEY,
		LOCAL_CHANNEL_ID INTEGER NOT NULL UNIQUE
	)`)
	if err != nil {
		return wrap("sqlite: create registry", err)
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// EnsureChannel validates channelID, registers it, creates its tables if
// absent, and returns the local channel id.
func (s *Store) EnsureChannel(ctx context.Context, channelID string) (int64, error) {
	if !channelIDPattern.MatchString(channelID) {
		return 0, fmt.Errorf("sqlite: invalid channel id %q", channelID)
	}

	local, err := s.localID(ctx, channelID)
	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO D_CHANNELS (CHANNEL_ID, LOCAL_CHANNEL_ID)
			 VALUES (?, COALESCE((SELECT MAX(LOCAL_CHANNEL_ID) FROM D_CHANNELS), 0) + 1)`,
			channelID)
		if err != nil {
			return 0, wrap("sqlite: register channel", err)
		}
		local, err = s.localID(ctx, channelID)
	}
	if err != nil {
		return 0, wrap("sqlite: resolve channel", err)
	}

	if err := s.createChannelTables(ctx, local); err != nil {
		return 0, err
	}
	s.logger.Debug("sqlite: channel ensured", "channel", channelID, "local", local)
	return local, nil
}

func (s *Store) createChannelTables(ctx context.Context, local int64) error {
	tables := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_M%d (
			ID INTEGER PRIMARY KEY,
			SERVER_ID TEXT NOT NULL,
			RECEIVED_DATE INTEGER NOT NULL,
			PROCESSED INTEGER NOT NULL DEFAULT 0,
			ORIGINAL_ID INTEGER,
			IMPORT_ID INTEGER
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MM%d (
			ID INTEGER NOT NULL,
			MESSAGE_ID INTEGER NOT NULL,
			SERVER_ID TEXT NOT NULL,
			RECEIVED_DATE INTEGER NOT NULL,
			STATUS TEXT NOT NULL,
			CONNECTOR_NAME TEXT NOT NULL DEFAULT '',
			SEND_ATTEMPTS INTEGER NOT NULL DEFAULT 0,
			SEND_DATE INTEGER,
			RESPONSE_DATE INTEGER,
			ERROR_CODE INTEGER NOT NULL DEFAULT 0,
			CHAIN_ID INTEGER NOT NULL DEFAULT 0,
			ORDER_ID INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (MESSAGE_ID, ID)
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MC%d (
			MESSAGE_ID INTEGER NOT NULL,
			METADATA_ID INTEGER NOT NULL,
			CONTENT_TYPE INTEGER NOT NULL,
			CONTENT TEXT NOT NULL,
			DATA_TYPE TEXT NOT NULL DEFAULT '',
			IS_ENCRYPTED INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (MESSAGE_ID, METADATA_ID, CONTENT_TYPE)
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MA%d (
			ID TEXT NOT NULL,
			MESSAGE_ID INTEGER NOT NULL,
			SEGMENT_ID INTEGER NOT NULL,
			TYPE TEXT NOT NULL DEFAULT '',
			CONTENT BLOB,
			PRIMARY KEY (ID, SEGMENT_ID)
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MS%d (
			METADATA_ID INTEGER NOT NULL,
			SERVER_ID TEXT NOT NULL,
			RECEIVED INTEGER NOT NULL DEFAULT 0,
			FILTERED INTEGER NOT NULL DEFAULT 0,
			SENT INTEGER NOT NULL DEFAULT 0,
			ERRORED INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (METADATA_ID, SERVER_ID)
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MSQ%d (
			ID INTEGER NOT NULL
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MCM%d (
			MESSAGE_ID INTEGER NOT NULL,
			METADATA_ID INTEGER NOT NULL,
			PRIMARY KEY (MESSAGE_ID, METADATA_ID)
		)`, local),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS IDX_MM%d_STATUS ON D_MM%d (ID, STATUS)`, local, local),
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return wrap("sqlite: create channel tables", err)
		}
	}
	// Seed the sequence row exactly once.
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO D_MSQ%d (ID) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM D_MSQ%d)`, local, local))
	if err != nil {
		return wrap("sqlite: seed sequence", err)
	}
	return nil
}

// RemoveChannel drops the channel's tables and registry row.
func (s *Store) RemoveChannel(ctx context.Context, channelID string) error {
	local, err := s.localID(ctx, channelID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	for _, prefix := range []string{"D_MCM", "D_MSQ", "D_MS", "D_MA", "D_MC", "D_MM", "D_M"} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s%d", prefix, local)); err != nil {
			return wrap("sqlite: drop channel tables", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM D_CHANNELS WHERE CHANNEL_ID = ?`, channelID); err != nil {
		return wrap("sqlite: deregister channel", err)
	}
	s.mu.Lock()
	delete(s.local, channelID)
	s.mu.Unlock()
	return nil
}

// NextMessageID atomically advances and returns the channel's message-id
// sequence.
func (s *Store) NextMessageID(ctx context.Context, channelID string) (int64, error) {
	local, err := s.localID(ctx, channelID)
	if err != nil {
		return 0, wrap("sqlite: resolve channel", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("UPDATE D_MSQ%d SET ID = ID + 1 RETURNING ID", local)).Scan(&id)
	if err != nil {
		return 0, wrap("sqlite: next message id", err)
	}
	return id, nil
}

// InTransaction runs fn within one transaction, committing on nil return.
func (s *Store) InTransaction(ctx context.Context, fn func(plexus.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("sqlite: begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqlTx{s: s, ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return wrap("sqlite: commit tx", tx.Commit())
}

// UnfinishedMessages returns messages with processed=false belonging to
// serverID, with their connector messages, content, and maps loaded.
func (s *Store) UnfinishedMessages(ctx context.Context, channelID, serverID string) ([]*plexus.Message, error) {
	start := time.Now()
	local, err := s.localID(ctx, channelID)
	if err != nil {
		return nil, wrap("sqlite: resolve channel", err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT ID, SERVER_ID, RECEIVED_DATE, PROCESSED, ORIGINAL_ID, IMPORT_ID
		 FROM D_M%d WHERE PROCESSED = 0 AND SERVER_ID = ? ORDER BY ID`, local), serverID)
	if err != nil {
		return nil, wrap("sqlite: unfinished messages", err)
	}
	messages, err := s.scanMessages(rows, channelID)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		if err := s.loadChildren(ctx, local, channelID, m); err != nil {
			return nil, err
		}
	}
	s.logger.Debug("sqlite: unfinished messages loaded",
		"channel", channelID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// QueuedConnectorMessages returns connector messages in QUEUED for one
// destination, ordered by message id, up to limit.
func (s *Store) QueuedConnectorMessages(ctx context.Context, channelID string, metaDataID, limit int) ([]*plexus.ConnectorMessage, error) {
	local, err := s.localID(ctx, channelID)
	if err != nil {
		return nil, wrap("sqlite: resolve channel", err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME,
		        SEND_ATTEMPTS, SEND_DATE, RESPONSE_DATE, ERROR_CODE, CHAIN_ID, ORDER_ID
		 FROM D_MM%d WHERE ID = ? AND STATUS = 'Q' ORDER BY MESSAGE_ID LIMIT ?`, local),
		metaDataID, limit)
	if err != nil {
		return nil, wrap("sqlite: queued connector messages", err)
	}
	cms, err := scanConnectorMessages(rows, channelID)
	if err != nil {
		return nil, err
	}
	for _, cm := range cms {
		if err := s.loadContent(ctx, local, channelID, cm); err != nil {
			return nil, err
		}
	}
	return cms, nil
}

// Message loads one message with its connector messages and content, or nil
// when absent.
func (s *Store) Message(ctx context.Context, channelID string, messageID int64) (*plexus.Message, error) {
	local, err := s.localID(ctx, channelID)
	if err != nil {
		return nil, wrap("sqlite: resolve channel", err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT ID, SERVER_ID, RECEIVED_DATE, PROCESSED, ORIGINAL_ID, IMPORT_ID
		 FROM D_M%d WHERE ID = ?`, local), messageID)
	if err != nil {
		return nil, wrap("sqlite: load message", err)
	}
	messages, err := s.scanMessages(rows, channelID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	m := messages[0]
	if err := s.loadChildren(ctx, local, channelID, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Attachments returns the message's attachments with their segments joined,
// ordered by attachment id.
func (s *Store) Attachments(ctx context.Context, channelID string, messageID int64) ([]*plexus.Attachment, error) {
	local, err := s.localID(ctx, channelID)
	if err != nil {
		return nil, wrap("sqlite: resolve channel", err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT ID, SEGMENT_ID, TYPE, CONTENT
		 FROM D_MA%d WHERE MESSAGE_ID = ? ORDER BY ID, SEGMENT_ID`, local), messageID)
	if err != nil {
		return nil, wrap("sqlite: load attachments", err)
	}
	defer rows.Close()

	var out []*plexus.Attachment
	for rows.Next() {
		var (
			id, typ   string
			segmentID int
			content   []byte
		)
		if err := rows.Scan(&id, &segmentID, &typ, &content); err != nil {
			return nil, wrap("sqlite: scan attachment", err)
		}
		if n := len(out); n > 0 && out[n-1].ID == id {
			out[n-1].Content = append(out[n-1].Content, content...)
			continue
		}
		out = append(out, &plexus.Attachment{
			ID:        id,
			MessageID: messageID,
			SegmentID: segmentID,
			Type:      typ,
			Content:   content,
		})
	}
	return out, wrap("sqlite: iterate attachments", rows.Err())
}

// Statistics returns the per-connector statistics rows for the channel.
func (s *Store) Statistics(ctx context.Context, channelID string) ([]plexus.StatSnapshot, error) {
	local, err := s.localID(ctx, channelID)
	if err != nil {
		return nil, wrap("sqlite: resolve channel", err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT METADATA_ID, SERVER_ID, RECEIVED, FILTERED, SENT, ERRORED
		 FROM D_MS%d ORDER BY METADATA_ID, SERVER_ID`, local))
	if err != nil {
		return nil, wrap("sqlite: load statistics", err)
	}
	defer rows.Close()

	var out []plexus.StatSnapshot
	for rows.Next() {
		var snap plexus.StatSnapshot
		if err := rows.Scan(&snap.MetaDataID, &snap.ServerID,
			&snap.Received, &snap.Filtered, &snap.Sent, &snap.Errored); err != nil {
			return nil, wrap("sqlite: scan statistics", err)
		}
		out = append(out, snap)
	}
	return out, wrap("sqlite: iterate statistics", rows.Err())
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	return s.db.Close()
}

// localID resolves the local channel id, consulting the registry on first
// use. Returns sql.ErrNoRows for unknown channels.
func (s *Store) localID(ctx context.Context, channelID string) (int64, error) {
	s.mu.Lock()
	local, ok := s.local[channelID]
	s.mu.Unlock()
	if ok {
		return local, nil
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT LOCAL_CHANNEL_ID FROM D_CHANNELS WHERE CHANNEL_ID = ?`, channelID).Scan(&local)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.local[channelID] = local
	s.mu.Unlock()
	return local, nil
}

// --- Loading helpers ---

func (s *Store) scanMessages(rows *sql.Rows, channelID string) ([]*plexus.Message, error) {
	defer rows.Close()
	var messages []*plexus.Message
	for rows.Next() {
		m := &plexus.Message{ChannelID: channelID}
		var received int64
		var originalID, importID sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ServerID, &received, &m.Processed, &originalID, &importID); err != nil {
			return nil, wrap("sqlite: scan message", err)
		}
		m.ReceivedDate = time.UnixMilli(received)
		if originalID.Valid {
			v := originalID.Int64
			m.OriginalID = &v
		}
		if importID.Valid {
			v := importID.Int64
			m.ImportID = &v
		}
		messages = append(messages, m)
	}
	return messages, wrap("sqlite: iterate messages", rows.Err())
}

func scanConnectorMessages(rows *sql.Rows, channelID string) ([]*plexus.ConnectorMessage, error) {
	defer rows.Close()
	var cms []*plexus.ConnectorMessage
	for rows.Next() {
		cm := &plexus.ConnectorMessage{ChannelID: channelID}
		var received int64
		var status string
		var sendDate, responseDate sql.NullInt64
		if err := rows.Scan(&cm.MetaDataID, &cm.MessageID, &cm.ServerID, &received, &status,
			&cm.ConnectorName, &cm.SendAttempts, &sendDate, &responseDate,
			&cm.ErrorCode, &cm.ChainID, &cm.OrderID); err != nil {
			return nil, wrap("sqlite: scan connector message", err)
		}
		cm.ReceivedDate = time.UnixMilli(received)
		if status != "" {
			cm.Status = plexus.Status(status[0])
		}
		if sendDate.Valid {
			t := time.UnixMilli(sendDate.Int64)
			cm.SendDate = &t
		}
		if responseDate.Valid {
			t := time.UnixMilli(responseDate.Int64)
			cm.ResponseDate = &t
		}
		cm.EnsureMaps()
		cms = append(cms, cm)
	}
	return cms, wrap("sqlite: iterate connector messages", rows.Err())
}

// loadChildren attaches connector messages, content, and maps to m.
func (s *Store) loadChildren(ctx context.Context, local int64, channelID string, m *plexus.Message) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME,
		        SEND_ATTEMPTS, SEND_DATE, RESPONSE_DATE, ERROR_CODE, CHAIN_ID, ORDER_ID
		 FROM D_MM%d WHERE MESSAGE_ID = ? ORDER BY ID`, local), m.ID)
	if err != nil {
		return wrap("sqlite: load connector messages", err)
	}
	cms, err := scanConnectorMessages(rows, channelID)
	if err != nil {
		return err
	}
	for _, cm := range cms {
		if err := s.loadContent(ctx, local, channelID, cm); err != nil {
			return err
		}
		m.AddConnectorMessage(cm)
	}
	return nil
}

// loadContent attaches cm's content rows and rehydrates the persisted maps.
func (s *Store) loadContent(ctx context.Context, local int64, channelID string, cm *plexus.ConnectorMessage) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT CONTENT_TYPE, CONTENT, DATA_TYPE, IS_ENCRYPTED
		 FROM D_MC%d WHERE MESSAGE_ID = ? AND METADATA_ID = ?`, local),
		cm.MessageID, cm.MetaDataID)
	if err != nil {
		return wrap("sqlite: load content", err)
	}
	defer rows.Close()

	maps := map[plexus.ContentType]map[string]any{}
	for rows.Next() {
		c := &plexus.MessageContent{
			ChannelID:  channelID,
			MessageID:  cm.MessageID,
			MetaDataID: cm.MetaDataID,
		}
		var ctype int
		if err := rows.Scan(&ctype, &c.Content, &c.DataType, &c.Encrypted); err != nil {
			return wrap("sqlite: scan content", err)
		}
		c.Type = plexus.ContentType(ctype)
		switch c.Type {
		case plexus.ContentSourceMap, plexus.ContentChannelMap,
			plexus.ContentConnectorMap, plexus.ContentResponseMap:
			maps[c.Type] = decodeMap(c.Content)
		default:
			cm.SetContent(c)
		}
	}
	if err := rows.Err(); err != nil {
		return wrap("sqlite: iterate content", err)
	}
	if len(maps) > 0 {
		cm.SetMapContents(
			maps[plexus.ContentSourceMap],
			maps[plexus.ContentChannelMap],
			maps[plexus.ContentConnectorMap],
			maps[plexus.ContentResponseMap])
	}
	return nil
}

// --- Transaction ---

type sqlTx struct {
	s   *Store
	ctx context.Context
	tx  *sql.Tx
}

var _ plexus.Tx = (*sqlTx)(nil)

func (t *sqlTx) local(channelID string) (int64, error) {
	return t.s.localID(t.ctx, channelID)
}

func (t *sqlTx) InsertMessage(ctx context.Context, m *plexus.Message) error {
	local, err := t.local(m.ChannelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	var originalID, importID any
	if m.OriginalID != nil {
		originalID = *m.OriginalID
	}
	if m.ImportID != nil {
		importID = *m.ImportID
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO D_M%d (ID, SERVER_ID, RECEIVED_DATE, PROCESSED, ORIGINAL_ID, IMPORT_ID)
		 VALUES (?, ?, ?, 0, ?, ?)`, local),
		m.ID, m.ServerID, m.ReceivedDate.UnixMilli(), originalID, importID)
	return wrap("sqlite: insert message", err)
}

func (t *sqlTx) InsertConnectorMessage(ctx context.Context, cm *plexus.ConnectorMessage, storeMaps bool) error {
	local, err := t.local(cm.ChannelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO D_MM%d (ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME,
		                     SEND_ATTEMPTS, SEND_DATE, RESPONSE_DATE, ERROR_CODE, CHAIN_ID, ORDER_ID)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, local),
		cm.MetaDataID, cm.MessageID, cm.ServerID, cm.ReceivedDate.UnixMilli(),
		string(rune(cm.Status)), cm.ConnectorName, cm.SendAttempts,
		nullMilli(cm.SendDate), nullMilli(cm.ResponseDate),
		cm.ErrorCode, cm.ChainID, cm.OrderID)
	if err != nil {
		return wrap("sqlite: insert connector message", err)
	}
	if storeMaps {
		return t.writeMaps(ctx, local, cm, false)
	}
	return nil
}

func (t *sqlTx) StoreContent(ctx context.Context, c *plexus.MessageContent) error {
	local, err := t.local(c.ChannelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	return t.upsertContent(ctx, local, c.MessageID, c.MetaDataID, c.Type, c.Content, c.DataType, c.Encrypted)
}

func (t *sqlTx) upsertContent(ctx context.Context, local int64, messageID int64, metaDataID int, ctype plexus.ContentType, content, dataType string, encrypted bool) error {
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO D_MC%d (MESSAGE_ID, METADATA_ID, CONTENT_TYPE, CONTENT, DATA_TYPE, IS_ENCRYPTED)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (MESSAGE_ID, METADATA_ID, CONTENT_TYPE) DO UPDATE SET
		   CONTENT = excluded.CONTENT,
		   DATA_TYPE = excluded.DATA_TYPE,
		   IS_ENCRYPTED = excluded.IS_ENCRYPTED`, local),
		messageID, metaDataID, int(ctype), content, dataType, encrypted)
	return wrap("sqlite: store content", err)
}

func (t *sqlTx) StoreAttachment(ctx context.Context, channelID string, a *plexus.Attachment) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO D_MA%d (ID, MESSAGE_ID, SEGMENT_ID, TYPE, CONTENT)
		 VALUES (?, ?, ?, ?, ?)`, local),
		a.ID, a.MessageID, a.SegmentID, a.Type, a.Content)
	return wrap("sqlite: store attachment", err)
}

func (t *sqlTx) UpdateStatus(ctx context.Context, cm *plexus.ConnectorMessage) error {
	local, err := t.local(cm.ChannelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE D_MM%d SET STATUS = ?, SEND_ATTEMPTS = ?, SEND_DATE = ?, RESPONSE_DATE = ?
		 WHERE MESSAGE_ID = ? AND ID = ?`, local),
		string(rune(cm.Status)), cm.SendAttempts,
		nullMilli(cm.SendDate), nullMilli(cm.ResponseDate),
		cm.MessageID, cm.MetaDataID)
	return wrap("sqlite: update status", err)
}

func (t *sqlTx) UpdateMaps(ctx context.Context, cm *plexus.ConnectorMessage, responseMapOnly bool) error {
	local, err := t.local(cm.ChannelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	return t.writeMaps(ctx, local, cm, responseMapOnly)
}

// writeMaps persists cm's maps as JSON content rows. The source map only
// exists on the source connector message.
func (t *sqlTx) writeMaps(ctx context.Context, local int64, cm *plexus.ConnectorMessage, responseMapOnly bool) error {
	put := func(ctype plexus.ContentType, km *plexus.KeyMap) error {
		if km == nil || km.Len() == 0 {
			return nil
		}
		return t.upsertContent(ctx, local, cm.MessageID, cm.MetaDataID, ctype, encodeMap(km), "", false)
	}
	if err := put(plexus.ContentResponseMap, cm.ResponseMap()); err != nil {
		return err
	}
	if responseMapOnly {
		return nil
	}
	if cm.MetaDataID == 0 {
		if err := put(plexus.ContentSourceMap, cm.SourceMap()); err != nil {
			return err
		}
	}
	if err := put(plexus.ContentChannelMap, cm.ChannelMap()); err != nil {
		return err
	}
	return put(plexus.ContentConnectorMap, cm.ConnectorMap())
}

func (t *sqlTx) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE D_M%d SET PROCESSED = 1 WHERE ID = ?`, local), messageID)
	return wrap("sqlite: mark processed", err)
}

func (t *sqlTx) ResetMessage(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE D_M%d SET PROCESSED = 0 WHERE ID = ?`, local), messageID)
	if err != nil {
		return wrap("sqlite: reset message", err)
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE D_MM%d SET STATUS = 'P', SEND_ATTEMPTS = 0, SEND_DATE = NULL, RESPONSE_DATE = NULL
		 WHERE MESSAGE_ID = ? AND ID > 0`, local), messageID)
	return wrap("sqlite: reset connector messages", err)
}

func (t *sqlTx) DeleteMessage(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	stmts := []string{
		fmt.Sprintf(`DELETE FROM D_MC%d WHERE MESSAGE_ID = ?`, local),
		fmt.Sprintf(`DELETE FROM D_MA%d WHERE MESSAGE_ID = ?`, local),
		fmt.Sprintf(`DELETE FROM D_MCM%d WHERE MESSAGE_ID = ?`, local),
		fmt.Sprintf(`DELETE FROM D_MM%d WHERE MESSAGE_ID = ?`, local),
		fmt.Sprintf(`DELETE FROM D_M%d WHERE ID = ?`, local),
	}
	for _, stmt := range stmts {
		if _, err := t.tx.ExecContext(ctx, stmt, messageID); err != nil {
			return wrap("sqlite: delete message", err)
		}
	}
	return nil
}

func (t *sqlTx) DeleteMessageContent(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM D_MC%d WHERE MESSAGE_ID = ?`, local), messageID)
	return wrap("sqlite: delete message content", err)
}

func (t *sqlTx) DeleteConnectorContent(ctx context.Context, channelID string, messageID int64, metaDataID int) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM D_MC%d WHERE MESSAGE_ID = ? AND METADATA_ID = ?`, local),
		messageID, metaDataID)
	return wrap("sqlite: delete connector content", err)
}

func (t *sqlTx) DeleteAttachments(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM D_MA%d WHERE MESSAGE_ID = ?`, local), messageID)
	return wrap("sqlite: delete attachments", err)
}

func (t *sqlTx) IncrementStatistic(ctx context.Context, channelID string, metaDataID int, serverID string, status plexus.Status, delta int64) error {
	col, ok := statColumn(status)
	if !ok {
		return nil
	}
	local, err := t.local(channelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	deltas := map[string]int64{col: delta}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO D_MS%d (METADATA_ID, SERVER_ID, RECEIVED, FILTERED, SENT, ERRORED)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (METADATA_ID, SERVER_ID) DO UPDATE SET %s = %s + excluded.%s`,
		local, col, col, col),
		metaDataID, serverID,
		deltas["RECEIVED"], deltas["FILTERED"], deltas["SENT"], deltas["ERRORED"])
	return wrap("sqlite: increment statistic", err)
}

func (t *sqlTx) ResetStatistics(ctx context.Context, channelID string, scope plexus.StatScope) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("sqlite: resolve channel", err)
	}
	stmt := fmt.Sprintf(`UPDATE D_MS%d SET RECEIVED = 0, FILTERED = 0, SENT = 0, ERRORED = 0`, local)
	var clauses []string
	var args []any
	if scope.MetaDataID >= 0 {
		clauses = append(clauses, "METADATA_ID = ?")
		args = append(args, scope.MetaDataID)
	}
	if scope.ServerID != "" {
		clauses = append(clauses, "SERVER_ID = ?")
		args = append(args, scope.ServerID)
	}
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	_, err = t.tx.ExecContext(ctx, stmt, args...)
	return wrap("sqlite: reset statistics", err)
}

// --- Helpers ---

// statColumn maps a tracked status to its statistics column. QUEUED lands on
// SENT for schema compatibility with older deployments.
func statColumn(status plexus.Status) (string, bool) {
	switch status {
	case plexus.StatusReceived:
		return "RECEIVED", true
	case plexus.StatusFiltered:
		return "FILTERED", true
	case plexus.StatusSent, plexus.StatusQueued:
		return "SENT", true
	case plexus.StatusError:
		return "ERRORED", true
	}
	return "", false
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func encodeMap(km *plexus.KeyMap) string {
	data, _ := json.Marshal(km.Snapshot())
	return string(data)
}

func decodeMap(content string) map[string]any {
	var m map[string]any
	_ = json.Unmarshal([]byte(content), &m)
	return m
}

// busyError marks SQLITE_BUSY class failures so plexus.WithRetry re-runs the
// enclosing transaction.
type busyError struct{ err error }

func (e *busyError) Error() string        { return e.err.Error() }
func (e *busyError) Unwrap() error        { return e.err }
func (e *busyError) LockContention() bool { return true }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") {
		return &busyError{err: wrapped}
	}
	return wrapped
}
