// Package postgres implements plexus.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexushub/plexus"
)

// Mode selects how Init treats an existing schema.
type Mode int

const (
	// ModeAuto takes over an existing registry and bootstraps otherwise.
	ModeAuto Mode = iota
	// ModeStandalone always bootstraps, creating missing tables.
	ModeStandalone
	// ModeTakeover requires the registry to already exist.
	ModeTakeover
)

// ParseMode maps the PLEXUS_MODE environment value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "standalone":
		return ModeStandalone, nil
	case "takeover":
		return ModeTakeover, nil
	}
	return ModeAuto, fmt.Errorf("postgres: unknown mode %q", s)
}

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithMode sets the bootstrap mode applied by Init.
func WithMode(m Mode) StoreOption {
	return func(s *Store) { s.mode = m }
}

// Store implements plexus.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	mode   Mode

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

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger, local: make(map[string]int64)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init prepares the channel registry according to the configured mode.
func (s *Store) Init(ctx context.Context) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT to_regclass('d_channels') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return wrap("postgres: check registry", err)
	}
	switch s.mode {
	case ModeTakeover:
		if !exists {
			return errors.New("postgres: takeover mode but no existing schema")
		}
		s.logger.Info("postgres: taking over existing schema")
		return nil
	case ModeStandalone, ModeAuto:
		if exists && s.mode == ModeAuto {
			s.logger.Info("postgres: taking over existing schema")
			return nil
		}
	}
	_, err = s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS D_CHANNELS (
		CHANNEL_ID TEXT PRIMARY KEY,
		LOCAL_CHANNEL_ID BIGINT NOT NULL UNIQUE
	)`)
	if err != nil {
		return wrap("postgres: create registry", err)
	}
	s.logger.Info("postgres: schema bootstrapped")
	return nil
}

// EnsureChannel validates channelID, registers it, creates its tables if
// absent, and returns the local channel id.
func (s *Store) EnsureChannel(ctx context.Context, channelID string) (int64, error) {
	if !channelIDPattern.MatchString(channelID) {
		return 0, fmt.Errorf("postgres: invalid channel id %q", channelID)
	}

	local, err := s.localID(ctx, channelID)
	if err == pgx.ErrNoRows {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO D_CHANNELS (CHANNEL_ID, LOCAL_CHANNEL_ID)
			 VALUES ($1, COALESCE((SELECT MAX(LOCAL_CHANNEL_ID) FROM D_CHANNELS), 0) + 1)
			 ON CONFLICT (CHANNEL_ID) DO NOTHING`,
			channelID)
		if err != nil {
			return 0, wrap("postgres: register channel", err)
		}
		local, err = s.localID(ctx, channelID)
	}
	if err != nil {
		return 0, wrap("postgres: resolve channel", err)
	}

	if err := s.createChannelTables(ctx, local); err != nil {
		return 0, err
	}
	s.logger.Debug("postgres: channel ensured", "channel", channelID, "local", local)
	return local, nil
}

func (s *Store) createChannelTables(ctx context.Context, local int64) error {
	tables := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_M%d (
			ID BIGINT PRIMARY KEY,
			SERVER_ID TEXT NOT NULL,
			RECEIVED_DATE BIGINT NOT NULL,
			PROCESSED BOOLEAN NOT NULL DEFAULT FALSE,
			ORIGINAL_ID BIGINT,
			IMPORT_ID BIGINT
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MM%d (
			ID INTEGER NOT NULL,
			MESSAGE_ID BIGINT NOT NULL,
			SERVER_ID TEXT NOT NULL,
			RECEIVED_DATE BIGINT NOT NULL,
			STATUS CHAR(1) NOT NULL,
			CONNECTOR_NAME TEXT NOT NULL DEFAULT '',
			SEND_ATTEMPTS INTEGER NOT NULL DEFAULT 0,
			SEND_DATE BIGINT,
			RESPONSE_DATE BIGINT,
			ERROR_CODE INTEGER NOT NULL DEFAULT 0,
			CHAIN_ID INTEGER NOT NULL DEFAULT 0,
			ORDER_ID INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (MESSAGE_ID, ID)
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MC%d (
			MESSAGE_ID BIGINT NOT NULL,
			METADATA_ID INTEGER NOT NULL,
			CONTENT_TYPE INTEGER NOT NULL,
			CONTENT TEXT NOT NULL,
			DATA_TYPE TEXT NOT NULL DEFAULT '',
			IS_ENCRYPTED BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (MESSAGE_ID, METADATA_ID, CONTENT_TYPE)
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MA%d (
			ID TEXT NOT NULL,
			MESSAGE_ID BIGINT NOT NULL,
			SEGMENT_ID INTEGER NOT NULL,
			TYPE TEXT NOT NULL DEFAULT '',
			CONTENT BYTEA,
			PRIMARY KEY (ID, SEGMENT_ID)
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MS%d (
			METADATA_ID INTEGER NOT NULL,
			SERVER_ID TEXT NOT NULL,
			RECEIVED BIGINT NOT NULL DEFAULT 0,
			FILTERED BIGINT NOT NULL DEFAULT 0,
			SENT BIGINT NOT NULL DEFAULT 0,
			ERRORED BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (METADATA_ID, SERVER_ID)
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MSQ%d (
			ID BIGINT NOT NULL
		)`, local),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS D_MCM%d (
			MESSAGE_ID BIGINT NOT NULL,
			METADATA_ID INTEGER NOT NULL,
			PRIMARY KEY (MESSAGE_ID, METADATA_ID)
		)`, local),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS IDX_MM%d_STATUS ON D_MM%d (ID, STATUS)`, local, local),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS IDX_M%d_UNFINISHED ON D_M%d (SERVER_ID) WHERE NOT PROCESSED`, local, local),
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return wrap("postgres: create channel tables", err)
		}
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO D_MSQ%d (ID) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM D_MSQ%d)`, local, local))
	return wrap("postgres: seed sequence", err)
}

// RemoveChannel drops the channel's tables and registry row.
func (s *Store) RemoveChannel(ctx context.Context, channelID string) error {
	local, err := s.localID(ctx, channelID)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	for _, prefix := range []string{"D_MCM", "D_MSQ", "D_MS", "D_MA", "D_MC", "D_MM", "D_M"} {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s%d", prefix, local)); err != nil {
			return wrap("postgres: drop channel tables", err)
		}
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM D_CHANNELS WHERE CHANNEL_ID = $1`, channelID); err != nil {
		return wrap("postgres: deregister channel", err)
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
		return 0, wrap("postgres: resolve channel", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf("UPDATE D_MSQ%d SET ID = ID + 1 RETURNING ID", local)).Scan(&id)
	if err != nil {
		return 0, wrap("postgres: next message id", err)
	}
	return id, nil
}

// InTransaction runs fn within one transaction, committing on nil return.
func (s *Store) InTransaction(ctx context.Context, fn func(plexus.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("postgres: begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{s: s, ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return wrap("postgres: commit tx", tx.Commit(ctx))
}

// UnfinishedMessages returns messages with processed=false belonging to
// serverID, with their connector messages, content, and maps loaded.
func (s *Store) UnfinishedMessages(ctx context.Context, channelID, serverID string) ([]*plexus.Message, error) {
	start := time.Now()
	local, err := s.localID(ctx, channelID)
	if err != nil {
		return nil, wrap("postgres: resolve channel", err)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT ID, SERVER_ID, RECEIVED_DATE, PROCESSED, ORIGINAL_ID, IMPORT_ID
		 FROM D_M%d WHERE NOT PROCESSED AND SERVER_ID = $1 ORDER BY ID`, local), serverID)
	if err != nil {
		return nil, wrap("postgres: unfinished messages", err)
	}
	messages, err := scanMessages(rows, channelID)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		if err := s.loadChildren(ctx, local, channelID, m); err != nil {
			return nil, err
		}
	}
	s.logger.Debug("postgres: unfinished messages loaded",
		"channel", channelID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// QueuedConnectorMessages returns connector messages in QUEUED for one
// destination, ordered by message id, up to limit.
func (s *Store) QueuedConnectorMessages(ctx context.Context, channelID string, metaDataID, limit int) ([]*plexus.ConnectorMessage, error) {
	local, err := s.localID(ctx, channelID)
	if err != nil {
		return nil, wrap("postgres: resolve channel", err)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME,
		        SEND_ATTEMPTS, SEND_DATE, RESPONSE_DATE, ERROR_CODE, CHAIN_ID, ORDER_ID
		 FROM D_MM%d WHERE ID = $1 AND STATUS = 'Q' ORDER BY MESSAGE_ID LIMIT $2`, local),
		metaDataID, limit)
	if err != nil {
		return nil, wrap("postgres: queued connector messages", err)
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
		return nil, wrap("postgres: resolve channel", err)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT ID, SERVER_ID, RECEIVED_DATE, PROCESSED, ORIGINAL_ID, IMPORT_ID
		 FROM D_M%d WHERE ID = $1`, local), messageID)
	if err != nil {
		return nil, wrap("postgres: load message", err)
	}
	messages, err := scanMessages(rows, channelID)
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
		return nil, wrap("postgres: resolve channel", err)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT ID, SEGMENT_ID, TYPE, CONTENT
		 FROM D_MA%d WHERE MESSAGE_ID = $1 ORDER BY ID, SEGMENT_ID`, local), messageID)
	if err != nil {
		return nil, wrap("postgres: load attachments", err)
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
			return nil, wrap("postgres: scan attachment", err)
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
	return out, wrap("postgres: iterate attachments", rows.Err())
}

// Statistics returns the per-connector statistics rows for the channel.
func (s *Store) Statistics(ctx context.Context, channelID string) ([]plexus.StatSnapshot, error) {
	local, err := s.localID(ctx, channelID)
	if err != nil {
		return nil, wrap("postgres: resolve channel", err)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT METADATA_ID, SERVER_ID, RECEIVED, FILTERED, SENT, ERRORED
		 FROM D_MS%d ORDER BY METADATA_ID, SERVER_ID`, local))
	if err != nil {
		return nil, wrap("postgres: load statistics", err)
	}
	defer rows.Close()

	var out []plexus.StatSnapshot
	for rows.Next() {
		var snap plexus.StatSnapshot
		if err := rows.Scan(&snap.MetaDataID, &snap.ServerID,
			&snap.Received, &snap.Filtered, &snap.Sent, &snap.Errored); err != nil {
			return nil, wrap("postgres: scan statistics", err)
		}
		out = append(out, snap)
	}
	return out, wrap("postgres: iterate statistics", rows.Err())
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

// localID resolves the local channel id, consulting the registry on first
// use. Returns pgx.ErrNoRows for unknown channels.
func (s *Store) localID(ctx context.Context, channelID string) (int64, error) {
	s.mu.Lock()
	local, ok := s.local[channelID]
	s.mu.Unlock()
	if ok {
		return local, nil
	}
	err := s.pool.QueryRow(ctx,
		`SELECT LOCAL_CHANNEL_ID FROM D_CHANNELS WHERE CHANNEL_ID = $1`, channelID).Scan(&local)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.local[channelID] = local
	s.mu.Unlock()
	return local, nil
}

// --- Loading helpers ---

func scanMessages(rows pgx.Rows, channelID string) ([]*plexus.Message, error) {
	defer rows.Close()
	var messages []*plexus.Message
	for rows.Next() {
		m := &plexus.Message{ChannelID: channelID}
		var received int64
		var originalID, importID *int64
		if err := rows.Scan(&m.ID, &m.ServerID, &received, &m.Processed, &originalID, &importID); err != nil {
			return nil, wrap("postgres: scan message", err)
		}
		m.ReceivedDate = time.UnixMilli(received)
		m.OriginalID = originalID
		m.ImportID = importID
		messages = append(messages, m)
	}
	return messages, wrap("postgres: iterate messages", rows.Err())
}

func scanConnectorMessages(rows pgx.Rows, channelID string) ([]*plexus.ConnectorMessage, error) {
	defer rows.Close()
	var cms []*plexus.ConnectorMessage
	for rows.Next() {
		cm := &plexus.ConnectorMessage{ChannelID: channelID}
		var received int64
		var status string
		var sendDate, responseDate *int64
		if err := rows.Scan(&cm.MetaDataID, &cm.MessageID, &cm.ServerID, &received, &status,
			&cm.ConnectorName, &cm.SendAttempts, &sendDate, &responseDate,
			&cm.ErrorCode, &cm.ChainID, &cm.OrderID); err != nil {
			return nil, wrap("postgres: scan connector message", err)
		}
		cm.ReceivedDate = time.UnixMilli(received)
		if status != "" {
			cm.Status = plexus.Status(status[0])
		}
		if sendDate != nil {
			t := time.UnixMilli(*sendDate)
			cm.SendDate = &t
		}
		if responseDate != nil {
			t := time.UnixMilli(*responseDate)
			cm.ResponseDate = &t
		}
		cm.EnsureMaps()
		cms = append(cms, cm)
	}
	return cms, wrap("postgres: iterate connector messages", rows.Err())
}

// loadChildren attaches connector messages, content, and maps to m.
func (s *Store) loadChildren(ctx context.Context, local int64, channelID string, m *plexus.Message) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME,
		        SEND_ATTEMPTS, SEND_DATE, RESPONSE_DATE, ERROR_CODE, CHAIN_ID, ORDER_ID
		 FROM D_MM%d WHERE MESSAGE_ID = $1 ORDER BY ID`, local), m.ID)
	if err != nil {
		return wrap("postgres: load connector messages", err)
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
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT CONTENT_TYPE, CONTENT, DATA_TYPE, IS_ENCRYPTED
		 FROM D_MC%d WHERE MESSAGE_ID = $1 AND METADATA_ID = $2`, local),
		cm.MessageID, cm.MetaDataID)
	if err != nil {
		return wrap("postgres: load content", err)
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
			return wrap("postgres: scan content", err)
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
		return wrap("postgres: iterate content", err)
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

type pgTx struct {
	s   *Store
	ctx context.Context
	tx  pgx.Tx
}

var _ plexus.Tx = (*pgTx)(nil)

func (t *pgTx) local(channelID string) (int64, error) {
	return t.s.localID(t.ctx, channelID)
}

func (t *pgTx) InsertMessage(ctx context.Context, m *plexus.Message) error {
	local, err := t.local(m.ChannelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO D_M%d (ID, SERVER_ID, RECEIVED_DATE, PROCESSED, ORIGINAL_ID, IMPORT_ID)
		 VALUES ($1, $2, $3, FALSE, $4, $5)`, local),
		m.ID, m.ServerID, m.ReceivedDate.UnixMilli(), m.OriginalID, m.ImportID)
	return wrap("postgres: insert message", err)
}

func (t *pgTx) InsertConnectorMessage(ctx context.Context, cm *plexus.ConnectorMessage, storeMaps bool) error {
	local, err := t.local(cm.ChannelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO D_MM%d (ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME,
		                     SEND_ATTEMPTS, SEND_DATE, RESPONSE_DATE, ERROR_CODE, CHAIN_ID, ORDER_ID)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, local),
		cm.MetaDataID, cm.MessageID, cm.ServerID, cm.ReceivedDate.UnixMilli(),
		string(rune(cm.Status)), cm.ConnectorName, cm.SendAttempts,
		nullMilli(cm.SendDate), nullMilli(cm.ResponseDate),
		cm.ErrorCode, cm.ChainID, cm.OrderID)
	if err != nil {
		return wrap("postgres: insert connector message", err)
	}
	if storeMaps {
		return t.writeMaps(ctx, local, cm, false)
	}
	return nil
}

func (t *pgTx) StoreContent(ctx context.Context, c *plexus.MessageContent) error {
	local, err := t.local(c.ChannelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	return t.upsertContent(ctx, local, c.MessageID, c.MetaDataID, c.Type, c.Content, c.DataType, c.Encrypted)
}

func (t *pgTx) upsertContent(ctx context.Context, local int64, messageID int64, metaDataID int, ctype plexus.ContentType, content, dataType string, encrypted bool) error {
	_, err := t.tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO D_MC%d (MESSAGE_ID, METADATA_ID, CONTENT_TYPE, CONTENT, DATA_TYPE, IS_ENCRYPTED)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (MESSAGE_ID, METADATA_ID, CONTENT_TYPE) DO UPDATE SET
		   CONTENT = EXCLUDED.CONTENT,
		   DATA_TYPE = EXCLUDED.DATA_TYPE,
		   IS_ENCRYPTED = EXCLUDED.IS_ENCRYPTED`, local),
		messageID, metaDataID, int(ctype), content, dataType, encrypted)
	return wrap("postgres: store content", err)
}

func (t *pgTx) StoreAttachment(ctx context.Context, channelID string, a *plexus.Attachment) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO D_MA%d (ID, MESSAGE_ID, SEGMENT_ID, TYPE, CONTENT)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (ID, SEGMENT_ID) DO UPDATE SET
		   TYPE = EXCLUDED.TYPE,
		   CONTENT = EXCLUDED.CONTENT`, local),
		a.ID, a.MessageID, a.SegmentID, a.Type, a.Content)
	return wrap("postgres: store attachment", err)
}

func (t *pgTx) UpdateStatus(ctx context.Context, cm *plexus.ConnectorMessage) error {
	local, err := t.local(cm.ChannelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(
		`UPDATE D_MM%d SET STATUS = $1, SEND_ATTEMPTS = $2, SEND_DATE = $3, RESPONSE_DATE = $4
		 WHERE MESSAGE_ID = $5 AND ID = $6`, local),
		string(rune(cm.Status)), cm.SendAttempts,
		nullMilli(cm.SendDate), nullMilli(cm.ResponseDate),
		cm.MessageID, cm.MetaDataID)
	return wrap("postgres: update status", err)
}

func (t *pgTx) UpdateMaps(ctx context.Context, cm *plexus.ConnectorMessage, responseMapOnly bool) error {
	local, err := t.local(cm.ChannelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	return t.writeMaps(ctx, local, cm, responseMapOnly)
}

// writeMaps persists cm's maps as JSON content rows. The source map only
// exists on the source connector message.
func (t *pgTx) writeMaps(ctx context.Context, local int64, cm *plexus.ConnectorMessage, responseMapOnly bool) error {
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

func (t *pgTx) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	_, err = t.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE D_M%d SET PROCESSED = TRUE WHERE ID = $1`, local), messageID)
	return wrap("postgres: mark processed", err)
}

func (t *pgTx) ResetMessage(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	_, err = t.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE D_M%d SET PROCESSED = FALSE WHERE ID = $1`, local), messageID)
	if err != nil {
		return wrap("postgres: reset message", err)
	}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(
		`UPDATE D_MM%d SET STATUS = 'P', SEND_ATTEMPTS = 0, SEND_DATE = NULL, RESPONSE_DATE = NULL
		 WHERE MESSAGE_ID = $1 AND ID > 0`, local), messageID)
	return wrap("postgres: reset connector messages", err)
}

func (t *pgTx) DeleteMessage(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	stmts := []string{
		fmt.Sprintf(`DELETE FROM D_MC%d WHERE MESSAGE_ID = $1`, local),
		fmt.Sprintf(`DELETE FROM D_MA%d WHERE MESSAGE_ID = $1`, local),
		fmt.Sprintf(`DELETE FROM D_MCM%d WHERE MESSAGE_ID = $1`, local),
		fmt.Sprintf(`DELETE FROM D_MM%d WHERE MESSAGE_ID = $1`, local),
		fmt.Sprintf(`DELETE FROM D_M%d WHERE ID = $1`, local),
	}
	for _, stmt := range stmts {
		if _, err := t.tx.Exec(ctx, stmt, messageID); err != nil {
			return wrap("postgres: delete message", err)
		}
	}
	return nil
}

func (t *pgTx) DeleteMessageContent(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	_, err = t.tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM D_MC%d WHERE MESSAGE_ID = $1`, local), messageID)
	return wrap("postgres: delete message content", err)
}

func (t *pgTx) DeleteConnectorContent(ctx context.Context, channelID string, messageID int64, metaDataID int) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	_, err = t.tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM D_MC%d WHERE MESSAGE_ID = $1 AND METADATA_ID = $2`, local),
		messageID, metaDataID)
	return wrap("postgres: delete connector content", err)
}

func (t *pgTx) DeleteAttachments(ctx context.Context, channelID string, messageID int64) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	_, err = t.tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM D_MA%d WHERE MESSAGE_ID = $1`, local), messageID)
	return wrap("postgres: delete attachments", err)
}

func (t *pgTx) IncrementStatistic(ctx context.Context, channelID string, metaDataID int, serverID string, status plexus.Status, delta int64) error {
	col, ok := statColumn(status)
	if !ok {
		return nil
	}
	local, err := t.local(channelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	deltas := map[string]int64{col: delta}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO D_MS%d (METADATA_ID, SERVER_ID, RECEIVED, FILTERED, SENT, ERRORED)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (METADATA_ID, SERVER_ID) DO UPDATE SET %s = D_MS%d.%s + EXCLUDED.%s`,
		local, col, local, col, col),
		metaDataID, serverID,
		deltas["RECEIVED"], deltas["FILTERED"], deltas["SENT"], deltas["ERRORED"])
	return wrap("postgres: increment statistic", err)
}

func (t *pgTx) ResetStatistics(ctx context.Context, channelID string, scope plexus.StatScope) error {
	local, err := t.local(channelID)
	if err != nil {
		return wrap("postgres: resolve channel", err)
	}
	stmt := fmt.Sprintf(`UPDATE D_MS%d SET RECEIVED = 0, FILTERED = 0, SENT = 0, ERRORED = 0`, local)
	var clauses []string
	var args []any
	if scope.MetaDataID >= 0 {
		args = append(args, scope.MetaDataID)
		clauses = append(clauses, fmt.Sprintf("METADATA_ID = $%d", len(args)))
	}
	if scope.ServerID != "" {
		args = append(args, scope.ServerID)
		clauses = append(clauses, fmt.Sprintf("SERVER_ID = $%d", len(args)))
	}
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	_, err = t.tx.Exec(ctx, stmt, args...)
	return wrap("postgres: reset statistics", err)
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

func nullMilli(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
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

// contentionError marks deadlock and lock-wait failures so plexus.WithRetry
// re-runs the enclosing transaction.
type contentionError struct{ err error }

func (e *contentionError) Error() string        { return e.err.Error() }
func (e *contentionError) Unwrap() error        { return e.err }
func (e *contentionError) LockContention() bool { return true }

// Postgres error codes: deadlock_detected, lock_not_available.
const (
	codeDeadlockDetected = "40P01"
	codeLockNotAvailable = "55P03"
)

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == codeDeadlockDetected || pgErr.Code == codeLockNotAvailable {
			return &contentionError{err: wrapped}
		}
	}
	return wrapped
}
