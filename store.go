package plexus

import "context"

// Encryptor is applied to message content before store and after load.
// A decrypt failure must degrade to treating the stored value as plaintext
// rather than raising.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// StatSnapshot holds the tracked counters for one (metaDataId, serverId) row.
type StatSnapshot struct {
	MetaDataID int
	ServerID   string
	Received   int64
	Filtered   int64
	Sent       int64
	Errored    int64
}

// StatScope selects which statistics rows a reset applies to.
type StatScope struct {
	// MetaDataID < 0 means all connectors.
	MetaDataID int
	// ServerID "" means all servers.
	ServerID string
}

// Store is the persistence contract over the per-channel tables. Backends
// live in store/postgres and store/sqlite. All multi-statement sequences run
// through InTransaction so a message's writes commit or roll back together.
type Store interface {
	// Init creates the channel registry and any global tables. Idempotent.
	Init(ctx context.Context) error

	// EnsureChannel validates channelID, registers it, creates its tables if
	// absent, and returns the local channel id.
	EnsureChannel(ctx context.Context, channelID string) (int64, error)

	// RemoveChannel drops the channel's tables and registry row.
	RemoveChannel(ctx context.Context, channelID string) error

	// NextMessageID atomically advances and returns the channel's message-id
	// sequence.
	NextMessageID(ctx context.Context, channelID string) (int64, error)

	// InTransaction runs fn within one transaction, committing on nil return.
	InTransaction(ctx context.Context, fn func(Tx) error) error

	// UnfinishedMessages returns messages with processed=false belonging to
	// serverID, with their connector messages and maps loaded, ordered by
	// message id.
	UnfinishedMessages(ctx context.Context, channelID, serverID string) ([]*Message, error)

	// QueuedConnectorMessages returns connector messages in QUEUED for one
	// destination, ordered by message id, up to limit. Used by the
	// destination queue to (re)fill its buffer.
	QueuedConnectorMessages(ctx context.Context, channelID string, metaDataID, limit int) ([]*ConnectorMessage, error)

	// Message loads one message with its connector messages and content.
	Message(ctx context.Context, channelID string, messageID int64) (*Message, error)

	// Attachments returns the message's attachments with their segments
	// joined, ordered by attachment id.
	Attachments(ctx context.Context, channelID string, messageID int64) ([]*Attachment, error)

	// Statistics returns the per-connector statistics rows for the channel.
	Statistics(ctx context.Context, channelID string) ([]StatSnapshot, error)

	Close() error
}

// Tx is the transactional slice of the Store contract. Every mutation that
// belongs to a message's atomic step goes through a Tx.
type Tx interface {
	// InsertMessage persists the message row.
	InsertMessage(ctx context.Context, m *Message) error

	// InsertConnectorMessage persists the connector-message row; when
	// storeMaps is set the current map contents persist as content rows.
	InsertConnectorMessage(ctx context.Context, cm *ConnectorMessage, storeMaps bool) error

	// StoreContent upserts one content slot.
	StoreContent(ctx context.Context, c *MessageContent) error

	// StoreAttachment persists one attachment segment.
	StoreAttachment(ctx context.Context, channelID string, a *Attachment) error

	// UpdateStatus persists cm's current status together with sendAttempts,
	// sendDate, and responseDate.
	UpdateStatus(ctx context.Context, cm *ConnectorMessage) error

	// UpdateMaps persists cm's channel/connector/response maps as content
	// rows (subject to the caller's storage gating).
	UpdateMaps(ctx context.Context, cm *ConnectorMessage, responseMapOnly bool) error

	// MarkProcessed closes the message.
	MarkProcessed(ctx context.Context, channelID string, messageID int64) error

	// ResetMessage reopens a message for reprocessing: processed=false,
	// destination connector messages to PENDING with send state cleared.
	ResetMessage(ctx context.Context, channelID string, messageID int64) error

	// DeleteMessage removes the message and all children (content,
	// attachments, custom metadata, connector messages) in child-first
	// order.
	DeleteMessage(ctx context.Context, channelID string, messageID int64) error

	// DeleteMessageContent removes all content rows for the message.
	DeleteMessageContent(ctx context.Context, channelID string, messageID int64) error

	// DeleteConnectorContent removes content rows for one connector message.
	DeleteConnectorContent(ctx context.Context, channelID string, messageID int64, metaDataID int) error

	// DeleteAttachments removes all attachments for the message.
	DeleteAttachments(ctx context.Context, channelID string, messageID int64) error

	// IncrementStatistic adds delta to one tracked-status column for
	// (metaDataID, serverID), upserting the row.
	IncrementStatistic(ctx context.Context, channelID string, metaDataID int, serverID string, status Status, delta int64) error

	// ResetStatistics zeroes the counters in scope.
	ResetStatistics(ctx context.Context, channelID string, scope StatScope) error
}
