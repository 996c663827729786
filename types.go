package plexus

import (
	"sync"
	"time"
)

// --- Domain types (database records) ---

// Status is the lifecycle state of a ConnectorMessage, persisted as a single
// character.
type Status byte

const (
	StatusReceived    Status = 'R'
	StatusFiltered    Status = 'F'
	StatusTransformed Status = 'T'
	StatusSent        Status = 'S'
	StatusQueued      Status = 'Q'
	StatusError       Status = 'E'
	StatusPending     Status = 'P'
)

// Terminal reports whether the status ends a connector message's lifecycle.
// Once terminal, the normal pipeline never overwrites it; only explicit reset
// operations reopen the message.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFiltered || s == StatusError
}

// Tracked reports whether the status participates in statistics. Transitions
// involving only non-tracked statuses never touch a statistics column.
func (s Status) Tracked() bool {
	switch s {
	case StatusReceived, StatusFiltered, StatusSent, StatusError:
		return true
	}
	return false
}

func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "RECEIVED"
	case StatusFiltered:
		return "FILTERED"
	case StatusTransformed:
		return "TRANSFORMED"
	case StatusSent:
		return "SENT"
	case StatusQueued:
		return "QUEUED"
	case StatusError:
		return "ERROR"
	case StatusPending:
		return "PENDING"
	}
	return "UNKNOWN"
}

// ContentType identifies one slot of message content. A connector message
// holds at most one value per content type; writes overwrite.
type ContentType int

const (
	ContentRaw ContentType = iota + 1
	ContentProcessedRaw
	ContentTransformed
	ContentEncoded
	ContentSent
	ContentResponse
	ContentResponseTransformed
	ContentProcessedResponse
	ContentSourceMap
	ContentConnectorMap
	ContentChannelMap
	ContentResponseMap
	ContentProcessingError
	ContentPostprocessorError
	ContentResponseError
)

func (c ContentType) String() string {
	switch c {
	case ContentRaw:
		return "RAW"
	case ContentProcessedRaw:
		return "PROCESSED_RAW"
	case ContentTransformed:
		return "TRANSFORMED"
	case ContentEncoded:
		return "ENCODED"
	case ContentSent:
		return "SENT"
	case ContentResponse:
		return "RESPONSE"
	case ContentResponseTransformed:
		return "RESPONSE_TRANSFORMED"
	case ContentProcessedResponse:
		return "PROCESSED_RESPONSE"
	case ContentSourceMap:
		return "SOURCE_MAP"
	case ContentConnectorMap:
		return "CONNECTOR_MAP"
	case ContentChannelMap:
		return "CHANNEL_MAP"
	case ContentResponseMap:
		return "RESPONSE_MAP"
	case ContentProcessingError:
		return "PROCESSING_ERROR"
	case ContentPostprocessorError:
		return "POSTPROCESSOR_ERROR"
	case ContentResponseError:
		return "RESPONSE_ERROR"
	}
	return "UNKNOWN"
}

// MessageContent is one persisted content slot of a connector message.
type MessageContent struct {
	ChannelID  string
	MessageID  int64
	MetaDataID int
	Type       ContentType
	Content    string
	DataType   string
	Encrypted  bool
}

// Attachment is an optional large payload extracted from the raw message
// before processing. Large attachments are split into segments.
type Attachment struct {
	ID        string
	MessageID int64
	SegmentID int
	Type      string
	Content   []byte
}

// Message is the root record of one raw message traversing a channel. It is
// created by the source dispatch and closed exactly once by setting Processed.
type Message struct {
	ID           int64
	ServerID     string
	ChannelID    string
	ReceivedDate time.Time
	Processed    bool

	// OriginalID and ImportID are set only for reprocessed or imported
	// messages.
	OriginalID *int64
	ImportID   *int64

	// connectorMessages maps metaDataId -> connector message. The source
	// entry is written before fan-out; destination entries are written by
	// their owning chain under the message's fan-out coordination.
	mu                sync.Mutex
	connectorMessages map[int]*ConnectorMessage
}

// ConnectorMessage returns the connector message for metaDataID, or nil.
func (m *Message) ConnectorMessage(metaDataID int) *ConnectorMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectorMessages[metaDataID]
}

// ConnectorMessages returns a snapshot of the metaDataId -> ConnectorMessage
// mapping.
func (m *Message) ConnectorMessages() map[int]*ConnectorMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]*ConnectorMessage, len(m.connectorMessages))
	for k, v := range m.connectorMessages {
		out[k] = v
	}
	return out
}

// Source returns the source connector message (metaDataId 0), or nil.
func (m *Message) Source() *ConnectorMessage { return m.ConnectorMessage(0) }

func (m *Message) addConnectorMessage(cm *ConnectorMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectorMessages == nil {
		m.connectorMessages = make(map[int]*ConnectorMessage)
	}
	m.connectorMessages[cm.MetaDataID] = cm
}

// ConnectorMessage is the per-connector state of a Message. The source uses
// metaDataId 0; destinations use positive metaDataIds.
type ConnectorMessage struct {
	ChannelID     string
	ChannelName   string
	MessageID     int64
	MetaDataID    int
	ServerID      string
	ConnectorName string
	ReceivedDate  time.Time

	Status       Status
	SendAttempts int
	SendDate     *time.Time
	ResponseDate *time.Time
	ErrorCode    int
	ChainID      int
	OrderID      int

	// Per-message maps. sourceMap is shared by reference across every
	// connector message of one message and is immutable after dispatch.
	// channelMap is shared by reference within a chain and copied by value
	// when forking a new chain. connectorMap is per connector. responseMap is
	// shared across a chain so later destinations can read earlier responses.
	sourceMap    *KeyMap
	channelMap   *KeyMap
	connectorMap *KeyMap
	responseMap  *KeyMap

	// dset carries the fan-out control from the source transformer into the
	// dispatch that created it. Never persisted.
	dset *DestinationSet

	content map[ContentType]*MessageContent
}

// setMaps wires the four map handles according to the sharing rules above.
func (cm *ConnectorMessage) setMaps(src, ch, conn, resp *KeyMap) {
	cm.sourceMap = src
	cm.channelMap = ch
	cm.connectorMap = conn
	cm.responseMap = resp
}

// EnsureMaps initializes any nil map handle with an empty map. Store
// backends call it after loading rows so scripts always see live maps.
func (cm *ConnectorMessage) EnsureMaps() {
	if cm.sourceMap == nil {
		cm.sourceMap = NewKeyMap()
	}
	if cm.channelMap == nil {
		cm.channelMap = NewKeyMap()
	}
	if cm.connectorMap == nil {
		cm.connectorMap = NewKeyMap()
	}
	if cm.responseMap == nil {
		cm.responseMap = NewKeyMap()
	}
}

// SetMapContents replaces the map handles with maps seeded from the given
// snapshots. Used by store backends when rehydrating persisted map content.
func (cm *ConnectorMessage) SetMapContents(src, ch, conn, resp map[string]any) {
	cm.sourceMap = NewKeyMapFrom(src)
	cm.channelMap = NewKeyMapFrom(ch)
	cm.connectorMap = NewKeyMapFrom(conn)
	cm.responseMap = NewKeyMapFrom(resp)
}

// AddConnectorMessage registers cm under its metaDataId. Store backends use
// it when assembling loaded messages.
func (m *Message) AddConnectorMessage(cm *ConnectorMessage) {
	m.addConnectorMessage(cm)
}

// SourceMap returns the dispatch-time source map (read-only by convention).
func (cm *ConnectorMessage) SourceMap() *KeyMap { return cm.sourceMap }

// ChannelMap returns the channel map shared within this chain.
func (cm *ConnectorMessage) ChannelMap() *KeyMap { return cm.channelMap }

// ConnectorMap returns this connector's private map.
func (cm *ConnectorMessage) ConnectorMap() *KeyMap { return cm.connectorMap }

// ResponseMap returns the response map shared across this chain.
func (cm *ConnectorMessage) ResponseMap() *KeyMap { return cm.responseMap }

// Content returns the content stored under t, or nil.
func (cm *ConnectorMessage) Content(t ContentType) *MessageContent {
	return cm.content[t]
}

// SetContent stores c under its content type, overwriting any prior value.
func (cm *ConnectorMessage) SetContent(c *MessageContent) {
	if cm.content == nil {
		cm.content = make(map[ContentType]*MessageContent)
	}
	cm.content[c.Type] = c
}

// ContentText returns the content string stored under t, or "".
func (cm *ConnectorMessage) ContentText(t ContentType) string {
	if c := cm.content[t]; c != nil {
		return c.Content
	}
	return ""
}

// newContent builds a MessageContent slot keyed to this connector message.
func (cm *ConnectorMessage) newContent(t ContentType, content, dataType string) *MessageContent {
	return &MessageContent{
		ChannelID:  cm.ChannelID,
		MessageID:  cm.MessageID,
		MetaDataID: cm.MetaDataID,
		Type:       t,
		Content:    content,
		DataType:   dataType,
	}
}
