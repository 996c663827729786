package tcpmllp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/plexushub/plexus"
)

// Sender is the MLLP destination adapter. Each send writes one frame and
// waits for the acknowledgment frame on the same connection; the MSA-1 code
// decides the outcome. AE, AR, CE, and CR are application rejections and
// never retried.
type Sender struct {
	addr        string
	timeout     time.Duration
	keepAlive   bool
	parseAck    bool
	dialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	logger      *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	responses map[int64]string
}

var _ plexus.DestinationAdapter = (*Sender)(nil)

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSendTimeout bounds one send round trip, acknowledgment included.
func WithSendTimeout(d time.Duration) SenderOption {
	return func(s *Sender) { s.timeout = d }
}

// WithKeepConnectionOpen reuses one connection across sends instead of
// dialing per message.
func WithKeepConnectionOpen() SenderOption {
	return func(s *Sender) { s.keepAlive = true }
}

// WithoutAckValidation skips MSA parsing: any acknowledgment frame counts as
// success. For peers that return non-HL7 payloads.
func WithoutAckValidation() SenderOption {
	return func(s *Sender) { s.parseAck = false }
}

// WithSenderLogger sets the structured logger.
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// NewSender builds a sender targeting addr (host:port).
func NewSender(addr string, opts ...SenderOption) *Sender {
	s := &Sender{
		addr:      addr,
		timeout:   30 * time.Second,
		parseAck:  true,
		logger:    slog.New(discardHandler{}),
		responses: make(map[int64]string),
	}
	var d net.Dialer
	s.dialContext = d.DialContext
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sender) Start(ctx context.Context) error { return nil }

// Stop closes the kept connection, if any.
func (s *Sender) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConnLocked()
	return nil
}

func (s *Sender) dropConnLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.reader = nil
	}
}

// Send writes the SENT content as one frame and reads the acknowledgment.
// Transport failures are connection errors; a rejecting MSA code is an
// application error.
func (s *Sender) Send(ctx context.Context, cm *plexus.ConnectorMessage) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ack, err := s.exchangeLocked(ctx, cm.ContentText(plexus.ContentSent))
	if err != nil {
		s.dropConnLocked()
		return plexus.Classify("mllp send", err)
	}
	if s.parseAck {
		if code := ackCode(ack); isRejection(code) {
			return &plexus.ErrApplication{Kind: "nak", Message: fmt.Sprintf("MSA %s: %s", code, snippetLine(ack))}
		}
	}
	s.responses[cm.MessageID] = ack
	return nil
}

func (s *Sender) exchangeLocked(ctx context.Context, payload string) (string, error) {
	conn, reader, err := s.connLocked(ctx)
	if err != nil {
		return "", err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	if err := writeFrame(conn, payload); err != nil {
		return "", err
	}
	return readFrame(reader, defaultMaxFrame)
}

func (s *Sender) connLocked(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	if s.keepAlive && s.conn != nil {
		return s.conn, s.reader, nil
	}
	s.dropConnLocked()
	conn, err := s.dialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, nil, err
	}
	reader := bufio.NewReader(conn)
	// Kept either way: per-message connections close once the response is
	// collected, kept-open ones on Stop.
	s.conn = conn
	s.reader = reader
	return conn, reader, nil
}

// Response returns and forgets the acknowledgment captured by the matching
// Send.
func (s *Sender) Response(cm *plexus.ConnectorMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ack, ok := s.responses[cm.MessageID]
	if !ok {
		return ""
	}
	delete(s.responses, cm.MessageID)
	if !s.keepAlive {
		s.dropConnLocked()
	}
	return ack
}

// ackCode extracts MSA-1 from an acknowledgment message.
func ackCode(ack string) string {
	for _, line := range strings.FieldsFunc(ack, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if !strings.HasPrefix(line, "MSA") || len(line) < 4 {
			continue
		}
		fields := strings.Split(line, string(line[3]))
		if len(fields) > 1 {
			return fields[1]
		}
	}
	return ""
}

func isRejection(code string) bool {
	switch code {
	case "AE", "AR", "CE", "CR":
		return true
	}
	return false
}

func snippetLine(ack string) string {
	const limit = 256
	ack = strings.TrimSpace(ack)
	if len(ack) > limit {
		return ack[:limit] + "..."
	}
	return ack
}
