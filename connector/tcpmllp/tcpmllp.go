// Package tcpmllp implements MLLP-framed TCP transport: a listener source
// that acknowledges each message, and a sender destination that delivers
// frames and classifies the returned acknowledgment.
//
// An MLLP frame is 0x0B payload 0x1C 0x0D.
package tcpmllp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/plexushub/plexus"
)

const (
	startByte = 0x0B
	endByte   = 0x1C
	trailByte = 0x0D
)

// defaultMaxFrame bounds a single inbound frame.
const defaultMaxFrame = 16 << 20

// readFrame reads one MLLP frame from r, skipping any noise before the start
// byte.
func readFrame(r *bufio.Reader, max int) (string, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == startByte {
			break
		}
	}
	var payload bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == endByte {
			break
		}
		if payload.Len() >= max {
			return "", fmt.Errorf("tcpmllp: frame exceeds %d bytes", max)
		}
		payload.WriteByte(b)
	}
	if b, err := r.ReadByte(); err != nil {
		return "", err
	} else if b != trailByte {
		return "", fmt.Errorf("tcpmllp: frame end 0x%02X, want 0x%02X", b, trailByte)
	}
	return payload.String(), nil
}

// writeFrame writes payload as one MLLP frame.
func writeFrame(w io.Writer, payload string) error {
	buf := make([]byte, 0, len(payload)+3)
	buf = append(buf, startByte)
	buf = append(buf, payload...)
	buf = append(buf, endByte, trailByte)
	_, err := w.Write(buf)
	return err
}

// AckBuilder produces the acknowledgment written back for a dispatched
// message. dispatchErr is nil when the pipeline accepted the message.
type AckBuilder func(raw string, m *plexus.Message, dispatchErr error) string

// DefaultAck builds a minimal HL7 ACK: sender and receiver swapped, MSA-1
// AA on success and AE on failure, control id echoed from MSH-10.
func DefaultAck(raw string, m *plexus.Message, dispatchErr error) string {
	fieldSep := "|"
	encoding := "^~\\&"
	var sendApp, sendFac, recvApp, recvFac, controlID, version string
	version = "2.4"
	if strings.HasPrefix(raw, "MSH") && len(raw) > 3 {
		fieldSep = string(raw[3])
		line := raw
		if i := strings.IndexAny(line, "\r\n"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Split(line, fieldSep)
		get := func(i int) string {
			if i < len(fields) {
				return fields[i]
			}
			return ""
		}
		encoding = get(1)
		sendApp, sendFac = get(2), get(3)
		recvApp, recvFac = get(4), get(5)
		controlID = get(9)
		if v := get(11); v != "" {
			version = v
		}
	}
	code := "AA"
	if dispatchErr != nil {
		code = "AE"
	}
	ts := time.Now().Format("20060102150405")
	msh := strings.Join([]string{"MSH", encoding, recvApp, recvFac, sendApp, sendFac, ts, "", "ACK", controlID, "P", version}, fieldSep)
	msa := strings.Join([]string{"MSA", code, controlID}, fieldSep)
	return msh + "\r" + msa
}

// FrameDecoder converts raw frame bytes to message text. The default treats
// the payload as UTF-8.
type FrameDecoder func([]byte) (string, error)

// Listener is the MLLP source adapter: it accepts TCP connections, reads
// frames, dispatches each one, and writes the acknowledgment back on the
// same connection.
type Listener struct {
	addr     string
	maxFrame int
	ack      AckBuilder
	decode   FrameDecoder
	logger   *slog.Logger

	ln     net.Listener
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	closed bool
}

var _ plexus.SourceAdapter = (*Listener)(nil)

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithAckBuilder overrides the acknowledgment builder.
func WithAckBuilder(b AckBuilder) ListenerOption {
	return func(l *Listener) { l.ack = b }
}

// WithMaxFrameSize bounds inbound frames.
func WithMaxFrameSize(n int) ListenerOption {
	return func(l *Listener) { l.maxFrame = n }
}

// WithFrameDecoder sets the charset decoder applied to each frame before
// dispatch.
func WithFrameDecoder(d FrameDecoder) ListenerOption {
	return func(l *Listener) { l.decode = d }
}

// WithListenerLogger sets the structured logger.
func WithListenerLogger(lg *slog.Logger) ListenerOption {
	return func(l *Listener) { l.logger = lg }
}

// NewListener builds a listener on addr (host:port).
func NewListener(addr string, opts ...ListenerOption) *Listener {
	l := &Listener{
		addr:     addr,
		maxFrame: defaultMaxFrame,
		ack:      DefaultAck,
		logger:   slog.New(discardHandler{}),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Start binds the port and begins accepting connections.
func (l *Listener) Start(ctx context.Context, d plexus.Dispatcher) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return plexus.Classify("mllp listen", err)
	}
	l.mu.Lock()
	l.ln = ln
	l.closed = false
	l.mu.Unlock()
	l.wg.Add(1)
	go l.acceptLoop(d)
	return nil
}

// Stop closes the listener and all live connections, then waits for the
// connection handlers to finish.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	ln := l.ln
	l.ln = nil
	for c := range l.conns {
		c.Close()
	}
	l.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	l.wg.Wait()
	return nil
}

func (l *Listener) acceptLoop(d plexus.Dispatcher) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		ln := l.ln
		l.mu.Unlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			l.logger.Error("accept failed", "err", err)
			continue
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		l.wg.Add(1)
		go l.handle(conn, d)
	}
}

// handle serves one connection: frames are processed sequentially so the
// peer's acknowledgments arrive in send order.
func (l *Listener) handle(conn net.Conn, d plexus.Dispatcher) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
	}()
	remote := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)
	for {
		raw, err := readFrame(r, l.maxFrame)
		if err != nil {
			if err != io.EOF {
				l.logger.Debug("connection closed", "remote", remote, "err", err)
			}
			return
		}
		if l.decode != nil {
			decoded, derr := l.decode([]byte(raw))
			if derr != nil {
				l.logger.Error("frame decode failed", "remote", remote, "err", derr)
				if ack := l.ack(raw, nil, derr); ack != "" {
					if err := writeFrame(conn, ack); err != nil {
						return
					}
				}
				continue
			}
			raw = decoded
		}
		sourceMap := map[string]any{"remoteAddress": remote}
		m, dispatchErr := d.DispatchRaw(context.Background(), raw, sourceMap)
		if dispatchErr != nil {
			l.logger.Error("dispatch failed", "remote", remote, "err", dispatchErr)
		}
		if ack := l.ack(raw, m, dispatchErr); ack != "" {
			if err := writeFrame(conn, ack); err != nil {
				l.logger.Error("writing ack failed", "remote", remote, "err", err)
				return
			}
		}
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
