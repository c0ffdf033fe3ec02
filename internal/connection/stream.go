package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Stream is the byte stream a connection runs over.
type Stream interface {
	io.ReadWriteCloser
}

// readDeadliner is implemented by streams whose blocked reads can be
// interrupted without closing them.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Dialer opens streams.
type Dialer interface {
	Dial(ctx context.Context, address string) (Stream, error)
}

// DialerFor picks a dialer from the address scheme: ws:// and wss:// use
// WebSocket, tcp:// or a bare host:port use TCP. It returns the address the
// dialer expects.
func DialerFor(address string) (Dialer, string, error) {
	if !strings.Contains(address, "://") {
		return &TCPDialer{}, address, nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, "", fmt.Errorf("parse address: %w", err)
	}
	switch u.Scheme {
	case "tcp":
		return &TCPDialer{}, u.Host, nil
	case "ws", "wss":
		return &WebSocketDialer{}, address, nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// TCPDialer dials plain TCP streams with Nagle disabled.
type TCPDialer struct {
	Timeout      time.Duration
	DSCP         int  // DiffServ code point 0-63 (0 leaves the default)
	MultipathTCP bool // Request MPTCP where the kernel supports it
	Logger       *slog.Logger
}

// Dial connects to address (host:port).
func (d *TCPDialer) Dial(ctx context.Context, address string) (Stream, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	nd.SetMultipathTCP(d.MultipathTCP)

	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	prepareTCP(conn, d.DSCP, d.logger())
	return conn, nil
}

func (d *TCPDialer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// prepareTCP disables Nagle and applies the DSCP marking. Marking failures
// are logged; some platforms ignore or refuse it.
func prepareTCP(conn net.Conn, dscp int, logger *slog.Logger) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	if dscp <= 0 {
		return
	}

	tos := (dscp & 0x3f) << 2
	var err error
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok && addr.IP.To4() == nil {
		err = ipv6.NewConn(conn).SetTrafficClass(tos)
	} else {
		err = ipv4.NewConn(conn).SetTOS(tos)
	}
	if err != nil {
		logger.Warn("failed to set DSCP", "dscp", dscp, "error", err)
	}
}

// Listener accepts TCP streams.
type Listener struct {
	net.Listener
	DSCP   int
	Logger *slog.Logger
}

// Listen binds address for incoming streams.
func Listen(ctx context.Context, address string, mptcp bool) (*Listener, error) {
	lc := new(net.ListenConfig)
	lc.SetMultipathTCP(mptcp)

	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	return &Listener{Listener: l, Logger: slog.Default()}, nil
}

// AcceptStream waits for the next incoming stream.
func (l *Listener) AcceptStream() (Stream, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}
	prepareTCP(conn, l.DSCP, l.Logger)
	return conn, nil
}

// WebSocketDialer dials WebSocket streams. Telegrams travel in binary
// messages; reads span message boundaries.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// Dial connects to a ws:// or wss:// URL.
func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Stream, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}

	conn, _, err := dialer.DialContext(ctx, address, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewWebSocketStream(conn, d.WriteTimeout), nil
}

// wsStream carries a byte stream over a WebSocket connection.
type wsStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	reader  io.Reader // Current message being read
}

// NewWebSocketStream wraps an established WebSocket connection, client or
// server side.
func NewWebSocketStream(conn *websocket.Conn, writeTimeout time.Duration) Stream {
	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		err := conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return &wsStream{conn: conn, writeTimeout: writeTimeout}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *wsStream) Close() error {
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}
