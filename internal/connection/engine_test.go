package connection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/telelink/internal/telegram"
	"github.com/rickgao/telelink/internal/watchdog"
)

// recordingHandler collects everything an engine hands upward.
type recordingHandler struct {
	mu       sync.Mutex
	received []telegram.Telegram
	got      chan telegram.Telegram

	disconnects atomic.Int32
	isError     bool
	message     string
	done        chan struct{}
	once        sync.Once

	panicOnFirst bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		got:  make(chan telegram.Telegram, 256),
		done: make(chan struct{}),
	}
}

func (h *recordingHandler) OnTelegram(t telegram.Telegram) {
	h.mu.Lock()
	h.received = append(h.received, t)
	first := len(h.received) == 1
	h.mu.Unlock()

	h.got <- t
	if first && h.panicOnFirst {
		panic("handler failure")
	}
}

func (h *recordingHandler) OnDisconnected(isError bool, message string) {
	h.disconnects.Add(1)
	h.once.Do(func() {
		h.mu.Lock()
		h.isError = isError
		h.message = message
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *recordingHandler) next(t *testing.T) telegram.Telegram {
	t.Helper()
	select {
	case tg := <-h.got:
		return tg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a telegram")
		return nil
	}
}

func (h *recordingHandler) waitDisconnected(t *testing.T) (bool, string) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnDisconnected")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isError, h.message
}

// rawPeer is the far end of a pipe driven directly with the codec.
type rawPeer struct {
	conn net.Conn
	got  chan telegram.Telegram
	err  chan error
}

func newRawPeer(conn net.Conn) *rawPeer {
	p := &rawPeer{conn: conn, got: make(chan telegram.Telegram, 256), err: make(chan error, 1)}
	reg := telegram.NewRegistry(telegram.DefaultLimits())
	go func() {
		for {
			t, err := reg.Read(conn)
			if err != nil {
				p.err <- err
				close(p.got)
				return
			}
			p.got <- t
		}
	}()
	return p
}

func (p *rawPeer) write(t *testing.T, tg telegram.Telegram) {
	t.Helper()
	if err := telegram.Write(p.conn, tg); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
}

// nonKeepalive returns the next telegram other than a keepalive, or nil once
// the stream ended.
func (p *rawPeer) nonKeepalive(t *testing.T) telegram.Telegram {
	t.Helper()
	for {
		select {
		case tg, ok := <-p.got:
			if !ok {
				return nil
			}
			if tg.Type() != telegram.TypeKeepalive {
				return tg
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the peer to read")
			return nil
		}
	}
}

// countingStream counts Close calls.
type countingStream struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingStream) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OutboundCapacity = 64 << 10
	cfg.InboundCapacity = 64 << 10
	cfg.MaxFragment = 1024
	cfg.DrainTimeout = 2 * time.Second
	cfg.AbortWait = 200 * time.Millisecond
	return cfg
}

func attached(t *testing.T, cfg Config, stream Stream) (*Engine, *recordingHandler) {
	t.Helper()
	e := NewEngine(cfg, nil, nil)
	h := newRecordingHandler()
	if err := e.SetHandler(h); err != nil {
		t.Fatalf("SetHandler failed: %v", err)
	}
	if err := e.Attach(stream); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return e, h
}

func TestEngine_RejectsMisuse(t *testing.T) {
	ctx := context.Background()

	e := NewEngine(testConfig(), nil, nil)
	if err := e.Send(ctx, &telegram.Control{}); !errors.Is(err, ErrNoHandler) {
		t.Errorf("Send without handler = %v, want ErrNoHandler", err)
	}
	if err := e.SetHandler(nil); !errors.Is(err, ErrNoHandler) {
		t.Errorf("SetHandler(nil) = %v, want ErrNoHandler", err)
	}
	if err := e.SetHandler(HandlerFuncs{}); err != nil {
		t.Fatalf("SetHandler failed: %v", err)
	}
	if err := e.Send(ctx, &telegram.Control{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send while disconnected = %v, want ErrNotConnected", err)
	}

	a, b := net.Pipe()
	defer b.Close()
	newRawPeer(b)
	if err := e.Attach(a); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer e.Disconnect(false, "test over", nil)

	if err := e.Attach(a); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Attach = %v, want ErrAlreadyConnected", err)
	}
	if err := e.Connect(ctx, "127.0.0.1:1"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Connect while attached = %v, want ErrAlreadyConnected", err)
	}
	if _, err := e.SendItem(ctx, []byte("x"), telegram.MaxPriority+1); err == nil {
		t.Error("SendItem accepted a priority above the maximum")
	}
	if err := e.UpdateThroughputParameters(1.5, time.Second, 10); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("UpdateThroughputParameters(1.5) = %v, want ErrInvalidParameter", err)
	}
	if err := e.UpdateKeepaliveParameters(-time.Second, 0); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("UpdateKeepaliveParameters(-1s) = %v, want ErrInvalidParameter", err)
	}
}

func TestEngine_ItemRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		compress bool
	}{
		{"empty", 0, false},
		{"single fragment", 100, false},
		{"many fragments", 50000, false},
		{"compressed", 50000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Compress = tt.compress

			a, b := net.Pipe()
			sender, _ := attached(t, cfg, a)
			receiver, h := attached(t, cfg, b)

			payload := make([]byte, tt.size)
			if tt.compress {
				copy(payload, bytes.Repeat([]byte("telegram "), tt.size/9+1))
			} else {
				rand.New(rand.NewSource(1)).Read(payload)
			}

			item, err := sender.SendItem(context.Background(), payload, telegram.PriorityData)
			if err != nil {
				t.Fatalf("SendItem failed: %v", err)
			}

			got, ok := h.next(t).(*telegram.Fragment)
			if !ok {
				t.Fatal("received telegram is not a fragment")
			}
			if got.Item != item || got.Total != 1 {
				t.Errorf("received item %d total %d, want item %d total 1", got.Item, got.Total, item)
			}
			if !bytes.Equal(got.Payload, payload) {
				t.Error("received payload differs from sent payload")
			}

			sender.Disconnect(true, "done", nil)
			receiver.Disconnect(true, "done", nil)
		})
	}
}

func TestEngine_GracefulDisconnectDrainsAndSendsFinal(t *testing.T) {
	a, b := net.Pipe()
	peer := newRawPeer(b)
	e, h := attached(t, testConfig(), a)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := e.Send(ctx, &telegram.Control{RequestID: uint32(i), Code: 1}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	e.Disconnect(true, "shutting down", &telegram.Goodbye{Reason: "shutting down"})

	for i := 0; i < 10; i++ {
		c, ok := peer.nonKeepalive(t).(*telegram.Control)
		if !ok || c.RequestID != uint32(i) {
			t.Fatalf("telegram %d = %v, want control %d", i, c, i)
		}
	}
	g, ok := peer.nonKeepalive(t).(*telegram.Goodbye)
	if !ok || g.Reason != "shutting down" {
		t.Fatalf("last telegram = %v, want goodbye", g)
	}
	if tg := peer.nonKeepalive(t); tg != nil {
		t.Errorf("telegram %v written after the final telegram", tg.Type())
	}

	isError, msg := h.waitDisconnected(t)
	if isError || msg != "shutting down" {
		t.Errorf("OnDisconnected(%v, %q), want (false, %q)", isError, msg, "shutting down")
	}
	if e.IsConnected() {
		t.Error("IsConnected = true after Disconnect")
	}
}

func TestEngine_DisconnectIdempotent(t *testing.T) {
	a, b := net.Pipe()
	newRawPeer(b)
	stream := &countingStream{Conn: a}
	e, h := attached(t, testConfig(), stream)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Disconnect(true, "bye", nil)
		}()
	}
	wg.Wait()
	h.waitDisconnected(t)
	e.Disconnect(true, "again", nil)

	if n := stream.closes.Load(); n != 1 {
		t.Errorf("stream closed %d times, want 1", n)
	}
	if n := h.disconnects.Load(); n != 1 {
		t.Errorf("OnDisconnected called %d times, want 1", n)
	}
}

func TestEngine_SecondDisconnectAbortsDrain(t *testing.T) {
	// Nobody reads b, so the sender stalls on its first write.
	a, b := net.Pipe()
	defer b.Close()
	stream := &countingStream{Conn: a}
	cfg := testConfig()
	cfg.Keepalive.SendTimeout = 0
	cfg.Keepalive.ReceiveTimeout = 0
	cfg.DrainTimeout = 10 * time.Second
	e, h := attached(t, cfg, stream)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if err := e.Send(ctx, &telegram.Control{RequestID: uint32(i), Body: make([]byte, 64)}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	first := make(chan struct{})
	go func() {
		defer close(first)
		e.Disconnect(true, "draining", nil)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for e.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("first Disconnect never started draining")
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	e.Disconnect(true, "again", nil)
	if elapsed := time.Since(start); elapsed > cfg.AbortWait+time.Second {
		t.Errorf("second Disconnect took %v, want about %v", elapsed, cfg.AbortWait)
	}

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first Disconnect still draining after the outbound was aborted")
	}
	isError, msg := h.waitDisconnected(t)
	if isError || msg != "draining" {
		t.Errorf("OnDisconnected(%v, %q), want (false, %q)", isError, msg, "draining")
	}
	if n := h.disconnects.Load(); n != 1 {
		t.Errorf("OnDisconnected called %d times, want 1", n)
	}
	if n := stream.closes.Load(); n != 1 {
		t.Errorf("stream closed %d times, want 1", n)
	}
}

func TestEngine_ThroughputFault(t *testing.T) {
	// Nobody reads b, so queued bytes never leave.
	a, b := net.Pipe()
	defer b.Close()
	cfg := testConfig()
	cfg.OutboundCapacity = 1000
	cfg.Keepalive.SendTimeout = 0
	cfg.Keepalive.ReceiveTimeout = 0
	cfg.Throughput = watchdog.ThroughputParams{
		FillFactor: 0.75,
		Interval:   100 * time.Millisecond,
		MinRate:    100,
	}
	e, h := attached(t, cfg, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		// One control is held by the stalled sender, the rest stay queued
		// above the fill threshold. Sends fail once the fault tears down.
		for i := 0; i < 5; i++ {
			if err := e.Send(ctx, &telegram.Control{RequestID: uint32(i), Body: make([]byte, 200)}); err != nil {
				return
			}
		}
	}()

	isError, msg := h.waitDisconnected(t)
	if !isError {
		t.Error("OnDisconnected isError = false, want true")
	}
	if !strings.Contains(msg, "throughput") {
		t.Errorf("message = %q, want throughput diagnostic", msg)
	}
}

func TestEngine_UnknownTagIsFatal(t *testing.T) {
	a, b := net.Pipe()
	newRawPeer(b)
	_, h := attached(t, testConfig(), a)

	if _, err := b.Write([]byte{0xEE}); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}

	isError, msg := h.waitDisconnected(t)
	if !isError {
		t.Error("OnDisconnected isError = false, want true")
	}
	if !strings.Contains(msg, "unknown type tag") {
		t.Errorf("message = %q, want unknown type diagnostic", msg)
	}
}

func TestEngine_PeerClosed(t *testing.T) {
	a, b := net.Pipe()
	_, h := attached(t, testConfig(), a)
	b.Close()

	isError, msg := h.waitDisconnected(t)
	if !isError || msg != ErrPeerClosed.Error() {
		t.Errorf("OnDisconnected(%v, %q), want (true, %q)", isError, msg, ErrPeerClosed)
	}
}

func TestEngine_SilentPeer(t *testing.T) {
	cfg := testConfig()
	cfg.Keepalive = watchdog.KeepaliveParams{
		SendTimeout:       time.Hour,
		ReceiveTimeout:    20 * time.Millisecond,
		MaxSouls:          2,
		BacklogMultiplier: 4,
		Priority:          telegram.PriorityKeepalive,
	}

	a, b := net.Pipe()
	newRawPeer(b)
	_, h := attached(t, cfg, a)

	isError, msg := h.waitDisconnected(t)
	if !isError || msg != watchdog.ErrPeerSilent.Error() {
		t.Errorf("OnDisconnected(%v, %q), want silent peer", isError, msg)
	}
}

func TestEngine_KeepaliveSent(t *testing.T) {
	cfg := testConfig()
	cfg.Keepalive.SendTimeout = 20 * time.Millisecond

	a, b := net.Pipe()
	peer := newRawPeer(b)
	e, _ := attached(t, cfg, a)
	defer e.Disconnect(false, "test over", nil)

	select {
	case tg := <-peer.got:
		if tg.Type() != telegram.TypeKeepalive {
			t.Errorf("first telegram = %v, want keepalive", tg.Type())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no keepalive written")
	}
}

func TestEngine_InlineAndQueuedDelivery(t *testing.T) {
	a, b := net.Pipe()
	peer := newRawPeer(b)
	e, h := attached(t, testConfig(), a)
	defer e.Disconnect(false, "test over", nil)

	peer.write(t, &telegram.Keepalive{})
	peer.write(t, &telegram.Reply{RequestID: 7, Status: 0, Body: []byte("ok")})
	peer.write(t, &telegram.Control{RequestID: 8, Code: 2})

	seen := map[telegram.Type]bool{}
	for i := 0; i < 2; i++ {
		seen[h.next(t).Type()] = true
	}
	if !seen[telegram.TypeReply] || !seen[telegram.TypeControl] {
		t.Errorf("delivered types = %v, want reply and control", seen)
	}
	if seen[telegram.TypeKeepalive] {
		t.Error("keepalive delivered to the handler")
	}
	if st := e.Stats(); st.TelegramsReceived != 3 {
		t.Errorf("TelegramsReceived = %d, want 3", st.TelegramsReceived)
	}
}

func TestEngine_HandlerPanicRecovered(t *testing.T) {
	a, b := net.Pipe()
	peer := newRawPeer(b)
	e := NewEngine(testConfig(), nil, nil)
	h := newRecordingHandler()
	h.panicOnFirst = true
	e.SetHandler(h)
	if err := e.Attach(a); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer e.Disconnect(false, "test over", nil)

	peer.write(t, &telegram.Control{RequestID: 1})
	peer.write(t, &telegram.Control{RequestID: 2})

	h.next(t)
	if c := h.next(t).(*telegram.Control); c.RequestID != 2 {
		t.Errorf("second delivery = %d, want 2", c.RequestID)
	}
	if st := e.Stats(); st.HandlerPanics != 1 {
		t.Errorf("HandlerPanics = %d, want 1", st.HandlerPanics)
	}
}

func TestEngine_PeerGoodbye(t *testing.T) {
	a, b := net.Pipe()
	peer := newRawPeer(b)
	_, h := attached(t, testConfig(), a)

	peer.write(t, &telegram.Goodbye{Reason: "maintenance"})

	if g, ok := h.next(t).(*telegram.Goodbye); !ok || g.Reason != "maintenance" {
		t.Errorf("delivered %v, want goodbye", g)
	}
	isError, msg := h.waitDisconnected(t)
	if isError || msg != "peer disconnected: maintenance" {
		t.Errorf("OnDisconnected(%v, %q), want graceful peer disconnect", isError, msg)
	}
}

func TestEngine_LoopsWaitForHandler(t *testing.T) {
	a, b := net.Pipe()
	peer := newRawPeer(b)
	e := NewEngine(testConfig(), nil, nil)
	if err := e.Attach(a); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	written := make(chan struct{})
	go func() {
		telegram.Write(peer.conn, &telegram.Control{RequestID: 5})
		close(written)
	}()

	select {
	case <-written:
		t.Fatal("telegram consumed before a handler was registered")
	case <-time.After(50 * time.Millisecond):
	}

	h := newRecordingHandler()
	if err := e.SetHandler(h); err != nil {
		t.Fatalf("SetHandler failed: %v", err)
	}
	if c := h.next(t).(*telegram.Control); c.RequestID != 5 {
		t.Errorf("RequestID = %d, want 5", c.RequestID)
	}
	e.Disconnect(false, "test over", nil)
}

func TestEngine_ReconnectAfterDisconnect(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	h := newRecordingHandler()
	e.SetHandler(h)

	for i := 0; i < 2; i++ {
		a, b := net.Pipe()
		peer := newRawPeer(b)
		if err := e.Attach(a); err != nil {
			t.Fatalf("Attach %d failed: %v", i, err)
		}
		first := e.Session()
		if err := e.Send(context.Background(), &telegram.Control{RequestID: uint32(i)}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if c, ok := peer.nonKeepalive(t).(*telegram.Control); !ok || c.RequestID != uint32(i) {
			t.Fatalf("peer received %v, want control %d", c, i)
		}
		e.Disconnect(true, "cycle", nil)
		if e.Session() != "" || first == "" {
			t.Errorf("Session = %q after disconnect (was %q)", e.Session(), first)
		}
		b.Close()
	}
}

func TestEngine_ErrorDisconnectDiscards(t *testing.T) {
	a, b := net.Pipe()
	e, h := attached(t, testConfig(), a)

	// Nobody reads b, so the sender blocks on the first write.
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := e.Send(ctx, &telegram.Control{RequestID: uint32(i)}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	start := time.Now()
	e.Disconnect(false, "fatal", nil)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("error disconnect took %v", elapsed)
	}
	isError, _ := h.waitDisconnected(t)
	if !isError {
		t.Error("OnDisconnected isError = false, want true")
	}
	if st := e.Stats(); st.Connected {
		t.Error("still connected after Disconnect")
	}

	// Send after disconnect is rejected, not silently queued.
	if err := e.Send(ctx, &telegram.Control{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after disconnect = %v, want ErrNotConnected", err)
	}
	b.Close()
}

func TestDialerFor(t *testing.T) {
	tests := []struct {
		address string
		want    string
		ws      bool
		err     error
	}{
		{"localhost:7000", "localhost:7000", false, nil},
		{"tcp://10.0.0.1:7000", "10.0.0.1:7000", false, nil},
		{"ws://example.com/link", "ws://example.com/link", true, nil},
		{"wss://example.com/link", "wss://example.com/link", true, nil},
		{"udp://example.com:7000", "", false, ErrUnsupportedScheme},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			d, got, err := DialerFor(tt.address)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("DialerFor error = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DialerFor failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("address = %q, want %q", got, tt.want)
			}
			if _, isWS := d.(*WebSocketDialer); isWS != tt.ws {
				t.Errorf("dialer = %T, want websocket %v", d, tt.ws)
			}
		})
	}
}

var _ io.ReadWriteCloser = (*countingStream)(nil)
