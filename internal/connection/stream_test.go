package connection

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/telelink/internal/telegram"
)

// mockWSServer creates a test WebSocket server handing each upgraded
// connection to handler.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketStream_ReadSpansMessages(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, []byte("tele"))
		conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
		conn.WriteMessage(websocket.BinaryMessage, []byte("gram"))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	})
	defer server.Close()

	stream, err := (&WebSocketDialer{}).Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer stream.Close()

	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "telegram" {
		t.Errorf("read %q, want %q", got, "telegram")
	}
}

func TestEngine_OverWebSocket(t *testing.T) {
	serverHandler := newRecordingHandler()
	server := mockWSServer(t, func(conn *websocket.Conn) {
		e := NewEngine(testConfig(), nil, nil)
		e.SetHandler(serverHandler)
		if err := e.Attach(NewWebSocketStream(conn, time.Second)); err != nil {
			t.Errorf("Attach failed: %v", err)
		}
	})
	defer server.Close()

	client := NewEngine(testConfig(), nil, nil)
	clientHandler := newRecordingHandler()
	client.SetHandler(clientHandler)

	if err := client.Connect(context.Background(), wsURL(server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("IsConnected = false after Connect")
	}

	payload := bytes.Repeat([]byte{0xAB}, 5000)
	if _, err := client.SendItem(context.Background(), payload, telegram.PriorityData); err != nil {
		t.Fatalf("SendItem failed: %v", err)
	}

	f, ok := serverHandler.next(t).(*telegram.Fragment)
	if !ok || !bytes.Equal(f.Payload, payload) {
		t.Fatal("server did not receive the item intact")
	}

	client.Disconnect(true, "done", &telegram.Goodbye{Reason: "done"})
	if g, ok := serverHandler.next(t).(*telegram.Goodbye); !ok || g.Reason != "done" {
		t.Errorf("server received %v, want goodbye", g)
	}
	if isError, _ := serverHandler.waitDisconnected(t); isError {
		t.Error("server saw an error disconnect, want graceful")
	}
}

func TestTCPDialer_Dial(t *testing.T) {
	l, err := Listen(context.Background(), "127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()

	accepted := make(chan Stream, 1)
	go func() {
		s, err := l.AcceptStream()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- s
	}()

	d := &TCPDialer{Timeout: time.Second, DSCP: 46}
	client, err := d.Dial(context.Background(), l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	server, ok := <-accepted
	if !ok {
		t.Fatal("AcceptStream failed")
	}
	defer server.Close()

	if _, ok := client.(*net.TCPConn); !ok {
		t.Errorf("client stream = %T, want *net.TCPConn", client)
	}
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "ping" {
		t.Errorf("server read %q, %v; want ping", buf, err)
	}
}
