package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relayd/pkg/backplane"
	"relayd/pkg/config"
	"relayd/pkg/registry"
	"relayd/pkg/relay"
	"relayd/pkg/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *relay.Core) {
	t.Helper()
	l, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	eff, err := config.LoadEffective("")
	if err != nil {
		t.Fatalf("LoadEffective: %v", err)
	}
	core := relay.New("node-test", l, registry.New(), backplane.NewMemory("node-test"), relay.Limits{})
	srv := httptest.NewServer(Handler(core, eff.Config))
	t.Cleanup(srv.Close)
	return srv, core
}

func dialRelay(t *testing.T, srv *httptest.Server, offset uint64, resumed bool) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/relay"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	if err := ws.WriteJSON(clientFrame{Type: "connect", Offset: offset, Resumed: resumed}); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) serverFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f serverFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestHealthAndStats(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d", resp.StatusCode)
	}
}

func TestPublishAckAndPush(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dialRelay(t, srv, 0, false)

	if f := readFrame(t, ws); f.Type != "ready" {
		t.Fatalf("expected ready, got %+v", f)
	}

	if err := ws.WriteJSON(clientFrame{Type: "publish", Token: "tok1", Content: "hello"}); err != nil {
		t.Fatalf("write publish: %v", err)
	}
	// the broadcast push is enqueued before the ack
	push := readFrame(t, ws)
	if push.Type != "message" || push.Seq != 1 || push.Content != "hello" {
		t.Fatalf("expected push of seq 1, got %+v", push)
	}
	ack := readFrame(t, ws)
	if ack.Type != "ack" || ack.Seq != 1 || ack.Duplicate {
		t.Fatalf("expected ack of seq 1, got %+v", ack)
	}

	// retry with the same token: ack only, no new push
	if err := ws.WriteJSON(clientFrame{Type: "publish", Token: "tok1", Content: "hello"}); err != nil {
		t.Fatalf("write retry: %v", err)
	}
	retry := readFrame(t, ws)
	if retry.Type != "ack" || retry.Seq != 1 || !retry.Duplicate {
		t.Fatalf("expected duplicate ack of seq 1, got %+v", retry)
	}
}

func TestReconnectReplaysMissed(t *testing.T) {
	srv, _ := newTestServer(t)

	first := dialRelay(t, srv, 0, false)
	if f := readFrame(t, first); f.Type != "ready" {
		t.Fatalf("expected ready, got %+v", f)
	}
	for _, content := range []string{"one", "two"} {
		if err := first.WriteJSON(clientFrame{Type: "publish", Content: content}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if f := readFrame(t, first); f.Type != "message" {
			t.Fatalf("expected push, got %+v", f)
		}
		if f := readFrame(t, first); f.Type != "ack" {
			t.Fatalf("expected ack, got %+v", f)
		}
	}

	// reconnect knowing only seq 1: replay must backfill exactly seq 2
	second := dialRelay(t, srv, 1, false)
	if f := readFrame(t, second); f.Type != "ready" {
		t.Fatalf("expected ready, got %+v", f)
	}
	replayed := readFrame(t, second)
	if replayed.Type != "message" || replayed.Seq != 2 || replayed.Content != "two" {
		t.Fatalf("expected replay of seq 2, got %+v", replayed)
	}

	// a transport-resumed session skips replay entirely
	resumed := dialRelay(t, srv, 0, true)
	if f := readFrame(t, resumed); f.Type != "ready" {
		t.Fatalf("expected ready, got %+v", f)
	}
	if err := resumed.WriteJSON(clientFrame{Type: "publish", Content: "three"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f := readFrame(t, resumed)
	if f.Type != "message" || f.Seq != 3 {
		t.Fatalf("resumed session should only see the live push, got %+v", f)
	}
}

func TestSlowConsumerDropsConnection(t *testing.T) {
	c := &wsConn{outbound: make(chan serverFrame, 1), done: make(chan struct{})}

	if err := c.Send(1, "fits"); err != nil {
		t.Fatalf("Send into free buffer: %v", err)
	}
	if err := c.Send(2, "overflow"); !errors.Is(err, errSlowConsumer) {
		t.Fatalf("expected errSlowConsumer, got %v", err)
	}
	// the overflow must kill the connection so the client reconnects and
	// replays instead of living with a gap
	select {
	case <-c.done:
	default:
		t.Fatalf("connection left open after slow consumer")
	}
}

func TestFirstFrameMustBeConnect(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/relay"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(clientFrame{Type: "publish", Content: "too soon"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, ws)
	if f.Type != "error" {
		t.Fatalf("expected error frame, got %+v", f)
	}
}
