package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daygent/daygent/internal/app/domain/issue"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Subscribe(w, r, r.URL.Query().Get("workspace")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop(context.Background())
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, workspaceID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?workspace=" + workspaceID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", workspaceID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) issue.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev issue.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestFanOutIsWorkspaceScoped(t *testing.T) {
	hub, srv := newTestHub(t)

	c1 := dial(t, srv, "w1")
	c2 := dial(t, srv, "w1")
	c3 := dial(t, srv, "w2")
	waitForClients(t, hub, 3)

	hub.OfferEvent(issue.Event{WorkspaceID: "w1", IssueID: "i1", Kind: issue.EventCreated})
	for _, conn := range []*websocket.Conn{c1, c2} {
		ev := readEvent(t, conn)
		if ev.IssueID != "i1" || ev.Kind != issue.EventCreated {
			t.Fatalf("unexpected event %+v", ev)
		}
	}

	// c3 watches a different workspace: it must see only its own
	// event even though w1 traffic came first.
	hub.OfferEvent(issue.Event{WorkspaceID: "w2", IssueID: "i2", Kind: issue.EventClosed})
	if ev := readEvent(t, c3); ev.IssueID != "i2" {
		t.Fatalf("w2 subscriber got %+v", ev)
	}

	hub.OfferEvent(issue.Event{WorkspaceID: "w1", IssueID: "i3", Kind: issue.EventCommented})
	if ev := readEvent(t, c1); ev.IssueID != "i3" {
		t.Fatalf("w1 subscriber got %+v, w2 traffic leaked in", ev)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	hub, _ := newTestHub(t)

	// Register a subscriber with no pumps so nothing drains its queue.
	sub := &subscriber{workspaceID: "w1", send: make(chan issue.Event, sendBuffer)}
	hub.mu.Lock()
	hub.subscribers["w1"] = map[*subscriber]struct{}{sub: {}}
	hub.mu.Unlock()

	for i := 0; i <= sendBuffer; i++ {
		hub.OfferEvent(issue.Event{WorkspaceID: "w1", IssueID: "flood", Kind: issue.EventCreated})
	}

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("client count = %d, slow subscriber should be dropped", got)
	}
	for i := 0; i < sendBuffer; i++ {
		if _, ok := <-sub.send; !ok {
			t.Fatalf("queue closed after %d events, want %d delivered first", i, sendBuffer)
		}
	}
	if _, ok := <-sub.send; ok {
		t.Fatal("send channel should be closed after the drop")
	}

	// The overflow event went nowhere and later broadcasts are no-ops.
	hub.OfferEvent(issue.Event{WorkspaceID: "w1", IssueID: "after", Kind: issue.EventCreated})
}

func TestStopDisconnectsSubscribers(t *testing.T) {
	hub, srv := newTestHub(t)

	conn := dial(t, srv, "w1")
	waitForClients(t, hub, 1)

	if err := hub.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := hub.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("client count = %d after stop", got)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read after stop = %v, want normal closure", err)
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/?workspace=w1", nil); err == nil {
		t.Fatal("expected dial to fail after stop")
	}
}

func TestSubscribeRequiresWorkspace(t *testing.T) {
	_, srv := newTestHub(t)
	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil); err == nil {
		t.Fatal("expected dial without workspace to fail")
	}
}
