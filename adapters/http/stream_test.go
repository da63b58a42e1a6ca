package http_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apihttp "github.com/artpar/quotagate/adapters/http"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/gorilla/websocket"
)

func dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *apihttp.StreamHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_DeliversTransitions(t *testing.T) {
	s := setupTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	all := dialStream(t, srv, "")
	other := dialStream(t, srv, "?account=someone-else")
	waitClients(t, s.hub, 2)

	if _, err := s.gate.RecordUsage(context.Background(), "acct", quota.MetricDevices, 9); err != nil {
		t.Fatal(err)
	}
	s.do(t, "GET", "/v1/accounts/acct/status", "")

	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg apihttp.TransitionMessage
	if err := all.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "transition.warn" || msg.AccountID != "acct" || msg.From != "ACTIVE" || msg.To != "WARN" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Metric != "devices" || msg.Percentage != 90 {
		t.Errorf("metric = %q at %v, want devices at 90", msg.Metric, msg.Percentage)
	}

	// the filtered client sees nothing for acct
	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := other.ReadJSON(&msg); err == nil {
		t.Errorf("filtered client received %+v", msg)
	}
}

func TestStream_Close(t *testing.T) {
	s := setupTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn := dialStream(t, srv, "")
	waitClients(t, s.hub, 1)

	s.hub.Close()
	if n := s.hub.ClientCount(); n != 0 {
		t.Errorf("clients after close = %d", n)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after close = %v, want going away", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("dial after close succeeded")
	} else if resp != nil && resp.StatusCode != 503 {
		t.Errorf("dial after close status = %d, want 503", resp.StatusCode)
	}
}
