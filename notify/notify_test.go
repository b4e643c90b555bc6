package notify

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ticket-monitor/utils"
)

func TestMultiTriesEveryDispatcher(t *testing.T) {
	ring := NewRing(4)
	failing := DispatcherFunc(func(context.Context, string, any, Priority) error {
		return errors.New("smtp down")
	})

	err := Multi{failing, ring}.Notify(context.Background(), EventPurchaseFailed, "pa_1", PriorityHigh)
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Errorf("err = %v; want the failing dispatcher's error", err)
	}
	if ring.Count(EventPurchaseFailed) != 1 {
		t.Error("later dispatcher skipped after an earlier failure")
	}
}

func TestRingKeepsNewest(t *testing.T) {
	r := NewRing(3)
	for _, ev := range []string{"a", "b", "c", "d", "e"} {
		_ = r.Notify(context.Background(), ev, nil, PriorityLow)
	}
	got := r.Recent()
	if len(got) != 3 || got[0].Type != "c" || got[2].Type != "e" {
		t.Errorf("Recent = %+v; want c, d, e", got)
	}
}

func TestLogWarnsOnHighPriority(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(utils.NewLoggerTo(&buf, utils.LevelWarn))
	_ = l.Notify(context.Background(), EventRecommendation, "x", PriorityNormal)
	_ = l.Notify(context.Background(), EventCircuitOpen, "stubhub", PriorityHigh)

	out := buf.String()
	if strings.Contains(out, EventRecommendation) {
		t.Error("normal priority logged at warn level")
	}
	if !strings.Contains(out, EventCircuitOpen) {
		t.Error("high priority event missing from warn output")
	}
}

func TestPriorityText(t *testing.T) {
	b, _ := PriorityCritical.MarshalText()
	if string(b) != "critical" {
		t.Errorf("MarshalText = %q; want critical", b)
	}
}

func TestHubBroadcasts(t *testing.T) {
	hub := NewHub(utils.Discard())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Notify(context.Background(), EventPurchaseSuccess, map[string]string{"id": "pa_1"}, PriorityHigh); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type     string            `json:"type"`
		Priority string            `json:"priority"`
		Payload  map[string]string `json:"payload"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != EventPurchaseSuccess || got.Priority != "high" || got.Payload["id"] != "pa_1" {
		t.Errorf("event = %+v", got)
	}
}

func TestHubNotifyWithoutClients(t *testing.T) {
	hub := NewHub(utils.Discard())
	if err := hub.Notify(context.Background(), EventCycleCompleted, nil, PriorityLow); err != nil {
		t.Errorf("Notify with no clients = %v", err)
	}
}
