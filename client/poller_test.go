package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// alarmServer is a minimal notification backend: it serves a queue of
// notifications, drops them on mark-read, and serves a sound blob.
type alarmServer struct {
	mu        sync.Mutex
	pending   []Notification
	ringCount int
	soundCode int
	marked    [][]string
	srv       *httptest.Server
}

func newAlarmServer(t *testing.T, ringCount int) *alarmServer {
	t.Helper()
	as := &alarmServer{ringCount: ringCount, soundCode: http.StatusOK}
	as.srv = httptest.NewServer(http.HandlerFunc(as.handle))
	t.Cleanup(as.srv.Close)
	return as
}

func (as *alarmServer) handle(w http.ResponseWriter, r *http.Request) {
	as.mu.Lock()
	defer as.mu.Unlock()

	switch r.URL.Path {
	case "/api/notifications/":
		_ = json.NewEncoder(w).Encode(as.pending)
	case "/api/settings/":
		fmt.Fprintf(w, `{"ok":true,"settings":{"ring_count":%d,"volume":80,"play_loop":true}}`, as.ringCount)
	case "/api/sound/":
		if as.soundCode != http.StatusOK {
			w.WriteHeader(as.soundCode)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("riff-ish bytes"))
	case "/api/notifications/mark-read/":
		var req struct {
			IDs []string `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		as.marked = append(as.marked, req.IDs)
		acked := make(map[string]bool, len(req.IDs))
		for _, id := range req.IDs {
			acked[id] = true
		}
		var remaining []Notification
		for _, n := range as.pending {
			if !acked[n.ID] {
				remaining = append(remaining, n)
			}
		}
		as.pending = remaining
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "updated": len(req.IDs)})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (as *alarmServer) push(n Notification) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pending = append(as.pending, n)
}

func (as *alarmServer) markedCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.marked)
}

type recordingDisplay struct {
	mu    sync.Mutex
	shown []Notification
}

func (d *recordingDisplay) Show(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, n)
}

func (d *recordingDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shown)
}

type countingPlayer struct {
	mu    sync.Mutex
	plays int
	fail  bool
}

func (p *countingPlayer) Play(_ context.Context, _ []byte, _ string, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	if p.fail {
		return fmt.Errorf("playback device unavailable")
	}
	return nil
}

func (p *countingPlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAlarmRingsExactlyRingCountTimes(t *testing.T) {
	for ringCount := 1; ringCount <= 5; ringCount++ {
		t.Run(fmt.Sprintf("ring_count_%d", ringCount), func(t *testing.T) {
			as := newAlarmServer(t, ringCount)
			as.push(Notification{ID: "n1", Title: "Change detected", Message: "page changed"})

			c := New(as.srv.URL, nil, testLogger())
			display := &recordingDisplay{}
			player := &countingPlayer{}
			p := NewPoller(c, &Session{Token: "tok"}, display, player, 20*time.Millisecond, testLogger())

			if err := p.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			waitFor(t, "notification acknowledged", func() bool { return as.markedCount() >= 1 })
			p.Stop()

			if got := player.count(); got != ringCount {
				t.Errorf("alarm played %d times, want exactly %d", got, ringCount)
			}
			if display.count() != 1 {
				t.Errorf("notification shown %d times, want 1", display.count())
			}
		})
	}
}

func TestAcknowledgedNotificationIsNotRedelivered(t *testing.T) {
	as := newAlarmServer(t, 1)
	as.push(Notification{ID: "n1", Message: "once only"})

	c := New(as.srv.URL, nil, testLogger())
	display := &recordingDisplay{}
	p := NewPoller(c, &Session{Token: "tok"}, display, &countingPlayer{}, 20*time.Millisecond, testLogger())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "first acknowledgment", func() bool { return as.markedCount() >= 1 })

	// Let several more ticks pass; the queue is empty now
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	if display.count() != 1 {
		t.Errorf("notification displayed %d times across ticks, want 1", display.count())
	}
}

func TestConcurrentNotificationsEachGetACycle(t *testing.T) {
	as := newAlarmServer(t, 2)
	as.push(Notification{ID: "n1", Message: "first"})
	as.push(Notification{ID: "n2", Message: "second"})

	c := New(as.srv.URL, nil, testLogger())
	display := &recordingDisplay{}
	player := &countingPlayer{}
	p := NewPoller(c, &Session{Token: "tok"}, display, player, 20*time.Millisecond, testLogger())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "both acknowledged", func() bool { return as.markedCount() >= 2 })
	p.Stop()

	if display.count() != 2 {
		t.Errorf("displayed %d notifications, want 2", display.count())
	}
	if player.count() != 4 {
		t.Errorf("alarm played %d times, want 2 notifications x 2 rings", player.count())
	}
}

func TestMissingSoundStillAcknowledges(t *testing.T) {
	as := newAlarmServer(t, 3)
	as.soundCode = http.StatusNotFound
	as.push(Notification{ID: "n1", Message: "silent"})

	c := New(as.srv.URL, nil, testLogger())
	display := &recordingDisplay{}
	player := &countingPlayer{}
	p := NewPoller(c, &Session{Token: "tok"}, display, player, 20*time.Millisecond, testLogger())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "acknowledgment without sound", func() bool { return as.markedCount() >= 1 })
	p.Stop()

	if display.count() != 1 {
		t.Errorf("displayed %d, want 1", display.count())
	}
	if player.count() != 0 {
		t.Errorf("player invoked %d times with no sound stored", player.count())
	}
}

func TestStartTwiceFails(t *testing.T) {
	as := newAlarmServer(t, 1)
	c := New(as.srv.URL, nil, testLogger())
	p := NewPoller(c, &Session{Token: "tok"}, &recordingDisplay{}, &countingPlayer{}, time.Hour, testLogger())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer p.Stop()

	if err := p.Start(context.Background()); err != ErrAlreadyPolling {
		t.Errorf("second Start = %v, want ErrAlreadyPolling", err)
	}
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	as := newAlarmServer(t, 1)
	c := New(as.srv.URL, nil, testLogger())
	p := NewPoller(c, &Session{Token: "tok"}, &recordingDisplay{}, &countingPlayer{}, time.Hour, testLogger())

	p.Stop() // idle stop is a no-op

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	p.Stop()
	p.Stop()

	// The poller can go back to polling after a stop
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	p.Stop()
}
