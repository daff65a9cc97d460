package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval matches the 10 second cadence the web UI uses.
const DefaultPollInterval = 10 * time.Second

// ErrAlreadyPolling is returned when Start is called on a running poller.
var ErrAlreadyPolling = errors.New("client: poller already started")

// Display presents one notification to the user.
type Display interface {
	Show(n Notification)
}

// Player plays one pass of alarm audio and returns when playback ends.
type Player interface {
	Play(ctx context.Context, audio []byte, contentType string, volume int) error
}

// Poller repeatedly fetches pending notifications and runs a display-and-ring
// cycle for each. Unlike the browser loop it replaces, it can be stopped.
type Poller struct {
	client   *Client
	sess     *Session
	display  Display
	player   Player
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	ticking bool
	active  map[string]bool

	wg sync.WaitGroup
}

// NewPoller wires a poller for one session. A zero interval means
// DefaultPollInterval.
func NewPoller(c *Client, sess *Session, display Display, player Player, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		client:   c,
		sess:     sess,
		display:  display,
		player:   player,
		interval: interval,
		logger:   logger,
		active:   make(map[string]bool),
	}
}

// Start moves the poller from idle to polling. It returns immediately; the
// loop runs until Stop is called or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyPolling
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(ctx)

	p.logger.Info("Notification polling started", "interval", p.interval.String())
	return nil
}

// Stop cancels the poll loop and waits for in-flight alarm cycles to finish.
// Stopping an idle poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("Notification polling stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First poll fires right away rather than waiting a full interval
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick fetches pending notifications once. Ticks never overlap: if the
// previous tick's fetch is still running, this one is skipped.
func (p *Poller) tick(ctx context.Context) {
	p.mu.Lock()
	if p.ticking {
		p.mu.Unlock()
		p.logger.Debug("Previous poll still running, skipping tick")
		return
	}
	p.ticking = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.ticking = false
		p.mu.Unlock()
	}()

	notifications, err := p.client.FetchNotifications(ctx, p.sess)
	if err != nil {
		p.logger.Warn("Failed to fetch notifications", "error", err)
		return
	}
	if len(notifications) == 0 {
		return
	}

	settings, err := p.client.FetchSettings(ctx, p.sess)
	if err != nil {
		p.logger.Warn("Failed to fetch settings, using single ring", "error", err)
		settings = Settings{RingCount: 1, Volume: 80}
	}

	p.logger.Info("Notifications pending", "count", len(notifications), "ring_count", settings.RingCount)

	// Each notification gets its own concurrent display-and-ring cycle. A
	// notification whose cycle is still running is not handled twice even if
	// the server redelivers it before the acknowledgment lands.
	for _, n := range notifications {
		p.mu.Lock()
		if p.active[n.ID] {
			p.mu.Unlock()
			continue
		}
		p.active[n.ID] = true
		p.mu.Unlock()

		p.wg.Add(1)
		go func(n Notification) {
			defer p.wg.Done()
			if !p.alarmCycle(ctx, n, settings) {
				// Acknowledgment failed, allow a later tick to retry
				p.mu.Lock()
				delete(p.active, n.ID)
				p.mu.Unlock()
			}
		}(n)
	}
}

// alarmCycle shows one notification, rings the alarm ring_count times, then
// acknowledges the notification so it is not redelivered. Returns whether the
// acknowledgment landed.
func (p *Poller) alarmCycle(ctx context.Context, n Notification, settings Settings) bool {
	p.display.Show(n)

	// The sound is fetched fresh per notification, never cached
	audio, contentType, err := p.client.FetchSound(ctx, p.sess)
	if err != nil {
		p.logger.Warn("No alarm sound available", "notification", n.ID, "error", err)
	} else {
		rings := settings.RingCount
		if rings < 1 {
			rings = 1
		}
		for i := 0; i < rings; i++ {
			if ctx.Err() != nil {
				return false
			}
			if err := p.player.Play(ctx, audio, contentType, settings.Volume); err != nil {
				p.logger.Warn("Alarm playback failed", "notification", n.ID, "error", err)
				break
			}
		}
	}

	if err := p.client.MarkRead(ctx, p.sess, []string{n.ID}); err != nil {
		p.logger.Warn("Failed to acknowledge notification", "notification", n.ID, "error", err)
		return false
	}
	return true
}
