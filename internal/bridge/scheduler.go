package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/espbridge/internal/device"
)

// loop runs a step function on a fixed interval until stopped. A loop with
// a non-positive interval never starts.
type loop struct {
	name     string
	interval time.Duration
	step     func(ctx context.Context) error
	logger   Logger

	started  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newLoop(name string, interval time.Duration, step func(context.Context) error, logger Logger) *loop {
	return &loop{
		name:     name,
		interval: interval,
		step:     step,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs the step once immediately and then on every tick. Only the
// first call has any effect.
func (l *loop) Start(ctx context.Context) {
	if l.interval <= 0 {
		l.logger.Info("loop disabled", "loop", l.name)
		return
	}
	if !l.started.CompareAndSwap(false, true) {
		return
	}

	l.wg.Add(1)
	go l.run(ctx)
}

// Stop signals the loop and waits for an in-flight step to finish.
func (l *loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
}

func (l *loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.runStep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
			l.runStep(ctx)
		}
	}
}

func (l *loop) runStep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop step panic recovered", "loop", l.name, "panic", r)
		}
	}()
	if err := l.step(ctx); err != nil {
		l.logger.Warn("loop step failed", "loop", l.name, "error", err)
	}
}

// RunDiscoveryOnce expires stale registrations and broadcasts a discovery
// round. It does nothing while the bus is down.
func (e *Engine) RunDiscoveryOnce(ctx context.Context) error {
	if !e.mqtt.IsConnected() {
		return nil
	}
	e.PrunePending()
	e.PublishDiscover(ctx)
	return nil
}

// PollSettingsOnce asks every registered device for its settings and
// pushes its account's blocklist to it. Failures for one device are logged
// and do not stop the others.
func (e *Engine) PollSettingsOnce(ctx context.Context) error {
	if !e.mqtt.IsConnected() {
		return nil
	}

	devs, err := e.devices.Find(ctx, device.Filter{HasToken: true})
	if err != nil {
		return fmt.Errorf("listing registered devices: %w", err)
	}

	blocked := make(map[int64][]string)
	for _, dev := range devs {
		if _, ok := blocked[dev.AccountID]; ok {
			continue
		}
		ips, err := e.blocklist.ListIPs(ctx, dev.AccountID)
		if err != nil {
			e.logger.Warn("loading blocklist", "account_id", dev.AccountID, "error", err)
		}
		blocked[dev.AccountID] = ips
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.cfg.PollConcurrency))
	for i := range devs {
		dev := &devs[i]
		ips := blocked[dev.AccountID]
		g.Go(func() error {
			e.pollDevice(gctx, dev, ips)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) pollDevice(ctx context.Context, dev *device.Device, ips []string) {
	if ctx.Err() != nil {
		return
	}
	if e.publish(e.ControlTopic(dev.ID), []byte(e.topicFmt.ShowSetting(dev.Token))) {
		e.logger.Debug("settings requested", "device_id", dev.ID)
	}
	e.SyncBlacklist(ctx, dev, ips)
}

// PruneOnce deletes devices silent for longer than the device retention,
// drops their in-memory state, and trims old events.
func (e *Engine) PruneOnce(ctx context.Context) error {
	now := e.now().UTC()
	e.PrunePending()

	if retention := e.cfg.DeviceRetentionDuration(); retention > 0 {
		ids, err := e.devices.PruneStale(ctx, now.Add(-retention))
		if err != nil {
			return fmt.Errorf("pruning stale devices: %w", err)
		}
		for _, id := range ids {
			e.forget(id)
		}
		if len(ids) > 0 {
			e.logger.Info("stale devices pruned", "count", len(ids))
		}
	}

	if retention := e.cfg.EventRetentionDuration(); retention > 0 {
		n, err := e.events.PruneOlderThan(ctx, now.Add(-retention))
		if err != nil {
			return fmt.Errorf("pruning events: %w", err)
		}
		if n > 0 {
			e.logger.Info("old events pruned", "count", n)
		}
	}
	return nil
}
