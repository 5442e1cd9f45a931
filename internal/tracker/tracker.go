// Package tracker polls a router for connected devices and traffic
// counters, persists what it learns and feeds changes to an event bus.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/halkeye/aioasuswrt/internal/asuswrt"
	"github.com/halkeye/aioasuswrt/internal/store"
)

// RouterClient is the router query surface the tracker needs.
type RouterClient interface {
	ConnectedDevices(ctx context.Context) (map[string]asuswrt.Device, error)
	TransferTotals(ctx context.Context, useCache bool) (asuswrt.Totals, error)
	CurrentTransferRates(ctx context.Context, useCache bool) (asuswrt.Rates, bool, error)
}

// Config holds tracker configuration.
type Config struct {
	// Interval between polls. Defaults to 30 seconds.
	Interval time.Duration
}

const defaultInterval = 30 * time.Second

// Status is a snapshot of the last poll for the API and UI.
type Status struct {
	LastPoll    time.Time      `json:"last_poll"`
	LastError   string         `json:"last_error,omitempty"`
	OnlineCount int            `json:"online_count"`
	Rates       asuswrt.Rates  `json:"rates"`
	Totals      asuswrt.Totals `json:"totals"`
}

// Tracker drives the poll loop and reconciles router state with the
// device store.
type Tracker struct {
	client   RouterClient
	store    store.Store
	events   *EventBus
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	online map[string]bool
	status Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a tracker. Known devices are loaded from the store so a
// restart does not replay connect events for devices that never left.
func New(client RouterClient, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		client:   client,
		store:    st,
		events:   events,
		logger:   logger.With("component", "tracker"),
		interval: cfg.Interval,
		online:   make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	if devs, err := st.ListDevices(); err == nil {
		for _, d := range devs {
			if d.Online {
				t.online[d.MAC] = true
			}
		}
	} else {
		logger.Warn("load known devices", "err", err)
	}
	return t
}

// Events returns the event bus.
func (t *Tracker) Events() *EventBus {
	return t.events
}

// Store returns the device store.
func (t *Tracker) Store() store.Store {
	return t.store
}

// Start launches the poll loop. The first poll runs immediately.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.Poll(t.ctx); err != nil {
			t.logger.Error("initial poll", "err", err)
		}
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				if err := t.Poll(t.ctx); err != nil {
					t.logger.Error("poll", "err", err)
				}
			}
		}
	}()
}

// Stop ends the poll loop and waits for an in-flight poll.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

// Poll runs one full poll: device reconciliation, then counters.
// Safe to call concurrently with the loop, two polls never interleave.
func (t *Tracker) Poll(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	devices, err := t.client.ConnectedDevices(ctx)
	if err != nil {
		t.status.LastError = err.Error()
		t.events.Emit(Event{Type: EventPollError, Data: err.Error()})
		return err
	}

	t.reconcile(devices, now)
	t.pollCounters(ctx, now)

	t.status.LastPoll = now
	t.status.LastError = ""
	t.status.OnlineCount = len(devices)
	return nil
}

// reconcile updates the store and emits connect/disconnect/update
// events for the difference between the previous and current poll.
func (t *Tracker) reconcile(devices map[string]asuswrt.Device, now time.Time) {
	for mac, dev := range devices {
		known, err := t.store.GetDevice(mac)
		switch {
		case errors.Is(err, store.ErrNotFound):
			known = &store.Device{MAC: mac, FirstSeen: now}
		case err != nil:
			t.logger.Error("get device", "mac", mac, "err", err)
			continue
		}

		changed := !known.Online
		if dev.IP != "" && dev.IP != known.IP {
			known.IP = dev.IP
			changed = true
		}
		if dev.Name != nil && *dev.Name != "" && *dev.Name != known.Hostname {
			known.Hostname = *dev.Name
			changed = true
		}
		wasOnline := known.Online
		known.Online = true
		known.LastSeen = now

		if err := t.store.SaveDevice(known); err != nil {
			t.logger.Error("save device", "mac", mac, "err", err)
			continue
		}
		if !t.online[mac] || !wasOnline {
			t.online[mac] = true
			t.logger.Info("device connected", "mac", mac, "ip", known.IP, "name", known.DisplayName())
			t.events.Emit(Event{Type: EventDeviceConnected, Data: known})
		} else if changed {
			t.events.Emit(Event{Type: EventDeviceUpdated, Data: known})
		}
	}

	for mac := range t.online {
		if _, ok := devices[mac]; ok {
			continue
		}
		delete(t.online, mac)
		err := t.store.UpdateDevice(mac, func(d *store.Device) error {
			d.Online = false
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			t.logger.Error("mark offline", "mac", mac, "err", err)
		}
		t.logger.Info("device disconnected", "mac", mac)
		known, err := t.store.GetDevice(mac)
		if err != nil {
			known = &store.Device{MAC: mac}
		}
		t.events.Emit(Event{Type: EventDeviceDisconnected, Data: known})
	}
}

// pollCounters fetches counters and derives rates. Counter trouble is
// logged but never fails the poll, presence matters more than rates.
func (t *Tracker) pollCounters(ctx context.Context, now time.Time) {
	rates, ok, err := t.client.CurrentTransferRates(ctx, true)
	if err != nil {
		t.logger.Warn("transfer rates", "err", err)
		return
	}
	totals, err := t.client.TransferTotals(ctx, true)
	if err != nil {
		t.logger.Warn("transfer totals", "err", err)
		return
	}
	t.status.Totals = totals
	if ok {
		t.status.Rates = rates
		t.events.Emit(Event{Type: EventTransferRates, Data: rates})
	}
	state := &store.TrackerState{LastPoll: now, LastRX: totals.RX, LastTX: totals.TX}
	if err := t.store.SaveTrackerState(state); err != nil {
		t.logger.Error("save tracker state", "err", err)
	}
}

// Status returns a snapshot of the last poll.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ListDevices returns all devices ever seen.
func (t *Tracker) ListDevices() ([]*store.Device, error) {
	return t.store.ListDevices()
}

// GetDevice returns one device by MAC. The MAC may arrive in any
// case and with either separator, store keys are canonical.
func (t *Tracker) GetDevice(mac string) (*store.Device, error) {
	return t.store.GetDevice(asuswrt.NormalizeMAC(mac))
}

// SetFriendlyName renames a device.
func (t *Tracker) SetFriendlyName(mac, name string) error {
	return t.store.UpdateDevice(asuswrt.NormalizeMAC(mac), func(d *store.Device) error {
		d.FriendlyName = name
		return nil
	})
}

// ForgetDevice removes a device from the store. It reappears on the
// next poll if it is still connected.
func (t *Tracker) ForgetDevice(mac string) error {
	mac = asuswrt.NormalizeMAC(mac)
	t.mu.Lock()
	delete(t.online, mac)
	t.mu.Unlock()
	return t.store.DeleteDevice(mac)
}
