// Package asuswrt talks to an ASUSWRT router over a command transport
// and turns diagnostic command output into a connected-device table
// and interface traffic counters.
package asuswrt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/halkeye/aioasuswrt/internal/transport"
)

// Mode selects which device sources are consulted. An access point
// does not run the DHCP server, so its lease file is stale noise.
type Mode string

const (
	ModeRouter Mode = "router"
	ModeAP     Mode = "ap"
)

// Device is one entry of the connected-device table, keyed by MAC.
// An empty IP means no source reported one. Name is nil when no
// source offered a hostname and empty when the lease file held "*".
type Device struct {
	MAC  string  `json:"mac"`
	IP   string  `json:"ip,omitempty"`
	Name *string `json:"name,omitempty"`
}

// Totals are cumulative interface byte counters.
type Totals struct {
	RX int64 `json:"rx"`
	TX int64 `json:"tx"`
}

// Rates are derived transfer rates in bytes per second.
type Rates struct {
	RX int64 `json:"rx"`
	TX int64 `json:"tx"`
}

// Config controls client behaviour.
type Config struct {
	// Mode defaults to ModeRouter.
	Mode Mode
	// RequireIP drops devices without a known IP from results.
	RequireIP bool
	// CacheWindow bounds the age of cached byte counters.
	// Defaults to 5 seconds.
	CacheWindow time.Duration
}

const defaultCacheWindow = 5 * time.Second

// counterCache holds the last fetched totals. Zero takenAt means
// nothing has been cached yet.
type counterCache struct {
	totals  Totals
	takenAt time.Time
	window  time.Duration
}

func (c counterCache) isValid(now time.Time) bool {
	if c.takenAt.IsZero() {
		return false
	}
	return now.Sub(c.takenAt) < c.window
}

// Client queries a router over a single command transport.
// Methods are safe for concurrent use.
type Client struct {
	transport transport.Transport
	logger    *slog.Logger
	mode      Mode
	requireIP bool

	mu     sync.Mutex
	cache  counterCache
	latest Totals
	seenAt time.Time

	now func() time.Time
}

// NewClient wraps a transport. The transport stays owned by the
// caller but should not be shared with other users.
func NewClient(t transport.Transport, cfg Config, logger *slog.Logger) *Client {
	if cfg.Mode == "" {
		cfg.Mode = ModeRouter
	}
	if cfg.CacheWindow <= 0 {
		cfg.CacheWindow = defaultCacheWindow
	}
	return &Client{
		transport: t,
		logger:    logger.With("component", "asuswrt"),
		mode:      cfg.Mode,
		requireIP: cfg.RequireIP,
		cache:     counterCache{window: cfg.CacheWindow},
		now:       time.Now,
	}
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// ConnectedDevices merges the wireless association list, the ARP
// table, the kernel neighbor table and the DHCP lease file into one
// device table keyed by normalized MAC. Later sources overwrite
// earlier ones, so the lease file wins on hostnames and the neighbor
// table on reachability.
func (c *Client) ConnectedDevices(ctx context.Context) (map[string]Device, error) {
	devices := make(map[string]Device)

	wl, err := c.wirelessDevices(ctx)
	if err != nil {
		return nil, err
	}
	for mac, dev := range wl {
		devices[mac] = dev
	}

	arp, err := c.arpDevices(ctx)
	if err != nil {
		return nil, err
	}
	for mac, dev := range arp {
		devices[mac] = dev
	}

	neigh, err := c.neighborDevices(ctx, devices)
	if err != nil {
		return nil, err
	}
	for mac, dev := range neigh {
		devices[mac] = dev
	}

	if c.mode != ModeAP {
		leases, err := c.leaseDevices(ctx, devices)
		if err != nil {
			return nil, err
		}
		for mac, dev := range leases {
			devices[mac] = dev
		}
	}

	if c.requireIP {
		for mac, dev := range devices {
			if dev.IP == "" {
				delete(devices, mac)
			}
		}
	}
	return devices, nil
}

// wirelessDevices lists MACs currently associated with any wireless
// interface. The assoclist output carries no IP or hostname.
func (c *Client) wirelessDevices(ctx context.Context) (map[string]Device, error) {
	lines, err := c.transport.RunCommand(ctx, cmdWireless)
	if err != nil {
		return nil, fmt.Errorf("wireless devices: %w", err)
	}
	devices := make(map[string]Device)
	for _, fields := range parseLines(lines, reWireless, c.logger) {
		mac := NormalizeMAC(fields["mac"])
		devices[mac] = Device{MAC: mac}
	}
	return devices, nil
}

// arpDevices reads the ARP table, which maps MACs to IPs but knows
// nothing about hostnames. Incomplete entries carry no MAC and are
// skipped by the regex.
func (c *Client) arpDevices(ctx context.Context) (map[string]Device, error) {
	lines, err := c.transport.RunCommand(ctx, cmdARP)
	if err != nil {
		return nil, fmt.Errorf("arp devices: %w", err)
	}
	devices := make(map[string]Device)
	for _, fields := range parseLines(lines, reARP, c.logger) {
		mac := NormalizeMAC(fields["mac"])
		devices[mac] = Device{MAC: mac, IP: fields["ip"]}
	}
	return devices, nil
}

// neighborDevices reads the kernel neighbor table. Only entries in
// REACHABLE state count as present. Entries without a MAC cannot be
// keyed and are dropped. When an entry carries no IP, the IP already
// known for that MAC is kept.
func (c *Client) neighborDevices(ctx context.Context, current map[string]Device) (map[string]Device, error) {
	lines, err := c.transport.RunCommand(ctx, cmdIPNeigh)
	if err != nil {
		return nil, fmt.Errorf("neighbor devices: %w", err)
	}
	devices := make(map[string]Device)
	for _, fields := range parseLines(lines, reIPNeigh, c.logger) {
		if !strings.EqualFold(fields["status"], "REACHABLE") {
			continue
		}
		mac, ok := fields["mac"]
		if !ok {
			continue
		}
		mac = NormalizeMAC(mac)
		ip := fields["ip"]
		if ip == "" {
			ip = current[mac].IP
		}
		devices[mac] = Device{MAC: mac, IP: ip}
	}
	return devices, nil
}

// leaseDevices reads the dnsmasq lease file for hostnames. Leases
// linger long after a device leaves, so only MACs already seen by a
// live source are taken. A "*" hostname means the client offered
// none.
func (c *Client) leaseDevices(ctx context.Context, current map[string]Device) (map[string]Device, error) {
	lines, err := c.transport.RunCommand(ctx, cmdLeases)
	if err != nil {
		return nil, fmt.Errorf("lease devices: %w", err)
	}
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "duid ") {
			continue
		}
		filtered = append(filtered, line)
	}
	devices := make(map[string]Device)
	for _, fields := range parseLines(filtered, reLeases, c.logger) {
		mac := NormalizeMAC(fields["mac"])
		if _, ok := current[mac]; !ok {
			continue
		}
		host := fields["host"]
		if host == "*" {
			host = ""
		}
		devices[mac] = Device{MAC: mac, IP: fields["ip"], Name: &host}
	}
	return devices, nil
}

// TransferTotals returns the cumulative byte counters of the WAN
// interface. With useCache, a result younger than the cache window is
// returned without touching the router.
func (c *Client) TransferTotals(ctx context.Context, useCache bool) (Totals, error) {
	c.mu.Lock()
	if useCache && c.cache.isValid(c.now()) {
		totals := c.cache.totals
		c.mu.Unlock()
		return totals, nil
	}
	c.mu.Unlock()

	lines, err := c.transport.RunCommand(ctx, cmdIfconfig)
	if err != nil {
		return Totals{}, fmt.Errorf("transfer totals: %w", err)
	}
	tokens := reCounters.FindAllString(strings.Join(lines, " "), -1)
	if len(tokens) < 2 {
		return Totals{}, fmt.Errorf("transfer totals: expected rx and tx counters, got %q", strings.Join(lines, " "))
	}
	rx, err := strconv.ParseInt(tokens[0], 10, 64)
	if err != nil {
		return Totals{}, fmt.Errorf("transfer totals: rx counter: %w", err)
	}
	tx, err := strconv.ParseInt(tokens[1], 10, 64)
	if err != nil {
		return Totals{}, fmt.Errorf("transfer totals: tx counter: %w", err)
	}
	totals := Totals{RX: rx, TX: tx}

	c.mu.Lock()
	c.cache.totals = totals
	c.cache.takenAt = c.now()
	c.mu.Unlock()
	return totals, nil
}

// CurrentTransferRates derives bytes-per-second rates from the change
// in counters since the previous call. The first call only records a
// baseline and reports ok false. Counter resets show up as negative
// deltas and are reported as zero.
func (c *Client) CurrentTransferRates(ctx context.Context, useCache bool) (Rates, bool, error) {
	totals, err := c.TransferTotals(ctx, useCache)
	if err != nil {
		return Rates{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.seenAt.IsZero() {
		c.latest = totals
		c.seenAt = now
		return Rates{}, false, nil
	}
	elapsed := now.Sub(c.seenAt).Seconds()
	if elapsed <= 0 {
		return Rates{}, false, nil
	}
	rates := Rates{
		RX: rate(totals.RX-c.latest.RX, elapsed),
		TX: rate(totals.TX-c.latest.TX, elapsed),
	}
	c.latest = totals
	c.seenAt = now
	return rates, true, nil
}

func rate(delta int64, elapsed float64) int64 {
	if delta <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(delta) / elapsed))
}
