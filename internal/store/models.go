package store

import "time"

// Device represents a network client known to the tracker. Keyed by
// the canonical MAC form (uppercase, colon-separated).
type Device struct {
	MAC          string    `json:"mac"`
	IP           string    `json:"ip,omitempty"`
	Hostname     string    `json:"hostname,omitempty"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Online       bool      `json:"online"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// DisplayName returns the friendly name when set, falling back to the
// DHCP hostname and finally the MAC itself.
func (d *Device) DisplayName() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	if d.Hostname != "" {
		return d.Hostname
	}
	return d.MAC
}

// TrackerState holds poll bookkeeping that survives restarts, so
// rate derivation does not report a huge spike after a restart.
type TrackerState struct {
	LastPoll time.Time `json:"last_poll"`
	LastRX   int64     `json:"last_rx"`
	LastTX   int64     `json:"last_tx"`
}
