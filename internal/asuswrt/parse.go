package asuswrt

import (
	"log/slog"
	"regexp"
	"strings"
)

// Shell commands executed on the router. Output formats of busybox
// tools vary little across firmware versions, so the matching regexes
// below stay deliberately loose.
const (
	cmdLeases   = "cat /var/lib/misc/dnsmasq.leases"
	cmdWireless = "for dev in `nvram get wl_ifnames`; do wl -i $dev assoclist; done"
	cmdIPNeigh  = "ip neigh"
	cmdARP      = "arp -n"
	cmdIfconfig = "ifconfig eth0 |grep bytes"
)

var (
	reLeases = regexp.MustCompile(
		`\w+\s` +
			`(?P<mac>(([0-9a-f]{2}[:-]){5}([0-9a-f]{2})))\s` +
			`(?P<ip>([0-9]{1,3}[\.]){3}[0-9]{1,3})\s` +
			`(?P<host>([^\s]+))`)

	reWireless = regexp.MustCompile(
		`\w+\s(?P<mac>(([0-9A-F]{2}[:-]){5}([0-9A-F]{2})))`)

	reIPNeigh = regexp.MustCompile(
		`(?P<ip>([0-9]{1,3}[\.]){3}[0-9]{1,3}|` +
			`([0-9a-fA-F]{1,4}:){1,7}[0-9a-fA-F]{0,4}(:[0-9a-fA-F]{1,4}){1,7})\s` +
			`\w+\s` +
			`\w+\s` +
			`(\w+\s(?P<mac>(([0-9a-f]{2}[:-]){5}([0-9a-f]{2}))))?\s` +
			`\s?(router)?\s?(nud)?` +
			`(?P<status>(\w+))`)

	reARP = regexp.MustCompile(
		`.+\s\((?P<ip>([0-9]{1,3}[\.]){3}[0-9]{1,3})\)\s` +
			`.+\s` +
			`(?P<mac>(([0-9a-f]{2}[:-]){5}([0-9a-f]{2})))` +
			`\s` +
			`.*`)

	reCounters = regexp.MustCompile(`[\d]{4,}`)
)

// parseLines matches each line against re and returns one map of
// named groups per matching line. Lines that do not match are skipped
// with a debug log entry. Groups that did not participate in the match
// are omitted from the map.
func parseLines(lines []string, re *regexp.Regexp, logger *slog.Logger) []map[string]string {
	results := make([]map[string]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		match := re.FindStringSubmatch(line)
		if match == nil {
			logger.Debug("skipping line", "line", line)
			continue
		}
		fields := make(map[string]string)
		for i, name := range re.SubexpNames() {
			if name == "" || match[i] == "" {
				continue
			}
			fields[name] = match[i]
		}
		results = append(results, fields)
	}
	return results
}

// NormalizeMAC converts a hardware address to the canonical form used
// as the device table key: uppercase, colon-separated. Every layer
// that accepts a MAC from outside (parser, API, scripts) runs it
// through here before touching the store.
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.ToUpper(mac), "-", ":")
}
