package bridge

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/espbridge/internal/device"
)

// Payload field aliases, consulted in order. Firmware revisions disagree on
// naming, so each logical field has a fixed lookup list.
var (
	macKeys       = []string{"mac", "mac_address", "macAddress", "MAC"}
	tokenKeys     = []string{"token", "device_token"}
	espIDKeys     = []string{"esp_id", "espId", "espID"}
	numericIDKeys = []string{"device_id", "deviceId"}
	ipKeys        = []string{"ip_address", "ip", "device_ip"}
	nameKeys      = []string{"device_name", "deviceName", "name", "device"}
	severityKeys  = []string{"severity", "level", "priority"}
	timeKeys      = []string{"time", "timestamp", "ts", "reported_at"}
	blockedKeys   = []string{"blocked_ips", "BLOCKED_IPS", "blockedIps"}
	whitelistKeys = []string{"whitelist_topics", "whitelist_topic", "WHITELIST_TOPICS"}
	livenessKeys  = []string{"alive", "status", "state", "online", "alert_mode"}
)

// Epoch values above this are taken to be milliseconds.
const epochMillisThreshold = 1e12

// coerceString renders a decoded JSON value as a trimmed string. Integral
// numbers lose their trailing ".0"; nil becomes "".
func coerceString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// coerceInt accepts integral numbers and numeric strings.
func coerceInt(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case int:
		return int64(x), true
	case int64:
		return x, true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// normalizeMAC returns the upper-case colon form of s, or "" if invalid.
func normalizeMAC(s string) string {
	return device.NormalizeMAC(s)
}

// lookup returns the first alias present with a non-empty value, and the
// key it was found under.
func lookup(p map[string]any, keys []string) (string, string) {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			if s := coerceString(v); s != "" {
				return s, k
			}
		}
	}
	return "", ""
}

// lookupRaw returns the first alias present regardless of value.
func lookupRaw(p map[string]any, keys []string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			return v, k, true
		}
	}
	return nil, "", false
}

// identity is the set of identifying fields carried by a payload.
type identity struct {
	MAC   string // normalised; empty when absent or malformed
	Token string
	ESPID string
	ID    int64
	IP    string
	Name  string
}

// identify extracts identifying fields. A non-numeric device_id is taken
// as an esp_id when no explicit esp_id is present.
func identify(p map[string]any) identity {
	var id identity

	mac, _ := lookup(p, macKeys)
	id.MAC = normalizeMAC(mac)
	id.Token, _ = lookup(p, tokenKeys)
	id.ESPID, _ = lookup(p, espIDKeys)
	id.IP, _ = lookup(p, ipKeys)
	id.Name, _ = lookup(p, nameKeys)

	for _, k := range numericIDKeys {
		v, ok := p[k]
		if !ok {
			continue
		}
		if n, ok := coerceInt(v); ok {
			if id.ID == 0 {
				id.ID = n
			}
			continue
		}
		if id.ESPID == "" {
			id.ESPID = coerceString(v)
		}
	}

	if strings.EqualFold(id.ESPID, device.UnknownESPID) {
		id.ESPID = ""
	}
	return id
}

// present reports whether at least one identifying field is set.
func (id identity) present() bool {
	return id.MAC != "" || id.Token != "" || id.ESPID != "" || id.ID != 0 || id.IP != "" || id.Name != ""
}

// Layouts tried for string timestamps. Zoned layouts come first; the
// remainder are naive and read in the account's zone.
var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02T15:04:05Z0700",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02",
	}
)

// parseEventTime interprets a reported timestamp. Epoch seconds or
// milliseconds, numeric strings and ISO-8601 values are accepted; values
// without a zone are read in loc. The result is UTC.
func parseEventTime(v any, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	switch x := v.(type) {
	case float64:
		return epochTime(x)
	case int:
		return epochTime(float64(x))
	case int64:
		return epochTime(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return epochTime(f)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochTime(f)
		}
		for _, layout := range zonedLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		for _, layout := range naiveLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func epochTime(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f > epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// eventTime returns the first parseable timestamp alias in p.
func eventTime(p map[string]any, loc *time.Location) (time.Time, bool) {
	for _, k := range timeKeys {
		if v, ok := p[k]; ok {
			if t, ok := parseEventTime(v, loc); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// deriveIP finds an address field for prefix ("source", "destination")
// across the spellings seen in alert payloads.
func deriveIP(p map[string]any, prefix string) string {
	keys := []string{
		prefix + "_ip",
		prefix + "Ip",
		prefix + "IP",
		prefix + "_ip_address",
		prefix + " ip",
		prefix + "-ip",
		prefix + " ip address",
		prefix + "-ip-address",
	}
	ip, _ := lookup(p, keys)
	return ip
}

// isIPv4 reports whether s is a dotted-quad IPv4 address.
func isIPv4(s string) bool {
	if strings.Count(s, ".") != 3 {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && !strings.Contains(s, ":")
}

// parseLiveness interprets a boolean-like liveness value. ok is false for
// values that are neither clearly up nor clearly down.
func parseLiveness(v any) (active, ok bool) {
	if b, isBool := v.(bool); isBool {
		return b, true
	}
	switch strings.ToLower(coerceString(v)) {
	case "on", "true", "1", "enabled", "online", "up", "alive", "active", "yes":
		return true, true
	case "off", "false", "0", "disabled", "offline", "down", "dead", "disconnected", "inactive", "no":
		return false, true
	}
	return false, false
}
