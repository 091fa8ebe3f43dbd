package device

import (
	"net"
	"strings"
	"time"
)

// Placeholder values assigned to devices first seen without a registration.
const (
	// PlaceholderName is the name given to a device until it reports its own.
	PlaceholderName = "ESP32"

	// UnknownESPID is the external identifier of a placeholder device. It is
	// the only esp_id allowed to repeat.
	UnknownESPID = "unknown"
)

// Device is an ESP sensor known to the bridge.
type Device struct {
	ID        int64          `json:"id"`
	AccountID int64          `json:"account_id"`
	Name      string         `json:"name"`
	ESPID     string         `json:"esp_id"`
	MAC       string         `json:"mac_address,omitempty"`
	IP        string         `json:"ip_address,omitempty"`
	Token     string         `json:"-"`
	Active    bool           `json:"is_active"`
	Profile   NetworkProfile `json:"network_profile"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NetworkProfile is the 1:1 liveness record of a device.
type NetworkProfile struct {
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	WiFiLastResult string     `json:"wifi_last_result,omitempty"`
	MQTTLastResult string     `json:"mqtt_last_result,omitempty"`
}

// HasToken reports whether the device has completed registration.
func (d *Device) HasToken() bool {
	return d.Token != ""
}

// IsPlaceholder reports whether the device was created from an unmatched
// message rather than a registration.
func (d *Device) IsPlaceholder() bool {
	return d.ESPID == UnknownESPID
}

// HasPlaceholderName reports whether the device name may be replaced by a
// name reported in a message.
func (d *Device) HasPlaceholderName() bool {
	return d.Name == "" ||
		strings.EqualFold(d.Name, PlaceholderName) ||
		strings.EqualFold(d.Name, UnknownESPID)
}

// MACConflicts reports whether mac names a different device than d. A device
// with no stored MAC, or an empty mac, never conflicts.
func (d *Device) MACConflicts(mac string) bool {
	if d.MAC == "" || mac == "" {
		return false
	}
	return !strings.EqualFold(NormalizeMAC(d.MAC), NormalizeMAC(mac))
}

// Filter selects devices in Find. Zero-valued fields are ignored; set
// fields are combined with AND.
type Filter struct {
	AccountID int64
	ID        int64
	MAC       string // normalised before comparison
	Token     string
	ESPID     string
	IP        string
	Name      string // case-insensitive
	HasToken  bool
	Limit     int
}

// NormalizeMAC returns mac in upper-case colon form, or "" if it is not a
// 48-bit hardware address. Colon, hyphen, dotted and bare 12-hex forms are
// accepted.
func NormalizeMAC(mac string) string {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return ""
	}

	if len(mac) == 12 && !strings.ContainsAny(mac, ":-.") {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(mac[i : i+2])
		}
		mac = b.String()
	}

	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return ""
	}
	return strings.ToUpper(hw.String())
}
