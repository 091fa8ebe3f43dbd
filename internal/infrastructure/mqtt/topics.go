package mqtt

import (
	"fmt"
	"strings"
)

// Default sensor topics. Firmware builds hard-code these names, including
// the capitalised Control and Entrance segments.
const (
	TopicAlert           = "esp/alert"
	TopicSettingsNow     = "esp/setting/now"
	TopicSettingsControl = "esp/setting/control"
	TopicAlive           = "esp/alive"
	TopicControl         = "esp/setting/Control"
	TopicDiscovery       = "esp/Entrance"
)

// Topics builds per-device topics and command payloads.
//
//	topics := mqtt.Topics{}
//	topic := topics.Control("esp/setting/Control", "482913")
//	// Returns: "esp/setting/Control-482913"
type Topics struct{}

// Control returns the control topic a registered device listens on. An
// empty session code yields the shared base topic.
func (Topics) Control(base, code string) string {
	if code == "" {
		return base
	}
	return base + "-" + code
}

// IsControlEcho reports whether topic is a per-device control topic derived
// from base. The bridge receives its own commands back on these when it
// subscribes to a wildcard.
func (Topics) IsControlEcho(base, topic string) bool {
	return base != "" && strings.HasPrefix(strings.ToLower(topic), strings.ToLower(base)+"-")
}

// ShowSetting returns the command asking a device to report its settings.
func (Topics) ShowSetting(token string) string {
	return "showsetting-" + token
}

// Confirm returns the registration confirmation sent on the discovery topic.
func (Topics) Confirm(code, token string) string {
	return fmt.Sprintf("Confirm-%s-%s", code, token)
}

// ValidateFilter checks a subscription filter: non-empty, with # only as
// the final level and wildcards only as whole levels.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: # must be the last level in %q", ErrInvalidTopic, filter)
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard inside level %q", ErrInvalidTopic, level)
		}
	}
	return nil
}

// MatchTopic reports whether topic matches the subscription filter. The
// comparison is case-insensitive since firmware builds disagree on case.
func MatchTopic(filter, topic string) bool {
	return matchLevels(strings.Split(strings.ToLower(filter), "/"), strings.Split(strings.ToLower(topic), "/"))
}

// MatchFilter reports whether topic matches filter the way the broker and
// paho's router do, with case-sensitive levels.
func MatchFilter(filter, topic string) bool {
	return matchLevels(strings.Split(filter, "/"), strings.Split(topic, "/"))
}

func matchLevels(f, t []string) bool {
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// FilterCovers reports whether every topic matched by inner is also matched
// by outer. Identical filters cover each other.
func FilterCovers(outer, inner string) bool {
	o := strings.Split(outer, "/")
	in := strings.Split(inner, "/")

	for i, level := range o {
		if level == "#" {
			return true
		}
		if i >= len(in) || in[i] == "#" {
			return false
		}
		if level != "+" && level != in[i] {
			return false
		}
	}
	return len(o) == len(in)
}
