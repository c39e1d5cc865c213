package provider

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// UnknownEvent is reported when a payload names no event type.
const UnknownEvent = "unknown"

// FallbackDeliveryID stands in for a missing provider delivery id so a
// malformed-but-signed payload can still be dead-lettered.
func FallbackDeliveryID() string {
	return "gen-" + uuid.NewString()
}

// IsFallbackDeliveryID reports whether id was generated by FallbackDeliveryID.
func IsFallbackDeliveryID(id string) bool {
	return strings.HasPrefix(id, "gen-")
}

func headerOr(h http.Header, name, fallback string) string {
	if v := strings.TrimSpace(h.Get(name)); v != "" {
		return v
	}
	return fallback
}

// field reads a scalar at a gjson path; objects, arrays and absent paths
// read as "".
func field(payload []byte, path string) string {
	r := gjson.GetBytes(payload, path)
	switch r.Type {
	case gjson.String, gjson.Number:
		return r.String()
	default:
		return ""
	}
}

// firstField returns the first non-empty scalar among paths.
func firstField(payload []byte, paths ...string) string {
	for _, p := range paths {
		if v := field(payload, p); v != "" {
			return v
		}
	}
	return ""
}

func joinEvent(base, action string) string {
	if base == "" {
		return UnknownEvent
	}
	if action == "" {
		return base
	}
	return base + "." + action
}
