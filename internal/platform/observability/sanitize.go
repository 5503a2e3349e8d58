package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	routeLimit  = 180
	methodLimit = 10
	actorLimit  = 64
)

// clip strips control runes so request data cannot forge log lines, then caps the rune count.
func clip(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(cleaned) <= limit {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:limit])
}

// SanitizeRoute cleans a request path or chi pattern for logs and span attributes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clip(route, routeLimit)
}

func SanitizeMethod(method string) string {
	return clip(method, methodLimit)
}

// SanitizeUserID cleans customer, operator and executor ids.
func SanitizeUserID(uid string) string {
	return clip(uid, actorLimit)
}
