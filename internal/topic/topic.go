// Package topic parses the broker's device topic namespace.
//
// Every device-scoped topic has the shape dev/<clientID>/<subpath...>,
// e.g. dev/AB12/status or dev/AB12/pzem/metrics. Anything else is not ours
// and gets dropped by callers without logging noise.
package topic

import (
	"errors"
	"strings"
)

// DefaultPrefix is the first segment of every device topic.
const DefaultPrefix = "dev"

var ErrUnsupported = errors.New("unsupported topic")

// Route is a parsed device topic: which device, and which subtopic under it.
type Route struct {
	DeviceID string
	Path     []string
}

// Parse splits a topic into a Route. The topic must have at least three
// segments, start with prefix, and carry a non-empty device segment.
// Device IDs are matched exactly; no case folding.
func Parse(prefix, topic string) (Route, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return Route{}, ErrUnsupported
	}
	if parts[0] != prefix {
		return Route{}, ErrUnsupported
	}
	if parts[1] == "" {
		return Route{}, ErrUnsupported
	}
	return Route{DeviceID: parts[1], Path: parts[2:]}, nil
}
