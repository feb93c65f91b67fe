package topic

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Topic syntax.
const (
	Separator      = "/"
	SingleWildcard = "+"
	MultiWildcard  = "#"
	OptionsMarker  = "?"
)

var (
	// ErrEmptyPattern is returned when a pattern has no segments.
	ErrEmptyPattern = errors.New("topic: empty pattern")

	// ErrInvalidPattern is returned when a pattern is malformed.
	ErrInvalidPattern = errors.New("topic: invalid pattern")
)

// trim removes the options suffix and a single trailing separator.
func trim(s string) string {
	if i := strings.Index(s, OptionsMarker); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, Separator)
}

// Split returns the segments of a concrete topic.
// Wildcard characters are treated literally.
func Split(topic string) []string {
	topic = trim(topic)
	if topic == "" {
		return nil
	}
	return strings.Split(topic, Separator)
}

// Normalize validates a pattern and returns its canonical form and segments.
func Normalize(pattern string) (string, []string, error) {
	trimmed := trim(pattern)
	if trimmed == "" {
		return "", nil, ErrEmptyPattern
	}
	segments := strings.Split(trimmed, Separator)
	for i, seg := range segments {
		switch {
		case seg == "":
			return "", nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		case seg == MultiWildcard:
			if i != len(segments)-1 {
				return "", nil, fmt.Errorf("%w: %q must be the last segment in %q", ErrInvalidPattern, MultiWildcard, pattern)
			}
		case seg == SingleWildcard:
		case strings.ContainsAny(seg, SingleWildcard+MultiWildcard):
			return "", nil, fmt.Errorf("%w: wildcard must occupy a whole segment in %q", ErrInvalidPattern, pattern)
		}
	}
	return trimmed, segments, nil
}

// Validate reports whether pattern is a well-formed subscription pattern.
func Validate(pattern string) error {
	_, _, err := Normalize(pattern)
	return err
}

// IsWildcard reports whether a pattern contains a wildcard segment.
func IsWildcard(pattern string) bool {
	for _, seg := range Split(pattern) {
		if seg == SingleWildcard || seg == MultiWildcard {
			return true
		}
	}
	return false
}

// Option is a channel option appended after the "?" of a channel string.
type Option struct {
	Key   string
	Value string
}

// WithTTL asks the service to store a published message for d.
// Sub-second durations round up to one second.
func WithTTL(d time.Duration) Option {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return Option{Key: "ttl", Value: strconv.FormatInt(secs, 10)}
}

// WithLast asks the service to replay the last n stored messages on subscribe.
func WithLast(n int) Option {
	return Option{Key: "last", Value: strconv.Itoa(n)}
}

// WithoutEcho asks the service not to deliver the client's own publishes back to it.
func WithoutEcho() Option {
	return Option{Key: "me", Value: "0"}
}

// FormatChannel builds the channel string sent to the service:
//
//	key/channel/?opt=v&opt2=v2
//
// An empty key yields "channel/".
func FormatChannel(key, channel string, opts ...Option) string {
	var b strings.Builder
	if key != "" {
		b.WriteString(strings.TrimSuffix(key, Separator))
		b.WriteString(Separator)
	}
	b.WriteString(trim(channel))
	b.WriteString(Separator)
	for i, opt := range opts {
		if i == 0 {
			b.WriteString(OptionsMarker)
		} else {
			b.WriteString("&")
		}
		b.WriteString(opt.Key)
		b.WriteString("=")
		b.WriteString(opt.Value)
	}
	return b.String()
}
