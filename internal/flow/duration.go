package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	hoursPart   = regexp.MustCompile(`(?i)(\d+)\s*h`)
	minutesPart = regexp.MustCompile(`(?i)(\d+)\s*m`)
)

// ParseDuration reads the free-form durations typed into the task form:
// "1h 30m", "2h", "45m", or a bare number of minutes. Anything else, and
// anything that adds up to zero, yields 0.
func ParseDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var total time.Duration
	h := hoursPart.FindStringSubmatch(s)
	m := minutesPart.FindStringSubmatch(s)
	if h != nil {
		n, _ := strconv.Atoi(h[1])
		total += time.Duration(n) * time.Hour
	}
	if m != nil {
		n, _ := strconv.Atoi(m[1])
		total += time.Duration(n) * time.Minute
	}
	if h == nil && m == nil {
		if n, err := strconv.Atoi(s); err == nil {
			total = time.Duration(n) * time.Minute
		}
	}
	if total < 0 {
		return 0
	}
	return total
}

// Duration is a JSON duration field that accepts milliseconds as a number or
// a form string understood by ParseDuration.
type Duration time.Duration

func (d Duration) Millis() int64 { return time.Duration(d).Milliseconds() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Millis())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Duration(ParseDuration(s))
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be milliseconds or a string like \"1h 30m\": %w", err)
	}
	if ms < 0 {
		ms = 0
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}
