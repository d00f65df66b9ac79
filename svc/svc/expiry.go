package svc

import (
	"strconv"
	"strings"
	"time"

	"pasteforge/pkg/domain"
)

const (
	MinExpiry = time.Minute
	MaxExpiry = 365 * 24 * time.Hour
)

// ExpiryPreset is one entry of the presets list offered to clients.
type ExpiryPreset struct {
	Label   string `json:"label"`
	Value   string `json:"value"`
	Seconds int64  `json:"seconds"`
}

// Presets lists the configured expiration choices plus "never".
func Presets(ds []time.Duration) []ExpiryPreset {
	out := make([]ExpiryPreset, 0, len(ds)+1)
	for _, d := range ds {
		out = append(out, ExpiryPreset{Label: presetLabel(d), Value: d.String(), Seconds: int64(d.Seconds())})
	}
	return append(out, ExpiryPreset{Label: "Never", Value: "never"})
}

func presetLabel(d time.Duration) string {
	switch {
	case d%(7*24*time.Hour) == 0 && d >= 7*24*time.Hour:
		return plural(int(d/(7*24*time.Hour)), "week")
	case d%(24*time.Hour) == 0:
		return plural(int(d/(24*time.Hour)), "day")
	case d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/time.Minute), "minute")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

// ParseExpiry resolves the expire_in / expire_time pair of a create request.
// expireIn accepts a Go duration or a preset label such as "1h"; "" and
// "never" mean no expiration. expireTime is an absolute epoch in seconds.
func ParseExpiry(expireIn string, expireTime int64, now time.Time) (*time.Time, error) {
	expireIn = strings.ToLower(strings.TrimSpace(expireIn))
	if expireTime != 0 {
		if expireIn != "" && expireIn != "never" {
			return nil, domain.ErrInvalidDuration
		}
		t := time.Unix(expireTime, 0).UTC()
		if d := t.Sub(now); d < MinExpiry || d > MaxExpiry {
			return nil, domain.ErrInvalidDuration
		}
		return &t, nil
	}
	if expireIn == "" || expireIn == "never" {
		return nil, nil
	}
	d, err := parseDuration(expireIn)
	if err != nil || d < MinExpiry || d > MaxExpiry {
		return nil, domain.ErrInvalidDuration
	}
	t := now.Add(d).UTC().Truncate(time.Second)
	return &t, nil
}

// parseDuration extends time.ParseDuration with d (days) and w (weeks).
func parseDuration(s string) (time.Duration, error) {
	if n := len(s); n > 1 && (s[n-1] == 'd' || s[n-1] == 'w') {
		unit := 24 * time.Hour
		if s[n-1] == 'w' {
			unit *= 7
		}
		v, err := time.ParseDuration(s[:n-1] + "h")
		if err != nil {
			return 0, err
		}
		// bound before scaling, the product would wrap int64
		if v.Hours() > MaxExpiry.Hours()/unit.Hours() {
			return 0, domain.ErrInvalidDuration
		}
		return time.Duration(v.Hours() * float64(unit)), nil
	}
	return time.ParseDuration(s)
}
