package svc

import (
	"errors"
	"testing"
	"time"

	"pasteforge/pkg/domain"
)

func TestParseExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	tests := []struct {
		name       string
		expireIn   string
		expireTime int64
		want       time.Duration // 0 with no error means never
		wantErr    bool
	}{
		{name: "empty", expireIn: ""},
		{name: "never", expireIn: "never"},
		{name: "never mixed case", expireIn: " Never "},
		{name: "minutes", expireIn: "10m", want: 10 * time.Minute},
		{name: "days", expireIn: "2d", want: 2 * day},
		{name: "weeks", expireIn: "1w", want: 7 * day},
		{name: "fractional weeks", expireIn: "1.5w", want: 7*day + 7*day/2},
		{name: "fractional days", expireIn: "0.5d", want: 12 * time.Hour},
		{name: "max days", expireIn: "365d", want: 365 * day},
		{name: "over max days", expireIn: "366d", wantErr: true},
		{name: "over max weeks", expireIn: "53w", wantErr: true},
		{name: "day count that would wrap", expireIn: "2135040d", wantErr: true},
		{name: "week count that would wrap", expireIn: "400000w", wantErr: true},
		{name: "hours over max", expireIn: "9000h", wantErr: true},
		{name: "below min", expireIn: "30s", wantErr: true},
		{name: "negative", expireIn: "-1h", wantErr: true},
		{name: "garbage", expireIn: "soon", wantErr: true},
		{name: "bare unit", expireIn: "d", wantErr: true},
		{name: "absolute future", expireTime: now.Add(time.Hour).Unix(), want: time.Hour},
		{name: "absolute with never", expireIn: "never", expireTime: now.Add(2 * time.Hour).Unix(), want: 2 * time.Hour},
		{name: "absolute past", expireTime: now.Add(-time.Hour).Unix(), wantErr: true},
		{name: "absolute too soon", expireTime: now.Add(10 * time.Second).Unix(), wantErr: true},
		{name: "absolute beyond max", expireTime: now.Add(400 * day).Unix(), wantErr: true},
		{name: "both relative and absolute", expireIn: "1h", expireTime: now.Add(time.Hour).Unix(), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExpiry(tt.expireIn, tt.expireTime, now)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidDuration) {
					t.Fatalf("expected ErrInvalidDuration, got %v (expiry %v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want == 0 {
				if got != nil {
					t.Fatalf("expected no expiry, got %v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected an expiry, got none")
			}
			if d := got.Sub(now); d != tt.want {
				t.Errorf("expiry in %v, want %v", d, tt.want)
			}
		})
	}
}

func TestPresetsEndWithNever(t *testing.T) {
	ps := Presets([]time.Duration{10 * time.Minute, 2 * time.Hour, 24 * time.Hour, 14 * 24 * time.Hour})
	labels := []string{"10 minutes", "2 hours", "1 day", "2 weeks", "Never"}
	if len(ps) != len(labels) {
		t.Fatalf("got %d presets, want %d", len(ps), len(labels))
	}
	for i, l := range labels {
		if ps[i].Label != l {
			t.Errorf("preset %d label %q, want %q", i, ps[i].Label, l)
		}
	}
	if ps[len(ps)-1].Value != "never" || ps[len(ps)-1].Seconds != 0 {
		t.Errorf("last preset %+v", ps[len(ps)-1])
	}
}
