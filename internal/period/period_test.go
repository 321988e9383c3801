package period

import (
	"testing"
	"time"

	"github.com/nasos1212/woofyapp-sub000/internal/model"
)

func TestStart(t *testing.T) {
	loc := time.UTC

	tests := []struct {
		name      string
		frequency model.OfferFrequency
		now       time.Time
		want      time.Time
	}{
		{
			name:      "daily midday",
			frequency: model.FrequencyDaily,
			now:       time.Date(2025, 3, 15, 14, 30, 0, 0, loc),
			want:      time.Date(2025, 3, 15, 0, 0, 0, 0, loc),
		},
		{
			name:      "weekly from wednesday",
			frequency: model.FrequencyWeekly,
			now:       time.Date(2025, 3, 12, 9, 0, 0, 0, loc), // Wednesday
			want:      time.Date(2025, 3, 10, 0, 0, 0, 0, loc), // Monday
		},
		{
			name:      "weekly from monday",
			frequency: model.FrequencyWeekly,
			now:       time.Date(2025, 3, 10, 0, 0, 1, 0, loc),
			want:      time.Date(2025, 3, 10, 0, 0, 0, 0, loc),
		},
		{
			name:      "weekly from sunday",
			frequency: model.FrequencyWeekly,
			now:       time.Date(2025, 3, 16, 23, 59, 0, 0, loc),
			want:      time.Date(2025, 3, 10, 0, 0, 0, 0, loc),
		},
		{
			name:      "weekly across month boundary",
			frequency: model.FrequencyWeekly,
			now:       time.Date(2025, 4, 1, 12, 0, 0, 0, loc), // Tuesday
			want:      time.Date(2025, 3, 31, 0, 0, 0, 0, loc),
		},
		{
			name:      "monthly end of month",
			frequency: model.FrequencyMonthly,
			now:       time.Date(2024, 2, 29, 23, 0, 0, 0, loc),
			want:      time.Date(2024, 2, 1, 0, 0, 0, 0, loc),
		},
		{
			name:      "monthly first second of month",
			frequency: model.FrequencyMonthly,
			now:       time.Date(2025, 1, 1, 0, 0, 1, 0, loc),
			want:      time.Date(2025, 1, 1, 0, 0, 0, 0, loc),
		},
		{
			name:      "one_time has no period",
			frequency: model.FrequencyOneTime,
			now:       time.Date(2025, 3, 15, 14, 30, 0, 0, loc),
			want:      time.Time{},
		},
		{
			name:      "unlimited has no period",
			frequency: model.FrequencyUnlimited,
			now:       time.Date(2025, 3, 15, 14, 30, 0, 0, loc),
			want:      time.Time{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Start(tt.frequency, tt.now)
			if !got.Equal(tt.want) {
				t.Fatalf("Start(%s, %v) = %v, want %v", tt.frequency, tt.now, got, tt.want)
			}
		})
	}
}

func TestKey(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 12, 31, 18, 0, 0, 0, loc) // Wednesday, ISO week 1 of 2026

	tests := []struct {
		name      string
		frequency model.OfferFrequency
		want      string
	}{
		{name: "one_time", frequency: model.FrequencyOneTime, want: "ever"},
		{name: "daily", frequency: model.FrequencyDaily, want: "2025-12-31"},
		{name: "weekly ISO year boundary", frequency: model.FrequencyWeekly, want: "2026-W01"},
		{name: "monthly", frequency: model.FrequencyMonthly, want: "2025-12"},
		{name: "unlimited is caller-defined", frequency: model.FrequencyUnlimited, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Key(tt.frequency, now)
			if got != tt.want {
				t.Fatalf("Key(%s) = %q, want %q", tt.frequency, got, tt.want)
			}
		})
	}
}

func TestKeyChangesAtPeriodBoundary(t *testing.T) {
	loc := time.UTC
	lastOfMonth := time.Date(2025, 1, 31, 23, 59, 59, 0, loc)
	firstOfNext := time.Date(2025, 2, 1, 0, 0, 0, 0, loc)

	if Key(model.FrequencyMonthly, lastOfMonth) == Key(model.FrequencyMonthly, firstOfNext) {
		t.Fatalf("monthly key must change at month boundary")
	}
	if Key(model.FrequencyDaily, lastOfMonth) == Key(model.FrequencyDaily, firstOfNext) {
		t.Fatalf("daily key must change at midnight")
	}
}
