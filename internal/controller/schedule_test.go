package controller

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "every descriptor", expr: "@every 30s"},
		{name: "hourly descriptor", expr: "@hourly"},
		{name: "every 5 minutes", expr: "*/5 * * * *"},
		{name: "too few fields", expr: "0 3 * *", wantErr: true},
		{name: "bad syntax", expr: "invalid", wantErr: true},
		{name: "bad duration", expr: "@every soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduleInterval(t *testing.T) {
	schedule, err := ParseSchedule("*/15 * * * *")
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}

	now := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	if got := ScheduleInterval(schedule, now); got != 15*time.Minute {
		t.Errorf("ScheduleInterval() = %v, want 15m", got)
	}
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name        string
		expr        string
		tickTimeout time.Duration
		wantWarning bool
		wantErr     bool
	}{
		{name: "interval longer than timeout", expr: "@every 10m", tickTimeout: 5 * time.Minute},
		{name: "interval shorter than timeout", expr: "@every 30s", tickTimeout: 5 * time.Minute, wantWarning: true},
		{name: "invalid", expr: "nope", tickTimeout: time.Minute, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warning, err := ValidateSchedule(tt.expr, tt.tickTimeout)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSchedule() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (warning != "") != tt.wantWarning {
				t.Errorf("ValidateSchedule() warning = %q, wantWarning %v", warning, tt.wantWarning)
			}
		})
	}
}
