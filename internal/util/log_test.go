package util

import (
	"testing"

	"github.com/pterm/pterm"
)

func TestParseLogLevel(t *testing.T) {
	testCases := []struct {
		in   string
		want pterm.LogLevel
		ok   bool
	}{
		{"trace", pterm.LogLevelTrace, true},
		{"DEBUG", pterm.LogLevelDebug, true},
		{" info ", pterm.LogLevelInfo, true},
		{"warn", pterm.LogLevelWarn, true},
		{"Warning", pterm.LogLevelWarn, true},
		{"error", pterm.LogLevelError, true},
		{"loud", 0, false},
		{"", 0, false},
	}

	for _, tc := range testCases {
		got, ok := ParseLogLevel(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v, want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSetLogLevelIgnoresUnknown(t *testing.T) {
	prev := pterm.DefaultLogger.Level
	t.Cleanup(func() { pterm.DefaultLogger.Level = prev })

	SetLogLevel("ERROR")
	if pterm.DefaultLogger.Level != pterm.LogLevelError {
		t.Fatalf("level = %v, want error", pterm.DefaultLogger.Level)
	}
	SetLogLevel("loud")
	if pterm.DefaultLogger.Level != pterm.LogLevelError {
		t.Errorf("unknown name changed the level to %v", pterm.DefaultLogger.Level)
	}
}
