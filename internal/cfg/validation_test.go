package cfg

import (
	"testing"
	"time"
)

// createValidSettings creates a valid Settings struct for testing
func createValidSettings() *Settings {
	return &Settings{
		WsURL:             "ws://localhost:3001",
		ReconnectAttempts: 5,
		ReconnectInterval: 3 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		AutoConnect:       true,
		LedgerGCInterval:  time.Minute,
		LedgerRetention:   5 * time.Minute,
		SignalCap:         20,
		APIBaseURL:        "http://localhost:3001",
		RESTTimeout:       5 * time.Second,
		HTTPPort:          8080,
		LogLevel:          "info",
	}
}

func TestValidateSettings_ValidConfig(t *testing.T) {
	settings := createValidSettings()

	err := validateSettings(settings)
	if err != nil {
		t.Errorf("Expected valid config to pass, got error: %v", err)
	}
}

func TestValidateSettings_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Settings)
	}{
		{"empty ws url", func(s *Settings) { s.WsURL = "" }},
		{"empty api base url", func(s *Settings) { s.APIBaseURL = "" }},
		{"negative reconnect attempts", func(s *Settings) { s.ReconnectAttempts = -1 }},
		{"reconnect interval too short", func(s *Settings) { s.ReconnectInterval = 10 * time.Millisecond }},
		{"reconnect interval too long", func(s *Settings) { s.ReconnectInterval = time.Hour }},
		{"heartbeat interval too long", func(s *Settings) { s.HeartbeatInterval = time.Hour }},
		{"gc interval too short", func(s *Settings) { s.LedgerGCInterval = time.Millisecond }},
		{"retention below gc interval", func(s *Settings) { s.LedgerRetention = 30 * time.Second }},
		{"ack timeout beyond retention", func(s *Settings) { s.AckTimeout = 10 * time.Minute }},
		{"negative ack timeout", func(s *Settings) { s.AckTimeout = -time.Second }},
		{"zero signal cap", func(s *Settings) { s.SignalCap = 0 }},
		{"rest timeout too long", func(s *Settings) { s.RESTTimeout = 2 * time.Minute }},
		{"privileged http port", func(s *Settings) { s.HTTPPort = 80 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := createValidSettings()
			tt.mutate(settings)

			if err := validateSettings(settings); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestValidateSettings_ZeroReconnectAttempts(t *testing.T) {
	settings := createValidSettings()
	settings.ReconnectAttempts = 0

	if err := validateSettings(settings); err != nil {
		t.Errorf("Expected zero reconnect attempts to be valid, got error: %v", err)
	}
}
