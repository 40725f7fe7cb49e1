package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCountersSnapshot(t *testing.T) {
	c := NewCounters()

	snap := c.Snapshot()
	if snap.Status != StatusStarting {
		t.Errorf("initial Status = %q, want starting", snap.Status)
	}
	if snap.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", snap.Version)
	}

	c.SetStatus(StatusRunning)
	c.ChallengeProcessed()
	c.ChallengeProcessed()
	c.ErrorOccurred()

	snap = c.Snapshot()
	if snap.Status != StatusRunning {
		t.Errorf("Status = %q, want running", snap.Status)
	}
	if snap.ChallengesProcessed != 2 {
		t.Errorf("ChallengesProcessed = %d, want 2", snap.ChallengesProcessed)
	}
	if snap.ErrorsCount != 1 {
		t.Errorf("ErrorsCount = %d, want 1", snap.ErrorsCount)
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds = %d, want >= 0", snap.UptimeSeconds)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	tests := []struct {
		status Status
		code   int
	}{
		{StatusStarting, http.StatusServiceUnavailable},
		{StatusRunning, http.StatusOK},
		{StatusStopping, http.StatusServiceUnavailable},
		{StatusError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			c := NewCounters()
			c.SetStatus(tt.status)
			s := &Server{counters: c}

			rec := httptest.NewRecorder()
			s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.code {
				t.Errorf("status code = %d, want %d", rec.Code, tt.code)
			}

			var snap Snapshot
			if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if snap.Status != tt.status {
				t.Errorf("body status = %q, want %q", snap.Status, tt.status)
			}
		})
	}
}
