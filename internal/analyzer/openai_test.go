package analyzer

import (
	"strings"
	"testing"

	"github.com/askarov/gatekeeper-bot/internal/models"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		raw  string
		want models.Verdict
	}{
		{"SPAM", models.VerdictSpam},
		{"spam", models.VerdictSpam},
		{"This is clearly SPAM.", models.VerdictSpam},
		{"CLEAN", models.VerdictBenign},
		{"clean", models.VerdictBenign},
		{"I cannot decide", models.VerdictBenign},
		{"", models.VerdictBenign},
	}

	for _, tt := range tests {
		if got := parseVerdict(tt.raw); got != tt.want {
			t.Errorf("parseVerdict(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt("context rules here", []string{"first", "second"})

	if !strings.HasPrefix(prompt, "context rules here") {
		t.Error("prompt does not start with the context rules")
	}
	if !strings.Contains(prompt, `1. "first"`) || !strings.Contains(prompt, `2. "second"`) {
		t.Errorf("messages not numbered in order:\n%s", prompt)
	}
	if !strings.Contains(prompt, "SPAM or CLEAN") {
		t.Error("prompt does not pin the one-word answer protocol")
	}
}
