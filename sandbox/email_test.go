package sandbox

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRecipients_Unmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`"a@example.com"`, []string{"a@example.com"}},
		{`["a@example.com","b@example.com"]`, []string{"a@example.com", "b@example.com"}},
		{`""`, nil},
	}
	for _, tt := range tests {
		var r recipients
		if err := json.Unmarshal([]byte(tt.in), &r); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", tt.in, err)
		}
		if len(r) != len(tt.want) {
			t.Fatalf("Unmarshal(%s) = %v, want %v", tt.in, r, tt.want)
		}
		for i := range r {
			if r[i] != tt.want[i] {
				t.Errorf("Unmarshal(%s)[%d] = %q, want %q", tt.in, i, r[i], tt.want[i])
			}
		}
	}

	var r recipients
	if err := json.Unmarshal([]byte(`42`), &r); err == nil {
		t.Error("expected error for numeric recipients")
	}
}

func TestStringHeaders_DropsStructuredValues(t *testing.T) {
	got := stringHeaders(map[string]any{
		"subject":  "Reset",
		"received": []any{"a", "b"},
		"x-count":  3.0,
	})
	if len(got) != 1 || got["subject"] != "Reset" {
		t.Errorf("stringHeaders() = %v", got)
	}
	if stringHeaders(nil) != nil {
		t.Error("stringHeaders(nil) should be nil")
	}
}

func TestReceivedAt(t *testing.T) {
	fallback := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if got := receivedAt("2026-05-06T07:08:09Z", fallback); !got.Equal(time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)) {
		t.Errorf("receivedAt(valid) = %v", got)
	}
	if got := receivedAt("yesterday", fallback); !got.Equal(fallback) {
		t.Errorf("receivedAt(invalid) = %v, want fallback", got)
	}
	if got := receivedAt("", fallback); !got.Equal(fallback) {
		t.Errorf("receivedAt(empty) = %v, want fallback", got)
	}
}
