package session

import (
	"context"
	"strings"
	"testing"
)

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short stays", "hello world", 50, "hello world"},
		{"exact fits", "abcde", 5, "abcde"},
		{"long is cut", strings.Repeat("a", 60), 50, strings.Repeat("a", 50)},
		{"whitespace collapsed", "  how  do\nI deploy?  ", 50, "how do I deploy?"},
		{"multibyte counted as runes", strings.Repeat("測", 60), 50, strings.Repeat("測", 50)},
		{"empty", "", 50, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateRunes(tt.in, tt.n); got != tt.want {
				t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestStoreRejectsEmptySessionID(t *testing.T) {
	// Validation happens before any database access, so a nil pool is fine.
	s := &Store{}
	ctx := context.Background()

	if err := s.Touch(ctx, " ", 0, 0, "hi"); err != ErrEmptySessionID {
		t.Errorf("Touch = %v, want ErrEmptySessionID", err)
	}
	if err := s.RecordAssistant(ctx, "", "hi"); err != ErrEmptySessionID {
		t.Errorf("RecordAssistant = %v, want ErrEmptySessionID", err)
	}
	if _, err := s.Get(ctx, ""); err != ErrEmptySessionID {
		t.Errorf("Get = %v, want ErrEmptySessionID", err)
	}
	if err := s.Delete(ctx, ""); err != ErrEmptySessionID {
		t.Errorf("Delete = %v, want ErrEmptySessionID", err)
	}
	if _, err := s.LoadState(ctx, ""); err != ErrEmptySessionID {
		t.Errorf("LoadState = %v, want ErrEmptySessionID", err)
	}
	if err := s.SaveState(ctx, nil); err != ErrEmptySessionID {
		t.Errorf("SaveState(nil) = %v, want ErrEmptySessionID", err)
	}
}
