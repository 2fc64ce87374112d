package pipe

import (
	"io"
	"strings"
	"testing"
)

func TestBuffer(t *testing.T) {
	tests := []struct {
		name      string
		max       int64
		input     string
		want      string
		truncated bool
	}{
		{"empty", 10, "", "", false},
		{"short", 10, "hello", "hello", false},
		{"exact", 5, "hello", "hello", false},
		{"truncated", 5, "toolonginput", "toolo", true},
		{"large", 16, strings.Repeat("x", 1<<20), strings.Repeat("x", 16), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBuffer(tt.max)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := io.Copy(b.W, strings.NewReader(tt.input)); err != nil {
				t.Fatalf("copy: %v", err)
			}
			if got := string(b.Wait()); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if b.Truncated() != tt.truncated {
				t.Errorf("expected truncated %v, got %v", tt.truncated, b.Truncated())
			}
		})
	}
}

func TestBufferString(t *testing.T) {
	b, err := NewBuffer(8)
	if err != nil {
		t.Fatal(err)
	}
	b.W.WriteString("abc")
	b.Wait()
	if s := b.String(); s != "Buffer[3/8]" {
		t.Errorf("unexpected %q", s)
	}
}
