package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRotatingWriterRollsOver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	out, err := newRotatingWriter(path, &RotationConfig{MaxSize: "10B", MaxBackups: 5})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	w := out.(*rotatingWriter)
	defer w.Close()

	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("12345678\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	backups, _ := filepath.Glob(filepath.Join(dir, "app.*.log"))
	if len(backups) != 2 {
		t.Errorf("backups = %d, want 2", len(backups))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "12345678\n" {
		t.Errorf("current file = %q", data)
	}
}

func TestRotatingWriterKeepsMaxBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	out, err := newRotatingWriter(path, &RotationConfig{MaxSize: "4B", MaxBackups: 1})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	w := out.(*rotatingWriter)
	defer w.Close()

	tick := time.Now()
	w.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 4; i++ {
		if _, err := w.Write([]byte("abcd")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	backups, _ := filepath.Glob(filepath.Join(dir, "app.*.log"))
	if len(backups) != 1 {
		t.Errorf("backups = %d, want 1", len(backups))
	}
}

func TestRotationConfigErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if _, err := newRotatingWriter(path, &RotationConfig{MaxSize: "lots"}); err == nil {
		t.Error("expected error for bad max_size")
	}
	if _, err := newRotatingWriter(path, &RotationConfig{MaxAge: "soon"}); err == nil {
		t.Error("expected error for bad max_age")
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"36h", 36 * time.Hour},
	}
	for _, tt := range tests {
		got, err := parseAge(tt.in)
		if err != nil {
			t.Fatalf("parseAge(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseAge(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
