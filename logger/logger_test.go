package logger

import (
	"os"
	"strings"
	"testing"
)

func TestLevelFromName(t *testing.T) {
	cases := []struct {
		name string
		want Level
		ok   bool
	}{
		{"error", LevelError, true},
		{"NOTICE", LevelNotice, true},
		{"noise3", LevelNoise3, true},
		{"bogus", LevelError, false},
	}

	for _, c := range cases {
		got, ok := LevelFromName(c.name)
		if ok != c.ok {
			t.Fatalf("LevelFromName(%q) ok = %v, want %v", c.name, ok, c.ok)
		}
		if ok && got != c.want {
			t.Fatalf("LevelFromName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestInitFromEnv(t *testing.T) {
	os.Setenv("TEST_MAPPING_LOGLEVEL", "debug")
	defer os.Unsetenv("TEST_MAPPING_LOGLEVEL")

	l := New()
	l.Init("TEST_")

	if l.Level() != LevelDebug {
		t.Fatalf("expected LevelDebug, got %v", l.Level())
	}
}

func TestLogWritesToFile(t *testing.T) {
	f, err := os.CreateTemp("", "sb2log")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.Close()

	l := New()
	l.SetLevel(LevelDebug)
	l.filename = f.Name()

	l.Log(LevelInfo, "logger_test.go", 42, "hello %s", "world")

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(string(data), "hello world") {
		t.Fatalf("log file missing message: %q", string(data))
	}
}

func TestSanitizeEmbeddedControlChars(t *testing.T) {
	got := sanitize("line one\nline\ttwo")
	if strings.ContainsAny(got, "\n\t") {
		t.Fatalf("sanitize left control chars: %q", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	f, err := os.CreateTemp("", "sb2log")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.Close()

	l := New()
	l.SetLevel(LevelNotice)
	l.filename = f.Name()

	l.Log(LevelDebug, "logger_test.go", 1, "should be filtered")

	data, _ := os.ReadFile(f.Name())
	if len(data) != 0 {
		t.Fatalf("expected no output below configured level, got %q", string(data))
	}
}
