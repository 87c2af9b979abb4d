package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
)

func TestNewConnectionID(t *testing.T) {
	id1 := NewConnectionID()
	id2 := NewConnectionID()

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("expected a uuid, got %s: %v", id1, err)
	}
}

func TestNewInstanceID(t *testing.T) {
	id := NewInstanceID()
	if !strings.HasPrefix(id, "broker-") || len(id) != len("broker-")+8 {
		t.Errorf("unexpected instance id %q", id)
	}
	if !strings.HasPrefix(GenerateRequestID(), "req_") {
		t.Error("expected req_ prefix")
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("hello world", 8); got != "hello..." {
		t.Errorf("TruncateString() = %q", got)
	}
	if got := TruncateString("hi", 8); got != "hi" {
		t.Errorf("TruncateString() = %q", got)
	}
	if got := TruncateString("hello", 2); got != "he" {
		t.Errorf("TruncateString() = %q", got)
	}
}

func TestTruncateStringKeepsRunesWhole(t *testing.T) {
	// "é" spans bytes 3 and 4; a cut at byte 4 would land inside it.
	got := TruncateString("caféteria", 7)
	if got != "caf..." {
		t.Errorf("TruncateString() = %q", got)
	}
	if !utf8.ValidString(TruncateString(strings.Repeat("日本", 50), 123)) {
		t.Error("expected valid utf-8")
	}
}
