package streamclient

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestParserReadsEvents(t *testing.T) {
	input := "event: text_delta\ndata: {\"text\":\"hi\"}\n\n" +
		"event: done\ndata: {\"messageId\":\"m1\"}\n\n"
	p := NewParser(strings.NewReader(input))

	evt, err := p.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if evt.Type != "text_delta" || evt.Data != `{"text":"hi"}` {
		t.Errorf("Unexpected event %#v", evt)
	}

	evt, err = p.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if evt.Type != "done" {
		t.Errorf("Expected done, got %q", evt.Type)
	}

	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF at end, got %v", err)
	}
}

func TestParserSkipsComments(t *testing.T) {
	input := ": keepalive\n\n: keepalive\n\nevent: done\ndata: {}\n\n"
	p := NewParser(strings.NewReader(input))

	evt, err := p.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if evt.Type != "done" {
		t.Errorf("Expected comments skipped, got %#v", evt)
	}
}

func TestParserMultilineData(t *testing.T) {
	input := "event: error\ndata: line one\ndata: line two\n\n"
	p := NewParser(strings.NewReader(input))

	evt, err := p.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if evt.Data != "line one\nline two" {
		t.Errorf("Expected joined data lines, got %q", evt.Data)
	}
}

func TestParserUnterminatedFinalEvent(t *testing.T) {
	// A stream cut off before the trailing blank line still yields the
	// buffered event once.
	p := NewParser(strings.NewReader("event: done\ndata: {}\n"))

	evt, err := p.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if evt.Type != "done" {
		t.Errorf("Expected buffered event, got %#v", evt)
	}
	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after flush, got %v", err)
	}
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		line, field, value string
	}{
		{"data: hello", "data", "hello"},
		{"data:hello", "data", "hello"},
		{"data:  spaced", "data", " spaced"},
		{"event: done", "event", "done"},
		{"retry", "retry", ""},
	}
	for _, tc := range cases {
		field, value := parseLine(tc.line)
		if field != tc.field || value != tc.value {
			t.Errorf("parseLine(%q) = (%q, %q), want (%q, %q)", tc.line, field, value, tc.field, tc.value)
		}
	}
}
