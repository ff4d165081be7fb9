// Package streamclient consumes the assistant's per-turn event stream:
// it decodes the SSE framing, tracks a monotonic generation token so stale
// callbacks are discarded, and exposes a small state machine to the UI.
package streamclient

import (
	"bufio"
	"io"
	"strings"
)

// Event is a parsed server-sent event.
type Event struct {
	Type string
	Data string
}

// Parser reads SSE events from an io.Reader according to the SSE
// specification. Comment lines (keepalives) are skipped.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a new SSE parser that reads from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{scanner: bufio.NewScanner(r)}
}

// Next returns the next SSE event, or io.EOF when the stream ends.
func (p *Parser) Next() (Event, error) {
	var evt Event
	var dataLines []string
	hasFields := false

	for p.scanner.Scan() {
		line := p.scanner.Text()

		if line == "" {
			if !hasFields {
				continue
			}
			evt.Data = strings.Join(dataLines, "\n")
			return evt, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := parseLine(line)
		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasFields = true
		case "event":
			evt.Type = value
			hasFields = true
		default:
			// id and retry are not used by this client.
		}
	}

	if err := p.scanner.Err(); err != nil {
		return Event{}, err
	}
	if hasFields {
		evt.Data = strings.Join(dataLines, "\n")
		return evt, nil
	}
	return Event{}, io.EOF
}

func parseLine(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}
