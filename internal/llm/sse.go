package llm

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is a single Server-Sent Event parsed from a response stream.
type sseEvent struct {
	// Type is the "event:" field, empty for the default event type.
	Type string

	// Data is the payload assembled from one or more "data:" lines,
	// joined with newlines per the SSE specification.
	Data string
}

// sseScanner reads Server-Sent Events from an io.Reader.
//
// Events are delimited by blank lines. Lines starting with "data:"
// carry the payload, "event:" sets the event type, comment lines
// (starting with ":") and unknown fields are ignored.
type sseScanner struct {
	reader  *bufio.Reader
	current sseEvent
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. Returns false when the stream ends
// or an error occurs; call Err to distinguish EOF from errors.
func (s *sseScanner) Next() bool {
	s.current = sseEvent{}

	var dataLines []string
	var eventType string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')

		// Partial last line with no trailing newline before EOF.
		if err != nil && line == "" {
			if err == io.EOF {
				if hasData {
					s.current = sseEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}
					s.err = io.EOF
					return true
				}
				return false
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line = event boundary.
		if line == "" {
			if hasData {
				s.current = sseEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}
				return true
			}
			eventType = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			field = line
			value = ""
		} else {
			// Per spec: remove exactly one leading space from the value.
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		}
	}
}

// Event returns the most recently parsed event. Only valid after Next
// returns true.
func (s *sseScanner) Event() sseEvent {
	return s.current
}

// Err returns the first error encountered, or nil on clean EOF.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
