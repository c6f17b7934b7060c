package provider

import (
	"bufio"
	"io"
	"strings"
)

type sseEvent struct {
	Event string
	Data  string
}

// sseReader splits a text/event-stream body into events. Comment lines and
// events without data are dropped.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	// Increase scanner buffer for large chunks
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{scanner: scanner}
}

// Next returns the next event, or io.EOF when the body ends.
func (r *sseReader) Next() (sseEvent, error) {
	var (
		ev   sseEvent
		data []string
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = sseEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	// Tolerate a final event that is not followed by a blank line.
	if len(data) > 0 {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return sseEvent{}, io.EOF
}
