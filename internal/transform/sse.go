package transform

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// sseFrame is one parsed server-sent event: an optional event name and the
// joined data payload.
type sseFrame struct {
	event string
	data  string
}

// sseMaxLineSize bounds a single SSE line. Provider frames carrying inline
// image data can be large.
const sseMaxLineSize = 4 * 1024 * 1024

// forEachFrame incrementally scans SSE from r and invokes fn once per
// complete frame. Comment lines (leading ':') and blank keepalives are
// skipped. Multiple data lines within one frame are joined with '\n' as the
// event-stream format requires. Scanning stops when fn returns false or the
// reader is exhausted.
func forEachFrame(r io.Reader, fn func(sseFrame) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLineSize)

	var event string
	var data []string

	flush := func() bool {
		if len(data) == 0 {
			event = ""
			return true
		}
		frame := sseFrame{event: event, data: strings.Join(data, "\n")}
		event = ""
		data = data[:0]
		return fn(frame)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	// A final frame without a trailing blank line still counts.
	flush()
	return scanner.Err()
}

// writeFrame emits one SSE frame, with an event line when name is non-empty,
// and flushes if the writer supports it.
func writeFrame(w io.Writer, name, data string) error {
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flush(w)
	return nil
}

type flusher interface{ Flush() }

func flush(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}
