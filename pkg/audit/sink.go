package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Sink receives every appended entry, for mirroring the trail to an
// external destination (file, pipe, collector).
type Sink interface {
	Write(e Entry) error
}

// WriterSink emits entries as prefixed JSON lines, one per entry, for
// easy grep-ability in mixed log streams.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps a writer. A nil writer produces a sink that
// discards everything.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = io.Discard
	}
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal sink entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append([]byte("AUDIT: "), append(data, '\n')...)); err != nil {
		return fmt.Errorf("audit: write sink entry: %w", err)
	}
	return nil
}
