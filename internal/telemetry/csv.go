package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// DefaultFlushEvery is the number of rows buffered between flushes.
const DefaultFlushEvery = 200

// CSVSink writes samples as "t_ns,id,duration_ns" rows.
//
// t_ns is the sample's end instant relative to sink creation, so files from
// separate processes can be aligned by their own start.
//
// Thread-safety: CSVSink is safe for concurrent use via internal mutex.
type CSVSink struct {
	mu         sync.Mutex
	w          *csv.Writer
	closer     io.Closer
	t0         time.Time
	flushEvery int
	count      int
	err        error
}

// NewCSVSink writes to w. The header row is written immediately.
// If w is also an io.Closer it is closed by Close.
func NewCSVSink(w io.Writer, t0 time.Time) (*CSVSink, error) {
	s := &CSVSink{
		w:          csv.NewWriter(w),
		t0:         t0,
		flushEvery: DefaultFlushEvery,
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	if err := s.w.Write([]string{"t_ns", "id", "duration_ns"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return s, nil
}

// OpenCSVSink creates (truncating) the file at path and writes the header.
func OpenCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open timing csv: %w", err)
	}
	s, err := NewCSVSink(f, time.Now())
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Record appends one row. Write errors are kept and reported by Close.
func (s *CSVSink) Record(id string, start, end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return
	}
	row := []string{
		strconv.FormatInt(end.Sub(s.t0).Nanoseconds(), 10),
		id,
		strconv.FormatInt(end.Sub(start).Nanoseconds(), 10),
	}
	if err := s.w.Write(row); err != nil {
		s.err = err
		return
	}
	s.count++
	if s.count%s.flushEvery == 0 {
		s.w.Flush()
		s.err = s.w.Error()
	}
}

// Flush writes buffered rows without closing the sink.
func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.Flush()
	if s.err == nil {
		s.err = s.w.Error()
	}
	return s.err
}

// Close flushes buffered rows and closes the underlying writer if it owns one.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.Flush()
	if s.err == nil {
		s.err = s.w.Error()
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil && s.err == nil {
			s.err = err
		}
		s.closer = nil
	}
	return s.err
}
