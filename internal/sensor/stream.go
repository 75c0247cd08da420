package sensor

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// #region csv-stream
// CSVStream reads observations row by row from a CSV file with a header line.
// A missing file behaves like an empty stream.
type CSVStream struct {
	path string

	mu     sync.Mutex
	file   *os.File
	reader *csv.Reader
	cols   map[string]int
	done   bool
}

// OpenCSV prepares a stream over path. The file is opened lazily on first Next.
func OpenCSV(path string) *CSVStream {
	return &CSVStream{path: path}
}

// Next returns the next parsed row. Rows that fail to parse are skipped.
func (s *CSVStream) Next(ctx context.Context) (Observation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return Observation{}, false, nil
	}
	if s.reader == nil {
		if err := s.open(); err != nil {
			s.done = true
			if errors.Is(err, os.ErrNotExist) {
				return Observation{}, false, nil
			}
			return Observation{}, false, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return Observation{}, false, err
		}
		row, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			s.finish()
			return Observation{}, false, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			s.finish()
			return Observation{}, false, fmt.Errorf("read csv %s: %w", s.path, err)
		}
		obs, err := s.parseRow(row)
		if err != nil {
			continue
		}
		return obs, true, nil
	}
}

// Close releases the underlying file.
func (s *CSVStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *CSVStream) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return os.ErrNotExist
		}
		return fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	s.file = f
	s.reader = r
	s.cols = cols
	return nil
}

func (s *CSVStream) finish() {
	s.done = true
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func (s *CSVStream) parseRow(row []string) (Observation, error) {
	field := func(name string) string {
		i, ok := s.cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	value, err := strconv.ParseFloat(field("value"), 64)
	if err != nil {
		return Observation{}, fmt.Errorf("parse value: %w", err)
	}
	ts := field("timestamp")
	if ts == "" {
		ts = strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64)
	}
	source := field("source")
	if source == "" {
		source = "sim"
	}
	return Observation{
		Timestamp:  ts,
		SensorID:   field("sensor_id"),
		SensorType: field("sensor_type"),
		Location:   field("location"),
		Value:      value,
		Source:     source,
	}, nil
}

// #endregion csv-stream

// #region slice-stream
// SliceStream replays a fixed list of observations. Used by replay fixtures and tests.
type SliceStream struct {
	mu   sync.Mutex
	obs  []Observation
	next int
}

// NewSliceStream returns a stream over a copy of obs.
func NewSliceStream(obs []Observation) *SliceStream {
	cp := make([]Observation, len(obs))
	copy(cp, obs)
	return &SliceStream{obs: cp}
}

// Next returns the next observation in order.
func (s *SliceStream) Next(_ context.Context) (Observation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.obs) {
		return Observation{}, false, nil
	}
	o := s.obs[s.next]
	s.next++
	return o, true, nil
}

// Remaining reports how many observations have not been read yet.
func (s *SliceStream) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.obs) - s.next
}

// #endregion slice-stream
