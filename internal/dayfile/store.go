// Package dayfile stores one calendar day of minute bars per file: a sparse
// set of fixed 28-byte records, sorted by timestamp.
//
// Record layout (little-endian):
//
//	timestamp_ms (8B) | open (4B float) | high (4B) | low (4B) | close (4B) | volume (4B)
//
// The minute slot is derived from the timestamp, so the record carries no
// explicit minute index. The store is pure keyed storage: it knows nothing
// about provenance or priority.
package dayfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"candlekeeper/internal/dates"
	"candlekeeper/internal/market"
)

const recordSize = 28

// ErrCorrupt is wrapped in decode errors. Consumers never see it: corrupt
// files are quarantined and read as empty.
var ErrCorrupt = errors.New("day file corrupt")

// Store reads and writes per-day bar files under a root directory.
type Store struct {
	root string
	log  zerolog.Logger
}

// New creates a Store rooted at dir.
func New(dir string, log zerolog.Logger) *Store {
	return &Store{root: dir, log: log.With().Str("component", "dayfile").Logger()}
}

// Path returns the file location for one (instrument, day) pair.
func (s *Store) Path(inst market.Instrument, day dates.Day) string {
	return filepath.Join(s.root, inst.Exchange, inst.Symbol, day.String()+".bars")
}

// ReadDay returns the bars stored for one day, keyed by minute index.
// A missing file yields an empty map. A file that fails to decode is
// quarantined with a .corrupt.<timestamp> suffix and likewise read as empty:
// corruption must never halt the worker.
func (s *Store) ReadDay(inst market.Instrument, day dates.Day) (map[int]market.Bar, error) {
	path := s.Path(inst, day)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[int]market.Bar{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read day file %s: %w", path, err)
	}

	bars, derr := decode(raw, day)
	if derr != nil {
		s.quarantine(path, derr)
		return map[int]market.Bar{}, nil
	}
	return bars, nil
}

// WriteDay atomically replaces the file for one day with the given bars.
func (s *Store) WriteDay(inst market.Instrument, day dates.Day, bars map[int]market.Bar) error {
	path := s.Path(inst, day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create day file directory: %w", err)
	}

	minutes := make([]int, 0, len(bars))
	for m := range bars {
		if m < 0 || m >= dates.MinutesPerDay {
			return fmt.Errorf("minute index %d out of range", m)
		}
		minutes = append(minutes, m)
	}
	sort.Ints(minutes)

	buf := make([]byte, 0, len(bars)*recordSize)
	for _, m := range minutes {
		buf = appendRecord(buf, bars[m])
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp day file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp day file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp day file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename day file into place: %w", err)
	}
	return nil
}

// RemoveDay deletes the file for one day. Removing a day that was never
// written is not an error.
func (s *Store) RemoveDay(inst market.Instrument, day dates.Day) error {
	path := s.Path(inst, day)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove day file %s: %w", path, err)
	}
	return nil
}

func (s *Store) quarantine(path string, cause error) {
	dst := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	if err := os.Rename(path, dst); err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("failed to quarantine corrupt day file")
		return
	}
	s.log.Warn().Err(cause).Str("quarantined", dst).Msg("quarantined corrupt day file")
}

func appendRecord(buf []byte, b market.Bar) []byte {
	var rec [recordSize]byte
	binary.LittleEndian.PutUint64(rec[0:8], uint64(b.TimestampMS))
	binary.LittleEndian.PutUint32(rec[8:12], math.Float32bits(float32(b.Open)))
	binary.LittleEndian.PutUint32(rec[12:16], math.Float32bits(float32(b.High)))
	binary.LittleEndian.PutUint32(rec[16:20], math.Float32bits(float32(b.Low)))
	binary.LittleEndian.PutUint32(rec[20:24], math.Float32bits(float32(b.Close)))
	binary.LittleEndian.PutUint32(rec[24:28], math.Float32bits(float32(b.Volume)))
	return append(buf, rec[:]...)
}

func decode(raw []byte, day dates.Day) (map[int]market.Bar, error) {
	if len(raw)%recordSize != 0 {
		return nil, fmt.Errorf("%w: size %d not a multiple of record size", ErrCorrupt, len(raw))
	}
	bars := make(map[int]market.Bar, len(raw)/recordSize)
	for off := 0; off < len(raw); off += recordSize {
		rec := raw[off : off+recordSize]
		b := market.Bar{
			TimestampMS: int64(binary.LittleEndian.Uint64(rec[0:8])),
			Open:        float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[8:12]))),
			High:        float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[12:16]))),
			Low:         float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[16:20]))),
			Close:       float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[20:24]))),
			Volume:      float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[24:28]))),
		}
		barDay, minute := b.Minute()
		if barDay != day {
			return nil, fmt.Errorf("%w: timestamp %d belongs to day %s", ErrCorrupt, b.TimestampMS, barDay)
		}
		if _, dup := bars[minute]; dup {
			return nil, fmt.Errorf("%w: duplicate minute %d", ErrCorrupt, minute)
		}
		bars[minute] = b
	}
	return bars, nil
}
