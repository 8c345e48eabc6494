// Package coverage maintains the per-instrument provenance index: a packed
// bitmap recording, for every minute of every indexed day, which provider
// class supplied that minute's bar.
//
// On-disk layout (all integers little-endian):
//
//	magic "CKIX" (4B) | version (1B) | bits-per-minute (1B) | reserved (2B) |
//	base_day YYYYMMDD (4B) | day_count (4B) |
//	day_count blocks of 360 bytes, 2 bits per minute, 4 minutes per byte,
//	lowest bits = earliest minute.
//
// The backing array only grows: writing an earlier day shifts base_day back
// and left-pads zero blocks, writing a later day right-pads. RemoveDays zeroes
// blocks without shrinking the file.
//
// Mutations take an advisory file lock for the in-memory read-modify-write and
// persist with a write-temp-then-rename cycle, so lock-free readers only ever
// observe a complete prior or complete new version.
package coverage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"candlekeeper/internal/dates"
	"candlekeeper/internal/market"
)

const (
	indexVersion  = 1
	bitsPerMinute = 2
	bytesPerDay   = dates.MinutesPerDay * bitsPerMinute / 8 // 360
	headerSize    = 16
)

var indexMagic = [4]byte{'C', 'K', 'I', 'X'}

// ErrCorrupt is wrapped in errors reported when an index file fails to decode.
// Callers never see it from read paths: corrupt files are quarantined and
// treated as absent.
var ErrCorrupt = errors.New("index corrupt")

// Counts holds per-code minute totals for one day.
type Counts [NumCodes]int

// Missing returns the number of minutes with no data.
func (c Counts) Missing() int { return c[CodeMissing] }

// Covered returns the number of minutes filled at any priority.
func (c Counts) Covered() int { return dates.MinutesPerDay - c[CodeMissing] }

// Index is the provenance bitmap for one (exchange, instrument) pair.
type Index struct {
	path string
	lk   *flock.Flock
	log  zerolog.Logger
}

// Tree locates per-instrument index files under a root directory.
type Tree struct {
	root string
	log  zerolog.Logger
}

// NewTree creates a Tree rooted at dir.
func NewTree(dir string, log zerolog.Logger) *Tree {
	return &Tree{root: dir, log: log.With().Str("component", "coverage").Logger()}
}

// Index returns the index handle for one instrument. No I/O happens until an
// operation is invoked.
func (t *Tree) Index(inst market.Instrument) *Index {
	path := filepath.Join(t.root, inst.Exchange, inst.Symbol+".idx")
	return &Index{
		path: path,
		lk:   flock.New(path + ".lock"),
		log:  t.log.With().Str("instrument", inst.Key()).Logger(),
	}
}

// Path returns the index file location, used by tests and diagnostics.
func (ix *Index) Path() string { return ix.path }

// indexData is the decoded in-memory form of one index file.
type indexData struct {
	baseDay dates.Day
	days    int
	packed  []byte
}

func (d *indexData) lastDay() dates.Day { return d.baseDay.AddDays(d.days - 1) }

func (d *indexData) contains(day dates.Day) bool {
	return day >= d.baseDay && dates.DaysBetween(d.baseDay, day) < d.days
}

func (d *indexData) block(day dates.Day) []byte {
	off := dates.DaysBetween(d.baseDay, day) * bytesPerDay
	return d.packed[off : off+bytesPerDay]
}

func (d *indexData) get(day dates.Day, minute int) Code {
	b := d.block(day)
	return Code(b[minute/4] >> ((minute % 4) * 2) & 0x3)
}

func (d *indexData) set(day dates.Day, minute int, code Code) {
	b := d.block(day)
	shift := (minute % 4) * 2
	b[minute/4] = b[minute/4]&^(0x3<<shift) | byte(code)<<shift
}

// ensureRange grows the packed array so that day falls inside it,
// zero-filling newly created blocks. The array never shrinks.
func (d *indexData) ensureRange(day dates.Day) {
	if d.days == 0 {
		d.baseDay = day
		d.days = 1
		d.packed = make([]byte, bytesPerDay)
		return
	}
	if day < d.baseDay {
		pad := dates.DaysBetween(day, d.baseDay)
		grown := make([]byte, (pad+d.days)*bytesPerDay)
		copy(grown[pad*bytesPerDay:], d.packed)
		d.packed = grown
		d.baseDay = day
		d.days += pad
		return
	}
	if last := d.lastDay(); day > last {
		pad := dates.DaysBetween(last, day)
		grown := make([]byte, (d.days+pad)*bytesPerDay)
		copy(grown, d.packed)
		d.packed = grown
		d.days += pad
	}
}

// load reads and decodes the index file. A missing file yields (nil, nil).
// A structurally corrupt file is quarantined and likewise treated as absent,
// so corruption never halts a worker. Only real I/O failures return an error.
func (ix *Index) load() (*indexData, error) {
	raw, err := os.ReadFile(ix.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", ix.path, err)
	}

	data, derr := decodeIndex(raw)
	if derr != nil {
		ix.quarantine(derr)
		return nil, nil
	}
	return data, nil
}

func decodeIndex(raw []byte) (*indexData, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorrupt, len(raw))
	}
	if [4]byte(raw[:4]) != indexMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if raw[4] != indexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, raw[4])
	}
	if raw[5] != bitsPerMinute {
		return nil, fmt.Errorf("%w: unexpected bits-per-minute %d", ErrCorrupt, raw[5])
	}
	baseDay := dates.Day(int32(binary.LittleEndian.Uint32(raw[8:12])))
	days := int(int32(binary.LittleEndian.Uint32(raw[12:16])))
	if days < 0 || !baseDay.Valid() {
		return nil, fmt.Errorf("%w: invalid header base=%d days=%d", ErrCorrupt, baseDay, days)
	}
	if len(raw) != headerSize+days*bytesPerDay {
		return nil, fmt.Errorf("%w: size %d does not match day count %d", ErrCorrupt, len(raw), days)
	}
	return &indexData{baseDay: baseDay, days: days, packed: raw[headerSize:]}, nil
}

// quarantine renames a corrupt index aside so the next write starts fresh.
func (ix *Index) quarantine(cause error) {
	dst := fmt.Sprintf("%s.corrupt.%d", ix.path, time.Now().Unix())
	if err := os.Rename(ix.path, dst); err != nil {
		ix.log.Error().Err(err).Msg("failed to quarantine corrupt index")
		return
	}
	ix.log.Warn().Err(cause).Str("quarantined", dst).Msg("quarantined corrupt index")
}

// save writes the index atomically: temp file in the same directory, fsync,
// then rename over the old version.
func (ix *Index) save(d *indexData) error {
	buf := make([]byte, headerSize+len(d.packed))
	copy(buf[:4], indexMagic[:])
	buf[4] = indexVersion
	buf[5] = bitsPerMinute
	binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(d.baseDay)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(int32(d.days)))
	copy(buf[headerSize:], d.packed)

	dir := filepath.Dir(ix.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(ix.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpName, ix.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename index into place: %w", err)
	}
	return nil
}

// withLock runs fn holding the exclusive advisory lock. The lock covers only
// the in-memory read-modify-write, never any network call.
func (ix *Index) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(ix.path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	if err := ix.lk.Lock(); err != nil {
		return fmt.Errorf("lock index: %w", err)
	}
	defer ix.lk.Unlock()
	return fn()
}

// Range returns the oldest and newest indexed day. ok is false when the index
// does not exist yet.
func (ix *Index) Range() (oldest, newest dates.Day, ok bool, err error) {
	d, err := ix.load()
	if err != nil || d == nil || d.days == 0 {
		return 0, 0, false, err
	}
	return d.baseDay, d.lastDay(), true, nil
}

// CodesForDay returns the 1440 per-minute codes for one day. ok is false when
// the day is outside the indexed range.
func (ix *Index) CodesForDay(day dates.Day) ([]Code, bool, error) {
	d, err := ix.load()
	if err != nil {
		return nil, false, err
	}
	if d == nil || !d.contains(day) {
		return nil, false, nil
	}
	codes := make([]Code, dates.MinutesPerDay)
	for m := range codes {
		codes[m] = d.get(day, m)
	}
	return codes, true, nil
}

// OldestDayWithCode returns the earliest indexed day holding at least one
// minute at the given code.
func (ix *Index) OldestDayWithCode(code Code) (dates.Day, bool, error) {
	d, err := ix.load()
	if err != nil || d == nil {
		return 0, false, err
	}
	for i := 0; i < d.days; i++ {
		day := d.baseDay.AddDays(i)
		for m := 0; m < dates.MinutesPerDay; m++ {
			if d.get(day, m) == code {
				return day, true, nil
			}
		}
	}
	return 0, false, nil
}

// UpdateForDay unconditionally sets the listed minutes of day to code,
// growing the index as needed. It does not enforce priority ordering: the
// reconciliation engine decides upgrades, and operator-forced refetches rely
// on the setter being unconditional.
func (ix *Index) UpdateForDay(day dates.Day, minutes []int, code Code) error {
	if !code.Valid() {
		return fmt.Errorf("invalid code %d", code)
	}
	for _, m := range minutes {
		if m < 0 || m >= dates.MinutesPerDay {
			return fmt.Errorf("minute index %d out of range", m)
		}
	}
	return ix.withLock(func() error {
		d, err := ix.load()
		if err != nil {
			return err
		}
		if d == nil {
			d = &indexData{}
		}
		d.ensureRange(day)
		for _, m := range minutes {
			d.set(day, m, code)
		}
		return ix.save(d)
	})
}

// AggregateForRange returns per-day minute counts by code for every day in
// [from, to]. Days outside the indexed range count as fully missing.
func (ix *Index) AggregateForRange(from, to dates.Day) (map[dates.Day]Counts, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range %s..%s", from, to)
	}
	d, err := ix.load()
	if err != nil {
		return nil, err
	}
	out := make(map[dates.Day]Counts, dates.DaysBetween(from, to)+1)
	for day := from; day <= to; day = day.Next() {
		var c Counts
		if d != nil && d.contains(day) {
			for m := 0; m < dates.MinutesPerDay; m++ {
				c[d.get(day, m)]++
			}
		} else {
			c[CodeMissing] = dates.MinutesPerDay
		}
		out[day] = c
	}
	return out, nil
}

// RemoveDays zeroes the blocks for the given days and returns how many fell
// inside the indexed range. The backing array keeps its extent.
func (ix *Index) RemoveDays(days []dates.Day) (int, error) {
	removed := 0
	err := ix.withLock(func() error {
		d, err := ix.load()
		if err != nil {
			return err
		}
		if d == nil {
			return nil
		}
		for _, day := range days {
			if !d.contains(day) {
				continue
			}
			blk := d.block(day)
			for i := range blk {
				blk[i] = 0
			}
			removed++
		}
		if removed == 0 {
			return nil
		}
		return ix.save(d)
	})
	return removed, err
}
