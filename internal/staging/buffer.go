// Package staging buffers freshly ingested rows until they are folded into
// published partitions. Rows land in an in-memory hot buffer backed by a
// durable segment log, so queries can see them before any manifest publish.
package staging

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/chronolake/chronolake/pkg/types"
)

// Row source classes, reported in query provenance.
const (
	SourceStaged = "staged" // sealed segment, awaiting fold
	SourceHot    = "hot"    // active segment, not yet sealed
)

// Entry is one appended batch of rows for a dataset.
type Entry struct {
	Seq       uint64         `json:"seq"`
	DatasetID string         `json:"dataset_id"`
	Records   []types.Record `json:"records"`
	Timestamp int64          `json:"timestamp"`
}

// StagedRow is one buffered row with its source class.
type StagedRow struct {
	Seq         uint64
	DatasetID   string
	TimestampMs int64
	Record      types.Record
	Source      string
}

// Buffer is the staging buffer. Appends are durable before acknowledgment.
type Buffer struct {
	dir        string
	maxSegSize int64
	tsColumn   string

	mu         sync.Mutex
	segment    *os.File
	segmentID  uint64
	offset     int64
	currentSeq uint64

	// Unfolded entries, keyed by the segment that holds them. The active
	// segment's entries are hot; sealed segments' entries are staged.
	segments map[uint64][]*Entry
}

// NewBuffer opens the staging buffer at dir, replaying any existing segments.
// tsColumn names the record field carrying the row timestamp.
func NewBuffer(dir string, maxSegSize int64, tsColumn string) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("staging: failed to create directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = 16 * 1024 * 1024
	}

	b := &Buffer{
		dir:        dir,
		maxSegSize: maxSegSize,
		tsColumn:   tsColumn,
		segments:   make(map[uint64][]*Entry),
	}

	if err := b.recover(); err != nil {
		return nil, err
	}
	if err := b.openSegment(); err != nil {
		return nil, err
	}
	return b, nil
}

// recover replays all segment files into memory.
func (b *Buffer) recover() error {
	files, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("staging: failed to read directory: %w", err)
	}

	var ids []uint64
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(f.Name(), "stage_%016x.log", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		entries, err := readSegment(filepath.Join(b.dir, segmentName(id)))
		if err != nil {
			return err
		}
		b.segments[id] = entries
		for _, e := range entries {
			if e.Seq > b.currentSeq {
				b.currentSeq = e.Seq
			}
		}
		b.segmentID = id
	}

	// Resume appending to the last segment rather than rotating on restart.
	if len(ids) > 0 {
		if stat, err := os.Stat(filepath.Join(b.dir, segmentName(b.segmentID))); err == nil {
			b.offset = stat.Size()
		}
	}
	return nil
}

func (b *Buffer) openSegment() error {
	path := filepath.Join(b.dir, segmentName(b.segmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("staging: failed to open segment: %w", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("staging: failed to seek segment: %w", err)
	}
	b.segment = file
	b.offset = offset
	return nil
}

// Append durably appends a batch of records for a dataset and returns the
// assigned sequence number.
func (b *Buffer) Append(datasetID string, records []types.Record) (uint64, error) {
	if len(records) == 0 {
		return 0, fmt.Errorf("staging: empty batch")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.currentSeq++
	entry := &Entry{
		Seq:       b.currentSeq,
		DatasetID: datasetID,
		Records:   records,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("staging: failed to serialize entry: %w", err)
	}
	compressed := snappy.Encode(nil, payload)

	if err := b.writeFrame(compressed); err != nil {
		return 0, err
	}
	b.segments[b.segmentID] = append(b.segments[b.segmentID], entry)

	if b.offset >= b.maxSegSize {
		if err := b.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return entry.Seq, nil
}

// writeFrame writes [length:4][crc32:4][snappy payload] and fsyncs.
func (b *Buffer) writeFrame(compressed []byte) error {
	if err := binary.Write(b.segment, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return fmt.Errorf("staging: failed to write length: %w", err)
	}
	if err := binary.Write(b.segment, binary.LittleEndian, crc32.ChecksumIEEE(compressed)); err != nil {
		return fmt.Errorf("staging: failed to write checksum: %w", err)
	}
	if _, err := b.segment.Write(compressed); err != nil {
		return fmt.Errorf("staging: failed to write payload: %w", err)
	}
	if err := b.segment.Sync(); err != nil {
		return fmt.Errorf("staging: failed to fsync: %w", err)
	}
	b.offset += int64(8 + len(compressed))
	return nil
}

// Seal rotates the active segment so its rows become staged.
func (b *Buffer) Seal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rotateLocked()
}

func (b *Buffer) rotateLocked() error {
	if b.segment != nil {
		if err := b.segment.Close(); err != nil {
			return fmt.Errorf("staging: failed to close segment: %w", err)
		}
	}
	b.segmentID++
	return b.openSegment()
}

// Scan returns unfolded rows for a dataset whose timestamps fall within
// [startMs, endMs]. Rows missing the timestamp column are skipped with a
// warning. Results are ordered by sequence.
func (b *Buffer) Scan(datasetID string, startMs, endMs int64) ([]StagedRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []uint64
	for id := range b.segments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var rows []StagedRow
	for _, id := range ids {
		source := SourceStaged
		if id == b.segmentID {
			source = SourceHot
		}
		for _, e := range b.segments[id] {
			if e.DatasetID != datasetID {
				continue
			}
			for _, rec := range e.Records {
				ts, ok := recordTimestamp(rec, b.tsColumn)
				if !ok {
					log.Printf("[WARN] staging: row in seq %d lacks timestamp column %q, skipping", e.Seq, b.tsColumn)
					continue
				}
				if ts < startMs || ts > endMs {
					continue
				}
				rows = append(rows, StagedRow{
					Seq:         e.Seq,
					DatasetID:   datasetID,
					TimestampMs: ts,
					Record:      rec,
					Source:      source,
				})
			}
		}
	}
	return rows, nil
}

// PendingSeq returns the highest sequence currently buffered for a dataset
// in sealed segments, the fold watermark for the flusher.
func (b *Buffer) PendingSeq(datasetID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var max uint64
	for id, entries := range b.segments {
		if id == b.segmentID {
			continue
		}
		for _, e := range entries {
			if e.DatasetID == datasetID && e.Seq > max {
				max = e.Seq
			}
		}
	}
	return max
}

// MarkFolded drops a dataset's entries with Seq <= upTo, removing segment
// files once every entry they hold is folded.
func (b *Buffer) MarkFolded(datasetID string, upTo uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, entries := range b.segments {
		kept := entries[:0]
		for _, e := range entries {
			if e.DatasetID == datasetID && e.Seq <= upTo {
				continue
			}
			kept = append(kept, e)
		}
		b.segments[id] = kept

		if len(kept) == 0 && id != b.segmentID {
			delete(b.segments, id)
			if err := os.Remove(filepath.Join(b.dir, segmentName(id))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("staging: failed to remove folded segment: %w", err)
			}
		}
	}
	return nil
}

// CurrentSeq returns the last assigned sequence number.
func (b *Buffer) CurrentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentSeq
}

// Close fsyncs and closes the active segment.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.segment != nil {
		if err := b.segment.Sync(); err != nil {
			return fmt.Errorf("staging: failed to fsync on close: %w", err)
		}
		if err := b.segment.Close(); err != nil {
			return fmt.Errorf("staging: failed to close segment: %w", err)
		}
		b.segment = nil
	}
	return nil
}

func segmentName(id uint64) string {
	return fmt.Sprintf("stage_%016x.log", id)
}

// recordTimestamp extracts the row timestamp in Unix milliseconds.
func recordTimestamp(rec types.Record, tsColumn string) (int64, bool) {
	v, ok := rec[tsColumn]
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case types.KindTimestamp:
		return v.Time.UnixMilli(), true
	case types.KindBigint:
		return v.Int, true
	default:
		return 0, false
	}
}

// readSegment replays one segment file, skipping corrupt frames.
func readSegment(path string) ([]*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("staging: failed to open segment: %w", err)
	}
	defer file.Close()

	var entries []*Entry
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("staging: failed to read frame length: %w", err)
		}
		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			return nil, fmt.Errorf("staging: failed to read frame checksum: %w", err)
		}

		compressed := make([]byte, length)
		if _, err := io.ReadFull(file, compressed); err != nil {
			// Truncated tail from a crash mid-write. Everything before it
			// is intact.
			break
		}
		if crc32.ChecksumIEEE(compressed) != crc {
			log.Printf("[WARN] staging: checksum mismatch in %s, skipping frame", path)
			continue
		}

		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			log.Printf("[WARN] staging: undecodable frame in %s, skipping", path)
			continue
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
