// Package checkpoint persists state-store changelog offsets across restarts.
//
// The file format is the Kafka Streams OffsetCheckpoint text format:
//
//	0                                  <- version
//	2                                  <- entry count
//	my-app-store-changelog 0 12345     <- topic partition offset
//	my-app-store-changelog 1 67890
package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// TopicPartition identifies one partition of a log topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

const (
	// OffsetUnknown marks an entry whose offset could not be determined.
	// -4 matches Kafka Streams' OffsetCheckpoint.OFFSET_UNKNOWN; smaller
	// negative values are taken by producer/subscription sentinels.
	OffsetUnknown = int64(-4)

	version = 0
)

// File reads and writes a single checkpoint file. Writes are atomic
// (tmp file, fsync, rename) so a crash never leaves a half-written
// checkpoint behind.
type File struct {
	Path string

	mu sync.Mutex
}

func New(path string) *File {
	return &File{Path: path}
}

func validOffset(offset int64) bool {
	return offset >= 0 || offset == OffsetUnknown
}

// Read loads all checkpointed offsets. A missing file is not an error:
// it returns an empty map, meaning every store restores from the
// beginning of its changelog.
func (f *File) Read() (map[TopicPartition]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[TopicPartition]int64{}, nil
		}
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)

	if !scanner.Scan() {
		return nil, fmt.Errorf("checkpoint file %s is empty", f.Path)
	}
	v, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint version: %w", err)
	}
	if v != version {
		return nil, fmt.Errorf("unknown checkpoint version %d", v)
	}

	if !scanner.Scan() {
		return nil, fmt.Errorf("checkpoint file %s is missing entry count", f.Path)
	}
	expected, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint entry count: %w", err)
	}

	offsets := make(map[TopicPartition]int64)
	skipped := 0
	line := 2
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("checkpoint line %d: expected 'topic partition offset', got %q", line, scanner.Text())
		}

		partition, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("checkpoint line %d: bad partition: %w", line, err)
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint line %d: bad offset: %w", line, err)
		}

		if !validOffset(offset) {
			skipped++
			continue
		}

		offsets[TopicPartition{Topic: fields[0], Partition: int32(partition)}] = offset
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	// A count mismatch means the file was truncated or corrupted.
	if len(offsets) != expected-skipped {
		return nil, fmt.Errorf("checkpoint file %s: expected %d entries, found %d (%d invalid)",
			f.Path, expected, len(offsets), skipped)
	}

	return offsets, nil
}

// Write persists the given offsets, replacing any previous contents.
// An empty map deletes the file, matching the read-side semantics where
// a missing file means "no checkpoint".
func (f *File) Write(offsets map[TopicPartition]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(offsets) == 0 {
		return f.deleteLocked()
	}

	for tp, offset := range offsets {
		if !validOffset(offset) {
			return fmt.Errorf("checkpoint %s: offset %d out of range (must be >= 0 or %d)",
				tp, offset, OffsetUnknown)
		}
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp := f.Path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}

	w := bufio.NewWriter(file)
	fmt.Fprintf(w, "%d\n", version)
	fmt.Fprintf(w, "%d\n", len(offsets))
	for tp, offset := range offsets {
		fmt.Fprintf(w, "%s %d %d\n", tp.Topic, tp.Partition, offset)
	}

	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint file if it exists.
func (f *File) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteLocked()
}

func (f *File) deleteLocked() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
