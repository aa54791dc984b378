// Package segment implements a durable buffer that appends entries to
// rotating segment files and hands sealed segments to flush jobs.
package segment

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/bissquit/trackbuffer/internal/buffer"
	"github.com/bissquit/trackbuffer/internal/pkg/metrics"
	"github.com/spf13/afero"
)

const minCapacity = 4

// Config configures a segment store.
type Config struct {
	// Name labels metrics and log lines.
	Name     string
	Dir      string
	Capacity int
}

type segment struct {
	seq     uint64
	name    string
	sealed  bool
	claimed bool
	lines   [][]byte
}

// Store is a bounded durable buffer backed by segment files. The newest
// segment is active and receives writes; Stash seals it and hands every
// unclaimed sealed segment to the caller.
//
// An in-memory mirror of every pending segment is authoritative for the
// lifetime of the process. Disk failures are logged and counted.
type Store[T any] struct {
	fs       afero.Fs
	dir      string
	name     string
	capacity int
	codec    Codec[T]
	marker   func() T
	logger   *slog.Logger

	mu       sync.Mutex
	segments []*segment
	nextSeq  uint64
	size     int
}

// Open creates the segment directory if needed and recovers leftover
// segments from a previous run.
func Open[T any](fs afero.Fs, cfg Config, codec Codec[T], marker func() T, logger *slog.Logger) (*Store[T], error) {
	if cfg.Dir == "" {
		return nil, ErrNoDir
	}
	if cfg.Capacity < minCapacity {
		cfg.Capacity = minCapacity
	}
	if cfg.Name == "" {
		cfg.Name = "segments"
	}
	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	s := &Store[T]{
		fs:       fs,
		dir:      cfg.Dir,
		name:     cfg.Name,
		capacity: cfg.Capacity,
		codec:    codec,
		marker:   marker,
		logger:   logger.With("buffer", cfg.Name),
		nextSeq:  1,
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	metrics.SetBufferSize(s.name, s.size)
	return s, nil
}

func (s *Store[T]) recover() error {
	refs, tmp, err := listSegments(s.fs, s.dir)
	if err != nil {
		return err
	}
	for _, name := range tmp {
		s.remove(name)
	}

	switch len(refs) {
	case 0:
		s.openActive()
		return nil
	case 1:
		seg := s.load(refs[0])
		s.segments = []*segment{seg}
		s.nextSeq = seg.seq + 1
		s.size = len(seg.lines)
		if seg.sealed {
			s.openActive()
		}
		return nil
	}

	// More than one segment means the previous process died with a flush in
	// flight. Only the newest segment survives.
	dropped := 0
	for _, ref := range refs[:len(refs)-1] {
		if lines, err := readLines(s.fs, s.dir, ref.name); err == nil {
			dropped += len(lines)
		}
		s.remove(ref.name)
	}
	kept := s.load(refs[len(refs)-1])
	s.segments = []*segment{kept}
	s.nextSeq = kept.seq + 1
	s.size = len(kept.lines)
	if line, ok := s.encode(s.marker()); ok {
		s.appendTo(kept, line)
	}
	if !kept.sealed {
		s.seal(kept)
	}
	s.openActive()

	metrics.RecordBufferPurge(s.name, dropped)
	s.logger.Warn("recovered segments after unclean shutdown",
		"removed_segments", len(refs)-1,
		"removed_entries", dropped,
		"kept_segment", kept.name,
		"kept_entries", len(kept.lines),
	)
	return nil
}

func (s *Store[T]) load(ref fileRef) *segment {
	seg := &segment{seq: ref.seq, name: ref.name, sealed: ref.sealed}
	lines, err := readLines(s.fs, s.dir, ref.name)
	if err != nil {
		s.storageError("read", ref.name, err)
		return seg
	}
	seg.lines = lines
	return seg
}

// Write appends an entry to the active segment. When the buffer is full the
// oldest half is discarded and a purge marker precedes the new entry.
func (s *Store[T]) Write(item T) {
	line, ok := s.encode(item)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size+1 > s.capacity {
		dropped := s.purge()
		metrics.RecordBufferPurge(s.name, dropped)
		if marker, ok := s.encode(s.marker()); ok {
			s.appendTo(s.active(), marker)
		}
	}
	s.appendTo(s.active(), line)
	metrics.RecordBufferWrite(s.name)
	metrics.SetBufferSize(s.name, s.size)
}

// purge discards the oldest entries until at most capacity/2 remain. Sealed
// segments go first, whole when possible.
func (s *Store[T]) purge() int {
	excess := s.size - s.capacity/2
	dropped := 0
	kept := s.segments[:0]

	for _, seg := range s.segments {
		if excess <= 0 {
			kept = append(kept, seg)
			continue
		}
		n := len(seg.lines)
		if seg.sealed && n <= excess {
			s.remove(seg.name)
			excess -= n
			dropped += n
			continue
		}
		k := min(n, excess)
		if k > 0 {
			clear(seg.lines[:k])
			seg.lines = seg.lines[k:]
			if err := rewrite(s.fs, s.dir, seg.name, seg.lines); err != nil {
				s.storageError("rewrite", seg.name, err)
			}
			excess -= k
			dropped += k
		}
		kept = append(kept, seg)
	}
	clear(s.segments[len(kept):])
	s.segments = kept
	s.size -= dropped
	return dropped
}

// Stash seals the active segment and returns the entries of every sealed
// segment not claimed by another stash.
func (s *Store[T]) Stash() buffer.Stash[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active := s.active(); len(active.lines) > 0 {
		s.seal(active)
		s.openActive()
	}

	var seqs []uint64
	var items []T
	for _, seg := range s.segments {
		if !seg.sealed || seg.claimed {
			continue
		}
		seg.claimed = true
		seqs = append(seqs, seg.seq)
		items = append(items, s.decode(seg)...)
	}
	if len(seqs) == 0 {
		return buffer.EmptyStash[T]()
	}
	return buffer.NewStash(items, func(success bool) {
		s.commit(seqs, success)
	})
}

func (s *Store[T]) commit(seqs []uint64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make(map[uint64]struct{}, len(seqs))
	for _, seq := range seqs {
		claimed[seq] = struct{}{}
	}

	kept := s.segments[:0]
	for _, seg := range s.segments {
		if _, ok := claimed[seg.seq]; !ok {
			kept = append(kept, seg)
			continue
		}
		if !success {
			seg.claimed = false
			kept = append(kept, seg)
			continue
		}
		s.remove(seg.name)
		s.size -= len(seg.lines)
	}
	clear(s.segments[len(kept):])
	s.segments = kept
	metrics.SetBufferSize(s.name, s.size)
}

// Len returns the number of pending entries across all segments.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close compacts every pending segment, claimed or not, into one active
// segment so that the next Open reuses it instead of treating the leftovers
// as an interrupted flush. Stashes still outstanding at Close keep their
// entries pending. The store remains usable afterwards.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.segments) <= 1 {
		return nil
	}

	var lines [][]byte
	for _, seg := range s.segments {
		lines = append(lines, seg.lines...)
	}
	merged := &segment{seq: s.nextSeq, name: segmentName(s.nextSeq, false), lines: lines}
	if err := rewrite(s.fs, s.dir, merged.name, lines); err != nil {
		s.storageError("compact", merged.name, err)
		return fmt.Errorf("compact segments: %w", err)
	}
	s.nextSeq++

	// A crash past this point leaves the merged segment as the newest file,
	// which recovery keeps.
	for _, seg := range s.segments {
		s.remove(seg.name)
	}
	clear(s.segments)
	s.segments = []*segment{merged}
	return nil
}

func (s *Store[T]) active() *segment {
	return s.segments[len(s.segments)-1]
}

func (s *Store[T]) openActive() {
	seg := &segment{seq: s.nextSeq, name: segmentName(s.nextSeq, false)}
	s.nextSeq++
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir, seg.name), nil, 0o644); err != nil {
		s.storageError("create", seg.name, err)
	}
	s.segments = append(s.segments, seg)
}

func (s *Store[T]) seal(seg *segment) {
	seg.sealed = true
	name := segmentName(seg.seq, true)
	if err := s.fs.Rename(filepath.Join(s.dir, seg.name), filepath.Join(s.dir, name)); err != nil {
		s.storageError("seal", seg.name, err)
		return
	}
	seg.name = name
}

func (s *Store[T]) appendTo(seg *segment, line []byte) {
	seg.lines = append(seg.lines, line)
	s.size++
	if err := appendLine(s.fs, s.dir, seg.name, line); err != nil {
		s.storageError("append", seg.name, err)
	}
}

func (s *Store[T]) remove(name string) {
	if err := s.fs.Remove(filepath.Join(s.dir, name)); err != nil && !isNotExist(err) {
		s.storageError("remove", name, err)
	}
}

func (s *Store[T]) encode(item T) ([]byte, bool) {
	line, err := s.codec.Encode(item)
	if err != nil {
		s.logger.Warn("failed to encode entry", "error", err)
		return nil, false
	}
	return line, true
}

func (s *Store[T]) decode(seg *segment) []T {
	items := make([]T, 0, len(seg.lines))
	for _, line := range seg.lines {
		item, err := s.codec.Decode(line)
		if err != nil {
			s.logger.Warn("skipping undecodable entry", "segment", seg.name, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items
}

func (s *Store[T]) storageError(op, name string, err error) {
	metrics.RecordStorageError(s.name, op)
	s.logger.Warn("segment storage operation failed",
		"op", op,
		"segment", name,
		"error", err,
	)
}
