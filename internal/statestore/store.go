// Package statestore keeps the append-only history of monitor samples, split
// into a locked and an unlocked stream, and answers the "last known good
// lock" lookup used to pick a relock voltage after a restart.
package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/skobkin/relocker-web/internal/settings"
)

// Stream names a record file.
type Stream string

const (
	StreamLocked   Stream = "locked"
	StreamUnlocked Stream = "unlocked"
)

// ParseStream accepts "locked" or "unlocked".
func ParseStream(raw string) (Stream, error) {
	switch Stream(raw) {
	case StreamLocked, StreamUnlocked:
		return Stream(raw), nil
	}
	return "", fmt.Errorf("unknown stream %q", raw)
}

// Record is one monitor sample. It is never modified after Append.
type Record struct {
	ID          uint64           `json:"id"`
	Time        time.Time        `json:"time"`
	Channel     string           `json:"channel"`
	Settings    settings.Channel `json:"settings"`
	Locked      bool             `json:"locked"`
	MeanVoltage float64          `json:"mean_voltage"`
}

// StreamStats summarises one stream.
type StreamStats struct {
	Records   int64  `json:"records"`
	SizeBytes int64  `json:"size_bytes"`
	LastID    uint64 `json:"last_id"`
}

// Store owns both streams.
type Store struct {
	locked   *stream
	unlocked *stream

	mu         sync.RWMutex
	lastLocked map[string]Record
}

// Open opens or creates locked.wal and unlocked.wal in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{lastLocked: make(map[string]Record)}

	locked, err := openStream(filepath.Join(dir, "locked.wal"), func(rec Record) {
		s.lastLocked[rec.Channel] = rec
	})
	if err != nil {
		return nil, fmt.Errorf("open locked stream: %w", err)
	}
	unlocked, err := openStream(filepath.Join(dir, "unlocked.wal"), nil)
	if err != nil {
		_ = locked.close()
		return nil, fmt.Errorf("open unlocked stream: %w", err)
	}

	s.locked = locked
	s.unlocked = unlocked
	return s, nil
}

// Append writes rec to the stream matching rec.Locked and returns it with its
// assigned ID.
func (s *Store) Append(rec Record) (Record, error) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	target := s.unlocked
	if rec.Locked {
		target = s.locked
	}
	if err := target.append(&rec); err != nil {
		return Record{}, fmt.Errorf("append %s record: %w", rec.Channel, err)
	}
	if rec.Locked {
		s.mu.Lock()
		s.lastLocked[rec.Channel] = rec
		s.mu.Unlock()
	}
	return rec, nil
}

// LastRecordMatching returns the most recent locked record of channel.
func (s *Store) LastRecordMatching(channel string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.lastLocked[channel]
	return rec, ok
}

// Iterate calls fn for every record of the named stream in append order, stopping at
// the first error fn returns.
func (s *Store) Iterate(name Stream, fn func(Record) error) error {
	target, err := s.stream(name)
	if err != nil {
		return err
	}
	return target.iterate(fn)
}

// Recent returns up to limit of the newest records of channel in the named stream,
// oldest first. An empty channel matches every record.
func (s *Store) Recent(name Stream, channel string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	ring := make([]Record, 0, limit)
	start := 0
	err := s.Iterate(name, func(rec Record) error {
		if channel != "" && rec.Channel != channel {
			return nil
		}
		if len(ring) < limit {
			ring = append(ring, rec)
			return nil
		}
		ring[start] = rec
		start = (start + 1) % limit
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ring))
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}

// Stats reports both streams.
func (s *Store) Stats() map[Stream]StreamStats {
	return map[Stream]StreamStats{
		StreamLocked:   s.locked.stats(),
		StreamUnlocked: s.unlocked.stats(),
	}
}

// Close flushes and closes both streams.
func (s *Store) Close() error {
	return multierr.Combine(s.locked.close(), s.unlocked.close())
}

func (s *Store) stream(name Stream) (*stream, error) {
	switch name {
	case StreamLocked:
		return s.locked, nil
	case StreamUnlocked:
		return s.unlocked, nil
	}
	return nil, fmt.Errorf("unknown stream %q", name)
}
