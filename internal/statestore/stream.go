package statestore

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"
)

// [8 bytes id][4 bytes len][len bytes json]
const recordHeaderLen = 12

// maxRecordLen rejects absurd lengths from a damaged header.
const maxRecordLen = 16 << 20

// stream is one append-only record file.
type stream struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	sink      io.Writer
	writer    *bufio.Writer
	lastID    uint64
	count     int64
	sizeBytes int64
}

func openStream(path string, visit func(rec Record)) (*stream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s := &stream{
		path:   path,
		file:   f,
		sink:   f,
		writer: bufio.NewWriterSize(f, 64<<10),
	}
	if err := s.scanExisting(visit); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// scanExisting walks every complete record and truncates a torn tail left by
// a crash mid-append.
func (s *stream) scanExisting(visit func(rec Record)) error {
	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var offset int64
	for {
		id, body, err := readFrame(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("scan %s: %w", s.path, err)
		}

		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			// A complete frame with a damaged body ends the usable log.
			break
		}
		rec.ID = id
		if visit != nil {
			visit(rec)
		}
		offset += recordHeaderLen + int64(len(body))
		s.lastID = id
		s.count++
	}

	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate %s: %w", s.path, err)
	}
	s.sizeBytes = offset
	return nil
}

func (s *stream) append(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.lastID + 1
	rec.ID = id
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], id)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))

	if _, err := s.writer.Write(hdr[:]); err != nil {
		return s.rollback(err)
	}
	if _, err := s.writer.Write(body); err != nil {
		return s.rollback(err)
	}
	// One record per monitor cycle; flushing each keeps the last lock
	// voltage recoverable after a crash.
	if err := s.writer.Flush(); err != nil {
		return s.rollback(err)
	}

	s.lastID = id
	s.count++
	s.sizeBytes += int64(len(hdr) + len(body))
	return nil
}

// rollback cuts a partly written frame off the file and clears the sticky
// writer error so the next append starts on a frame boundary.
func (s *stream) rollback(cause error) error {
	s.writer.Reset(s.sink)
	if err := s.file.Truncate(s.sizeBytes); err != nil {
		return multierr.Append(cause, fmt.Errorf("truncate %s: %w", s.path, err))
	}
	return cause
}

func (s *stream) iterate(fn func(rec Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, s.sizeBytes))
	for {
		id, body, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corrupt %s: %w", s.path, err)
		}
		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return fmt.Errorf("corrupt %s entry %d: %w", s.path, id, err)
		}
		rec.ID = id
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (s *stream) stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStats{Records: s.count, SizeBytes: s.sizeBytes, LastID: s.lastID}
}

func (s *stream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	return multierr.Combine(flushErr, closeErr)
}

func readFrame(r io.Reader) (uint64, []byte, error) {
	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	id := binary.BigEndian.Uint64(hdr[0:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > maxRecordLen {
		return 0, nil, io.ErrUnexpectedEOF
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return id, body, nil
}
