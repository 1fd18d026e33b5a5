package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "github.com/dutu/throttled-queue/pkg/logx"
)

// fileStore appends runs to a JSON Lines file. Every Retain appends the file
// is compacted down to the newest Retain runs.
type fileStore struct {
	log    logx.Logger
	path   string
	retain int

	mu      sync.Mutex
	f       *os.File
	appends int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, retain: cfg.Retain, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.appends++
	if s.appends%s.retain == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("run file compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	runs, err := s.tailLocked(limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// tailLocked returns the last n decodable runs in file order.
func (s *fileStore) tailLocked(n int) ([]Run, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]Run, 0, n)
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(ring) < n {
			ring = append(ring, r)
			continue
		}
		ring[start] = r
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return append(ring[start:], ring[:start]...), nil
}

func (s *fileStore) compactLocked() error {
	keep, err := s.tailLocked(s.retain)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	// The old handle points at the replaced inode; reopen for appends.
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	_, err = s.f.Seek(0, io.SeekEnd)
	return err
}
