package offline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/s2"

	"github.com/austindbirch/harbor_report/internal/delivery"
	"github.com/austindbirch/harbor_report/internal/metrics"
)

const recordExt = ".rec"

// FileStore keeps one directory per destination and one s2-compressed JSON
// file per record. File names start with a zero-padded sequence number so
// lexical order is insertion order.
type FileStore struct {
	root string
	opts options

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per destination key
	last  int64
}

func NewFileStore(root string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create offline dir: %w", err)
	}
	return &FileStore{
		root:  root,
		opts:  buildOptions(opts),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// nextSeq is strictly increasing for the life of the store and follows the
// clock across restarts.
func (s *FileStore) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.opts.clock.Now().UnixNano()
	if seq <= s.last {
		seq = s.last + 1
	}
	s.last = seq
	return seq
}

func (s *FileStore) dirFor(dest Destination) string {
	return filepath.Join(s.root, dest.Key())
}

func (s *FileStore) Store(ctx context.Context, b *delivery.Bundle, dest Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := NewRecord(b, dest, s.opts.clock.Now())
	if err != nil {
		return err
	}

	l := s.lockFor(dest.Key())
	l.Lock()
	defer l.Unlock()

	dir := s.dirFor(dest)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	existing, err := filepath.Glob(filepath.Join(dir, "*-"+rec.ID+recordExt))
	if err != nil {
		return fmt.Errorf("check duplicate: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	name := fmt.Sprintf("%020d-%s%s", s.nextSeq(), rec.ID, recordExt)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, s2.Encode(nil, raw), 0o600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit record: %w", err)
	}

	s.opts.logger.Plain().WithBundle(rec.ID).WithToken(dest.AccessToken).WithField("file", name).Debug("offline record stored")
	return nil
}

func (s *FileStore) DrainPending(ctx context.Context, dest Destination) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		entries, err := os.ReadDir(s.dirFor(dest))
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(nil, fmt.Errorf("list records: %w", err))
			return
		}
		// ReadDir returns entries sorted by name.
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			rec, err := s.read(filepath.Join(s.dirFor(dest), e.Name()))
			if errors.Is(err, fs.ErrNotExist) {
				continue // removed since listing
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

func (s *FileStore) read(path string) (*Record, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		metrics.RecordOffline("error")
		return nil, fmt.Errorf("decompress %s: %w", filepath.Base(path), err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		metrics.RecordOffline("error")
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	rec.ref = path
	return &rec, nil
}

func (s *FileStore) Remove(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ref == "" {
		return ErrNotFound
	}
	l := s.lockFor(rec.Destination.Key())
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(rec.ref); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// Ping reports whether the store directory is still usable.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fi, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", s.root)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// Destinations lists the destination keys that have pending records.
func (s *FileStore) Destinations() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

var _ Store = (*FileStore)(nil)
