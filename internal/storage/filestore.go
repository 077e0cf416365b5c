package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-while/go-pugleaf/internal/hashtoken"
)

// FileStore is a simple directory-of-files Store, one file per stored
// article named by a monotonically increasing index. It is the reference
// Store used by tests and small deployments; a production deployment
// plugs in a different Store implementation without touching the article
// processor.
type FileStore struct {
	mu        sync.Mutex
	dir       string
	class     uint8
	next      int64
	cancelled map[int64]bool
}

// NewFileStore creates (if needed) dir and returns a FileStore that writes
// one file per article under it.
func NewFileStore(dir string, class uint8) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, class: class, cancelled: make(map[int64]bool)}, nil
}

func (fs *FileStore) path(index int64) string {
	return filepath.Join(fs.dir, fmt.Sprintf("%d.art", index))
}

// Store implements Store.
func (fs *FileStore) Store(buf []byte) (hashtoken.Token, error) {
	fs.mu.Lock()
	index := fs.next
	fs.next++
	fs.mu.Unlock()

	if err := os.WriteFile(fs.path(index), buf, 0o644); err != nil {
		return hashtoken.Token{}, fmt.Errorf("%w: %v", ErrNoMatch, err)
	}
	return hashtoken.Token{
		Kind:   hashtoken.KindStored,
		Class:  fs.class,
		Index:  index,
		Offset: 0,
	}, nil
}

// Retrieve implements Store.
func (fs *FileStore) Retrieve(tok hashtoken.Token) ([]byte, error) {
	if tok.Kind == hashtoken.KindEmpty {
		return nil, fmt.Errorf("storage: empty token")
	}
	fs.mu.Lock()
	cancelled := fs.cancelled[tok.Index]
	fs.mu.Unlock()
	if cancelled || tok.Cancelled {
		return nil, fmt.Errorf("storage: article cancelled")
	}
	return os.ReadFile(fs.path(tok.Index))
}

// Cancel implements Store.
func (fs *FileStore) Cancel(tok hashtoken.Token) error {
	if tok.Kind == hashtoken.KindEmpty {
		return fmt.Errorf("storage: cannot cancel empty token")
	}
	fs.mu.Lock()
	fs.cancelled[tok.Index] = true
	fs.mu.Unlock()
	return nil
}
