// Package evidence stores the immutable binary thumbnails attached to
// anomaly events on the local filesystem, addressed by a locator
// derived from the owning session and event.
package evidence

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
)

type BlobStore struct {
	root string
}

func NewBlobStore(root string) (*BlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence blob root: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// Locator returns the storage-relative path for a thumbnail belonging
// to sessionID/eventID. It never touches the filesystem.
func Locator(sessionID, eventID string) string {
	return filepath.Join(sessionID, fmt.Sprintf("thumb-%s.jpg", eventID))
}

func (b *BlobStore) Put(locator string, data []byte) error {
	full := filepath.Join(b.root, filepath.FromSlash(locator))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (b *BlobStore) Get(locator string) ([]byte, error) {
	full := filepath.Join(b.root, filepath.FromSlash(locator))
	return os.ReadFile(full)
}

// VerifyChecksum reports whether sha256(data) equals want, compared in
// constant time so evidence-integrity checks on the read path don't
// leak timing information about the stored digest.
func VerifyChecksum(data []byte, want string) bool {
	sum := sha256.Sum256(data)
	got := fmt.Sprintf("%x", sum)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
