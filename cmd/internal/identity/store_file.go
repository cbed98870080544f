package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps the identifier in a single file (0600, parent 0700).
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore for path. A leading "~/" expands to the home directory.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, OpError{Op: "identity.NewFileStore", Kind: ErrInvalidInput, Msg: "empty path"}
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("identity: home dir: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

// Path returns the resolved file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (string, error) {
	const op = "identity.FileStore.Load"

	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", OpError{Op: op, Kind: ErrNotFound}
		}
		return "", err
	}
	id := strings.TrimSpace(string(b))
	if !Valid(id) {
		return "", OpError{Op: op, Kind: ErrCorrupt, Msg: s.path}
	}
	return id, nil
}

// Create writes a temp file and hard-links it into place, so a concurrent creator never
// observes a partial file and the first writer wins.
func (s *FileStore) Create(ctx context.Context, id string, _ time.Time) (string, error) {
	const op = "identity.FileStore.Create"

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !Valid(id) {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "id must be a ULID"}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%s: mkdir: %w", op, err)
	}

	tmp, err := os.CreateTemp(dir, ".device_id-*")
	if err != nil {
		return "", fmt.Errorf("%s: temp: %w", op, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(id + "\n"); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("%s: write: %w", op, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("%s: chmod: %w", op, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%s: close: %w", op, err)
	}

	if err := os.Link(tmp.Name(), s.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return s.Load(ctx)
		}
		return "", fmt.Errorf("%s: link: %w", op, err)
	}
	return id, nil
}
