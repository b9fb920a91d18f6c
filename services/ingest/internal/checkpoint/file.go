package checkpoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps the checkpoint in a small JSON document on local disk.
// Writes go to a temporary file that is synced and renamed over the target.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileState struct {
	Checkpoint time.Time `json:"checkpoint"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Read(ctx context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileStore) read() (time.Time, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read checkpoint %s: %w", f.path, err)
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return time.Time{}, false, fmt.Errorf("decode checkpoint %s: %w", f.path, err)
	}
	if state.Checkpoint.IsZero() {
		return time.Time{}, false, nil
	}
	return state.Checkpoint.UTC(), true, nil
}

func (f *FileStore) Advance(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	current, ok, err := f.read()
	if err != nil {
		return err
	}
	if ok && !t.After(current) {
		return nil
	}

	data, err := json.Marshal(fileState{Checkpoint: t.UTC(), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return writeFile(f.path, append(data, '\n'), 0o644)
}

func writeFile(filename string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error writing %s: %w", filename, err)
		}
	}
	tempname := filename + ".tmp." + randomFileSuffix()
	if err := writeSyncFile(tempname, data, perm); err != nil {
		return fmt.Errorf("error writing %s: %w", filename, err)
	}
	if err := os.Rename(tempname, filename); err != nil {
		os.Remove(tempname)
		return fmt.Errorf("error writing %s: %w", filename, err)
	}
	return nil
}

func writeSyncFile(filename string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err2 := f.Sync(); err2 != nil && err == nil {
		err = err2
	}
	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	return err
}

func randomFileSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
