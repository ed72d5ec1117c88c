// Package blob stores mesh, report and export bytes under slash-separated
// keys on an afero filesystem.
package blob

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

// ErrNotFound is returned when a key has no stored bytes.
var ErrNotFound = eris.New("blob: not found")

// Store is a key-addressed byte store.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// FSStore implements Store on an afero.Fs.
type FSStore struct {
	fs afero.Fs
}

// NewFSStore wraps an existing filesystem.
func NewFSStore(fs afero.Fs) *FSStore {
	return &FSStore{fs: fs}
}

// NewLocal returns a store rooted at dir on the OS filesystem.
func NewLocal(dir string) *FSStore {
	return &FSStore{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

// NewMemory returns an in-memory store.
func NewMemory() *FSStore {
	return &FSStore{fs: afero.NewMemMapFs()}
}

// Read returns the bytes stored under key.
func (s *FSStore) Read(_ context.Context, key string) ([]byte, error) {
	p, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(ErrNotFound, "blob: read %s", key)
		}
		return nil, eris.Wrapf(err, "blob: read %s", key)
	}
	return data, nil
}

// Write stores data under key, creating parent directories.
func (s *FSStore) Write(_ context.Context, key string, data []byte) error {
	p, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return eris.Wrapf(err, "blob: mkdir for %s", key)
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return eris.Wrapf(err, "blob: write %s", key)
	}
	return nil
}

// Exists reports whether key has stored bytes.
func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, p)
	if err != nil {
		return false, eris.Wrapf(err, "blob: stat %s", key)
	}
	return ok, nil
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") {
		return "", eris.Errorf("blob: invalid key %q", key)
	}
	p := path.Clean("/" + key)
	if p == "/" || strings.Contains(key, "..") {
		return "", eris.Errorf("blob: invalid key %q", key)
	}
	return p, nil
}

// ModelKey returns a fresh key for a reconstructed mesh.
func ModelKey(ext string) string {
	return "models/" + uuid.New().String() + "." + ext
}

// ExportKey returns the key of one export artifact of a reconstruction.
func ExportKey(reconstructionID, artifactID, ext string) string {
	return path.Join("exports", reconstructionID, artifactID+"."+ext)
}

// UploadKey returns the key of the index-th radiograph uploaded for a
// reconstruction.
func UploadKey(reconstructionID string, index int, ext string) string {
	return path.Join("uploads", reconstructionID, strconv.Itoa(index)+"."+ext)
}

// SidecarKey derives a companion key for a mesh, e.g. the confidence report
// "models/<id>.confidence.json" for suffix "confidence".
func SidecarKey(meshKey, suffix string) string {
	return strings.TrimSuffix(meshKey, path.Ext(meshKey)) + "." + suffix + ".json"
}

// WriteJSON marshals v with indentation and stores it under key.
func WriteJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "blob: marshal %s", key)
	}
	return s.Write(ctx, key, data)
}

// ReadJSON loads key and unmarshals it into v.
func ReadJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "blob: unmarshal %s", key)
	}
	return nil
}
