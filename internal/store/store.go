package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"faceserve/internal/vision"
)

// ErrNotFound is returned when no artifact exists for an identifier. A fetch
// racing a still-running detection chain sees this too.
var ErrNotFound = errors.New("image not found")

// Store persists annotated images in a flat directory, one JPEG per
// identifier, plus a JSON sidecar holding the detection results.
type Store struct {
	dir string
}

// New creates the output directory up front so writes never race directory
// creation.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Resolve maps an identifier to its artifact path. Pure, no I/O.
func (s *Store) Resolve(id string) string {
	return filepath.Join(s.dir, id+".jpg")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Write persists encoded JPEG bytes under the identifier.
func (s *Store) Write(id string, data []byte) error {
	return os.WriteFile(s.Resolve(id), data, 0o644)
}

// Read returns the artifact bytes, or ErrNotFound if nothing has been
// written for the identifier yet.
func (s *Store) Read(id string) ([]byte, error) {
	data, err := os.ReadFile(s.Resolve(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// WriteMeta persists the detection results next to the image.
func (s *Store) WriteMeta(id string, faces []vision.Face) error {
	if faces == nil {
		faces = []vision.Face{}
	}
	payload := struct {
		ImageID string        `json:"image_id"`
		Count   int           `json:"count"`
		Faces   []vision.Face `json:"faces"`
	}{ImageID: id, Count: len(faces), Faces: faces}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return os.WriteFile(s.metaPath(id), data, 0o644)
}

// ReadMeta returns the raw detection sidecar, or ErrNotFound.
func (s *Store) ReadMeta(id string) ([]byte, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}
