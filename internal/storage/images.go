package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/savory-labs/recipebox-back/internal/config"
)

// ImageStore persists uploaded recipe images and hands out retrievable
// references. Implementations must tolerate Remove on an already-missing
// reference.
type ImageStore interface {
	Put(ext string, r io.Reader) (string, error)
	Remove(ref string) error
	URL(ref string) string
}

type LocalImageStore struct {
	dir string
}

func NewLocalImageStore(cfg *config.Config) (*LocalImageStore, error) {
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create media dir")
	}
	return &LocalImageStore{dir: cfg.MediaDir}, nil
}

func (s *LocalImageStore) Put(ext string, r io.Reader) (string, error) {
	name := uuid.New().String() + ext
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return "", errors.Wrap(err, "create image file")
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		_ = os.Remove(f.Name())
		return "", errors.Wrap(err, "write image file")
	}
	return name, nil
}

func (s *LocalImageStore) Remove(ref string) error {
	// refs are bare file names; reject anything that escapes the media dir
	if ref != filepath.Base(ref) {
		return errors.New("invalid image ref")
	}
	err := os.Remove(filepath.Join(s.dir, ref))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove image file")
	}
	return nil
}

func (s *LocalImageStore) URL(ref string) string {
	return "/media/" + ref
}

func (s *LocalImageStore) Dir() string {
	return s.dir
}
