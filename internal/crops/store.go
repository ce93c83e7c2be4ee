// Package crops writes the best face crop of a registered unknown person to
// disk so reviewers have a picture to look at.
package crops

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

// Crops larger than this are scaled down before saving.
const maxCropEdge = 320

// Store writes JPEG crops under a base directory.
type Store struct {
	dir string
}

// NewStore creates the crop directory if needed and returns the store.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("crop directory is empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create crop directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes the crop for the given unknown identity and returns the file
// path. A nil crop is skipped silently and returns an empty path.
func (s *Store) Save(uid string, crop image.Image) (string, error) {
	if crop == nil {
		return "", nil
	}

	img := crop
	bounds := img.Bounds()
	if bounds.Dx() > maxCropEdge || bounds.Dy() > maxCropEdge {
		img = imaging.Fit(img, maxCropEdge, maxCropEdge, imaging.Lanczos)
	}

	path := filepath.Join(s.dir, uid+".jpg")
	if err := imaging.Save(img, path, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("failed to save crop %s: %w", path, err)
	}

	log.Debugf("Saved crop for unknown %s to %s", uid, path)
	return path, nil
}

// Remove deletes the stored crop for an unknown identity, best effort.
func (s *Store) Remove(uid string) {
	_ = os.Remove(filepath.Join(s.dir, uid+".jpg"))
}
