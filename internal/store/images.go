package store

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

const defaultThumbWidth = 320

// Images manages the detection snapshot directory: JPEG compression on
// write, thumbnail generation on read, and age-based cleanup.
type Images struct {
	dir     string
	quality int
}

// NewImages creates the snapshot directory if needed. The JPEG quality
// is clamped to [1, 100].
func NewImages(dir string, quality int) (*Images, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}

	return &Images{dir: dir, quality: quality}, nil
}

// Dir returns the snapshot directory.
func (im *Images) Dir() string {
	return im.dir
}

// Save writes the frame as a compressed JPEG named after the detection
// timestamp and returns the file path.
func (im *Images) Save(frame *gocv.Mat, ts time.Time) (string, error) {
	if frame == nil || frame.Empty() {
		return "", fmt.Errorf("cannot save empty frame")
	}

	img, err := frame.ToImage()
	if err != nil {
		return "", fmt.Errorf("failed to convert frame: %w", err)
	}

	name := fmt.Sprintf("cat_detection_%s_%03d.jpg",
		ts.Format("20060102_150405"), ts.Nanosecond()/int(time.Millisecond))
	path := filepath.Join(im.dir, name)

	if err := imaging.Save(img, path, imaging.JPEGQuality(im.quality)); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}

	return path, nil
}

// WriteThumbnail resizes the stored image to the given width, keeping
// the aspect ratio, and encodes it as JPEG to w. A width of 0 or less
// uses the default of 320 pixels.
func (im *Images) WriteThumbnail(w io.Writer, path string, width int) error {
	if width <= 0 {
		width = defaultThumbWidth
	}

	img, err := imaging.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}

	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	return imaging.Encode(w, thumb, imaging.JPEG, imaging.JPEGQuality(im.quality))
}

// Remove deletes the given snapshot files, returning how many were
// actually removed. Missing files are skipped silently.
func (im *Images) Remove(paths []string) int {
	removed := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				log.Printf("[store] failed to remove image %s: %v", path, err)
			}
			continue
		}
		removed++
	}
	return removed
}

// SweepOlderThan removes snapshot files whose modification time is
// before the cutoff. This catches images that lost their database row.
func (im *Images) SweepOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(im.dir, entry.Name())); err != nil {
				log.Printf("[store] failed to sweep image %s: %v", entry.Name(), err)
				continue
			}
			removed++
		}
	}

	return removed, nil
}

// Usage returns the snapshot directory size in megabytes and the number
// of files in it.
func (im *Images) Usage() (sizeMB float64, files int, err error) {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return 0, 0, err
	}

	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		total += info.Size()
		files++
	}

	return float64(total) / (1024 * 1024), files, nil
}
