// Package images stores generated images on disk for a short time so they
// can be linked from chat responses.
package images

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var extByMime = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var mimeByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Cache is a TTL-bounded directory of generated images.
type Cache struct {
	dir string
	ttl time.Duration
}

// New creates the cache directory if needed.
func New(dir string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image cache dir: %w", err)
	}
	return &Cache{dir: dir, ttl: ttl}, nil
}

// Save writes image data and returns the stored filename. An empty filename
// gets a generated timestamped name.
func (c *Cache) Save(data []byte, mimeType, filename string) (string, error) {
	ext, ok := extByMime[mimeType]
	if !ok {
		ext = ".png"
	}

	if filename != "" {
		if !hasImageExt(filename) {
			filename += ext
		}
	} else {
		filename = fmt.Sprintf("gemini_%s_%s%s",
			time.Now().Format("20060102_150405"),
			strings.ReplaceAll(uuid.New().String(), "-", "")[:8],
			ext)
	}
	filename = filepath.Base(filename)

	if err := os.WriteFile(filepath.Join(c.dir, filename), data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return filename, nil
}

// ServeHandler serves cached images by filename.
func (c *Cache) ServeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := filepath.Base(strings.TrimPrefix(r.URL.Path, "/image/"))
		if filename == "" || filename == "." || strings.Contains(filename, "..") {
			http.NotFound(w, r)
			return
		}

		path := filepath.Join(c.dir, filename)
		if _, err := os.Stat(path); err != nil {
			http.NotFound(w, r)
			return
		}

		if mime, ok := mimeByExt[strings.ToLower(filepath.Ext(filename))]; ok {
			w.Header().Set("Content-Type", mime)
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		http.ServeFile(w, r, path)
	}
}

// CleanupExpired removes images older than the cache TTL. Returns how many
// files were removed.
func (c *Cache) CleanupExpired() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		log.Printf("⚠️ Image cache cleanup failed: %v", err)
		return 0
	}

	removed := 0
	cutoff := time.Now().Add(-c.ttl)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
				log.Printf("⚠️ Failed to remove expired image %s: %v", entry.Name(), err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		log.Printf("🧹 Removed %d expired cached images", removed)
	}
	return removed
}

func hasImageExt(filename string) bool {
	_, ok := mimeByExt[strings.ToLower(filepath.Ext(filename))]
	return ok
}
