package httpserver

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	// decoders; jpeg registers itself above
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	thumbEdge    = 256
	thumbQuality = 82
)

// fitWithin scales (w, h) down so the longer side is at most edge. Images
// already small enough keep their size.
func fitWithin(w, h, edge int) image.Point {
	long := max(w, h)
	if long <= edge {
		return image.Pt(w, h)
	}
	return image.Pt(max(w*edge/long, 1), max(h*edge/long, 1))
}

// renderThumb decodes a slot image from r and re-encodes it as a JPEG whose
// longer side is at most edge.
func renderThumb(r io.Reader, edge int) ([]byte, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode slot image: %w", err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("decode slot image: %w", os.ErrInvalid)
	}
	size := fitWithin(b.Dx(), b.Dy(), edge)
	dst := image.NewRGBA(image.Rectangle{Max: size})
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// thumbCache stores one thumbnail per slot version under dir as
// slotN-V.jpg. Writing version V removes cached versions below V.
type thumbCache struct {
	dir string
	mu  sync.Mutex
}

func (c *thumbCache) path(slot int, version uint64) string {
	return filepath.Join(c.dir, fmt.Sprintf("slot%d-%d.jpg", slot, version))
}

// cachedVersions lists the versions of slot present in the cache.
func (c *thumbCache) cachedVersions(slot int) []uint64 {
	ents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	prefix := fmt.Sprintf("slot%d-", slot)
	var out []uint64
	for _, e := range ents {
		rest, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok {
			continue
		}
		rest, ok = strings.CutSuffix(rest, ".jpg")
		if !ok {
			continue
		}
		if v, err := strconv.ParseUint(rest, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// get returns the thumbnail of slot at version, rendering it from the file
// at src when it is not cached. A request for a version older than one
// already cached is served without touching the cache.
func (c *thumbCache) get(slot int, version uint64, src string) ([]byte, error) {
	p := c.path(slot, version)
	if b, err := os.ReadFile(p); err == nil {
		return b, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, err := os.ReadFile(p); err == nil {
		return b, nil
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := renderThumb(f, thumbEdge)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return b, nil
	}
	stale := false
	for _, v := range c.cachedVersions(slot) {
		switch {
		case v < version:
			_ = os.Remove(c.path(slot, v))
		case v > version:
			stale = true
		}
	}
	if !stale {
		_ = os.WriteFile(p, b, 0o644)
	}
	return b, nil
}
