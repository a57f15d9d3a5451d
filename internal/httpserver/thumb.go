package httpserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"

	"drivepulse/internal/fsutil"
	"drivepulse/internal/rangeserve"
)

const thumbMax = 256

// thumbCache stores generated JPEG thumbnails under <state>/thumbs/<user>.
// Keys include the source mtime and size so edits invalidate them.
type thumbCache struct {
	dir string
}

func (c thumbCache) path(user string, src fsutil.ResolvedPath, st os.FileInfo) string {
	sum := sha256.Sum256([]byte(src.Rel()))
	key := fmt.Sprintf("%s-%d-%d.jpg", hex.EncodeToString(sum[:12]), st.ModTime().Unix(), st.Size())
	return filepath.Join(c.dir, user, key)
}

// get returns the cached thumbnail for src, generating it on a miss.
func (c thumbCache) get(user string, src fsutil.ResolvedPath) ([]byte, error) {
	st, err := os.Stat(src.Abs())
	if err != nil {
		return nil, err
	}
	p := c.path(user, src, st)
	if b, err := os.ReadFile(p); err == nil {
		return b, nil
	}
	b, err := makeThumb(src.Abs(), thumbMax)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err == nil {
		_ = os.WriteFile(p, b, 0o644)
	}
	return b, nil
}

var thumbDecoders = map[string]func(io.Reader) (image.Image, error){
	"image/jpeg": jpeg.Decode,
	"image/png":  png.Decode,
	"image/gif":  gif.Decode,
	"image/webp": webp.Decode,
}

// Sources above this many pixels are not decoded.
const thumbMaxPixels = 64 << 20

var errNoThumb = errors.New("no thumbnail for this file type")

// makeThumb renders abs as a JPEG whose longer side is at most edge.
// HEIC and other types without a decoder yield errNoThumb.
func makeThumb(abs string, edge int) ([]byte, error) {
	decode, ok := thumbDecoders[rangeserve.ContentTypeFor(abs)]
	if !ok {
		return nil, errNoThumb
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > thumbMaxPixels {
		return nil, fmt.Errorf("thumbnail: unsupported dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	src, err := decode(f)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(fitWithin(src.Bounds(), edge))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// fitWithin shrinks r so its longer side is at most edge, keeping the aspect
// ratio. Smaller images keep their size.
func fitWithin(r image.Rectangle, edge int) image.Rectangle {
	if edge <= 0 {
		edge = thumbMax
	}
	w, h := r.Dx(), r.Dy()
	if long := max(w, h); long > edge {
		w = max(1, w*edge/long)
		h = max(1, h*edge/long)
	}
	return image.Rect(0, 0, w, h)
}
