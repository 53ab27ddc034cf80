// Package thumb renders report thumbnails. Sources that browsers can show
// are linked as-is; anything else image.Decode understands (TIFF and BMP
// included) is scaled so its longest side fits and written as PNG. Every
// output goes through a temp file and a rename so concurrent readers never
// see a partial image.
package thumb

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/internal/util"
)

// MaxSide is the default bound on the longest side of a thumbnail.
const MaxSide = 512

var webExt = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// Linkable reports whether path can be shown without rendering.
func Linkable(path string) bool {
	return webExt[strings.ToLower(filepath.Ext(path))]
}

// PNGName returns the basename of path with its extension replaced by .png.
func PNGName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".png"
}

// Render decodes src, scales it so the longest side is at most maxSide and
// writes a PNG to dst. Images already small enough are not upscaled.
func Render(src, dst string, maxSide int) error {
	if maxSide <= 0 {
		maxSide = MaxSide
	}
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open thumbnail source %s", src)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return errors.Wrapf(err, "decode %s", src)
	}
	scaled := Scale(img, maxSide)

	return util.WriteFileAtomic(dst, func(w io.Writer) error {
		return png.Encode(w, scaled)
	})
}

// Scale returns img resized so its longest side is at most maxSide.
func Scale(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest <= maxSide {
		return img
	}
	nw := max(1, w*maxSide/longest)
	nh := max(1, h*maxSide/longest)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// Link places a copy of src at dst without re-encoding it. A hard link is
// tried first.
func Link(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(dst))
	}
	tmp := dst + ".tmp"
	os.Remove(tmp)
	if err := os.Link(src, tmp); err == nil {
		return errors.Wrapf(os.Rename(tmp, dst), "rename %s", dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open thumbnail source %s", src)
	}
	defer in.Close()
	return util.WriteFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// Make links or renders src into dir and returns the thumbnail path.
func Make(src, dir string, maxSide int) (string, error) {
	if Linkable(src) {
		dst := filepath.Join(dir, filepath.Base(src))
		return dst, Link(src, dst)
	}
	dst := filepath.Join(dir, PNGName(src))
	return dst, Render(src, dst, maxSide)
}
