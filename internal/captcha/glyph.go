package captcha

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

const maxRotation = 30.0

// drawCharacter renders s onto a transparent tile in fg, then crops, rotates and warps it.
// A blank s (the spacer) yields a tile the width of its advance with no ink.
func drawCharacter(s string, face font.Face, fg color.NRGBA) *image.NRGBA {
	bounds, advance := font.BoundString(face, s)
	w := (bounds.Max.X - bounds.Min.X).Ceil()
	h := (bounds.Max.Y - bounds.Min.Y).Ceil()
	if w <= 0 || h <= 0 {
		m := face.Metrics()
		w = advance.Ceil()
		h = (m.Ascent + m.Descent).Ceil()
		bounds.Min = fixed.Point26_6{Y: -m.Ascent}
	}
	if w <= 0 || h <= 0 {
		return image.NewNRGBA(image.Rect(0, 0, 1, 1))
	}

	dx, dy := rand.IntN(5), rand.IntN(7)
	tile := image.NewNRGBA(image.Rect(0, 0, w+dx, h+dy))
	d := font.Drawer{
		Dst:  tile,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(dx) - bounds.Min.X, Y: fixed.I(dy) - bounds.Min.Y},
	}
	d.DrawString(s)

	glyph := cropToInk(tile)
	glyph = imaging.Rotate(glyph, uniform(-maxRotation, maxRotation), color.Transparent)
	return warp(glyph, w, h)
}

// cropToInk trims img to the bounding box of its non-transparent pixels.
// An image without ink is returned unchanged.
func cropToInk(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.Pix[img.PixOffset(x, y)+3] == 0 {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < minX {
		return img
	}
	return imaging.Crop(img, image.Rect(minX, minY, maxX+1, maxY+1))
}

// warp stretches img by random corner offsets proportional to w and h and maps it back onto
// a w x h tile through a quadrilateral transform, giving a skewed silhouette.
func warp(img *image.NRGBA, w, h int) *image.NRGBA {
	dx := float64(w) * uniform(0.1, 0.3)
	dy := float64(h) * uniform(0.2, 0.3)
	x1 := int(uniform(-dx, dx))
	y1 := int(uniform(-dy, dy))
	x2 := int(uniform(-dx, dx))
	y2 := int(uniform(-dy, dy))
	w2 := w + absInt(x1) + absInt(x2)
	h2 := h + absInt(y1) + absInt(y2)
	corners := quad{
		nw: point{float64(x1), float64(y1)},
		sw: point{float64(-x1), float64(h2 - y2)},
		se: point{float64(w2 + x2), float64(h2 + y2)},
		ne: point{float64(w2 - x2), float64(-y1)},
	}
	stretched := imaging.Resize(img, w2, h2, imaging.Linear)
	return quadTransform(stretched, w, h, corners)
}

func uniform(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

func absInt(v int) int {
	return int(math.Abs(float64(v)))
}
