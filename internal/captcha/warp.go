package captcha

import (
	"image"
	"math"
)

type point struct{ x, y float64 }

// quad is a source quadrilateral; each output corner samples from the matching source corner.
type quad struct {
	nw, sw, se, ne point
}

// quadTransform produces a w x h image whose pixels are sampled (nearest neighbour) from src
// by bilinear interpolation of the four source corners. Samples outside src are transparent.
func quadTransform(src *image.NRGBA, w, h int, q quad) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w <= 0 || h <= 0 {
		return out
	}
	xs, ys := 1/float64(w), 1/float64(h)
	a0 := q.nw.x
	a1 := (q.ne.x - q.nw.x) * xs
	a2 := (q.sw.x - q.nw.x) * ys
	a3 := (q.se.x - q.sw.x - q.ne.x + q.nw.x) * xs * ys
	b0 := q.nw.y
	b1 := (q.ne.y - q.nw.y) * xs
	b2 := (q.sw.y - q.nw.y) * ys
	b3 := (q.se.y - q.sw.y - q.ne.y + q.nw.y) * xs * ys

	sb := src.Bounds()
	for y := 0; y < h; y++ {
		fy := float64(y) + 0.5
		for x := 0; x < w; x++ {
			fx := float64(x) + 0.5
			sx := int(math.Floor(a0 + a1*fx + a2*fy + a3*fx*fy))
			sy := int(math.Floor(b0 + b1*fx + b2*fy + b3*fx*fy))
			if !image.Pt(sx, sy).In(sb) {
				continue
			}
			si := src.PixOffset(sx, sy)
			di := out.PixOffset(x, y)
			copy(out.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return out
}
