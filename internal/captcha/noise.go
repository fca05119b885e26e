package captcha

import (
	"image"
	"image/color"
	"math/rand/v2"

	"github.com/fogleman/gg"
)

// drawNoiseArc strokes one elliptical arc with random bounds and angles across img.
func drawNoiseArc(img *image.RGBA, c color.Color) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	x1 := rand.IntN(w/5 + 1)
	x2 := w - w/5 + rand.IntN(w/5+1)
	y1 := h/5 + rand.IntN(h-2*(h/5)+1)
	y2 := y1 + rand.IntN(h-h/5-y1+1)
	start := float64(rand.IntN(21))
	end := float64(160 + rand.IntN(41))

	dc := gg.NewContextForRGBA(img)
	dc.SetColor(c)
	dc.SetLineWidth(1)
	dc.DrawEllipticalArc(
		float64(x1+x2)/2, float64(y1+y2)/2,
		float64(x2-x1)/2, float64(y2-y1)/2,
		gg.Radians(start), gg.Radians(end),
	)
	dc.Stroke()
}

// drawNoiseDots scatters n short strokes of the given width across img.
func drawNoiseDots(img *image.RGBA, c color.Color, n int, width float64) {
	if n <= 0 {
		return
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	dc := gg.NewContextForRGBA(img)
	dc.SetColor(c)
	dc.SetLineWidth(width)
	for i := 0; i < n; i++ {
		x := float64(rand.IntN(w + 1))
		y := float64(rand.IntN(h + 1))
		dc.DrawLine(x, y, x-1, y-1)
	}
	dc.Stroke()
}
