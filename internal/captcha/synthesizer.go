// Package captcha renders challenge solutions into distorted raster images and generates the
// solutions themselves.
package captcha

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
)

var (
	ErrEmptySolution = errors.New("captcha: solution must not be empty")
	ErrInvalidSize   = errors.New("captcha: width and height must be positive")
)

// luminanceBoost scales tile luminance into the paste mask so anti-aliased edges stay visible.
const luminanceBoost = 1.97

// smoothKernel is a mild 3x3 smoothing filter (centre-weighted box blur).
var smoothKernel = [9]float64{
	1, 1, 1,
	1, 5, 1,
	1, 1, 1,
}

// Options configures a Synthesizer.
type Options struct {
	// Width and Height are the output canvas size in pixels.
	Width  int
	Height int
	// FontSizes are the point sizes each character picks from at random.
	FontSizes []float64
	// FontPaths are TrueType/OpenType files; empty uses the embedded Go Bold font.
	FontPaths []string
	// Dots is the number of short noise strokes drawn over the image.
	Dots int
	// DotWidth is the stroke width of each noise dot.
	DotWidth float64
	// AllowInverted lets half of the renders use a dark background with a light foreground.
	AllowInverted bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Width:     320,
		Height:    100,
		FontSizes: []float64{42, 50, 56},
		Dots:      30,
		DotWidth:  3,
	}
}

// Synthesizer renders solutions into PNG images. It is safe for concurrent use.
type Synthesizer struct {
	opts  Options
	fonts []*opentype.Font
}

// NewSynthesizer loads the configured fonts. A font that cannot be loaded is returned as a
// *ConfigurationError; the synthesizer is unusable in that case.
func NewSynthesizer(opts Options) (*Synthesizer, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, ErrInvalidSize
	}
	def := DefaultOptions()
	if len(opts.FontSizes) == 0 {
		opts.FontSizes = def.FontSizes
	}
	if opts.DotWidth <= 0 {
		opts.DotWidth = def.DotWidth
	}
	if opts.Dots < 0 {
		opts.Dots = 0
	}
	fonts, err := loadFonts(opts.FontPaths)
	if err != nil {
		return nil, err
	}
	faces, err := newFaces(fonts, opts.FontSizes)
	if err != nil {
		return nil, err
	}
	closeFaces(faces)
	return &Synthesizer{opts: opts, fonts: fonts}, nil
}

// Render returns solution drawn as a distorted PNG of the configured size.
// Rendering the same solution twice yields different images.
func (s *Synthesizer) Render(solution string) ([]byte, error) {
	img, err := s.RenderImage(solution)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("captcha: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderImage is Render without the PNG encoding step.
func (s *Synthesizer) RenderImage(solution string) (image.Image, error) {
	if solution == "" {
		return nil, ErrEmptySolution
	}
	faces, err := newFaces(s.fonts, s.opts.FontSizes)
	if err != nil {
		return nil, err
	}
	defer closeFaces(faces)

	bg, fg := pickColors(s.opts.AllowInverted)
	canvas := toRGBA(s.compose(solution, faces, bg, fg))
	drawNoiseArc(canvas, fg)
	drawNoiseDots(canvas, fg, s.opts.Dots, s.opts.DotWidth)
	return imaging.Convolve3x3(canvas, smoothKernel, &imaging.ConvolveOptions{Normalize: true}), nil
}

// compose lays the warped character tiles out left to right, widening the canvas when the
// tiles do not fit and rescaling back down to the configured width afterwards.
func (s *Synthesizer) compose(solution string, faces []font.Face, bg, fg color.NRGBA) *image.NRGBA {
	runes := []rune(solution)
	tiles := make([]*image.NRGBA, 0, 2*len(runes))
	for _, r := range runes {
		if rand.Float64() < 0.5 {
			tiles = append(tiles, drawCharacter(" ", pickFace(faces), fg))
		}
		tiles = append(tiles, drawCharacter(string(r), pickFace(faces), fg))
	}

	textWidth := 0
	for _, t := range tiles {
		textWidth += t.Bounds().Dx()
	}
	width := max(textWidth, s.opts.Width)
	canvas := imaging.New(width, s.opts.Height, bg)

	average := textWidth / len(runes)
	kerning := int(0.25 * float64(average))
	offset := int(0.1 * float64(average))
	for _, t := range tiles {
		b := t.Bounds()
		pasteLuminance(canvas, t, image.Pt(offset, (s.opts.Height-b.Dy())/2))
		offset += b.Dx() - rand.IntN(kerning+1)
	}

	if width > s.opts.Width {
		canvas = imaging.Resize(canvas, s.opts.Width, s.opts.Height, imaging.Linear)
	}
	return canvas
}

// pasteLuminance blends tile onto dst at pt using the tile's boosted luminance as the mask.
func pasteLuminance(dst, tile *image.NRGBA, pt image.Point) {
	tb := tile.Bounds()
	db := dst.Bounds()
	for y := tb.Min.Y; y < tb.Max.Y; y++ {
		dy := pt.Y + y - tb.Min.Y
		if dy < db.Min.Y || dy >= db.Max.Y {
			continue
		}
		for x := tb.Min.X; x < tb.Max.X; x++ {
			dx := pt.X + x - tb.Min.X
			if dx < db.Min.X || dx >= db.Max.X {
				continue
			}
			si := tile.PixOffset(x, y)
			r, g, b, a := uint32(tile.Pix[si]), uint32(tile.Pix[si+1]), uint32(tile.Pix[si+2]), uint32(tile.Pix[si+3])
			lum := float64((299*r+587*g+114*b)/1000) * float64(a) / 255
			mask := uint32(min(255, lum*luminanceBoost))
			if mask == 0 {
				continue
			}
			di := dst.PixOffset(dx, dy)
			dst.Pix[di] = uint8((r*mask + uint32(dst.Pix[di])*(255-mask)) / 255)
			dst.Pix[di+1] = uint8((g*mask + uint32(dst.Pix[di+1])*(255-mask)) / 255)
			dst.Pix[di+2] = uint8((b*mask + uint32(dst.Pix[di+2])*(255-mask)) / 255)
		}
	}
}

// pickColors returns a light background with a darker saturated foreground, or the inverse
// when inverted renders are allowed. The foreground keeps enough luminance for the paste mask.
func pickColors(allowInverted bool) (bg, fg color.NRGBA) {
	if allowInverted && rand.IntN(2) == 0 {
		return randomColor(10, 40), randomColorMinLuminance(150, 255, 150)
	}
	return randomColor(238, 255), randomColorMinLuminance(10, 200, 64)
}

func randomColor(lo, hi int) color.NRGBA {
	return color.NRGBA{
		R: uint8(lo + rand.IntN(hi-lo+1)),
		G: uint8(lo + rand.IntN(hi-lo+1)),
		B: uint8(lo + rand.IntN(hi-lo+1)),
		A: 255,
	}
}

func randomColorMinLuminance(lo, hi, minLum int) color.NRGBA {
	for {
		c := randomColor(lo, hi)
		if luminance(c) >= minLum {
			return c
		}
	}
}

func luminance(c color.NRGBA) int {
	return (299*int(c.R) + 587*int(c.G) + 114*int(c.B)) / 1000
}

func pickFace(faces []font.Face) font.Face {
	return faces[rand.IntN(len(faces))]
}

func toRGBA(img *image.NRGBA) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}
