package captcha

import (
	"fmt"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
)

// ConfigurationError reports a renderer that cannot be used for the rest of the process
// lifetime (e.g. a font that cannot be loaded).
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("captcha: configuration: %v", e.Err)
	}
	return fmt.Sprintf("captcha: configuration: font %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// loadFonts parses every font file in paths. An empty list falls back to the embedded Go Bold face.
func loadFonts(paths []string) ([]*opentype.Font, error) {
	if len(paths) == 0 {
		f, err := opentype.Parse(gobold.TTF)
		if err != nil {
			return nil, &ConfigurationError{Path: "gobold", Err: err}
		}
		return []*opentype.Font{f}, nil
	}
	fonts := make([]*opentype.Font, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, &ConfigurationError{Path: p, Err: err}
		}
		f, err := opentype.Parse(raw)
		if err != nil {
			return nil, &ConfigurationError{Path: p, Err: err}
		}
		fonts = append(fonts, f)
	}
	return fonts, nil
}

// newFaces builds one face per (font, size) pair. Faces are not safe for concurrent use,
// so each render builds its own set from the shared parsed fonts.
func newFaces(fonts []*opentype.Font, sizes []float64) ([]font.Face, error) {
	faces := make([]font.Face, 0, len(fonts)*len(sizes))
	for _, f := range fonts {
		for _, size := range sizes {
			face, err := opentype.NewFace(f, &opentype.FaceOptions{
				Size:    size,
				DPI:     72,
				Hinting: font.HintingFull,
			})
			if err != nil {
				closeFaces(faces)
				return nil, &ConfigurationError{Err: err}
			}
			faces = append(faces, face)
		}
	}
	return faces, nil
}

func closeFaces(faces []font.Face) {
	for _, f := range faces {
		_ = f.Close()
	}
}
