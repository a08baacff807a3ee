// Package ingest turns source files (DICOM instances or plain image slices)
// into an ordered intensity stack ready for the volume store.
package ingest

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Decoded is the pixel content of one source unit.
type Decoded struct {
	// Order is the ordering key of the unit (0 when the source has none)
	Order int

	// HasOrder reports whether Order came from the source itself
	HasOrder bool

	// Rows and Cols are the dimensions shared by every frame
	Rows, Cols int

	// Frames holds one row-major slice per frame, in frame order
	Frames [][]float64
}

// Decoder extracts pixel data from one kind of source unit.
type Decoder interface {
	// Name identifies the decoder in logs and reports
	Name() string

	// Match reports whether the decoder handles files with this name
	Match(name string) bool

	// Decode reads one unit of size bytes
	Decode(name string, r io.Reader, size int64) (Decoded, error)
}

// ImageDecoder reads single-frame raster slices (PNG, JPEG, TIFF, BMP).
// Slices are ordered by the number embedded in their file name.
type ImageDecoder struct{}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
}

func (ImageDecoder) Name() string { return "image" }

func (ImageDecoder) Match(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

func (ImageDecoder) Decode(name string, r io.Reader, _ int64) (Decoded, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Decoded{}, fmt.Errorf("failed to decode image %s: %w", name, err)
	}

	bounds := img.Bounds()
	order, ok := extractNumber(name)
	return Decoded{
		Order:    order,
		HasOrder: ok,
		Rows:     bounds.Dy(),
		Cols:     bounds.Dx(),
		Frames:   [][]float64{imageToFloat(img)},
	}, nil
}

// imageToFloat converts an image to native intensities: 8-bit gray for
// 8-bit sources, 16-bit for Gray16, luminance otherwise.
func imageToFloat(img image.Image) []float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	result := make([]float64, width*height)

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				result[y*width+x] = float64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	case *image.Gray16:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				result[y*width+x] = float64(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
				result[y*width+x] = float64(g.Y)
			}
		}
	}

	return result
}

// extractNumber concatenates the digits of a file name into its slice
// number, e.g. "IM_0042.png" -> 42.
func extractNumber(filename string) (int, bool) {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}

	if digits.Len() == 0 {
		return 0, false
	}
	num, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0, false
	}
	return num, true
}
