package projection

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"volumeqa/internal/models"
)

// ToImage wraps a display plane as an 8-bit grayscale image.
func ToImage(plane models.GrayPlane) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, plane.Cols, plane.Rows))
	for y := 0; y < plane.Rows; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+plane.Cols], plane.Data[y*plane.Cols:(y+1)*plane.Cols])
	}
	return img
}

// EncodePNG writes plane to w as a grayscale PNG.
func EncodePNG(w io.Writer, plane models.GrayPlane) error {
	return png.Encode(w, ToImage(plane))
}

// SaveSlice saves a display plane as a PNG file.
func SaveSlice(plane models.GrayPlane, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := EncodePNG(file, plane); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts every slice along axis and saves them to
// outputDir, optionally windowed. It returns the number of files written.
func SaveSliceSequence(vol *models.Volume, axis models.Axis, outputDir string, window *models.Window) (int, error) {
	extent, err := vol.Shape.Extent(axis)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	for pos := 0; pos < extent; pos++ {
		plane, err := Project(vol, axis, pos, window)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := SaveSlice(plane, filename); err != nil {
			return pos, fmt.Errorf("failed to save %s: %w", filename, err)
		}
	}

	return extent, nil
}
