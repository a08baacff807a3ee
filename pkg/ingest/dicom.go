package ingest

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrEncapsulated is returned for compressed (encapsulated) pixel data,
// which is not decoded.
var ErrEncapsulated = errors.New("encapsulated pixel data is not supported")

// DICOMDecoder reads DICOM instances. Multi-frame instances contribute one
// slice per frame; the InstanceNumber attribute is the ordering key.
type DICOMDecoder struct{}

func (DICOMDecoder) Name() string { return "dicom" }

func (DICOMDecoder) Match(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".dcm", ".dicom":
		return true
	}
	return false
}

func (DICOMDecoder) Decode(name string, r io.Reader, size int64) (Decoded, error) {
	ds, err := dicom.Parse(r, size, nil)
	if err != nil {
		return Decoded{}, fmt.Errorf("failed to parse DICOM %s: %w", name, err)
	}

	var out Decoded
	out.Order, out.HasOrder = instanceNumber(&ds)

	pixelElement, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		// A valid instance without an image (e.g. a structured report).
		return out, nil
	}

	info, ok := pixelElement.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return out, fmt.Errorf("unexpected pixel data value in %s", name)
	}

	for i, fr := range info.Frames {
		if fr.Encapsulated {
			return Decoded{}, fmt.Errorf("%s frame %d: %w", name, i, ErrEncapsulated)
		}

		native, err := fr.GetNativeFrame()
		if err != nil {
			return Decoded{}, fmt.Errorf("%s frame %d: %w", name, i, err)
		}

		if i == 0 {
			out.Rows, out.Cols = native.Rows, native.Cols
		} else if native.Rows != out.Rows || native.Cols != out.Cols {
			return Decoded{}, fmt.Errorf("%s frame %d is %dx%d, expected %dx%d",
				name, i, native.Rows, native.Cols, out.Rows, out.Cols)
		}

		pixels := make([]float64, native.Rows*native.Cols)
		for p := range pixels {
			if p < len(native.Data) && len(native.Data[p]) > 0 {
				// first sample only; color data is reduced to its first channel
				pixels[p] = float64(native.Data[p][0])
			}
		}
		out.Frames = append(out.Frames, pixels)
	}

	return out, nil
}

// instanceNumber returns the InstanceNumber of ds, defaulting to 0.
func instanceNumber(ds *dicom.Dataset) (int, bool) {
	element, err := ds.FindElementByTag(tag.InstanceNumber)
	if err != nil {
		return 0, false
	}

	values, ok := element.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return 0, false
	}

	n, err := strconv.Atoi(strings.TrimSpace(values[0]))
	if err != nil {
		return 0, false
	}
	return n, true
}
