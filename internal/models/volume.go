package models

import (
	"fmt"
	"math"
)

// Shape holds the extent of a volume along its three axes
// (slice-index, row, column).
type Shape struct {
	Depth  int `json:"depth"`
	Height int `json:"height"`
	Width  int `json:"width"`
}

// Voxels returns the number of samples in a volume of this shape.
func (s Shape) Voxels() int {
	return s.Depth * s.Height * s.Width
}

// Valid reports whether every dimension is positive.
func (s Shape) Valid() bool {
	return s.Depth > 0 && s.Height > 0 && s.Width > 0
}

// Extent returns the number of slices along the fixed axis.
func (s Shape) Extent(axis Axis) (int, error) {
	switch axis {
	case Axial:
		return s.Depth, nil
	case Sagittal:
		return s.Height, nil
	case Coronal:
		return s.Width, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidAxis, int(axis))
}

// PlaneDims returns the (rows, cols) of the plane left once the axis is fixed.
func (s Shape) PlaneDims(axis Axis) (rows, cols int, err error) {
	switch axis {
	case Axial:
		return s.Height, s.Width, nil
	case Sagittal:
		return s.Depth, s.Width, nil
	case Coronal:
		return s.Depth, s.Height, nil
	}
	return 0, 0, fmt.Errorf("%w: %d", ErrInvalidAxis, int(axis))
}

// Index returns the flat row-major offset of voxel (z, y, x).
func (s Shape) Index(z, y, x int) int {
	return (z*s.Height+y)*s.Width + x
}

// Slice returns the three dimensions as an ordered list.
func (s Shape) Slice() []int {
	return []int{s.Depth, s.Height, s.Width}
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Depth, s.Height, s.Width)
}

// Volume is a loaded 3D intensity stack.
//
// Raw keeps the native intensities, Display the same samples rescaled to
// [0,255] with the global min/max computed once at construction. Both are
// stored flat in row-major order: index = z*Height*Width + y*Width + x.
// A Volume is never mutated after NewVolume returns.
type Volume struct {
	Shape Shape

	// Raw holds native intensity values (e.g. stored pixel values or HU)
	Raw []float64

	// Display holds the load-time 8-bit normalization of Raw
	Display []uint8

	// Source describes where the stack came from (a path or "uploaded")
	Source string

	// NumFiles is the number of source units that contributed pixel data
	NumFiles int

	// Min and Max are the global raw extrema used for Display
	Min, Max float64
}

// NewVolume builds a volume from raw samples and computes its display
// representation.
func NewVolume(raw []float64, shape Shape) (*Volume, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("%w: invalid volume shape %s", ErrShapeMismatch, shape)
	}
	if len(raw) != shape.Voxels() {
		return nil, fmt.Errorf("%w: %d samples for shape %s", ErrShapeMismatch, len(raw), shape)
	}

	lo, hi := minMax(raw)
	return &Volume{
		Shape:   shape,
		Raw:     raw,
		Display: normalize(raw, lo, hi),
		Min:     lo,
		Max:     hi,
	}, nil
}

// SizeBytes approximates the memory held by the sample arrays.
func (v *Volume) SizeBytes() uint64 {
	return uint64(len(v.Raw))*8 + uint64(len(v.Display))
}

func minMax(data []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// normalize linearly maps [lo,hi] onto [0,255]. A constant volume maps to 0.
func normalize(raw []float64, lo, hi float64) []uint8 {
	out := make([]uint8, len(raw))
	if !(hi > lo) {
		return out
	}
	scale := 255 / (hi - lo)
	for i, v := range raw {
		out[i] = ClampByte(math.Round((v - lo) * scale))
	}
	return out
}

// ClampByte clamps v into [0,255] and truncates it to a byte. NaN maps to 0.
func ClampByte(v float64) uint8 {
	switch {
	case !(v > 0):
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}
