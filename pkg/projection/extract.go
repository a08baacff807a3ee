// Package projection reconstructs orthogonal planes through a loaded volume
// and applies radiological windowing to them.
package projection

import (
	"fmt"
	"math"

	"volumeqa/internal/models"
)

// planeIndexer maps plane coordinates (row, col) to a flat volume offset for
// the given axis and slice index.
func planeIndexer(shape models.Shape, axis models.Axis, index int) (rows, cols int, at func(r, c int) int, err error) {
	if !axis.Valid() {
		return 0, 0, nil, fmt.Errorf("%w: %d", models.ErrInvalidAxis, int(axis))
	}

	extent, _ := shape.Extent(axis)
	if index < 0 || index >= extent {
		return 0, 0, nil, fmt.Errorf("%w: %s index %d outside [0, %d]",
			models.ErrIndexOutOfRange, axis, index, extent-1)
	}

	rows, cols, _ = shape.PlaneDims(axis)

	switch axis {
	case models.Axial:
		// V[index, r, c]
		at = func(r, c int) int { return shape.Index(index, r, c) }
	case models.Sagittal:
		// V[r, index, c]
		at = func(r, c int) int { return shape.Index(r, index, c) }
	case models.Coronal:
		// V[r, c, index]
		at = func(r, c int) int { return shape.Index(r, c, index) }
	}

	return rows, cols, at, nil
}

// ExtractRaw returns the raw-intensity plane of vol at the given axis and index.
func ExtractRaw(vol *models.Volume, axis models.Axis, index int) (models.Plane, error) {
	rows, cols, at, err := planeIndexer(vol.Shape, axis, index)
	if err != nil {
		return models.Plane{}, err
	}

	plane := models.NewPlane(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			plane.Data[r*cols+c] = vol.Raw[at(r, c)]
		}
	}
	return plane, nil
}

// ExtractDisplay returns the load-time normalized plane of vol.
func ExtractDisplay(vol *models.Volume, axis models.Axis, index int) (models.GrayPlane, error) {
	rows, cols, at, err := planeIndexer(vol.Shape, axis, index)
	if err != nil {
		return models.GrayPlane{}, err
	}

	plane := models.NewGrayPlane(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			plane.Data[r*cols+c] = vol.Display[at(r, c)]
		}
	}
	return plane, nil
}

// ApplyWindow clips a raw plane to the window and rescales it to [0,255].
func ApplyWindow(plane models.Plane, w models.Window) (models.GrayPlane, error) {
	if err := w.Validate(); err != nil {
		return models.GrayPlane{}, err
	}

	lower, upper := w.Bounds()
	out := models.NewGrayPlane(plane.Rows, plane.Cols)
	for i, v := range plane.Data {
		clipped := math.Min(math.Max(v, lower), upper)
		out.Data[i] = models.ClampByte(math.Round((clipped - lower) / w.Width * 255))
	}
	return out, nil
}

// Project answers a projection query: the display plane when window is nil,
// otherwise the windowed raw plane.
func Project(vol *models.Volume, axis models.Axis, index int, window *models.Window) (models.GrayPlane, error) {
	if window == nil {
		return ExtractDisplay(vol, axis, index)
	}

	raw, err := ExtractRaw(vol, axis, index)
	if err != nil {
		return models.GrayPlane{}, err
	}
	return ApplyWindow(raw, *window)
}
