// Package sampling turns a 2D plane and a region of interest into a 1D
// intensity profile.
//
// Two modes are supported: region mode averages a rectangle along its
// shorter side, line mode interpolates the plane at evenly spaced points
// along a segment.
package sampling

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"volumeqa/internal/models"
)

// ClampRect orders the corners of r and clamps them to a rows x cols plane.
// The start corner is limited to the last pixel and the end corner to at
// least 1, so a rectangle can still come out empty.
func ClampRect(r models.Rect, rows, cols int) models.Rect {
	x1, x2 := min(r.X1, r.X2), max(r.X1, r.X2)
	y1, y2 := min(r.Y1, r.Y2), max(r.Y1, r.Y2)

	return models.Rect{
		X1: max(0, min(x1, cols-1)),
		X2: max(1, min(x2, cols)),
		Y1: max(0, min(y1, rows-1)),
		Y2: max(1, min(y2, rows)),
	}
}

// RegionProfile averages the clamped rectangle along its minor axis and
// returns the profile along the major axis together with the resolved ROI.
// Ties between width and height are treated as horizontal.
func RegionProfile(plane models.Plane, r models.Rect) ([]float64, models.Rect, error) {
	roi := ClampRect(r, plane.Rows, plane.Cols)
	width, height := roi.Width(), roi.Height()
	if width <= 0 || height <= 0 {
		return nil, roi, fmt.Errorf("%w: resolved to %dx%d at (%d,%d)",
			models.ErrEmptyROI, max(width, 0), max(height, 0), roi.X1, roi.Y1)
	}

	var profile []float64
	if width >= height {
		// Collapse rows: one sample per column.
		profile = make([]float64, width)
		for y := roi.Y1; y < roi.Y2; y++ {
			floats.Add(profile, plane.Data[y*plane.Cols+roi.X1:y*plane.Cols+roi.X2])
		}
		floats.Scale(1/float64(height), profile)
	} else {
		// Collapse columns: one sample per row.
		profile = make([]float64, height)
		for i := range profile {
			y := roi.Y1 + i
			profile[i] = floats.Sum(plane.Data[y*plane.Cols+roi.X1:y*plane.Cols+roi.X2]) / float64(width)
		}
	}

	return profile, roi, nil
}

// ClampLine clamps both endpoints of l into a rows x cols plane.
func ClampLine(l models.Line, rows, cols int) models.Line {
	maxX, maxY := float64(cols-1), float64(rows-1)
	return models.Line{
		X1: clamp(l.X1, 0, maxX),
		Y1: clamp(l.Y1, 0, maxY),
		X2: clamp(l.X2, 0, maxX),
		Y2: clamp(l.Y2, 0, maxY),
	}
}

// LineProfile samples the plane at floor(length)+1 evenly spaced points along
// the clamped segment, endpoints included, using bilinear interpolation.
func LineProfile(plane models.Plane, l models.Line) ([]float64, models.Line, error) {
	line := ClampLine(l, plane.Rows, plane.Cols)

	length := math.Hypot(line.X2-line.X1, line.Y2-line.Y1)
	n := int(length) + 1
	if n < 2 {
		return nil, line, fmt.Errorf("%w: length %.3f gives %d sample(s)", models.ErrLineTooShort, length, n)
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	floats.Span(xs, line.X1, line.X2)
	floats.Span(ys, line.Y1, line.Y2)

	profile := make([]float64, n)
	for i := range profile {
		profile[i] = Bilinear(plane, xs[i], ys[i])
	}
	return profile, line, nil
}

// Bilinear interpolates plane at the fractional position (x, y). Samples
// outside the plane count as zero.
func Bilinear(plane models.Plane, x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)

	v := 0.0
	if w := (1 - fx) * (1 - fy); w != 0 {
		v += w * sample(plane, ix, iy)
	}
	if w := fx * (1 - fy); w != 0 {
		v += w * sample(plane, ix+1, iy)
	}
	if w := (1 - fx) * fy; w != 0 {
		v += w * sample(plane, ix, iy+1)
	}
	if w := fx * fy; w != 0 {
		v += w * sample(plane, ix+1, iy+1)
	}
	return v
}

func sample(plane models.Plane, x, y int) float64 {
	if x < 0 || y < 0 || x >= plane.Cols || y >= plane.Rows {
		return 0
	}
	return plane.Data[y*plane.Cols+x]
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
