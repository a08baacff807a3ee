package models

import (
	"fmt"
	"math"
)

// Plane is a 2D raw-intensity image stored row-major.
type Plane struct {
	Rows int
	Cols int
	Data []float64
}

// NewPlane allocates a zeroed rows x cols plane.
func NewPlane(rows, cols int) Plane {
	return Plane{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns the sample at row y, column x.
func (p Plane) At(y, x int) float64 {
	return p.Data[y*p.Cols+x]
}

// Row returns a copy of row y.
func (p Plane) Row(y int) []float64 {
	out := make([]float64, p.Cols)
	copy(out, p.Data[y*p.Cols:(y+1)*p.Cols])
	return out
}

// Column returns a copy of column x.
func (p Plane) Column(x int) []float64 {
	out := make([]float64, p.Rows)
	for y := range out {
		out[y] = p.Data[y*p.Cols+x]
	}
	return out
}

// GrayPlane is an 8-bit display image stored row-major.
type GrayPlane struct {
	Rows int
	Cols int
	Data []uint8
}

// NewGrayPlane allocates a zeroed rows x cols 8-bit plane.
func NewGrayPlane(rows, cols int) GrayPlane {
	return GrayPlane{Rows: rows, Cols: cols, Data: make([]uint8, rows*cols)}
}

// At returns the sample at row y, column x.
func (p GrayPlane) At(y, x int) uint8 {
	return p.Data[y*p.Cols+x]
}

// Window is a radiological display transform expressed in raw units.
type Window struct {
	Center float64 `json:"center"`
	Width  float64 `json:"width"`
}

// Validate rejects windows whose width would divide by zero or overflow.
func (w Window) Validate() error {
	if math.IsNaN(w.Center) || math.IsInf(w.Center, 0) {
		return fmt.Errorf("%w: center %v is not finite", ErrInvalidWindow, w.Center)
	}
	if !(w.Width > 0) || math.IsInf(w.Width, 0) {
		return fmt.Errorf("%w: width must be a positive finite number, got %v", ErrInvalidWindow, w.Width)
	}
	return nil
}

// Bounds returns the lower and upper raw intensities of the window.
func (w Window) Bounds() (lower, upper float64) {
	return w.Center - w.Width/2, w.Center + w.Width/2
}
