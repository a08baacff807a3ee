package models

import "fmt"

// Rect is a rectangular region of interest in plane pixel coordinates.
// X2 and Y2 are exclusive once the rectangle has been clamped.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() int { return r.X2 - r.X1 }

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() int { return r.Y2 - r.Y1 }

// Line is a line-segment region of interest with floating-point endpoints.
type Line struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Polarity tells whether a fitted Gaussian is a peak or a valley.
type Polarity int

const (
	Peak Polarity = iota
	Valley
)

func (p Polarity) String() string {
	switch p {
	case Peak:
		return "peak"
	case Valley:
		return "valley"
	}
	return fmt.Sprintf("Polarity(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Polarity) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Polarity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "peak":
		*p = Peak
	case "valley":
		*p = Valley
	default:
		return fmt.Errorf("unknown polarity %q", text)
	}
	return nil
}
