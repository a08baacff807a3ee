package models

import "fmt"

// Axis selects one of the three orthogonal projections through a volume.
type Axis int

const (
	// Axial fixes the slice dimension (index 0).
	Axial Axis = iota
	// Sagittal fixes the row dimension (index 1).
	Sagittal
	// Coronal fixes the column dimension (index 2).
	Coronal
)

// Axes lists every projection in dimension order.
var Axes = []Axis{Axial, Sagittal, Coronal}

// ParseAxis converts a projection token into an Axis.
func ParseAxis(token string) (Axis, error) {
	switch token {
	case "axial":
		return Axial, nil
	case "sagittal":
		return Sagittal, nil
	case "coronal":
		return Coronal, nil
	}
	return 0, fmt.Errorf("%w: %q (must be axial, sagittal or coronal)", ErrInvalidAxis, token)
}

func (a Axis) String() string {
	switch a {
	case Axial:
		return "axial"
	case Sagittal:
		return "sagittal"
	case Coronal:
		return "coronal"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// Valid reports whether a is one of the enumerated projections.
func (a Axis) Valid() bool {
	return a == Axial || a == Sagittal || a == Coronal
}

// MarshalText implements encoding.TextMarshaler.
func (a Axis) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAxis, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Axis) UnmarshalText(text []byte) error {
	parsed, err := ParseAxis(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
