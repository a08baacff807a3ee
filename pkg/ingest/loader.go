package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"volumeqa/internal/models"
)

// Unit is one in-memory source file, e.g. an uploaded DICOM instance.
type Unit struct {
	Name string
	Data []byte
}

// Skip records a unit that contributed no slices and why.
type Skip struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Report summarizes an ingestion run.
type Report struct {
	// Units is the number of candidate source units
	Units int `json:"units"`
	// Decoded is the number of units that parsed successfully
	Decoded int `json:"decoded"`
	// Frames is the number of slices stacked into the volume
	Frames int `json:"frames"`
	// Unordered counts decoded units without an ordering key of their own
	Unordered int `json:"unordered"`
	// Skipped lists units that were dropped
	Skipped []Skip `json:"skipped,omitempty"`
}

// Stack is an ordered set of equally sized slices.
type Stack struct {
	Names    []string
	Shape    models.Shape
	Raw      []float64
	Source   string
	NumFiles int
}

// Loader decodes source units concurrently and stacks them in order.
type Loader struct {
	decoders []Decoder
	workers  int
	log      zerolog.Logger
}

// NewLoader returns a loader using the given decoders, or the DICOM and
// image decoders when none are passed. workers <= 0 uses every CPU.
func NewLoader(workers int, logger zerolog.Logger, decoders ...Decoder) *Loader {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if len(decoders) == 0 {
		decoders = []Decoder{DICOMDecoder{}, ImageDecoder{}}
	}
	return &Loader{
		decoders: decoders,
		workers:  workers,
		log:      logger.With().Str("component", "ingest").Logger(),
	}
}

// decoderFor picks the decoder matching name, falling back to the first
// registered decoder (DICOM files are often stored without an extension).
func (l *Loader) decoderFor(name string) Decoder {
	for _, d := range l.decoders {
		if d.Match(name) {
			return d
		}
	}
	return l.decoders[0]
}

func (l *Loader) matches(name string) bool {
	for _, d := range l.decoders {
		if d.Match(name) {
			return true
		}
	}
	return false
}

type source struct {
	name string
	open func() (reader *bytes.Reader, err error)
}

type outcome struct {
	name    string
	decoded Decoded
	err     error
}

// LoadUnits decodes in-memory units into a stack.
func (l *Loader) LoadUnits(ctx context.Context, units []Unit) (*Stack, Report, error) {
	sources := make([]source, len(units))
	for i, u := range units {
		u := u
		sources[i] = source{name: u.Name, open: func() (*bytes.Reader, error) {
			return bytes.NewReader(u.Data), nil
		}}
	}
	return l.load(ctx, sources, "uploaded")
}

// LoadPath decodes a single file, or every supported file below a
// directory in lexical order.
func (l *Loader) LoadPath(ctx context.Context, path string) (*Stack, Report, error) {
	files, err := l.Collect(path)
	if err != nil {
		return nil, Report{}, err
	}

	sources := make([]source, len(files))
	for i, f := range files {
		f := f
		sources[i] = source{name: f, open: func() (*bytes.Reader, error) {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, err
			}
			return bytes.NewReader(data), nil
		}}
	}
	return l.load(ctx, sources, path)
}

// Collect lists the candidate files for path.
func (l *Loader) Collect(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: path %s", models.ErrNotFound, path)
		}
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != path && errors.Is(err, fs.ErrPermission) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && l.matches(d.Name()) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no DICOM or image files under %s", models.ErrNoPixelData, path)
	}
	return files, nil
}

func (l *Loader) load(ctx context.Context, sources []source, origin string) (*Stack, Report, error) {
	report := Report{Units: len(sources)}
	if len(sources) == 0 {
		return nil, report, fmt.Errorf("%w: no files provided", models.ErrNoPixelData)
	}

	outcomes := make([]outcome, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = l.decode(src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, report, err
	}

	var decoded []outcome
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			l.log.Warn().Str("file", o.name).Err(o.err).Msg("skipping unreadable file")
			report.Skipped = append(report.Skipped, Skip{Name: o.name, Reason: o.err.Error()})
			continue
		case len(o.decoded.Frames) == 0:
			report.Skipped = append(report.Skipped, Skip{Name: o.name, Reason: "no pixel data"})
		}
		report.Decoded++
		if !o.decoded.HasOrder {
			report.Unordered++
		}
		decoded = append(decoded, o)
	}

	// Stable: units without an ordering key keep their input order.
	slices.SortStableFunc(decoded, func(a, b outcome) int {
		return a.decoded.Order - b.decoded.Order
	})

	stack, err := stackFrames(decoded)
	if err != nil {
		return nil, report, err
	}
	if stack == nil {
		return nil, report, fmt.Errorf("%w: %d of %d file(s) readable", models.ErrNoPixelData, report.Decoded, report.Units)
	}

	stack.Source = origin
	stack.NumFiles = report.Decoded
	report.Frames = stack.Shape.Depth

	l.log.Info().
		Str("source", origin).
		Int("files", report.Decoded).
		Int("skipped", len(report.Skipped)).
		Stringer("shape", stack.Shape).
		Str("size", humanize.Bytes(uint64(len(stack.Raw))*8)).
		Msg("stack loaded")

	return stack, report, nil
}

func (l *Loader) decode(src source) outcome {
	o := outcome{name: src.name}
	r, err := src.open()
	if err != nil {
		o.err = err
		return o
	}
	d := l.decoderFor(src.name)
	o.decoded, o.err = d.Decode(src.name, r, r.Size())
	return o
}

// stackFrames concatenates every frame in order. It returns nil when no
// frame is present.
func stackFrames(decoded []outcome) (*Stack, error) {
	var stack *Stack
	for _, o := range decoded {
		for _, frame := range o.decoded.Frames {
			if stack == nil {
				stack = &Stack{Shape: models.Shape{Height: o.decoded.Rows, Width: o.decoded.Cols}}
			}
			if o.decoded.Rows != stack.Shape.Height || o.decoded.Cols != stack.Shape.Width {
				return nil, fmt.Errorf("%w: %s is %dx%d, expected %dx%d", models.ErrShapeMismatch,
					o.name, o.decoded.Rows, o.decoded.Cols, stack.Shape.Height, stack.Shape.Width)
			}
			if len(frame) != stack.Shape.Height*stack.Shape.Width {
				return nil, fmt.Errorf("%w: %s has %d samples for %dx%d", models.ErrShapeMismatch,
					o.name, len(frame), stack.Shape.Height, stack.Shape.Width)
			}
			stack.Raw = append(stack.Raw, frame...)
			stack.Shape.Depth++
		}
		if len(o.decoded.Frames) > 0 {
			stack.Names = append(stack.Names, o.name)
		}
	}
	return stack, nil
}
