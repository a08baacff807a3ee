package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"volumeqa/internal/models"
	"volumeqa/pkg/config"
	"volumeqa/pkg/fit"
	"volumeqa/pkg/ingest"
	"volumeqa/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Analysis.Workers = 2
	svc, err := NewFromConfig(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to build service: %v", err)
	}
	return svc
}

// putGaussianVolume stores a 1x5x40 volume whose rows carry a Gaussian peak
// centered at x=20 on a baseline of 50.
func putGaussianVolume(t *testing.T, st *store.Store, id string) {
	t.Helper()
	shape := models.Shape{Depth: 1, Height: 5, Width: 40}
	raw := make([]float64, shape.Voxels())
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			raw[y*shape.Width+x] = fit.Gaussian(float64(x), 100, 20, 3, 50)
		}
	}
	if _, err := st.Put(id, raw, shape, "test", 1); err != nil {
		t.Fatalf("Failed to store volume: %v", err)
	}
}

func pngUnit(t *testing.T, name string, value uint8) ingest.Unit {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	img.SetGray(0, 0, color.Gray{Y: value / 2})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return ingest.Unit{Name: name, Data: buf.Bytes()}
}

// TestLoadUnits verifies loading, content keys and replacement
func TestLoadUnits(t *testing.T) {
	svc := newTestService(t)
	units := []ingest.Unit{pngUnit(t, "1.png", 100), pngUnit(t, "2.png", 200)}

	first, err := svc.LoadUnits(context.Background(), units)
	if err != nil {
		t.Fatalf("Failed to load units: %v", err)
	}
	if first.Shape != (models.Shape{Depth: 2, Height: 2, Width: 3}) || first.NumFiles != 2 {
		t.Errorf("Unexpected load result %+v", first)
	}

	second, err := svc.LoadUnits(context.Background(), units)
	if err != nil {
		t.Fatalf("Failed to reload units: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected identical content to map to the same key")
	}
	if svc.Store().Len() != 1 {
		t.Errorf("Expected one stored volume, got %d", svc.Store().Len())
	}

	vol, err := svc.Store().Get(first.ID)
	if err != nil {
		t.Fatalf("Failed to get stored volume: %v", err)
	}
	if vol.Source != "uploaded" {
		t.Errorf("Expected source uploaded, got %s", vol.Source)
	}
}

// TestLoadFailureLeavesStore verifies failed loads keep the store unchanged
func TestLoadFailureLeavesStore(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.LoadUnits(context.Background(), []ingest.Unit{{Name: "x.dcm", Data: []byte("junk")}})
	if !errors.Is(err, models.ErrNoPixelData) {
		t.Errorf("Expected ErrNoPixelData, got %v", err)
	}
	if models.StageOf(err) != models.StageIngestion {
		t.Errorf("Expected ingestion stage, got %q", models.StageOf(err))
	}
	if svc.Store().Len() != 0 {
		t.Errorf("Expected an empty store, got %d volumes", svc.Store().Len())
	}
}

// TestProjection verifies plane size, slice count and error stages
func TestProjection(t *testing.T) {
	svc := newTestService(t)
	putGaussianVolume(t, svc.Store(), "v")

	res, err := svc.Projection(context.Background(), ProjectionQuery{ID: "v", Axis: models.Coronal, Index: 39})
	if err != nil {
		t.Fatalf("Projection failed: %v", err)
	}
	if res.Plane.Rows != 1 || res.Plane.Cols != 5 || res.MaxSlices != 40 {
		t.Errorf("Unexpected coronal plane %dx%d, max %d", res.Plane.Rows, res.Plane.Cols, res.MaxSlices)
	}

	_, err = svc.Projection(context.Background(), ProjectionQuery{ID: "v", Axis: models.Axial, Index: 1})
	if !errors.Is(err, models.ErrIndexOutOfRange) || models.StageOf(err) != models.StageExtraction {
		t.Errorf("Expected out of range at extraction, got %v", err)
	}

	_, err = svc.Projection(context.Background(), ProjectionQuery{ID: "v", Axis: models.Axial, Window: &models.Window{Center: 1, Width: 0}})
	if !errors.Is(err, models.ErrInvalidWindow) {
		t.Errorf("Expected ErrInvalidWindow, got %v", err)
	}

	_, err = svc.Projection(context.Background(), ProjectionQuery{ID: "missing", Axis: models.Axial})
	if !errors.Is(err, models.ErrNotFound) || models.StageOf(err) != models.StageLookup {
		t.Errorf("Expected not found at lookup, got %v", err)
	}
}

// TestGaussian verifies the ROI profile is fitted as a peak
func TestGaussian(t *testing.T) {
	svc := newTestService(t)
	putGaussianVolume(t, svc.Store(), "v")

	res, err := svc.Gaussian(context.Background(), GaussianQuery{
		ID:   "v",
		Axis: models.Axial,
		ROI:  models.Rect{X1: 45, Y1: 4, X2: 0, Y2: 0},
	})
	if err != nil {
		t.Fatalf("Gaussian failed: %v", err)
	}

	if res.ROI != (models.Rect{X1: 0, Y1: 0, X2: 40, Y2: 4}) {
		t.Errorf("Unexpected resolved ROI %+v", res.ROI)
	}
	if res.Fit.Params == nil || res.Fit.Params.Polarity != models.Peak {
		t.Fatalf("Expected a peak fit, got %+v", res.Fit.Params)
	}
	if math.Abs(res.Fit.Center-20) > 1e-3 {
		t.Errorf("Expected center 20, got %v", res.Fit.Center)
	}
	if math.Abs(res.Fit.FWHM-2.355*3) > 1e-3 {
		t.Errorf("Expected FWHM %v, got %v", 2.355*3, res.Fit.FWHM)
	}
}

// TestGaussianEmptyROI verifies degenerate rectangles fail at sampling
func TestGaussianEmptyROI(t *testing.T) {
	svc := newTestService(t)
	putGaussianVolume(t, svc.Store(), "v")

	_, err := svc.Gaussian(context.Background(), GaussianQuery{
		ID:   "v",
		Axis: models.Axial,
		ROI:  models.Rect{X1: 3, Y1: 1, X2: 3, Y2: 2},
	})
	if !errors.Is(err, models.ErrEmptyROI) || models.StageOf(err) != models.StageSampling {
		t.Errorf("Expected empty ROI at sampling, got %v", err)
	}
}

// TestGaussianCancelled verifies a cancelled caller never waits for a worker
func TestGaussianCancelled(t *testing.T) {
	svc := newTestService(t)
	putGaussianVolume(t, svc.Store(), "v")

	if err := svc.fits.Acquire(context.Background(), 2); err != nil {
		t.Fatalf("Failed to occupy workers: %v", err)
	}
	defer svc.fits.Release(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Gaussian(ctx, GaussianQuery{ID: "v", Axis: models.Axial, ROI: models.Rect{X2: 40, Y2: 5}})
	if !errors.Is(err, context.Canceled) || models.StageOf(err) != models.StageAnalysis {
		t.Errorf("Expected cancellation at analysis, got %v", err)
	}
}

// TestMTF verifies line sampling and MTF output
func TestMTF(t *testing.T) {
	svc := newTestService(t)
	putGaussianVolume(t, svc.Store(), "v")

	res, err := svc.MTF(context.Background(), MTFQuery{
		ID:   "v",
		Axis: models.Axial,
		Line: models.Line{X1: 0, Y1: 2, X2: 100, Y2: 2},
	})
	if err != nil {
		t.Fatalf("MTF failed: %v", err)
	}
	if res.Line.X2 != 39 {
		t.Errorf("Expected the line clamped to x=39, got %v", res.Line.X2)
	}
	if len(res.MTF.Profile) != 40 || len(res.MTF.MTF) != 20 {
		t.Errorf("Unexpected lengths profile=%d mtf=%d", len(res.MTF.Profile), len(res.MTF.MTF))
	}

	_, err = svc.MTF(context.Background(), MTFQuery{ID: "v", Axis: models.Axial, Line: models.Line{X1: 3, Y1: 3, X2: 3, Y2: 3}})
	if !errors.Is(err, models.ErrLineTooShort) || models.StageOf(err) != models.StageSampling {
		t.Errorf("Expected line too short at sampling, got %v", err)
	}
}

// TestVolumesAndEvict verifies listing and eviction
func TestVolumesAndEvict(t *testing.T) {
	svc := newTestService(t)
	putGaussianVolume(t, svc.Store(), "v")

	infos := svc.Volumes()
	if len(infos) != 1 || infos[0].ID != "v" || infos[0].Source != "test" {
		t.Fatalf("Unexpected volumes %+v", infos)
	}

	if err := svc.Evict("v"); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if err := svc.Evict("v"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second eviction, got %v", err)
	}
	if len(svc.Volumes()) != 0 {
		t.Errorf("Expected no volumes after eviction")
	}
}
