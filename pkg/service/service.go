// Package service answers the volume queries: loading a stack into the store,
// rendering a projection, and running the Gaussian and MTF analyses on a
// region of a projection. Every error it returns carries the pipeline stage
// that produced it (see models.StageOf).
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"volumeqa/internal/models"
	"volumeqa/pkg/config"
	"volumeqa/pkg/fit"
	"volumeqa/pkg/ingest"
	"volumeqa/pkg/mtf"
	"volumeqa/pkg/projection"
	"volumeqa/pkg/sampling"
	"volumeqa/pkg/store"
)

// LoadResult describes a volume that was stored.
type LoadResult struct {
	ID       string        `json:"cache_id"`
	Shape    models.Shape  `json:"shape"`
	NumFiles int           `json:"num_files"`
	Report   ingest.Report `json:"report"`
}

// ProjectionQuery selects a 2D plane of a stored volume.
type ProjectionQuery struct {
	ID    string
	Axis  models.Axis
	Index int
	// Window, when set, renders the raw plane through a display window
	// instead of returning the load-time display plane
	Window *models.Window
}

// ProjectionResult is a rendered plane.
type ProjectionResult struct {
	Plane     models.GrayPlane
	MaxSlices int
}

// GaussianQuery selects a rectangular ROI on a raw plane.
type GaussianQuery struct {
	ID    string
	Axis  models.Axis
	Index int
	ROI   models.Rect
}

// GaussianResult is a profile fit plus the ROI actually sampled.
type GaussianResult struct {
	Fit fit.Result
	ROI models.Rect
}

// MTFQuery selects a line segment on a raw plane.
type MTFQuery struct {
	ID    string
	Axis  models.Axis
	Index int
	Line  models.Line
}

// MTFResult is an MTF curve plus the line actually sampled.
type MTFResult struct {
	MTF  mtf.Result
	Line models.Line
}

// VolumeInfo summarizes a stored volume.
type VolumeInfo struct {
	ID       string       `json:"cache_id"`
	Shape    models.Shape `json:"shape"`
	Source   string       `json:"source"`
	NumFiles int          `json:"num_files"`
	Size     string       `json:"size"`
}

// Service ties the store, the loader and the analysis engines together.
type Service struct {
	store      *store.Store
	loader     *ingest.Loader
	fitter     *fit.Fitter
	fits       *semaphore.Weighted
	fitTimeout time.Duration
	log        zerolog.Logger
}

// New returns a service over the given collaborators. cfg provides the fit
// worker limit and timeout.
func New(cfg *config.Config, st *store.Store, loader *ingest.Loader, fitter *fit.Fitter, logger zerolog.Logger) *Service {
	workers := cfg.Analysis.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		store:      st,
		loader:     loader,
		fitter:     fitter,
		fits:       semaphore.NewWeighted(int64(workers)),
		fitTimeout: cfg.FitTimeout(),
		log:        logger.With().Str("component", "service").Logger(),
	}
}

// NewFromConfig builds the store, loader and fitter described by cfg.
func NewFromConfig(cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	solver, err := fit.NewSolver(cfg.Analysis.Solver, cfg.Analysis.MaxEvaluations)
	if err != nil {
		return nil, err
	}
	st := store.New(cfg.Store.Capacity, store.WithLogger(logger))
	loader := ingest.NewLoader(cfg.Ingest.Workers, logger)
	return New(cfg, st, loader, fit.NewFitter(solver), logger), nil
}

// Store returns the underlying volume store.
func (s *Service) Store() *store.Store {
	return s.store
}

// LoadUnits decodes uploaded units and stores the resulting volume. The
// store is left untouched when loading fails.
func (s *Service) LoadUnits(ctx context.Context, units []ingest.Unit) (LoadResult, error) {
	stack, report, err := s.loader.LoadUnits(ctx, units)
	return s.put(stack, report, err)
}

// LoadPath decodes a file or directory and stores the resulting volume.
func (s *Service) LoadPath(ctx context.Context, path string) (LoadResult, error) {
	stack, report, err := s.loader.LoadPath(ctx, path)
	return s.put(stack, report, err)
}

func (s *Service) put(stack *ingest.Stack, report ingest.Report, err error) (LoadResult, error) {
	if err != nil {
		return LoadResult{Report: report}, models.WithStage(models.StageIngestion, err)
	}

	id := ingest.ContentKey(stack)
	vol, err := s.store.Put(id, stack.Raw, stack.Shape, stack.Source, stack.NumFiles)
	if err != nil {
		return LoadResult{Report: report}, models.WithStage(models.StageIngestion, err)
	}

	return LoadResult{
		ID:       id,
		Shape:    vol.Shape,
		NumFiles: vol.NumFiles,
		Report:   report,
	}, nil
}

func (s *Service) volume(id string) (*models.Volume, error) {
	vol, err := s.store.Get(id)
	if err != nil {
		return nil, models.WithStage(models.StageLookup, err)
	}
	return vol, nil
}

// Projection renders the requested plane, windowed when a window is given.
func (s *Service) Projection(_ context.Context, q ProjectionQuery) (ProjectionResult, error) {
	vol, err := s.volume(q.ID)
	if err != nil {
		return ProjectionResult{}, err
	}

	plane, err := projection.Project(vol, q.Axis, q.Index, q.Window)
	if err != nil {
		return ProjectionResult{}, models.WithStage(models.StageExtraction, err)
	}

	extent, err := vol.Shape.Extent(q.Axis)
	if err != nil {
		return ProjectionResult{}, models.WithStage(models.StageExtraction, err)
	}
	return ProjectionResult{Plane: plane, MaxSlices: extent}, nil
}

func (s *Service) rawPlane(id string, axis models.Axis, index int) (models.Plane, error) {
	vol, err := s.volume(id)
	if err != nil {
		return models.Plane{}, err
	}
	plane, err := projection.ExtractRaw(vol, axis, index)
	if err != nil {
		return models.Plane{}, models.WithStage(models.StageExtraction, err)
	}
	return plane, nil
}

// Gaussian averages the ROI into a profile and fits it. A profile that no
// hypothesis fits is not an error; the result then carries no parameters.
func (s *Service) Gaussian(ctx context.Context, q GaussianQuery) (GaussianResult, error) {
	plane, err := s.rawPlane(q.ID, q.Axis, q.Index)
	if err != nil {
		return GaussianResult{}, err
	}

	profile, roi, err := sampling.RegionProfile(plane, q.ROI)
	if err != nil {
		return GaussianResult{}, models.WithStage(models.StageSampling, err)
	}

	if err := s.fits.Acquire(ctx, 1); err != nil {
		return GaussianResult{}, models.WithStage(models.StageAnalysis, err)
	}
	defer s.fits.Release(1)

	fitCtx := ctx
	if s.fitTimeout > 0 {
		var cancel context.CancelFunc
		fitCtx, cancel = context.WithTimeout(ctx, s.fitTimeout)
		defer cancel()
	}

	start := time.Now()
	result := s.fitter.Fit(fitCtx, profile)

	event := s.log.Debug().
		Str("id", q.ID).
		Stringer("axis", q.Axis).
		Int("index", q.Index).
		Int("samples", len(profile)).
		Dur("elapsed", time.Since(start))
	for _, a := range result.Attempts {
		if !a.OK() {
			event = event.Str(a.Polarity.String()+"_error", a.Err.Error())
		}
	}
	if result.Params != nil {
		event = event.Stringer("type", result.Params.Polarity).Float64("fwhm", result.FWHM)
	}
	event.Float64("r_squared", result.RSquared).Msg("gaussian fit")

	return GaussianResult{Fit: result, ROI: roi}, nil
}

// MTF samples the line and computes its MTF.
func (s *Service) MTF(_ context.Context, q MTFQuery) (MTFResult, error) {
	plane, err := s.rawPlane(q.ID, q.Axis, q.Index)
	if err != nil {
		return MTFResult{}, err
	}

	profile, line, err := sampling.LineProfile(plane, q.Line)
	if err != nil {
		return MTFResult{}, models.WithStage(models.StageSampling, err)
	}

	result, err := mtf.Compute(profile)
	if err != nil {
		return MTFResult{}, models.WithStage(models.StageAnalysis, err)
	}
	return MTFResult{MTF: result, Line: line}, nil
}

// Volumes lists the stored volumes.
func (s *Service) Volumes() []VolumeInfo {
	var infos []VolumeInfo
	for _, id := range s.store.Keys() {
		vol, ok := s.store.Peek(id)
		if !ok {
			// evicted since Keys returned
			continue
		}
		infos = append(infos, VolumeInfo{
			ID:       id,
			Shape:    vol.Shape,
			Source:   vol.Source,
			NumFiles: vol.NumFiles,
			Size:     humanize.Bytes(vol.SizeBytes()),
		})
	}
	return infos
}

// Evict removes a stored volume.
func (s *Service) Evict(id string) error {
	if !s.store.Delete(id) {
		return models.WithStage(models.StageLookup, fmt.Errorf("%w: volume %q", models.ErrNotFound, id))
	}
	s.log.Info().Str("id", id).Msg("volume evicted")
	return nil
}
