package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every stage of the analysis pipeline.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidAxis       = errors.New("invalid projection axis")
	ErrIndexOutOfRange   = errors.New("slice index out of range")
	ErrEmptyROI          = errors.New("ROI is empty")
	ErrLineTooShort      = errors.New("line too short")
	ErrNoPixelData       = errors.New("no pixel data found")
	ErrFitNonConvergence = errors.New("fit did not converge")
	ErrInvalidWindow     = errors.New("invalid window")
	ErrShapeMismatch     = errors.New("inconsistent slice dimensions")
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageIngestion  Stage = "ingestion"
	StageLookup     Stage = "lookup"
	StageExtraction Stage = "extraction"
	StageSampling   Stage = "sampling"
	StageAnalysis   Stage = "analysis"
)

// StageError tags an error with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

// WithStage wraps err with the given stage. A nil err stays nil.
func WithStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage recorded on err, or "" if there is none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
