// Package accelerator defines the call contract for the three neural models the
// pipeline depends on (face detector, 5-point landmark locator and feature
// embedder) and enforces their output shapes.
//
// Model calls are synchronous. The loop blocks on each call until the backend
// returns; there are no timeouts and no cancellation.
package accelerator

import (
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/facehash/internal/geometry"
	"github.com/andresmejia3/facehash/internal/types"
)

// Detector finds face boxes in a full frame.
type Detector interface {
	Detect(frame *image.RGBA) ([]types.Detection, error)
}

// LandmarkLocator finds the 5 facial keypoints in a resized face crop.
// Points are crop-relative, in [0,1].
type LandmarkLocator interface {
	LocateLandmarks(crop *image.RGBA) ([]geometry.PointF, error)
}

// Embedder extracts the feature vector of an aligned face.
type Embedder interface {
	Embed(face *image.RGBA) ([]float32, error)
}

// ConfigurationError reports a model that could not be loaded or that
// returned data of the wrong shape. It is never recoverable.
type ConfigurationError struct {
	Model  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("accelerator %s: %s: %v", e.Model, e.Reason, e.Err)
	}
	return fmt.Sprintf("accelerator %s: %s", e.Model, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Adapter wraps the three model ports and validates every response shape.
type Adapter struct {
	detector     Detector
	landmarks    LandmarkLocator
	embedder     Embedder
	embeddingDim int
}

// NewAdapter builds an Adapter. embeddingDim is the exact feature-vector
// length the embedder must return.
func NewAdapter(d Detector, l LandmarkLocator, e Embedder, embeddingDim int) (*Adapter, error) {
	if d == nil || l == nil || e == nil {
		return nil, &ConfigurationError{Model: "adapter", Reason: "all three models are required"}
	}
	if embeddingDim <= 0 {
		return nil, &ConfigurationError{Model: "embed", Reason: fmt.Sprintf("invalid embedding dimension %d", embeddingDim)}
	}
	return &Adapter{detector: d, landmarks: l, embedder: e, embeddingDim: embeddingDim}, nil
}

// EmbeddingDim returns the configured feature-vector length.
func (a *Adapter) EmbeddingDim() int {
	return a.embeddingDim
}

// Detect runs face detection on a full frame.
func (a *Adapter) Detect(frame *image.RGBA) ([]types.Detection, error) {
	dets, err := a.detector.Detect(frame)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	return dets, nil
}

// LocateLandmarks runs the landmark model on a crop and requires exactly
// geometry.LandmarkCount points in [0,1].
func (a *Adapter) LocateLandmarks(crop *image.RGBA) ([geometry.LandmarkCount]geometry.PointF, error) {
	var out [geometry.LandmarkCount]geometry.PointF

	pts, err := a.landmarks.LocateLandmarks(crop)
	if err != nil {
		return out, fmt.Errorf("landmarks: %w", err)
	}
	if len(pts) != geometry.LandmarkCount {
		return out, &ConfigurationError{
			Model:  "landmark",
			Reason: fmt.Sprintf("expected %d points, got %d", geometry.LandmarkCount, len(pts)),
		}
	}
	for i, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) {
			return out, &ConfigurationError{Model: "landmark", Reason: fmt.Sprintf("point %d is NaN", i)}
		}
		out[i] = p
	}
	return out, nil
}

// Embed runs the feature extractor on an aligned face and requires a vector of
// exactly EmbeddingDim values.
func (a *Adapter) Embed(face *image.RGBA) ([]float32, error) {
	vec, err := a.embedder.Embed(face)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vec) != a.embeddingDim {
		return nil, &ConfigurationError{
			Model:  "embed",
			Reason: fmt.Sprintf("expected %d values, got %d", a.embeddingDim, len(vec)),
		}
	}
	return vec, nil
}

// Sigmoid maps a raw landmark logit to a relative coordinate in (0,1).
func Sigmoid(x float32) float64 {
	return 1 / (1 + math.Exp(-float64(x)))
}
