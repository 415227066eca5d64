package types

import (
	"github.com/andresmejia3/facehash/internal/geometry"
	"github.com/andresmejia3/facehash/internal/protocol"
)

// Detection is a face box reported by the detector, already thresholded and suppressed.
type Detection struct {
	Box        geometry.Box
	Confidence float32
}

// FaceResult is the outcome for one detected face in a frame.
type FaceResult struct {
	Box       geometry.Box
	Landmarks geometry.Landmarks
	Code      protocol.Code
	Identity  int     // 0-based store index, -1 when unrecognized
	Score     float64 // fixed constant when matched, 0 otherwise
}
