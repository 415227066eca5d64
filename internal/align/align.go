// Package align turns a detected face box into a fixed-size, pose-normalized
// face image: crop, landmark localization on the resized crop, and an affine
// warp of the original frame onto the reference constellation.
package align

import (
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/facehash/internal/geometry"
	"github.com/andresmejia3/facehash/internal/types"
)

const (
	// CropSize is the side of the square crop fed to the landmark model.
	CropSize = 128
	// BoxPadding is the ExpandBox scale applied to detections. Boxes are
	// cropped exactly as detected, only clamped to the frame.
	BoxPadding = 0

	// FaceSize is the side of the aligned face fed to the embedder.
	FaceSize = 64
)

// LandmarkLocator is the landmark port as exposed by accelerator.Adapter.
type LandmarkLocator interface {
	LocateLandmarks(crop *image.RGBA) ([geometry.LandmarkCount]geometry.PointF, error)
}

// Face is an aligned face. It must be released once the embedder is done with it.
type Face struct {
	Image     *image.RGBA
	Box       geometry.Box
	Landmarks geometry.Landmarks

	pool *sync.Pool
}

// Release returns the image buffer to its pool. The Face must not be used afterwards.
func (f *Face) Release() {
	if f == nil || f.pool == nil || f.Image == nil {
		return
	}
	f.pool.Put(f.Image)
	f.Image = nil
}

// Aligner owns the crop and face buffers. It is not safe for concurrent use
// by more than one loop, matching the single-threaded pipeline.
type Aligner struct {
	locator   LandmarkLocator
	reference geometry.Landmarks

	cropPool sync.Pool
	facePool sync.Pool
}

// New returns an Aligner using the 5-point reference constellation for FaceSize.
func New(locator LandmarkLocator) *Aligner {
	a := &Aligner{
		locator:   locator,
		reference: geometry.ReferencePoints(FaceSize),
	}
	a.cropPool.New = func() any { return image.NewRGBA(image.Rect(0, 0, CropSize, CropSize)) }
	a.facePool.New = func() any { return image.NewRGBA(image.Rect(0, 0, FaceSize, FaceSize)) }
	return a
}

// Align produces the aligned face for one detection. It returns either a
// complete Face or an error; no partial output is ever returned.
func (a *Aligner) Align(frame *image.RGBA, det types.Detection) (*Face, error) {
	bounds := frame.Bounds()
	box := geometry.ExpandBox(det.Box, BoxPadding, bounds.Dx(), bounds.Dy())

	crop := a.cropPool.Get().(*image.RGBA)
	draw.BiLinear.Scale(crop, crop.Bounds(), frame, box.Rect().Add(bounds.Min), draw.Src, nil)
	rel, err := a.locator.LocateLandmarks(crop)
	a.cropPool.Put(crop)
	if err != nil {
		return nil, fmt.Errorf("align: %w", err)
	}

	lm := ToFrame(rel, box)
	tr, err := geometry.ComputeAlignmentTransform(lm[:], a.reference[:])
	if err != nil {
		return nil, fmt.Errorf("align: %w", err)
	}

	img := a.facePool.Get().(*image.RGBA)
	clear(img.Pix)
	draw.BiLinear.Transform(img, tr.Aff3(), frame, bounds, draw.Src, nil)

	return &Face{Image: img, Box: box, Landmarks: lm, pool: &a.facePool}, nil
}

// ToFrame rescales crop-relative landmarks into frame pixel coordinates
// using the crop's offset and size.
func ToFrame(rel [geometry.LandmarkCount]geometry.PointF, box geometry.Box) geometry.Landmarks {
	var lm geometry.Landmarks
	for i, p := range rel {
		lm[i] = geometry.Point{
			X: int(p.X*float64(box.W) + float64(box.X)),
			Y: int(p.Y*float64(box.H) + float64(box.Y)),
		}
	}
	return lm
}
