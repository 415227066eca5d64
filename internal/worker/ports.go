package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facehash/internal/accelerator"
	"github.com/andresmejia3/facehash/internal/geometry"
	"github.com/andresmejia3/facehash/internal/types"
)

// inferer is the part of ModelWorker the ports need.
type inferer interface {
	Infer(img *image.RGBA) ([]byte, error)
}

func truncated(kind Kind, err error) error {
	return &accelerator.ConfigurationError{Model: string(kind), Reason: "truncated payload", Err: err}
}

// Detector adapts a detect runtime to accelerator.Detector.
type Detector struct{ w inferer }

func NewDetector(w inferer) *Detector { return &Detector{w: w} }

// Detect decodes [uint32 n] followed by n x [int32 x,y,w,h][float32 conf].
func (d *Detector) Detect(frame *image.RGBA) ([]types.Detection, error) {
	payload, err := d.w.Infer(frame)
	if err != nil {
		return nil, err
	}
	rd := bytes.NewReader(payload)

	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, truncated(KindDetect, err)
	}
	const recordSize = 4*4 + 4
	if int64(n)*recordSize > int64(rd.Len()) {
		return nil, truncated(KindDetect, fmt.Errorf("%d boxes announced, %d bytes left", n, rd.Len()))
	}

	dets := make([]types.Detection, 0, n)
	for range n {
		var rec struct {
			Box  [4]int32
			Conf float32
		}
		if err := binary.Read(rd, binary.BigEndian, &rec); err != nil {
			return nil, truncated(KindDetect, err)
		}
		dets = append(dets, types.Detection{
			Box:        geometry.Box{X: int(rec.Box[0]), Y: int(rec.Box[1]), W: int(rec.Box[2]), H: int(rec.Box[3])},
			Confidence: rec.Conf,
		})
	}
	return dets, nil
}

// Landmarks adapts a landmark runtime to accelerator.LandmarkLocator.
type Landmarks struct{ w inferer }

func NewLandmarks(w inferer) *Landmarks { return &Landmarks{w: w} }

// LocateLandmarks decodes interleaved x,y logits and maps them through the
// sigmoid to crop-relative coordinates.
func (l *Landmarks) LocateLandmarks(crop *image.RGBA) ([]geometry.PointF, error) {
	logits, err := readFloats(l.w, crop, KindLandmark)
	if err != nil {
		return nil, err
	}
	if len(logits)%2 != 0 {
		return nil, &accelerator.ConfigurationError{Model: string(KindLandmark), Reason: fmt.Sprintf("odd logit count %d", len(logits))}
	}
	pts := make([]geometry.PointF, len(logits)/2)
	for i := range pts {
		pts[i] = geometry.PointF{X: accelerator.Sigmoid(logits[2*i]), Y: accelerator.Sigmoid(logits[2*i+1])}
	}
	return pts, nil
}

// Embedder adapts an embed runtime to accelerator.Embedder.
type Embedder struct{ w inferer }

func NewEmbedder(w inferer) *Embedder { return &Embedder{w: w} }

func (e *Embedder) Embed(face *image.RGBA) ([]float32, error) {
	return readFloats(e.w, face, KindEmbed)
}

// readFloats decodes [uint32 n][n x float32].
func readFloats(w inferer, img *image.RGBA, kind Kind) ([]float32, error) {
	payload, err := w.Infer(img)
	if err != nil {
		return nil, err
	}
	rd := bytes.NewReader(payload)
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, truncated(kind, err)
	}
	if int64(n)*4 > int64(rd.Len()) {
		return nil, truncated(kind, fmt.Errorf("%d values announced, %d bytes left", n, rd.Len()))
	}
	out := make([]float32, n)
	if err := binary.Read(rd, binary.BigEndian, out); err != nil {
		return nil, truncated(kind, err)
	}
	return out, nil
}

// ModelFiles names the three model files inside a model directory.
type ModelFiles struct {
	Dir      string
	Detect   string
	Landmark string
	Embed    string
}

// Path returns the absolute location of the model for kind.
func (m ModelFiles) Path(kind Kind) string {
	var name string
	switch kind {
	case KindDetect:
		name = m.Detect
	case KindLandmark:
		name = m.Landmark
	case KindEmbed:
		name = m.Embed
	}
	return filepath.Join(m.Dir, name)
}

// Set holds one running worker per model.
type Set struct {
	Detect   *ModelWorker
	Landmark *ModelWorker
	Embed    *ModelWorker
}

// StartSet brings the three runtimes up in parallel. If any fails the others
// are shut down and the first error is returned.
func StartSet(runtime string, files ModelFiles) (*Set, error) {
	s := &Set{}
	g := new(errgroup.Group)
	for _, slot := range []struct {
		kind Kind
		dst  **ModelWorker
	}{
		{KindDetect, &s.Detect},
		{KindLandmark, &s.Landmark},
		{KindEmbed, &s.Embed},
	} {
		g.Go(func() error {
			w, err := Start(runtime, slot.kind, files.Path(slot.kind))
			if err != nil {
				return err
			}
			*slot.dst = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Adapter wraps the set in the shape-checking accelerator.Adapter.
func (s *Set) Adapter(embeddingDim int) (*accelerator.Adapter, error) {
	return accelerator.NewAdapter(NewDetector(s.Detect), NewLandmarks(s.Landmark), NewEmbedder(s.Embed), embeddingDim)
}

func (s *Set) Close() {
	for _, w := range []*ModelWorker{s.Detect, s.Landmark, s.Embed} {
		if w != nil {
			w.Close()
		}
	}
}
