package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facehash/internal/accelerator"
	"github.com/andresmejia3/facehash/internal/align"
	"github.com/andresmejia3/facehash/internal/camera"
	"github.com/andresmejia3/facehash/internal/digest"
	"github.com/andresmejia3/facehash/internal/geometry"
	"github.com/andresmejia3/facehash/internal/journal"
	"github.com/andresmejia3/facehash/internal/metrics"
	"github.com/andresmejia3/facehash/internal/protocol"
	"github.com/andresmejia3/facehash/internal/store"
	"github.com/andresmejia3/facehash/internal/trigger"
	"github.com/andresmejia3/facehash/internal/types"
)

const dim = 196

// vec returns a feature vector whose digest is unique per seed.
func vec(seed int) []float32 {
	v := make([]float32, dim)
	v[0] = (float32(seed%256) + 0.5) / 255
	v[1] = (float32(seed/256) + 0.5) / 255
	return v
}

func digestOf(t *testing.T, seed int) digest.Digest {
	t.Helper()
	d, err := digest.Hash(vec(seed))
	require.NoError(t, err)
	return d
}

// fakeAccelerator returns scripted detections per frame and scripted vectors
// per embed call.
type fakeAccelerator struct {
	frames    [][]types.Detection
	detectErr error

	vectors  [][]float32
	embedErr map[int]error

	landmarkErr error

	detectCalls int
	embedCalls  int
}

func (f *fakeAccelerator) Detect(*image.RGBA) ([]types.Detection, error) {
	i := f.detectCalls
	f.detectCalls++
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	if i < len(f.frames) {
		return f.frames[i], nil
	}
	return nil, nil
}

func (f *fakeAccelerator) LocateLandmarks(*image.RGBA) ([geometry.LandmarkCount]geometry.PointF, error) {
	var pts [geometry.LandmarkCount]geometry.PointF
	if f.landmarkErr != nil {
		return pts, f.landmarkErr
	}
	for i, p := range geometry.ReferencePoints(align.FaceSize) {
		pts[i] = geometry.PointF{X: float64(p.X) / align.FaceSize, Y: float64(p.Y) / align.FaceSize}
	}
	return pts, nil
}

func (f *fakeAccelerator) Embed(*image.RGBA) ([]float32, error) {
	i := f.embedCalls
	f.embedCalls++
	if err, ok := f.embedErr[i]; ok {
		return nil, err
	}
	if i < len(f.vectors) {
		return f.vectors[i], nil
	}
	return vec(0), nil
}

func det(x, y int) types.Detection {
	return types.Detection{Box: geometry.Box{X: x, Y: y, W: 80, H: 80}, Confidence: 0.9}
}

func frame() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 320, 240))
}

type rig struct {
	acc     *fakeAccelerator
	store   *store.Store
	trigger *trigger.Trigger
	wire    *bytes.Buffer
	p       *Pipeline
}

func newRig(acc *fakeAccelerator, st *store.Store, opts ...Option) *rig {
	r := &rig{
		acc:     acc,
		store:   st,
		trigger: trigger.New(trigger.WithDebounce(0)),
		wire:    &bytes.Buffer{},
	}
	r.p = New(nil, acc, st, r.trigger, protocol.NewSender(r.wire, 0), opts...)
	return r
}

func TestScenarioNoFaces(t *testing.T) {
	r := newRig(&fakeAccelerator{}, store.New(0))

	res, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	assert.Equal(t, "#", res.Message)
	assert.Equal(t, "#", r.wire.String())
	assert.Empty(t, res.Faces)
}

func TestScenarioEnrollWhenArmed(t *testing.T) {
	acc := &fakeAccelerator{
		frames:  [][]types.Detection{{det(100, 60)}},
		vectors: [][]float32{vec(7)},
	}
	r := newRig(acc, store.New(0))
	r.trigger.Edge()

	res, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	assert.Equal(t, "$08R,#", r.wire.String())
	assert.Equal(t, 1, r.store.Len())
	assert.False(t, r.trigger.Armed(), "the press is consumed")

	rec, ok := r.store.At(0)
	require.True(t, ok)
	assert.Equal(t, digestOf(t, 7), rec.Digest)
	assert.Equal(t, 0, res.Faces[0].Identity)
}

func TestScenarioMatchReportsOneBasedIndex(t *testing.T) {
	st := store.New(0)
	for _, seed := range []int{10, 11, 12} {
		_, err := st.Enroll(digestOf(t, seed))
		require.NoError(t, err)
	}
	acc := &fakeAccelerator{
		frames:  [][]types.Detection{{det(100, 60)}},
		vectors: [][]float32{vec(12)},
	}
	r := newRig(acc, st)

	res, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	assert.Equal(t, "$08Y03,#", r.wire.String())
	assert.Equal(t, 2, res.Faces[0].Identity)
	assert.Equal(t, DefaultThreshold+1, res.Faces[0].Score)
	assert.Equal(t, 3, st.Len(), "matching never grows the store")
}

func TestScenarioUnrecognized(t *testing.T) {
	st := store.New(0)
	_, err := st.Enroll(digestOf(t, 1))
	require.NoError(t, err)

	acc := &fakeAccelerator{
		frames:  [][]types.Detection{{det(100, 60)}},
		vectors: [][]float32{vec(2)},
	}
	r := newRig(acc, st)

	res, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	assert.Equal(t, "$08N,#", r.wire.String())
	assert.Equal(t, -1, res.Faces[0].Identity)
	assert.Zero(t, res.Faces[0].Score)
}

func TestShortFeatureVectorSkipsFace(t *testing.T) {
	acc := &fakeAccelerator{
		frames:  [][]types.Detection{{det(100, 60)}},
		vectors: [][]float32{make([]float32, 10)},
	}
	r := newRig(acc, store.New(0))
	r.trigger.Edge()

	res, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "#", res.Message, "every detection skipped")
	assert.True(t, r.trigger.Armed(), "a skipped face must not consume the press")
	assert.Zero(t, r.store.Len())
}

func TestLastFaceWinsAndPressEnrollsOnce(t *testing.T) {
	acc := &fakeAccelerator{
		frames:  [][]types.Detection{{det(20, 20), det(200, 100)}},
		vectors: [][]float32{vec(5), vec(5)},
	}
	r := newRig(acc, store.New(0))
	r.trigger.Edge()
	r.trigger.Edge() // coalesced

	res, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	require.Len(t, res.Faces, 2)
	assert.Equal(t, protocol.Registered, res.Faces[0].Code)
	assert.Equal(t, protocol.Code("Y01"), res.Faces[1].Code)
	assert.Equal(t, "$08Y01,#", res.Message)
	assert.Equal(t, 1, r.store.Len())
}

func TestSkippedFaceDoesNotHideLaterFaces(t *testing.T) {
	acc := &fakeAccelerator{
		frames:   [][]types.Detection{{det(20, 20), det(200, 100)}},
		vectors:  [][]float32{nil, vec(9)},
		embedErr: map[int]error{0: errors.New("kpu busy")},
	}
	r := newRig(acc, store.New(0))
	r.trigger.Edge()

	res, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "$08R,#", res.Message, "second face consumes the press")
}

func TestStoreFullReportsUnrecognized(t *testing.T) {
	st := store.New(1)
	_, err := st.Enroll(digestOf(t, 1))
	require.NoError(t, err)

	acc := &fakeAccelerator{
		frames:  [][]types.Detection{{det(100, 60)}},
		vectors: [][]float32{vec(2)},
	}
	r := newRig(acc, st)
	r.trigger.Edge()

	res, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	assert.Equal(t, "$08N,#", res.Message)
	assert.Equal(t, 1, st.Len())
}

func TestStoreFullStillMatchesKnownFace(t *testing.T) {
	st := store.New(1)
	_, err := st.Enroll(digestOf(t, 4))
	require.NoError(t, err)

	acc := &fakeAccelerator{
		frames:  [][]types.Detection{{det(100, 60)}},
		vectors: [][]float32{vec(4)},
	}
	r := newRig(acc, st)
	r.trigger.Edge()

	res, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	assert.Equal(t, "$08Y01,#", res.Message)
	require.Len(t, res.Faces, 1)
	assert.Equal(t, 0, res.Faces[0].Identity)
	assert.False(t, r.trigger.Armed(), "the press is spent")
	assert.Equal(t, 1, st.Len())
}

func TestConfigurationErrorIsFatal(t *testing.T) {
	cerr := &accelerator.ConfigurationError{Model: "embed", Reason: "expected 196 values, got 3"}
	acc := &fakeAccelerator{
		frames:   [][]types.Detection{{det(100, 60)}},
		embedErr: map[int]error{0: cerr},
	}
	r := newRig(acc, store.New(0))

	_, err := r.p.ProcessFrame(frame())
	require.Error(t, err)
	assert.True(t, isFatal(err))
	assert.Empty(t, r.wire.String(), "nothing is sent for an aborted frame")
}

func TestDetectorFailureDropsFrame(t *testing.T) {
	r := newRig(&fakeAccelerator{detectErr: errors.New("dma timeout")}, store.New(0))

	_, err := r.p.ProcessFrame(frame())
	require.Error(t, err)
	assert.False(t, isFatal(err))
	assert.Empty(t, r.wire.String())
}

// sliceCamera serves frames and errors in order, then io.EOF.
type sliceCamera struct {
	mu    sync.Mutex
	items []error // nil entry means "serve a frame"
}

func (c *sliceCamera) Snapshot() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return nil, io.EOF
	}
	err := c.items[0]
	c.items = c.items[1:]
	if err != nil {
		return nil, err
	}
	return frame(), nil
}

func TestRunUntilCameraExhausted(t *testing.T) {
	acc := &fakeAccelerator{
		frames: [][]types.Detection{
			{det(100, 60)},
			{det(100, 60)},
			nil,
		},
		vectors: [][]float32{vec(3), vec(3)},
	}
	cam := &sliceCamera{items: []error{nil, errors.New("usb hiccup"), nil, nil}}
	wire := &bytes.Buffer{}
	trg := trigger.New(trigger.WithDebounce(0))
	trg.Edge()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	var seen []FrameResult
	p := New(cam, acc, store.New(0), trg, protocol.NewSender(wire, 0),
		WithRetryDelay(0),
		WithMetrics(m),
		WithFrameHook(func(r FrameResult) { seen = append(seen, r) }),
	)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, "$08R,#$08Y01,##", wire.String())
	assert.Len(t, seen, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CameraErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Enrollments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Matches))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Frames))
}

func TestRunStopsOnConfigurationError(t *testing.T) {
	acc := &fakeAccelerator{
		frames:    [][]types.Detection{{det(100, 60)}},
		detectErr: &accelerator.ConfigurationError{Model: "detect", Reason: "runtime pipe broken"},
	}
	cam := &sliceCamera{items: []error{nil, nil}}
	p := New(cam, acc, store.New(0), trigger.New(), protocol.NewSender(io.Discard, 0))

	err := p.Run(context.Background())
	var cerr *accelerator.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, acc.detectCalls)
}

func TestRunStopsOnBrokenStream(t *testing.T) {
	acc := &fakeAccelerator{frames: [][]types.Detection{{}}}
	broken := &camera.StreamError{Err: bufio.ErrTooLong}
	cam := &sliceCamera{items: []error{nil, broken, nil}}
	p := New(cam, acc, store.New(0), trigger.New(), protocol.NewSender(io.Discard, 0), WithRetryDelay(0))

	err := p.Run(context.Background())
	require.ErrorIs(t, err, bufio.ErrTooLong)
	assert.Equal(t, 1, acc.detectCalls, "no frame is read after the stream breaks")
}

func TestRunHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(&sliceCamera{items: []error{nil}}, &fakeAccelerator{}, store.New(0), trigger.New(), protocol.NewSender(io.Discard, 0))
	assert.NoError(t, p.Run(ctx))
}

type memSink struct {
	events []journal.Event
}

func (m *memSink) InsertEvent(_ context.Context, e journal.Event) error {
	m.events = append(m.events, e)
	return nil
}

func TestJournalReceivesEveryFace(t *testing.T) {
	sink := &memSink{}
	w := journal.NewWriter(sink)
	acc := &fakeAccelerator{
		frames:  [][]types.Detection{{det(20, 20), det(200, 100)}},
		vectors: [][]float32{vec(1), vec(2)},
	}
	r := newRig(acc, store.New(0), WithJournal(w, "3f1c2d9e-0000-4000-8000-000000000001"))

	_, err := r.p.ProcessFrame(frame())
	require.NoError(t, err)
	w.Close()
	require.NoError(t, w.Run(context.Background()))

	require.Len(t, sink.events, 2)
	for _, e := range sink.events {
		assert.Equal(t, "N", e.Code)
		assert.Equal(t, uint64(1), e.Seq)
		assert.Equal(t, "3f1c2d9e-0000-4000-8000-000000000001", e.SessionID)
	}
}
