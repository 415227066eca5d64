// Package session runs the per-frame recognition loop: snapshot, detect,
// align, embed, digest, enroll or match, and one wire message per frame.
//
// The loop is single-threaded. The only state it shares with other
// goroutines is the trigger's armed flag and the journal queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/andresmejia3/facehash/internal/accelerator"
	"github.com/andresmejia3/facehash/internal/align"
	"github.com/andresmejia3/facehash/internal/camera"
	"github.com/andresmejia3/facehash/internal/digest"
	"github.com/andresmejia3/facehash/internal/display"
	"github.com/andresmejia3/facehash/internal/journal"
	"github.com/andresmejia3/facehash/internal/metrics"
	"github.com/andresmejia3/facehash/internal/protocol"
	"github.com/andresmejia3/facehash/internal/store"
	"github.com/andresmejia3/facehash/internal/trigger"
	"github.com/andresmejia3/facehash/internal/types"
)

// DefaultThreshold is the similarity threshold the reported score derives from.
const DefaultThreshold = 80.5

// Accelerator is the set of model calls the loop makes. *accelerator.Adapter
// satisfies it.
type Accelerator interface {
	Detect(frame *image.RGBA) ([]types.Detection, error)
	align.LandmarkLocator
	Embed(face *image.RGBA) ([]float32, error)
}

// FrameResult is everything one iteration produced.
type FrameResult struct {
	Seq     uint64
	Faces   []types.FaceResult
	Skipped int
	Message string
}

// Pipeline owns the enrollment store and drives the loop.
type Pipeline struct {
	camera  camera.Camera
	acc     Accelerator
	aligner *align.Aligner
	store   *store.Store
	trigger *trigger.Trigger
	sender  *protocol.Sender

	display   display.Display
	metrics   *metrics.Metrics
	journal   *journal.Writer
	sessionID string
	logger    *slog.Logger
	threshold float64
	retry     time.Duration
	onFrame   func(FrameResult)

	seq uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithDisplay sets where annotated frames go. The default is display.Nop.
func WithDisplay(d display.Display) Option {
	return func(p *Pipeline) { p.display = d }
}

// WithMetrics enables pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithJournal records every face outcome under sessionID.
func WithJournal(w *journal.Writer, sessionID string) Option {
	return func(p *Pipeline) {
		p.journal = w
		p.sessionID = sessionID
	}
}

// WithThreshold sets the similarity threshold the reported score derives from.
func WithThreshold(t float64) Option {
	return func(p *Pipeline) { p.threshold = t }
}

// WithRetryDelay sets the pause after a failed snapshot.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.retry = d }
}

// WithFrameHook is called after every processed frame.
func WithFrameHook(fn func(FrameResult)) Option {
	return func(p *Pipeline) { p.onFrame = fn }
}

// New builds a pipeline over the given collaborators. The aligner shares acc
// for landmark calls.
func New(cam camera.Camera, acc Accelerator, st *store.Store, trg *trigger.Trigger, sender *protocol.Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		camera:    cam,
		acc:       acc,
		aligner:   align.New(acc),
		store:     st,
		trigger:   trg,
		sender:    sender,
		display:   display.Nop{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		threshold: DefaultThreshold,
		retry:     50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store exposes the enrollment store for reporting.
func (p *Pipeline) Store() *store.Store { return p.store }

// Run loops until ctx is cancelled or the camera is exhausted. It returns an
// error only for failures that cannot be retried: a broken camera stream or a
// misconfigured accelerator.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		img, err := p.camera.Snapshot()
		if errors.Is(err, io.EOF) {
			p.logger.Info("camera exhausted", "frames", p.seq)
			return nil
		}
		var serr *camera.StreamError
		if errors.As(err, &serr) {
			return fmt.Errorf("frame %d: %w", p.seq+1, err)
		}
		if err != nil {
			p.logger.Warn("snapshot failed", "error", err)
			if p.metrics != nil {
				p.metrics.CameraErrors.Inc()
			}
			if !p.wait(ctx) {
				return nil
			}
			continue
		}

		if _, err := p.ProcessFrame(img); err != nil {
			if isFatal(err) {
				return err
			}
			p.logger.Warn("frame dropped", "seq", p.seq, "error", err)
		}
	}
}

func (p *Pipeline) wait(ctx context.Context) bool {
	if p.retry <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(p.retry):
		return true
	}
}

// ProcessFrame runs one iteration on an already captured frame and sends its
// wire message. A detector failure ends the iteration without a message.
func (p *Pipeline) ProcessFrame(img *image.RGBA) (FrameResult, error) {
	start := time.Now()
	p.seq++
	res := FrameResult{Seq: p.seq}

	dets, err := p.acc.Detect(img)
	if err != nil {
		return res, fmt.Errorf("frame %d: %w", p.seq, err)
	}
	if p.metrics != nil {
		p.metrics.Detections.Add(float64(len(dets)))
	}

	var last protocol.Code
	for _, det := range dets {
		face, stage, err := p.processFace(img, det)
		if err != nil {
			if isFatal(err) {
				return res, err
			}
			res.Skipped++
			p.logger.Warn("face skipped", "seq", p.seq, "stage", stage, "box", det.Box, "error", err)
			if p.metrics != nil {
				p.metrics.IncrementSkipped(stage)
			}
			continue
		}
		res.Faces = append(res.Faces, face)
		last = face.Code
	}

	res.Message = protocol.Encode(last, len(res.Faces) > 0)
	if err := p.sender.Send(res.Message); err != nil {
		return res, err
	}

	p.present(img, res)
	p.record(res)
	if p.metrics != nil {
		p.metrics.ObserveFrame(start)
		p.metrics.StoreSize.Set(float64(p.store.Len()))
	}
	if p.onFrame != nil {
		p.onFrame(res)
	}
	return res, nil
}

// processFace returns the outcome for one detection, or the stage that failed.
func (p *Pipeline) processFace(img *image.RGBA, det types.Detection) (types.FaceResult, string, error) {
	face, err := p.aligner.Align(img, det)
	if err != nil {
		return types.FaceResult{}, "align", err
	}
	vec, err := p.acc.Embed(face.Image)
	box, lm := face.Box, face.Landmarks
	face.Release()
	if err != nil {
		return types.FaceResult{}, "embed", err
	}
	d, err := digest.Hash(vec)
	if err != nil {
		return types.FaceResult{}, "digest", err
	}

	out := types.FaceResult{Box: box, Landmarks: lm, Identity: -1}

	// The trigger is only consumed by a face that produced a digest.
	if p.trigger.Consume() {
		idx, err := p.store.Enroll(d)
		if err == nil {
			p.logger.Info("enrolled", "seq", p.seq, "index", idx, "digest", d.Short())
			out.Code = protocol.Registered
			out.Identity = idx
			out.Score = p.threshold + 1
			if p.metrics != nil {
				p.metrics.Enrollments.Inc()
			}
			return out, "", nil
		}
		// A rejected enrollment still reports a known face.
		p.logger.Warn("enrollment rejected", "records", p.store.Len(), "error", err)
	}

	if idx, ok := p.store.Match(d); ok {
		out.Code = protocol.Matched(idx)
		out.Identity = idx
		out.Score = p.threshold + 1
		if p.metrics != nil {
			p.metrics.Matches.Inc()
		}
		return out, "", nil
	}

	out.Code = protocol.Unrecognized
	if p.metrics != nil {
		p.metrics.Unrecognized.Inc()
	}
	return out, "", nil
}

func (p *Pipeline) present(img *image.RGBA, res FrameResult) {
	anns := make([]display.Annotation, 0, len(res.Faces))
	for _, f := range res.Faces {
		anns = append(anns, display.Annotation{Box: f.Box, Landmarks: f.Landmarks, Identity: f.Identity, Score: f.Score})
	}
	p.display.DrawOverlay(img, anns)
	if err := p.display.Present(img); err != nil {
		p.logger.Warn("present failed", "seq", res.Seq, "error", err)
	}
}

func (p *Pipeline) record(res FrameResult) {
	if p.journal == nil {
		return
	}
	for _, f := range res.Faces {
		p.journal.Record(journal.Event{
			SessionID: p.sessionID,
			Seq:       res.Seq,
			Code:      string(f.Code),
			Identity:  f.Identity,
			Score:     f.Score,
			Box:       f.Box,
		})
	}
}

func isFatal(err error) bool {
	var cerr *accelerator.ConfigurationError
	return errors.As(err, &cerr)
}
