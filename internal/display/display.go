// Package display renders per-face annotations over a frame and presents it.
package display

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/facehash/internal/geometry"
)

// Annotation is what the overlay shows for one face.
type Annotation struct {
	Box       geometry.Box
	Landmarks geometry.Landmarks
	Identity  int // -1 when unrecognized
	Score     float64
}

// Label returns the caption drawn above the box.
func (a Annotation) Label() string {
	if a.Identity < 0 {
		return fmt.Sprintf("unregistered,score:%2.1f", a.Score)
	}
	return fmt.Sprintf("person:%d,score:%2.1f", a.Identity+1, a.Score)
}

// Display is the optional visual output of the loop.
type Display interface {
	DrawOverlay(frame *image.RGBA, anns []Annotation)
	Present(frame *image.RGBA) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) DrawOverlay(*image.RGBA, []Annotation) {}
func (Nop) Present(*image.RGBA) error             { return nil }

var (
	boxColor      = color.RGBA{R: 255, A: 255}
	landmarkColor = color.RGBA{G: 255, A: 255}
	textColor     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	fpsColor      = color.RGBA{G: 60, B: 255, A: 255}
	hintColor     = color.RGBA{R: 255, G: 100, A: 255}
)

// EnrollHint is the status line telling the operator how to enroll.
const EnrollHint = "press enter to register face"

// Snapshots draws overlays in place and writes every Nth presented frame to
// Dir as a JPEG.
type Snapshots struct {
	Dir   string
	Every int
	count int

	clock clockwork.Clock
	last  time.Time
}

// NewSnapshots creates dir if needed. every < 1 is treated as 1.
func NewSnapshots(dir string, every int) (*Snapshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	return &Snapshots{Dir: dir, Every: max(every, 1), clock: clockwork.NewRealClock()}, nil
}

// DrawOverlay draws every annotation plus the frame rate and the enroll hint.
func (s *Snapshots) DrawOverlay(frame *image.RGBA, anns []Annotation) {
	for _, a := range anns {
		drawRect(frame, a.Box.Rect(), boxColor)
		for _, p := range a.Landmarks {
			drawCross(frame, p, landmarkColor)
		}
		drawText(frame, a.Box.X, a.Box.Y-2, a.Label(), textColor)
	}
	b := frame.Bounds()
	drawText(frame, b.Min.X, b.Min.Y, fmt.Sprintf("%2.1ffps", s.tick()), fpsColor)
	drawText(frame, b.Min.X, b.Max.Y-basicfont.Face7x13.Descent, EnrollHint, hintColor)
}

// tick returns the rate implied by the time since the previous call, 0 on
// the first one.
func (s *Snapshots) tick() float64 {
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	now := s.clock.Now()
	prev := s.last
	s.last = now
	if prev.IsZero() || !now.After(prev) {
		return 0
	}
	return float64(time.Second) / float64(now.Sub(prev))
}

func (s *Snapshots) Present(frame *image.RGBA) error {
	s.count++
	if (s.count-1)%s.Every != 0 {
		return nil
	}
	path := filepath.Join(s.Dir, fmt.Sprintf("frame_%06d.jpg", s.count))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, frame, &jpeg.Options{Quality: 85})
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for x := r.Min.X; x < r.Max.X; x++ {
		img.SetRGBA(x, r.Min.Y, c)
		img.SetRGBA(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.SetRGBA(r.Min.X, y, c)
		img.SetRGBA(r.Max.X-1, y, c)
	}
}

func drawCross(img *image.RGBA, p geometry.Point, c color.RGBA) {
	for d := -2; d <= 2; d++ {
		img.SetRGBA(p.X+d, p.Y, c)
		img.SetRGBA(p.X, p.Y+d, c)
	}
}

// drawText writes s with its baseline at y, keeping it inside the frame.
func drawText(img *image.RGBA, x, y int, s string, c color.RGBA) {
	face := basicfont.Face7x13
	y = max(y, face.Ascent)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
