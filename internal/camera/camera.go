// Package camera supplies frames to the session loop.
package camera

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/facehash/internal/utils"
)

// Default frame geometry (QVGA).
const (
	DefaultWidth  = 320
	DefaultHeight = 240
)

const megabyte = 1024 * 1024

// Camera returns one frame per call. io.EOF means the source is exhausted and
// *StreamError that it is broken; any other error is transient and the caller
// may try again.
type Camera interface {
	Snapshot() (*image.RGBA, error)
}

// LoadError reports a frame that could not be read or decoded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("camera: decode frame: %v", e.Err)
	}
	return fmt.Sprintf("camera: load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// StreamError reports a frame stream that can no longer produce frames. Unlike
// LoadError it is terminal: every later Snapshot returns the same error.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("camera: stream broken: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Fit returns img as an RGBA of exactly width x height, scaling bilinearly
// when the source has a different size.
func Fit(img image.Image, width, height int) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && b.Dx() == width && b.Dy() == height {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if b.Dx() == width && b.Dy() == height {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// FFmpeg reads MJPEG frames from an ffmpeg process decoding a V4L2 device or a
// video file.
type FFmpeg struct {
	Cmd     *utils.SafeCommand
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	width   int
	height  int
}

// OpenFFmpeg starts ffmpeg. The process keeps running until Close.
func OpenFFmpeg(input string, width, height int, device bool) (*FFmpeg, error) {
	cmd := utils.NewFFmpegCmd(input, width, height, device)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	sc := &utils.SafeCommand{Cmd: cmd, Stderr: stderr}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	return &FFmpeg{Cmd: sc, stdout: stdout, scanner: newFrameScanner(stdout, 16*megabyte), width: width, height: height}, nil
}

func newFrameScanner(r io.Reader, maxFrame int) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, min(megabyte, maxFrame)), maxFrame)
	scanner.Split(utils.SplitJpeg)
	return scanner
}

// Snapshot decodes the next JPEG from the pipe. A read failure or an
// oversized frame breaks the stream for good.
func (c *FFmpeg) Snapshot() (*image.RGBA, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, &StreamError{Err: err}
		}
		return nil, io.EOF
	}
	img, err := jpeg.Decode(bytes.NewReader(c.scanner.Bytes()))
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	return Fit(img, c.width, c.height), nil
}

func (c *FFmpeg) Close() error {
	c.stdout.Close()
	if c.Cmd.Process != nil {
		c.Cmd.Process.Kill()
	}
	c.Cmd.Wait()
	return nil
}

var stillExts = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}

// IsStill reports whether path has an image extension Dir can decode.
func IsStill(path string) bool {
	return slices.Contains(stillExts, strings.ToLower(filepath.Ext(path)))
}

// Dir replays the still images of a directory in lexical order.
type Dir struct {
	paths  []string
	next   int
	width  int
	height int
}

// OpenDir lists the stills in dir. It fails when there are none.
func OpenDir(dir string, width, height int) (*Dir, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsStill(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	slices.Sort(paths)
	return &Dir{paths: paths, width: width, height: height}, nil
}

// Len returns the number of frames the directory will produce.
func (d *Dir) Len() int { return len(d.paths) }

func (d *Dir) Snapshot() (*image.RGBA, error) {
	if d.next >= len(d.paths) {
		return nil, io.EOF
	}
	path := d.paths[d.next]
	d.next++

	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return Fit(img, d.width, d.height), nil
}
