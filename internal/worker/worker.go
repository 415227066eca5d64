// Package worker runs each neural model inside its own accelerator runtime
// process and speaks a length-prefixed binary protocol with it.
//
// Requests go to the runtime on stdin. Responses come back on a dedicated
// pipe that the child sees as FD 3, so runtime logging on stdout or stderr
// never corrupts the data stream.
package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/andresmejia3/facehash/internal/accelerator"
	"github.com/andresmejia3/facehash/internal/utils" // Using the SafeCommand wrapper
)

// Kind selects which model a runtime process serves.
type Kind string

const (
	KindDetect   Kind = "detect"
	KindLandmark Kind = "landmark"
	KindEmbed    Kind = "embed"
)

const (
	statusOK    byte = 0
	statusError byte = 1

	// maxFrame bounds a single response so a corrupted header cannot make us
	// allocate gigabytes.
	maxFrame = 16 << 20
)

// RuntimeError is an error reported by the runtime itself (status 1).
// Logs holds whatever the process wrote to stderr, when known.
type RuntimeError struct {
	Msg  string
	Logs string
}

func (e *RuntimeError) Error() string {
	return "runtime error: " + e.Msg
}

type ModelWorker struct {
	Kind     Kind
	Model    string
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu  sync.Mutex
	buf bytes.Buffer
}

// Start launches `<runtime> --model <path> --kind <kind>` and waits for the
// ready frame. Any failure to come up is an *accelerator.ConfigurationError.
func Start(runtime string, kind Kind, modelPath string) (*ModelWorker, error) {
	fields := strings.Fields(runtime)
	if len(fields) == 0 {
		return nil, &accelerator.ConfigurationError{Model: string(kind), Reason: "no runtime command configured"}
	}
	args := append(fields[1:], "--model", modelPath, "--kind", string(kind))

	// 1. Initialize the SafeCommand so a crash leaves its stderr behind
	rt := utils.NewSafeCommand(fields[0], args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	rt.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := rt.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := rt.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, &accelerator.ConfigurationError{Model: string(kind), Reason: "runtime failed to start", Err: err}
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	mw := &ModelWorker{
		Kind:     kind,
		Model:    modelPath,
		Cmd:      rt,
		Stdin:    stdin,
		DataPipe: r,
	}
	if err := mw.handshake(); err != nil {
		mw.Close()
		return nil, err
	}
	return mw, nil
}

// handshake consumes the ready frame the runtime sends after loading its model.
func (w *ModelWorker) handshake() error {
	body, err := readFrame(w.DataPipe)
	if err != nil {
		return &accelerator.ConfigurationError{
			Model:  string(w.Kind),
			Reason: "runtime exited before ready",
			Err:    &RuntimeError{Msg: err.Error(), Logs: w.Cmd.Logs()},
		}
	}
	if _, err := parseResponse(body); err != nil {
		var rerr *RuntimeError
		if errors.As(err, &rerr) {
			rerr.Logs = w.Cmd.Logs()
		}
		return &accelerator.ConfigurationError{Model: string(w.Kind), Reason: "model load failed", Err: err}
	}
	return nil
}

// Communicate sends one request frame and returns the raw response frame.
func (w *ModelWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return readFrame(w.DataPipe)
}

// Infer sends an image and returns the status-0 payload. A runtime that has
// gone away is reported as a ConfigurationError since it cannot recover.
func (w *ModelWorker) Infer(img *image.RGBA) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset()
	encodeRequest(&w.buf, img)

	resp, err := w.Communicate(w.buf.Bytes())
	if err != nil {
		return nil, &accelerator.ConfigurationError{Model: string(w.Kind), Reason: "runtime pipe broken", Err: err}
	}
	return parseResponse(resp)
}

func (w *ModelWorker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err // This is where we catch a runtime that crashed on load
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxFrame {
		return nil, fmt.Errorf("response frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(r, body)
	return body, err
}

// parseResponse splits [status][payload]. Status 1 carries [uint32 len][msg].
func parseResponse(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, errors.New("empty response")
	}
	switch body[0] {
	case statusOK:
		return body[1:], nil
	case statusError:
		rd := bytes.NewReader(body[1:])
		var n uint32
		if err := binary.Read(rd, binary.BigEndian, &n); err != nil || int(n) > rd.Len() {
			return nil, &RuntimeError{Msg: "malformed error response"}
		}
		msg := make([]byte, n)
		rd.Read(msg)
		return nil, &RuntimeError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown response status %d", body[0])
	}
}

// encodeRequest writes [uint16 w][uint16 h][packed RGB].
func encodeRequest(buf *bytes.Buffer, img *image.RGBA) {
	b := img.Bounds()
	binary.Write(buf, binary.BigEndian, uint16(b.Dx()))
	binary.Write(buf, binary.BigEndian, uint16(b.Dy()))
	buf.Grow(b.Dx() * b.Dy() * 3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			buf.Write(row[i : i+3])
		}
	}
}
