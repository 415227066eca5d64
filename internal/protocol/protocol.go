// Package protocol encodes the per-frame result message sent over the serial link.
//
// A frame with faces produces "$08" + code + ",#"; a frame without faces
// produces "#". The code is R (registered), N (not recognized) or Y followed
// by the 1-based identity, zero-padded to two digits.
package protocol

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// Idle is sent for frames without faces.
	Idle = "#"

	header  = "$08"
	trailer = ",#"
)

// Code is the status of one face.
type Code string

const (
	Registered   Code = "R"
	Unrecognized Code = "N"
)

// Matched returns the code for a face matched to the 0-based store index.
func Matched(index int) Code {
	return Code(fmt.Sprintf("Y%02d", index+1))
}

// Encode builds the wire message for a frame. detected reports whether the
// frame produced a face code; when false the idle message is returned.
func Encode(code Code, detected bool) string {
	if !detected || code == "" {
		return Idle
	}
	return header + string(code) + trailer
}

// Sender writes one message per frame to the serial link.
type Sender struct {
	mu    sync.Mutex
	w     io.Writer
	delay time.Duration
	sleep func(time.Duration)
}

// NewSender wraps w. delay is waited before every face message; idle
// messages are written immediately.
func NewSender(w io.Writer, delay time.Duration) *Sender {
	return &Sender{w: w, delay: delay, sleep: time.Sleep}
}

// Send writes msg as a single write.
func (s *Sender) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg != Idle && s.delay > 0 {
		s.sleep(s.delay)
	}
	if _, err := io.WriteString(s.w, msg); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}
