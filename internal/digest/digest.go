// Package digest reduces a face feature vector to a fixed 32-byte salted,
// iterated hash. Two faces are considered the same identity only when their
// digests are byte-for-byte equal.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// QuantizedLen is the number of leading feature values that enter the digest.
	QuantizedLen = 16
	// Size is the digest length in bytes.
	Size = sha256.Size
	// Iterations is the PBKDF2 round count.
	Iterations = 50
)

// Salt is the process-wide salt. It is compiled in, not generated per
// enrollment, so identical features always produce identical digests.
var Salt = []byte("k210_secure_salt!")

// Digest is the hash of a quantized feature vector.
type Digest [Size]byte

// String returns the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns a 12-character hex prefix for log lines.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:6])
}

// Error reports a feature vector that cannot be digested.
type Error struct {
	Got  int
	Want int
}

func (e *Error) Error() string {
	return fmt.Sprintf("digest: feature vector has %d values, need at least %d", e.Got, e.Want)
}

// Quantize clamps the first QuantizedLen values to [0,1] and scales them to
// bytes, truncating toward zero. Values past QuantizedLen are ignored.
func Quantize(feature []float32) ([]byte, error) {
	if len(feature) < QuantizedLen {
		return nil, &Error{Got: len(feature), Want: QuantizedLen}
	}
	out := make([]byte, QuantizedLen)
	for i, v := range feature[:QuantizedLen] {
		x := float64(v)
		switch {
		case x != x || x < 0:
			// NaN quantizes like a negative value.
			x = 0
		case x > 1:
			x = 1
		}
		out[i] = byte(int(x * 255))
	}
	return out, nil
}

// Hash quantizes the feature vector and derives its digest with
// PBKDF2-HMAC-SHA256 over quantized||Salt, salted with Salt.
func Hash(feature []float32) (Digest, error) {
	q, err := Quantize(feature)
	if err != nil {
		return Digest{}, err
	}
	password := make([]byte, 0, len(q)+len(Salt))
	password = append(password, q...)
	password = append(password, Salt...)

	var d Digest
	copy(d[:], pbkdf2.Key(password, Salt, Iterations, Size, sha256.New))
	return d, nil
}
