package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"testing"

	"github.com/andresmejia3/facehash/internal/accelerator"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func frame(body []byte) []byte {
	out := new(bytes.Buffer)
	binary.Write(out, binary.BigEndian, uint32(len(body)))
	out.Write(body)
	return out.Bytes()
}

func okFrame(payload []byte) []byte {
	return frame(append([]byte{statusOK}, payload...))
}

func errFrame(msg string) []byte {
	body := new(bytes.Buffer)
	body.WriteByte(statusError)
	binary.Write(body, binary.BigEndian, uint32(len(msg)))
	body.WriteString(msg)
	return frame(body.Bytes())
}

func mockWorker(kind Kind, responses ...[]byte) (*ModelWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range responses {
		dataPipeMock.Write(r)
	}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &ModelWorker{Kind: kind, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestInferRequestEncoding(t *testing.T) {
	w, stdin := mockWorker(KindEmbed, okFrame([]byte{0, 0, 0, 0}))

	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	copy(img.Pix, []byte{1, 2, 3, 255, 4, 5, 6, 255})

	if _, err := w.Infer(img); err != nil {
		t.Fatalf("Infer failed: %v", err)
	}

	sent := stdin.Bytes()
	// [len=10][w=2][h=1][RGB RGB]
	want := []byte{0, 0, 0, 10, 0, 2, 0, 1, 1, 2, 3, 4, 5, 6}
	if !bytes.Equal(sent, want) {
		t.Errorf("Expected request %v, got %v", want, sent)
	}
}

func TestDetect(t *testing.T) {
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [4]int32{10, 20, 30, 40})
	binary.Write(payload, binary.BigEndian, float32(0.9))
	binary.Write(payload, binary.BigEndian, [4]int32{100, 50, 64, 64})
	binary.Write(payload, binary.BigEndian, float32(0.75))

	w, _ := mockWorker(KindDetect, okFrame(payload.Bytes()))
	dets, err := NewDetector(w).Detect(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}
	if dets[1].Box.X != 100 || dets[1].Box.W != 64 || dets[1].Confidence != 0.75 {
		t.Errorf("Second detection decoded wrong: %+v", dets[1])
	}
}

func TestDetectNoFaces(t *testing.T) {
	w, _ := mockWorker(KindDetect, okFrame([]byte{0, 0, 0, 0}))
	dets, err := NewDetector(w).Detect(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil || len(dets) != 0 {
		t.Errorf("Expected no detections and no error, got %v, %v", dets, err)
	}
}

func TestTruncatedPayloadIsConfigurationError(t *testing.T) {
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(3)) // claims 3 boxes
	binary.Write(payload, binary.BigEndian, [4]int32{1, 2, 3, 4})

	w, _ := mockWorker(KindDetect, okFrame(payload.Bytes()))
	_, err := NewDetector(w).Detect(image.NewRGBA(image.Rect(0, 0, 4, 4)))

	var cerr *accelerator.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
	if cerr.Model != string(KindDetect) {
		t.Errorf("Expected model %q, got %q", KindDetect, cerr.Model)
	}
}

func TestLandmarksSigmoid(t *testing.T) {
	logits := []float32{0, 0, 2, -2, 0, 1, -1, 3, -3, 0}
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(len(logits)))
	binary.Write(payload, binary.BigEndian, logits)

	w, _ := mockWorker(KindLandmark, okFrame(payload.Bytes()))
	pts, err := NewLandmarks(w).LocateLandmarks(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatalf("LocateLandmarks failed: %v", err)
	}
	if len(pts) != 5 {
		t.Fatalf("Expected 5 points, got %d", len(pts))
	}
	if math.Abs(pts[0].X-0.5) > 1e-9 || math.Abs(pts[0].Y-0.5) > 1e-9 {
		t.Errorf("Zero logit must map to 0.5, got %+v", pts[0])
	}
	if pts[1].X <= 0.5 || pts[1].Y >= 0.5 {
		t.Errorf("Sign of logits not preserved: %+v", pts[1])
	}
}

func TestLandmarksOddCount(t *testing.T) {
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(3))
	binary.Write(payload, binary.BigEndian, []float32{1, 2, 3})

	w, _ := mockWorker(KindLandmark, okFrame(payload.Bytes()))
	_, err := NewLandmarks(w).LocateLandmarks(image.NewRGBA(image.Rect(0, 0, 8, 8)))

	var cerr *accelerator.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
}

func TestEmbed(t *testing.T) {
	vec := make([]float32, 196)
	vec[0] = 0.5
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(len(vec)))
	binary.Write(payload, binary.BigEndian, vec)

	w, _ := mockWorker(KindEmbed, okFrame(payload.Bytes()))
	got, err := NewEmbedder(w).Embed(image.NewRGBA(image.Rect(0, 0, 64, 64)))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(got) != 196 || got[0] != 0.5 {
		t.Errorf("Embedding decoded wrong: len=%d first=%f", len(got), got[0])
	}
}

func TestRuntimeErrorStatus(t *testing.T) {
	errMsg := "kpu: out of memory"
	w, _ := mockWorker(KindEmbed, errFrame(errMsg))

	_, err := NewEmbedder(w).Embed(image.NewRGBA(image.Rect(0, 0, 64, 64)))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "runtime error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "runtime error: "+errMsg, err)
	}
	// Per-call runtime errors are recoverable, not configuration errors
	var cerr *accelerator.ConfigurationError
	if errors.As(err, &cerr) {
		t.Error("Status 1 on inference must not be a ConfigurationError")
	}
}

func TestBrokenPipeIsConfigurationError(t *testing.T) {
	w, _ := mockWorker(KindDetect) // nothing to read
	_, err := w.Infer(image.NewRGBA(image.Rect(0, 0, 2, 2)))

	var cerr *accelerator.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigurationError for a dead runtime, got %v", err)
	}
}

func TestHandshake(t *testing.T) {
	w, _ := mockWorker(KindDetect, okFrame(nil))
	if err := w.handshake(); err != nil {
		t.Errorf("Ready frame rejected: %v", err)
	}

	w, _ = mockWorker(KindEmbed, errFrame("model file is not a kmodel"))
	err := w.handshake()
	var cerr *accelerator.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
	var rerr *RuntimeError
	if !errors.As(err, &rerr) || rerr.Msg != "model file is not a kmodel" {
		t.Errorf("Runtime message not preserved: %v", err)
	}
}

func TestModelFilesPath(t *testing.T) {
	m := ModelFiles{Dir: "/sd", Detect: "detect.kmodel", Landmark: "ld5.kmodel", Embed: "feature.kmodel"}
	if got := m.Path(KindLandmark); got != "/sd/ld5.kmodel" {
		t.Errorf("Expected /sd/ld5.kmodel, got %s", got)
	}
}

// TestHelperProcess is not a real test. It is re-executed by TestStartRealProcess
// as a stand-in accelerator runtime that answers on FD 3.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("FACEHASH_HELPER_RUNTIME")
	if mode == "" {
		return
	}
	out := os.NewFile(3, "data")
	if mode == "fail" {
		fmt.Fprintln(os.Stderr, "loading model: bad magic")
		out.Write(errFrame("bad magic"))
		os.Exit(1)
	}
	out.Write(okFrame(nil))

	// Echo the image size back as a 2-value embedding.
	for {
		var n uint32
		if err := binary.Read(os.Stdin, binary.BigEndian, &n); err != nil {
			os.Exit(0)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(os.Stdin, body); err != nil {
			os.Exit(0)
		}
		w := binary.BigEndian.Uint16(body[0:2])
		h := binary.BigEndian.Uint16(body[2:4])
		payload := new(bytes.Buffer)
		binary.Write(payload, binary.BigEndian, uint32(2))
		binary.Write(payload, binary.BigEndian, []float32{float32(w), float32(h)})
		out.Write(okFrame(payload.Bytes()))
	}
}

func TestStartRealProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	runtime := os.Args[0] + " -test.run=TestHelperProcess --"

	t.Setenv("FACEHASH_HELPER_RUNTIME", "ok")
	w, err := Start(runtime, KindEmbed, "feature.kmodel")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Close()

	vec, err := NewEmbedder(w).Embed(image.NewRGBA(image.Rect(0, 0, 3, 2)))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 3 || vec[1] != 2 {
		t.Errorf("Expected [3 2], got %v", vec)
	}

	t.Setenv("FACEHASH_HELPER_RUNTIME", "fail")
	_, err = Start(runtime, KindDetect, "detect.kmodel")
	var cerr *accelerator.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
}

func TestStartMissingRuntime(t *testing.T) {
	_, err := Start("", KindDetect, "detect.kmodel")
	var cerr *accelerator.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigurationError for empty runtime, got %v", err)
	}

	_, err = Start("/nonexistent/kpu-runtime", KindDetect, "detect.kmodel")
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigurationError for missing binary, got %v", err)
	}
}
