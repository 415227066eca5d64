package cmd

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facehash/internal/camera"
	"github.com/andresmejia3/facehash/internal/display"
	"github.com/andresmejia3/facehash/internal/protocol"
	"github.com/andresmejia3/facehash/internal/session"
	"github.com/andresmejia3/facehash/internal/store"
	"github.com/andresmejia3/facehash/internal/trigger"
	"github.com/andresmejia3/facehash/internal/utils"
)

var (
	replayOpts Options
	replayArm  string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run the recognition loop over a video file or a directory of stills",
	Long: `Replays recorded input through the same pipeline as 'run'. Enrollment
presses are scripted with --arm, a comma separated list of 1-based frame numbers.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := validateReplayFlags(&replayOpts); err != nil {
			utils.Die("Invalid replay options", err, nil)
		}
		arm, err := parseArmFrames(replayArm)
		if err != nil {
			utils.Die("Invalid --arm list", err, nil)
		}
		if err := runReplay(cmd.Context(), replayOpts, arm); err != nil {
			utils.Die("Replay failed", err, nil)
		}
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.InputPath, "input", "i", "", "Video file or directory of images")
	replayCmd.Flags().StringVar(&replayArm, "arm", "", "Frames before which the enrollment button is pressed (e.g. 1,40)")
	replayCmd.Flags().StringVar(&replayOpts.SnapshotDir, "snapshots", "", "Write annotated frames to this directory")

	replayCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(replayCmd)
}

func validateReplayFlags(opts *Options) error {
	if opts.InputPath == "" {
		return fmt.Errorf("input path is required")
	}
	if _, err := os.Stat(opts.InputPath); err != nil {
		return fmt.Errorf("unable to access input: %w", err)
	}
	return nil
}

// parseArmFrames parses "1,40" into a sorted, de-duplicated frame list.
func parseArmFrames(s string) ([]uint64, error) {
	var frames []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("frame %q must be a positive integer", part)
		}
		frames = append(frames, n)
	}
	slices.Sort(frames)
	return slices.Compact(frames), nil
}

// scriptedCamera presses the trigger before serving the listed frames.
type scriptedCamera struct {
	camera.Camera
	trigger *trigger.Trigger
	arm     []uint64
	served  uint64
}

func (c *scriptedCamera) Snapshot() (*image.RGBA, error) {
	img, err := c.Camera.Snapshot()
	if err != nil {
		return nil, err
	}
	c.served++
	if _, ok := slices.BinarySearch(c.arm, c.served); ok {
		c.trigger.Edge()
	}
	return img, nil
}

// lineWriter terminates every wire message with a newline for terminal output.
type lineWriter struct{ w io.Writer }

func (l lineWriter) Write(p []byte) (int, error) {
	if _, err := l.w.Write(append(p[:len(p):len(p)], '\n')); err != nil {
		return 0, err
	}
	return len(p), nil
}

// replaySummary counts per-face outcomes across the replay.
type replaySummary struct {
	Frames       int
	Idle         int
	Faces        int
	Skipped      int
	Enrolled     int
	Matched      int
	Unrecognized int
}

func (s *replaySummary) add(r session.FrameResult) {
	s.Frames++
	s.Skipped += r.Skipped
	if r.Message == protocol.Idle {
		s.Idle++
	}
	for _, f := range r.Faces {
		s.Faces++
		switch {
		case f.Code == protocol.Registered:
			s.Enrolled++
		case f.Code == protocol.Unrecognized:
			s.Unrecognized++
		default:
			s.Matched++
		}
	}
}

func (s replaySummary) String() string {
	return fmt.Sprintf("frames=%d idle=%d faces=%d enrolled=%d matched=%d unrecognized=%d skipped=%d",
		s.Frames, s.Idle, s.Faces, s.Enrolled, s.Matched, s.Unrecognized, s.Skipped)
}

func openReplayCamera(path string) (camera.Camera, int, func(), error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, nil, err
	}
	if info.IsDir() {
		d, err := camera.OpenDir(path, Cfg.Frame.Width, Cfg.Frame.Height)
		if err != nil {
			return nil, 0, nil, err
		}
		return d, d.Len(), func() {}, nil
	}
	total := utils.GetTotalFrames(path)
	f, err := camera.OpenFFmpeg(path, Cfg.Frame.Width, Cfg.Frame.Height, false)
	if err != nil {
		return nil, 0, nil, err
	}
	return f, total, func() { f.Close() }, nil
}

func runReplay(ctx context.Context, opts Options, arm []uint64) error {
	set := startAccelerator()
	defer set.Close()
	acc, err := set.Adapter(Cfg.Models.EmbeddingDim)
	if err != nil {
		return err
	}

	cam, total, closeCam, err := openReplayCamera(opts.InputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer closeCam()

	if total <= 0 {
		// Fallback to a spinner if the frame count is unknown
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 facehash replay"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	// Scripted presses must not be swallowed by the bounce window
	trg := trigger.New(trigger.WithDebounce(0), trigger.WithLogger(Logger))
	var summary replaySummary
	pipeOpts := []session.Option{
		session.WithLogger(Logger),
		session.WithThreshold(Cfg.Match.Threshold),
		session.WithRetryDelay(0),
		session.WithFrameHook(func(r session.FrameResult) {
			summary.add(r)
			bar.Add(1)
		}),
	}
	if opts.SnapshotDir != "" {
		snaps, err := display.NewSnapshots(opts.SnapshotDir, 1)
		if err != nil {
			return err
		}
		pipeOpts = append(pipeOpts, session.WithDisplay(snaps))
	}

	st := store.New(Cfg.Store.MaxRecords)
	sc := &scriptedCamera{Camera: cam, trigger: trg, arm: arm}
	p := session.New(sc, acc, st, trg, protocol.NewSender(lineWriter{w: os.Stdout}, 0), pipeOpts...)

	err = p.Run(ctx)
	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n✅ Replay complete: %s store=%d\n", summary, st.Len())
	return err
}
