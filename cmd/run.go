package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facehash/internal/camera"
	"github.com/andresmejia3/facehash/internal/display"
	"github.com/andresmejia3/facehash/internal/journal"
	"github.com/andresmejia3/facehash/internal/metrics"
	"github.com/andresmejia3/facehash/internal/protocol"
	"github.com/andresmejia3/facehash/internal/session"
	"github.com/andresmejia3/facehash/internal/store"
	"github.com/andresmejia3/facehash/internal/trigger"
	"github.com/andresmejia3/facehash/internal/utils"
)

// Options holds the flags shared by run and replay
type Options struct {
	InputPath   string
	SerialPath  string
	SnapshotDir string
	MetricsAddr string
	NoStdin     bool
}

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live recognition loop on a camera",
	Long: `Runs the recognition loop on a V4L2 camera. Press Enter (or send SIGUSR1)
to enroll the next face. One message per frame is written to the serial device.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runLive(cmd.Context(), runOpts); err != nil {
			utils.Die("Recognition loop stopped", err, nil)
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "device", "d", "/dev/video0", "Camera device")
	runCmd.Flags().StringVarP(&runOpts.SerialPath, "serial", "s", "", "Serial device for result messages (default: config serial.device, else stdout)")
	runCmd.Flags().StringVar(&runOpts.SnapshotDir, "snapshots", "", "Write annotated frames to this directory (default: config snapshots.dir)")
	runCmd.Flags().StringVar(&runOpts.MetricsAddr, "metrics", "", "Serve /metrics and /healthz on this address (default: config metrics.addr)")
	runCmd.Flags().BoolVar(&runOpts.NoStdin, "no-stdin", false, "Do not treat Enter on stdin as an enrollment press")
	rootCmd.AddCommand(runCmd)
}

// resolve fills unset flags from the configuration.
func (o *Options) resolve() {
	if o.SerialPath == "" {
		o.SerialPath = Cfg.Serial.Device
	}
	if o.SnapshotDir == "" {
		o.SnapshotDir = Cfg.Snapshots.Dir
	}
	if o.MetricsAddr == "" {
		o.MetricsAddr = Cfg.Metrics.Addr
	}
}

func runLive(parent context.Context, opts Options) error {
	opts.resolve()

	// 1. Accelerator (fatal on failure)
	set := startAccelerator()
	defer set.Close()
	acc, err := set.Adapter(Cfg.Models.EmbeddingDim)
	if err != nil {
		return err
	}

	// 2. Camera
	cam, err := camera.OpenFFmpeg(opts.InputPath, Cfg.Frame.Width, Cfg.Frame.Height, true)
	if err != nil {
		return fmt.Errorf("open camera %s: %w", opts.InputPath, err)
	}
	defer cam.Close()

	// 3. Serial link
	out, closeOut, err := openSerial(opts.SerialPath)
	if err != nil {
		return err
	}
	defer closeOut()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	trg := trigger.New(trigger.WithDebounce(Cfg.Trigger.Debounce), trigger.WithLogger(Logger))
	pipeOpts := []session.Option{
		session.WithLogger(Logger),
		session.WithThreshold(Cfg.Match.Threshold),
	}

	// 4. Optional surfaces: snapshots, metrics, journal
	if opts.SnapshotDir != "" {
		snaps, err := display.NewSnapshots(opts.SnapshotDir, Cfg.Snapshots.Every)
		if err != nil {
			return err
		}
		pipeOpts = append(pipeOpts, session.WithDisplay(snaps))
	}
	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		pipeOpts = append(pipeOpts, session.WithMetrics(metrics.New(reg)))
		g.Go(func() error { return metrics.Serve(gctx, opts.MetricsAddr, metrics.NewRouter(reg), Logger) })
	}
	jw, err := startJournal(ctx, g, opts.InputPath)
	if err != nil {
		return err
	}
	if jw != nil {
		pipeOpts = append(pipeOpts, session.WithJournal(jw.writer, jw.sessionID))
	}

	// 5. Enrollment button
	var sources []<-chan struct{}
	if !opts.NoStdin {
		sources = append(sources, trigger.LineSource(gctx, os.Stdin))
	}
	sources = append(sources, trigger.SignalSource(gctx, syscall.SIGUSR1))
	g.Go(func() error { return trg.Watch(gctx, trigger.Merge(gctx, sources...)) })

	// 6. The loop itself
	st := store.New(Cfg.Store.MaxRecords)
	p := session.New(cam, acc, st, trg, protocol.NewSender(out, Cfg.Serial.SendDelay), pipeOpts...)
	g.Go(func() error {
		defer cancel()
		if jw != nil {
			defer jw.writer.Close()
		}
		return p.Run(gctx)
	})

	fmt.Fprintf(os.Stderr, "🎥 Watching %s. Press Enter to enroll the next face.\n", opts.InputPath)
	err = g.Wait()
	Logger.Info("session finished", "enrolled", st.Len())
	return err
}

// journalHandle is a running journal writer bound to one session.
type journalHandle struct {
	db        *journal.Store
	writer    *journal.Writer
	sessionID string
}

// startJournal registers a new session and starts the writer goroutine on g.
// It returns nil when no database is configured.
func startJournal(ctx context.Context, g *errgroup.Group, source string) (*journalHandle, error) {
	db, err := openJournal(ctx, false)
	if err != nil || db == nil {
		return nil, err
	}
	id := uuid.NewString()
	if err := db.EnsureSession(ctx, id, source); err != nil {
		db.Close(context.Background())
		return nil, fmt.Errorf("register session: %w", err)
	}
	h := &journalHandle{
		db:        db,
		writer:    journal.NewWriter(db, journal.WithLogger(Logger), journal.WithQueue(Cfg.Database.Queue)),
		sessionID: id,
	}
	// The writer ends when the loop closes it, so it drains after cancellation.
	g.Go(func() error {
		defer db.Close(context.Background())
		return h.writer.Run(context.WithoutCancel(ctx))
	})
	Logger.Info("journal session started", "session", id)
	return h, nil
}

// openSerial opens the serial device for writing, or stdout when path is empty.
func openSerial(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open serial device: %w", err)
	}
	return f, func() { f.Close() }, nil
}
