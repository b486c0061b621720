package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/roster"
	"github.com/andresmejia3/rollcall/internal/scheduler"
	"github.com/andresmejia3/rollcall/internal/server"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// RunOptions holds the flags of the run command.
type RunOptions struct {
	Input         string
	InputFormat   string
	FPS           int
	Realtime      bool
	CourseID      string
	SessionID     string
	HTTPAddr      string
	TuningFile    string
	PowerMode     string
	ThresholdMode string
	AutoConfirm   bool
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run live attendance on a camera or video file",
	Long: `Starts the inference engine, the recognition pipeline and the control API.
With --course a session starts immediately; otherwise start one with POST /api/v1/sessions.
For a video file the session ends when the file does.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLive(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.Input, "input", "i", "/dev/video0", "Camera device, video file or stream URL")
	runCmd.Flags().StringVarP(&runOpts.InputFormat, "input-format", "f", "", "FFmpeg input format (e.g. v4l2); empty lets ffmpeg probe")
	runCmd.Flags().IntVar(&runOpts.FPS, "fps", 0, "Decode rate; 0 keeps the source rate")
	runCmd.Flags().BoolVar(&runOpts.Realtime, "realtime", true, "Read video files at their native rate, like a camera")
	runCmd.Flags().StringVarP(&runOpts.CourseID, "course", "c", "", "Start a session for this course right away")
	runCmd.Flags().StringVarP(&runOpts.SessionID, "session", "s", "", "Session id (default: generated)")
	runCmd.Flags().StringVar(&runOpts.HTTPAddr, "http", "", "Control API address (default: $ROLLCALL_HTTP_ADDR or :8080)")
	runCmd.Flags().StringVar(&runOpts.TuningFile, "tuning", "", "Tuning YAML file (default: $ROLLCALL_TUNING_FILE or built-in); reloaded on SIGHUP")
	runCmd.Flags().StringVarP(&runOpts.PowerMode, "power", "p", "", "Power mode: performance, balanced, eco")
	runCmd.Flags().StringVarP(&runOpts.ThresholdMode, "threshold", "t", "", "Threshold mode: strict, normal, lenient")
	runCmd.Flags().BoolVar(&runOpts.AutoConfirm, "auto-confirm", false, "Confirm recognized students without operator action")
	rootCmd.AddCommand(runCmd)
}

// validateRunFlags fills defaults from the environment and rejects bad values before anything starts.
func validateRunFlags(opts *RunOptions, cfg *config.Config) error {
	if opts.Input == "" {
		return errors.New("--input is required")
	}
	if opts.FPS < 0 {
		return fmt.Errorf("--fps must be >= 0, got %d", opts.FPS)
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = cfg.HTTPAddr
	}
	if opts.TuningFile == "" {
		opts.TuningFile = cfg.TuningFile
	}
	if opts.PowerMode == "" {
		opts.PowerMode = string(cfg.PowerMode)
	}
	if opts.ThresholdMode == "" {
		opts.ThresholdMode = string(cfg.ThresholdMode)
	}
	if _, err := config.ParsePowerMode(opts.PowerMode); err != nil {
		return err
	}
	if _, err := config.ParseThresholdMode(opts.ThresholdMode); err != nil {
		return err
	}
	if opts.SessionID != "" && opts.CourseID == "" {
		return errors.New("--session requires --course")
	}
	return nil
}

// isFileInput reports whether the input is a regular file, which ends on its own.
func isFileInput(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func runLive(ctx context.Context, opts RunOptions) error {
	if err := validateRunFlags(&opts, Cfg); err != nil {
		utils.ShowError("%v", err)
		return err
	}
	log := slog.Default()

	tuning, err := config.LoadTuning(opts.TuningFile)
	if err != nil {
		utils.ShowError("Invalid tuning file: %v", err)
		return err
	}
	power, _ := config.ParsePowerMode(opts.PowerMode)
	threshold, _ := config.ParseThresholdMode(opts.ThresholdMode)

	// 1. Engine & Models
	m, err := startModels(Cfg, tuning, log)
	if err != nil {
		utils.Die("Failed to start inference engine", err, nil)
	}
	defer m.Close()

	pipe := pipeline.New(m.det, m.rec, tuning, pipeline.Options{ThresholdMode: threshold, Logger: log})
	rosters := roster.NewCache(DB, Cfg.RosterTTL, log)
	sched := scheduler.New(pipe, rosters, DB, scheduler.Options{
		PowerMode:   power,
		AutoConfirm: opts.AutoConfirm,
		Logger:      log,
	})

	// 2. Control API
	srv := server.New(opts.HTTPAddr, sched, DB, log)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Control API listening on %s\n", opts.HTTPAddr)

	// 3. Outbox sync
	syncCtx, stopSync := context.WithCancel(context.Background())
	syncDone := make(chan struct{})
	syncer, closePub := newSyncer(log)
	go func() {
		defer close(syncDone)
		if syncer != nil {
			syncer.Run(syncCtx)
		}
	}()

	// 4. Tuning reload
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			t, err := config.LoadTuning(opts.TuningFile)
			if err != nil {
				log.Error("tuning reload failed", "file", opts.TuningFile, "err", err)
				continue
			}
			sched.SetTuning(t)
			log.Info("tuning reloaded", "file", opts.TuningFile)
		}
	}()

	// 5. Session
	if opts.CourseID != "" {
		sess, err := sched.StartSession(ctx, opts.SessionID, opts.CourseID)
		if err != nil {
			utils.Die("Failed to start session", err, nil)
		}
		if err := DB.StartSession(ctx, sess.ID, sess.CourseID, sess.StartedAt); err != nil {
			log.Warn("failed to record session start", "session", sess.ID, "err", err)
		}
		fmt.Fprintf(os.Stderr, "📋 Session %s started for course %s (%d students)\n", sess.ID, sess.CourseID, sched.State().Students)
	}

	// 6. Frames
	fileInput := isFileInput(opts.Input)
	var bar *progressbar.ProgressBar
	if fileInput {
		total := utils.GetTotalFrames(opts.Input)
		if total <= 0 {
			total = -1
		}
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🎥 Taking attendance"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
	}

	src := utils.NewFrameSource(utils.FFmpegOptions{
		Input:       opts.Input,
		InputFormat: opts.InputFormat,
		FPS:         opts.FPS,
		Realtime:    opts.Realtime && fileInput,
	})
	streamErr := src.Stream(ctx, func(f *types.Frame) bool {
		sched.Submit(f)
		if bar != nil {
			bar.Add(1)
		}
		return true
	})
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if streamErr != nil {
		log.Error("frame source stopped", "err", streamErr)
	}

	// 7. Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sum, err := sched.EndSession(shutdownCtx); err == nil {
		if err := DB.EndSession(shutdownCtx, sum.ID, sum.EndedAt); err != nil {
			log.Warn("failed to record session end", "session", sum.ID, "err", err)
		}
		fmt.Fprintf(os.Stderr, "🏁 Session %s ended: %d frames, %d students confirmed.\n", sum.ID, sum.Frames, len(sum.Confirmed))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("control API shutdown", "err", err)
	}
	select {
	case err := <-srvErr:
		if err != nil {
			log.Error("control API failed", "err", err)
		}
	default:
	}

	stopSync()
	<-syncDone
	if syncer != nil {
		// Last attempt so confirmations from the final seconds are not left behind.
		if rep, err := syncer.SyncOnce(shutdownCtx); err == nil && rep.Sent > 0 {
			fmt.Fprintf(os.Stderr, "📤 Published %d confirmations.\n", rep.Sent)
		}
	}
	closePub()
	pipe.Close()

	if streamErr != nil && ctx.Err() == nil {
		return streamErr
	}
	return nil
}

// newSyncer connects the MQTT publisher. Without a broker, confirmations stay in the outbox.
func newSyncer(log *slog.Logger) (*events.Syncer, func()) {
	if Cfg.MQTT.Broker == "" {
		fmt.Fprintln(os.Stderr, "⚠️  MQTT_BROKER not set. Confirmations stay in the local outbox.")
		return nil, func() {}
	}
	pub, err := events.NewMQTTPublisher(events.MQTTOptions{
		Broker:      Cfg.MQTT.Broker,
		ClientID:    Cfg.MQTT.ClientID,
		TopicPrefix: Cfg.MQTT.TopicPrefix,
		Username:    Cfg.MQTT.Username,
		Password:    Cfg.MQTT.Password,
	}, log)
	if err != nil {
		log.Error("MQTT unavailable, confirmations stay in the outbox", "broker", Cfg.MQTT.Broker, "err", err)
		return nil, func() {}
	}
	s := events.NewSyncer(DB, pub, Cfg.SyncInterval, Cfg.SyncBatchSize, log)
	return s, func() { pub.Close() }
}
