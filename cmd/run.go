package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/frames"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/notify"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Recognise students in a video or image folder for one session",
	Long: `Stream frames from a video file, camera URL or directory of images, recognise
enrolled faces and mark every student present the first time they are seen.

Videos and streams are decoded by ffmpeg, which must be on PATH.
When the input is exhausted the session is ended and every enrolled student
who was not seen is recorded as absent.

Examples:
  # Process a recorded lecture at 2 frames per second
  face-attendance run --input lecture.mp4 --session math-101 --fps 2

  # Process a folder of snapshots, skipping near-identical frames
  face-attendance run --input snapshots/ --similar-bits 4

  # Write pipeline metrics for the node exporter textfile collector
  face-attendance run --input rtsp://camera/stream --metrics-out /var/lib/node_exporter/attendance.prom`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("input", "", "Video file, stream URL or directory of images (required)")
	runCmd.Flags().String("session", "", "Session id (default: a random UUID)")
	runCmd.Flags().Float64("fps", 0, "Frames per second to sample from video (0 = every decoded frame)")
	runCmd.Flags().Int("every", 1, "Submit every Nth frame")
	runCmd.Flags().Int("similar-bits", 0, "Skip frames within this many dHash bits of the last submitted one (0 = off)")
	runCmd.Flags().Bool("keep-open", false, "Do not end the session or record absences when the input ends")
	runCmd.Flags().Bool("watch", false, "Reload the gallery when the fallback file changes")
	runCmd.Flags().Bool("no-mqtt", false, "Do not publish events even if MQTT_BROKER is set")
	runCmd.Flags().String("metrics-out", "", "Write Prometheus metrics to this file when done")
	runCmd.Flags().Duration("timeout", 0, "Stop after this long (0 = no limit)")
	addRecognitionFlags(runCmd)
	_ = runCmd.MarkFlagRequired("input")
}

func runRun(cmd *cobra.Command, args []string) error {
	input := mustGetString(cmd, "input")
	sessionID := mustGetString(cmd, "session")
	fps := mustGetFloat64(cmd, "fps")
	keepOpen := mustGetBool(cmd, "keep-open")
	metricsOut := mustGetString(cmd, "metrics-out")
	timeout := mustGetDuration(cmd, "timeout")

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	applyRecognitionFlags(cmd, &cfg.Recognition)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	st := openStores(ctx, cfg, logger)
	defer st.Close()

	registry := prometheus.NewRegistry()
	m, err := metrics.NewPipeline(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	sinks := []notify.Sink{notify.LogSink{Logger: logger}}
	var absences attendance.AbsenceRecorder
	if st.attendanceRepo != nil {
		sinks = append(sinks, notify.StoreSink(st.attendanceRepo))
		absences = st.attendanceRepo
	}
	if cfg.MQTT.Broker != "" && !mustGetBool(cmd, "no-mqtt") {
		mq, err := notify.DialMQTT(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT: %w", err)
		}
		defer mq.Close()
		sinks = append(sinks, notify.Retry(mq, 3, 200*time.Millisecond))
	}

	det, emb := newInference(cfg, logger)
	svc, err := attendance.New(attendance.Options{
		Holder:      gallery.NewHolder(logger, st.gallerySources(cfg)...),
		Detector:    det,
		Embedder:    emb,
		Recognition: cfg.Recognition,
		Sink:        notify.Multi(sinks...),
		Absences:    absences,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.ReloadGallery(ctx)
	if err != nil {
		return fmt.Errorf("failed to load gallery: %w", err)
	}
	fmt.Printf("Loaded gallery with %d encodings\n", n)
	if n == 0 {
		fmt.Println("Warning: gallery is empty, nobody will be recognised")
	}

	if mustGetBool(cmd, "watch") || cfg.Gallery.Watch {
		if cfg.Gallery.FallbackPath == "" {
			return errors.New("--watch needs GALLERY_FALLBACK_PATH")
		}
		go func() {
			if err := svc.WatchGallery(ctx, cfg.Gallery.FallbackPath, time.Second); err != nil && ctx.Err() == nil {
				logger.Error("gallery watch stopped", "error", err)
			}
		}()
	}

	src, err := frames.Open(ctx, input, fps)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer src.Close()

	sampler := &frames.Sampler{
		Every:       mustGetInt(cmd, "every"),
		SimilarBits: mustGetInt(cmd, "similar-bits"),
		Decode:      decodeFrame,
	}

	total := -1
	if dir, ok := src.(*frames.DirSource); ok {
		total = dir.Len()
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Session "+sessionID),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWriter(os.Stderr),
	)

	start := time.Now()
	var read, submitted int
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("failed to read frame %d: %w", read, err)
		}
		read++
		_ = bar.Add(1)
		if !sampler.Keep(f) {
			continue
		}
		submitted++

		res := svc.ProcessDetailed(ctx, sessionID, f.Data, nil)
		if res.Err != nil {
			logger.Debug("frame skipped", "frame", f.Name, "error", res.Err)
			continue
		}
		for _, face := range res.Faces {
			if face.New {
				_ = bar.Clear()
				fmt.Printf("  + %s (distance %.3f, frame %s)\n", face.Label, face.Distance, f.Name)
			}
		}
	}
	_ = bar.Finish()
	fmt.Println()

	present := svc.RecognizedSnapshot(sessionID)
	fmt.Printf("Processed %d of %d frames in %s\n", submitted, read, time.Since(start).Round(time.Millisecond))
	fmt.Printf("Present (%d): %s\n", len(present), strings.Join(present, ", "))

	var endErr error
	if !keepOpen {
		// the run context may already be cancelled; absences are still recorded
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		var final []string
		final, endErr = svc.EndSession(endCtx, sessionID)
		absent := attendance.Absent(svc.Gallery(), final)
		fmt.Printf("Absent (%d): %s\n", len(absent), strings.Join(absent, ", "))
	}

	if metricsOut != "" {
		if err := prometheus.WriteToTextfile(metricsOut, registry); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	if endErr != nil {
		return fmt.Errorf("failed to end session: %w", endErr)
	}
	return nil
}

func decodeFrame(b []byte) (image.Image, error) {
	img, _, err := pipeline.Decode(b)
	return img, err
}
