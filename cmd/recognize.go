package cmd

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image>...",
	Short: "Recognise the faces in still images without recording attendance",
	Long: `Detect and match every face in the given images and print the result.
Nothing is stored or published; use this to check the gallery and threshold.

Examples:
  face-attendance recognize group.jpg
  face-attendance recognize --threshold 0.5 --json a.jpg b.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)

	recognizeCmd.Flags().Bool("json", false, "Output as JSON")
	addRecognitionFlags(recognizeCmd)
}

// RecognizedFace is one detected face of an image
type RecognizedFace struct {
	Label      string     `json:"label,omitempty"`
	Distance   *float64   `json:"distance,omitempty"` // nil when the gallery had nothing comparable
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`     // x1, y1, x2, y2 in pixels
	BBoxRel    [4]float64 `json:"bbox_rel"` // x, y, w, h relative to the image, for overlays
	Error      string     `json:"error,omitempty"`
}

// RecognizeResult is the output for one image
type RecognizeResult struct {
	File   string           `json:"file"`
	Labels []string         `json:"labels"`
	Faces  []RecognizedFace `json:"faces"`
	Error  string           `json:"error,omitempty"`
}

func runRecognize(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	applyRecognitionFlags(cmd, &cfg.Recognition)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	st := openStores(ctx, cfg, logger)
	defer st.Close()

	det, emb := newInference(cfg, logger)
	svc, err := attendance.New(attendance.Options{
		Holder:      gallery.NewHolder(logger, st.gallerySources(cfg)...),
		Detector:    det,
		Embedder:    emb,
		Recognition: cfg.Recognition,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.ReloadGallery(ctx); err != nil {
		return fmt.Errorf("failed to load gallery: %w", err)
	}

	results := make([]RecognizeResult, 0, len(args))
	for i, path := range args {
		result := RecognizeResult{File: path, Labels: []string{}, Faces: []RecognizedFace{}}
		data, err := os.ReadFile(path)
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		// a fresh session per image so every face reports its label
		res := svc.ProcessDetailed(ctx, fmt.Sprintf("recognize-%d", i), data, nil)
		if res.Err != nil {
			result.Error = res.Err.Error()
		}
		for _, f := range res.Faces {
			result.Faces = append(result.Faces, newRecognizedFace(f, res.Bounds))
		}
		result.Labels = append(result.Labels, res.Labels()...)
		results = append(results, result)
	}

	if jsonOutput {
		return outputJSON(results)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tFACE\tLABEL\tDISTANCE\tCONFIDENCE")
	for _, r := range results {
		name := filepath.Base(r.File)
		if r.Error != "" {
			fmt.Fprintf(w, "%s\t-\tERROR: %s\t\t\n", name, r.Error)
			continue
		}
		if len(r.Faces) == 0 {
			fmt.Fprintf(w, "%s\t-\tno faces\t\t\n", name)
			continue
		}
		for j, f := range r.Faces {
			label := f.Label
			switch {
			case f.Error != "":
				label = "ERROR: " + f.Error
			case label == matcher.NoMatch:
				label = "unknown"
			}
			distance := "-"
			if f.Distance != nil {
				distance = fmt.Sprintf("%.3f", *f.Distance)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.2f\n", name, j+1, label, distance, f.Confidence)
		}
	}
	return w.Flush()
}

func newRecognizedFace(f pipeline.FaceResult, bounds image.Rectangle) RecognizedFace {
	box := f.Box
	box.X1 -= float64(bounds.Min.X)
	box.X2 -= float64(bounds.Min.X)
	box.Y1 -= float64(bounds.Min.Y)
	box.Y2 -= float64(bounds.Min.Y)

	face := RecognizedFace{
		Confidence: f.Confidence,
		BBox:       [4]float64{f.Box.X1, f.Box.Y1, f.Box.X2, f.Box.Y2},
		BBoxRel:    box.Relative(bounds.Dx(), bounds.Dy()),
	}
	if !math.IsInf(f.Distance, 0) && !math.IsNaN(f.Distance) {
		d := f.Distance
		face.Distance = &d
	}
	if f.Matched {
		face.Label = f.Label
	}
	if f.Err != nil {
		face.Error = f.Err.Error()
	}
	return face
}
