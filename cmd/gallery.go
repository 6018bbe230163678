package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/detector"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/enroll"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Manage the enrolled face gallery",
}

var galleryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled people and their number of encodings",
	Args:  cobra.NoArgs,
	RunE:  runGalleryList,
}

var galleryImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Copy a gallery file into PostgreSQL",
	Long: `Import every encoding of a gallery file (as written by "gallery export" or
"gallery enroll") into the face_encodings table.

Examples:
  face-attendance gallery import models/encodings.gob
  face-attendance gallery import --replace models/encodings.gob`,
	Args: cobra.ExactArgs(1),
	RunE: runGalleryImport,
}

var galleryExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the current gallery to a fallback file",
	Long: `Load the gallery from the configured databases and write it to a file that
is used when no database is reachable. Defaults to GALLERY_FALLBACK_PATH.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGalleryExport,
}

var galleryEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll people from a directory of photos",
	Long: `Enroll every person found under a directory laid out as <dir>/<person>/<photo>.
The most confident face of each photo is embedded. A person who is enrolled
again has their previous encodings replaced, unless none of the new photos
produced a usable face.

The result is written to PostgreSQL when DATABASE_URL is set and to the
fallback file (GALLERY_FALLBACK_PATH) unless --no-file is given.

Examples:
  face-attendance gallery enroll --dir data/known_faces
  face-attendance gallery enroll --dir new_students --min-confidence 0.8`,
	Args: cobra.NoArgs,
	RunE: runGalleryEnroll,
}

var galleryNearestCmd = &cobra.Command{
	Use:   "nearest <image>",
	Short: "Show the stored encodings closest to the face in an image",
	Long: `Embed the most confident face of an image and ask PostgreSQL (pgvector) for
the nearest stored encodings. Useful for choosing a recognition threshold.`,
	Args: cobra.ExactArgs(1),
	RunE: runGalleryNearest,
}

var galleryDeleteCmd = &cobra.Command{
	Use:   "delete <person>",
	Short: "Remove a person from the PostgreSQL gallery",
	Args:  cobra.ExactArgs(1),
	RunE:  runGalleryDelete,
}

func init() {
	rootCmd.AddCommand(galleryCmd)
	galleryCmd.AddCommand(galleryListCmd, galleryImportCmd, galleryExportCmd, galleryEnrollCmd, galleryNearestCmd, galleryDeleteCmd)

	galleryListCmd.Flags().Bool("json", false, "Output as JSON")

	galleryImportCmd.Flags().Bool("replace", false, "Delete all stored encodings before importing")

	galleryEnrollCmd.Flags().String("dir", "data/known_faces", "Directory with one sub-directory of photos per person")
	galleryEnrollCmd.Flags().Float64("min-confidence", 0, "Minimum detection confidence (default from RECOGNITION_MIN_CONFIDENCE)")
	galleryEnrollCmd.Flags().Bool("no-file", false, "Do not write the fallback file")

	galleryNearestCmd.Flags().Int("limit", 5, "Number of encodings to show")
	galleryNearestCmd.Flags().Bool("json", false, "Output as JSON")
}

// GalleryListEntry is one person of the gallery listing
type GalleryListEntry struct {
	Label     string `json:"label"`
	Encodings int    `json:"encodings"`
}

// GalleryListOutput is the JSON output of gallery list
type GalleryListOutput struct {
	Source    string             `json:"source"`
	Dimension int                `json:"dimension"`
	People    []GalleryListEntry `json:"people"`
	Total     int                `json:"total"`
}

func runGalleryList(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st := openStores(ctx, cfg, logger)
	defer st.Close()

	g, source, err := gallery.Load(ctx, logger, st.gallerySources(cfg)...)
	if err != nil {
		return err
	}

	counts := g.Counts()
	out := GalleryListOutput{Source: source, Dimension: g.Dim(), People: []GalleryListEntry{}, Total: g.Len()}
	for label, n := range counts {
		out.People = append(out.People, GalleryListEntry{Label: label, Encodings: n})
	}
	sort.Slice(out.People, func(i, j int) bool { return out.People[i].Label < out.People[j].Label })

	if jsonOutput {
		return outputJSON(out)
	}

	fmt.Printf("Gallery from %s: %d people, %d encodings, dimension %d\n\n", source, len(out.People), out.Total, out.Dimension)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERSON\tENCODINGS")
	for _, p := range out.People {
		fmt.Fprintf(w, "%s\t%d\n", p.Label, p.Encodings)
	}
	return w.Flush()
}

func runGalleryImport(cmd *cobra.Command, args []string) error {
	replace := mustGetBool(cmd, "replace")

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	records, err := gallery.NewFileSource(args[0]).LoadRecords(ctx)
	if err != nil {
		return err
	}
	// decode up front so a broken file never reaches the database
	_, skipped, err := gallery.Decode(records, logger)
	if err != nil {
		return fmt.Errorf("invalid gallery file: %w", err)
	}
	if skipped > 0 {
		return fmt.Errorf("invalid gallery file: %d undecodable encodings", skipped)
	}

	st, err := requirePostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.galleryRepo.Import(ctx, records, replace)
	if err != nil {
		return fmt.Errorf("failed to import gallery: %w", err)
	}
	fmt.Printf("Imported %d encodings from %s\n", n, args[0])
	return nil
}

func runGalleryExport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Gallery.FallbackPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return errors.New("no output file: pass one or set GALLERY_FALLBACK_PATH")
	}

	ctx := context.Background()
	st := openStores(ctx, cfg, logger)
	defer st.Close()

	// never read the file being written
	var sources []gallery.Source
	for _, s := range st.gallerySources(cfg) {
		if fs, ok := s.(*gallery.FileSource); ok && filepath.Clean(fs.Path) == filepath.Clean(path) {
			continue
		}
		sources = append(sources, s)
	}
	if len(sources) == 0 {
		return errors.New("no database configured to export from")
	}

	g, source, err := gallery.Load(ctx, logger, sources...)
	if err != nil {
		return err
	}
	if err := gallery.WriteFile(path, gallery.RecordsFromEntries(g.Entries())); err != nil {
		return err
	}
	fmt.Printf("Exported %d encodings from %s to %s\n", g.Len(), source, path)
	return nil
}

func runGalleryEnroll(cmd *cobra.Command, args []string) error {
	dir := mustGetString(cmd, "dir")
	noFile := mustGetBool(cmd, "no-file")

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("min-confidence") {
		cfg.Recognition.MinConfidence = mustGetFloat64(cmd, "min-confidence")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if noFile && cfg.Database.URL == "" {
		return errors.New("nothing to write: --no-file given and DATABASE_URL is not set")
	}

	people, err := enroll.Scan(dir)
	if err != nil {
		return err
	}
	images := 0
	for _, p := range people {
		images += len(p.Images)
	}
	fmt.Printf("Found %d people with %d photos in %s\n", len(people), images, dir)

	ctx := context.Background()
	st := openStores(ctx, cfg, logger)
	defer st.Close()
	if cfg.Database.URL != "" && st.galleryRepo == nil {
		return errors.New("DATABASE_URL is set but PostgreSQL is unreachable")
	}

	existing := gallery.Empty()
	if g, source, err := gallery.Load(ctx, logger, st.gallerySources(cfg)...); err == nil {
		fmt.Printf("Merging into %d existing encodings from %s\n", g.Len(), source)
		existing = g
	} else {
		fmt.Println("No existing gallery found, starting empty")
	}

	bar := progressbar.NewOptions(images,
		progressbar.OptionSetDescription("Enrolling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	det, emb := newInference(cfg, logger)
	opts := enrollOptions(cfg, det, emb, logger)
	opts.OnImage = func(enroll.ImageResult) { _ = bar.Add(1) }
	if st.galleryRepo != nil {
		opts.Store = st.galleryRepo
	}
	enroller, err := enroll.New(opts)
	if err != nil {
		return err
	}

	entries, report, err := enroller.Run(ctx, dir, existing.Entries())
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return err
	}

	if !noFile && cfg.Gallery.FallbackPath != "" {
		if err := gallery.WriteFile(cfg.Gallery.FallbackPath, gallery.RecordsFromEntries(entries)); err != nil {
			return err
		}
		fmt.Printf("Wrote %d encodings to %s\n", len(entries), cfg.Gallery.FallbackPath)
	}

	fmt.Printf("Enrolled %d of %d photos for %d people (%d old encodings replaced)\n",
		report.Encoded, report.Images, report.People, report.Replaced)
	if len(report.Failures) > 0 {
		fmt.Printf("\n%d photos failed:\n", len(report.Failures))
		for _, f := range report.Failures {
			fmt.Printf("  %s/%s: %v\n", facematch.SanitizeLabel(f.Person), filepath.Base(f.Path), f.Err)
		}
	}
	return nil
}

// enrollOptions applies the recognition settings shared by live recognition,
// including the per-face embedding deadline.
func enrollOptions(cfg *config.Config, det detector.Detector, emb embedder.Embedder, logger *slog.Logger) enroll.Options {
	if cfg.Recognition.EmbedTimeout > 0 {
		emb = embedder.WithTimeout(emb, cfg.Recognition.EmbedTimeout)
	}
	return enroll.Options{
		Detector:      det,
		Embedder:      emb,
		MinConfidence: cfg.Recognition.MinConfidence,
		Padding:       cfg.Recognition.Padding,
		Logger:        logger,
	}
}

// NearestOutput is the JSON output of gallery nearest
type NearestOutput struct {
	File       string              `json:"file"`
	Confidence float64             `json:"confidence"`
	Threshold  float64             `json:"threshold"`
	Neighbors  []database.Neighbor `json:"neighbors"`
}

func runGalleryNearest(cmd *cobra.Command, args []string) error {
	limit := mustGetInt(cmd, "limit")
	jsonOutput := mustGetBool(cmd, "json")

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := requirePostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	det, emb := newInference(cfg, logger)
	enroller, err := enroll.New(enrollOptions(cfg, det, emb, logger))
	if err != nil {
		return err
	}
	vec, conf, err := enroller.EmbedImage(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to embed %s: %w", args[0], err)
	}

	neighbors, err := st.galleryRepo.Nearest(ctx, vec, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return outputJSON(NearestOutput{File: args[0], Confidence: conf, Threshold: cfg.Recognition.Threshold, Neighbors: neighbors})
	}

	fmt.Printf("Face confidence %.2f, threshold %.3f\n\n", conf, cfg.Recognition.Threshold)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPERSON\tDISTANCE\tMATCH")
	for _, n := range neighbors {
		match := ""
		if n.Distance < cfg.Recognition.Threshold {
			match = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%.4f\t%s\n", n.ID, n.Label, n.Distance, match)
	}
	return w.Flush()
}

func runGalleryDelete(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := requirePostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.galleryRepo.DeleteLabel(ctx, args[0])
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("person %q not found", args[0])
	}
	fmt.Printf("Deleted %d encodings of %s\n", n, args[0])
	return nil
}
