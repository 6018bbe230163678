package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/config"
)

// mustGetBool gets a bool flag value or panics if the flag doesn't exist.
// This is appropriate for flags defined in init() - errors indicate programming bugs.
func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetInt gets an int flag value or panics if the flag doesn't exist.
func mustGetInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetString gets a string flag value or panics if the flag doesn't exist.
func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetFloat64 gets a float64 flag value or panics if the flag doesn't exist.
func mustGetFloat64(cmd *cobra.Command, name string) float64 {
	val, err := cmd.Flags().GetFloat64(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetDuration gets a duration flag value or panics if the flag doesn't exist.
func mustGetDuration(cmd *cobra.Command, name string) time.Duration {
	val, err := cmd.Flags().GetDuration(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// addRecognitionFlags registers the flags that override config.RecognitionConfig.
func addRecognitionFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("threshold", 0, "Maximum Euclidean distance for a match (default from RECOGNITION_THRESHOLD)")
	cmd.Flags().Float64("min-confidence", 0, "Minimum detection confidence (default from RECOGNITION_MIN_CONFIDENCE)")
	cmd.Flags().Int("workers", 0, "Concurrent frame workers (default from RECOGNITION_WORKERS)")
	cmd.Flags().String("matcher", "", "Nearest neighbour search: exact or hnsw")
	cmd.Flags().String("dedup", "", "Deduplication scope: session or process")
}

// applyRecognitionFlags copies explicitly set flags over rc.
func applyRecognitionFlags(cmd *cobra.Command, rc *config.RecognitionConfig) {
	flags := cmd.Flags()
	if flags.Changed("threshold") {
		rc.Threshold = mustGetFloat64(cmd, "threshold")
	}
	if flags.Changed("min-confidence") {
		rc.MinConfidence = mustGetFloat64(cmd, "min-confidence")
	}
	if flags.Changed("workers") {
		rc.Workers = mustGetInt(cmd, "workers")
	}
	if flags.Changed("matcher") {
		rc.Matcher = mustGetString(cmd, "matcher")
	}
	if flags.Changed("dedup") {
		rc.Dedup = mustGetString(cmd, "dedup")
	}
}
