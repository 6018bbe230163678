package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/database"
)

var attendanceCmd = &cobra.Command{
	Use:   "attendance <session-id>",
	Short: "Show the attendance recorded for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttendance,
}

func init() {
	rootCmd.AddCommand(attendanceCmd)

	attendanceCmd.Flags().Bool("json", false, "Output as JSON")
}

func runAttendance(cmd *cobra.Command, args []string) error {
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

	records, err := st.attendanceRepo.Records(ctx, args[0])
	if err != nil {
		return err
	}
	if records == nil {
		records = []database.AttendanceRecord{}
	}
	if jsonOutput {
		return outputJSON(records)
	}

	present := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERSON\tSTATUS\tBY\tAT")
	for _, r := range records {
		if r.Present() {
			present++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Label, r.Status, r.MarkedBy, r.MarkedAt.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d present\n", present, len(records))
	return nil
}
