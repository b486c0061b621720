package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/align"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/quality"
	"github.com/andresmejia3/rollcall/internal/roster"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	identifyCourse    string
	identifyThreshold string
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match every face in a photo against a course roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().StringVarP(&identifyCourse, "course", "c", "", "Course whose roster is searched")
	identifyCmd.Flags().StringVarP(&identifyThreshold, "threshold", "t", "", "Threshold mode: strict, normal, lenient (default: $ROLLCALL_THRESHOLD_MODE)")
	identifyCmd.MarkFlagRequired("course")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist: %s", imagePath)
		return err
	}
	mode := Cfg.ThresholdMode
	if identifyThreshold != "" {
		m, err := config.ParseThresholdMode(identifyThreshold)
		if err != nil {
			utils.ShowError("%v", err)
			return err
		}
		mode = m
	}

	t, err := config.LoadTuning(Cfg.TuningFile)
	if err != nil {
		utils.ShowError("Invalid tuning file: %v", err)
		return err
	}

	snap, err := DB.LoadRoster(ctx, identifyCourse)
	if err != nil {
		utils.ShowError("Failed to load roster: %v", err)
		return err
	}
	if snap.Len() == 0 {
		fmt.Printf("❌ Course %s has no enrolled faces.\n", identifyCourse)
		return nil
	}

	m, err := startModels(Cfg, t, nil)
	if err != nil {
		utils.ShowError("Failed to start inference engine: %v", err)
		return err
	}
	defer m.Close()
	if err := m.ready(); err != nil {
		utils.ShowError("Models are not available: %v", err)
		return err
	}

	img, err := loadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file: %v", err)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	dets := m.det.Detect(img)
	if len(dets) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	// Left to right, the way a class photo is read
	sort.Slice(dets, func(i, j int) bool { return dets[i].Box.X1 < dets[j].Box.X1 })

	qp := quality.ParamsFrom(t.Quality)
	threshold := t.DistanceThreshold(mode)
	b := img.Bounds()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX\tQUALITY\tSTUDENT\tNAME\tDISTANCE")
	fmt.Fprintln(w, "----\t---\t-------\t-------\t----\t--------")
	for i, d := range dets {
		box := fmt.Sprintf("%.0f,%.0f %.0fx%.0f", d.Box.X1, d.Box.Y1, d.Box.Width(), d.Box.Height())
		if !quality.PassesGeometryGate(d.Box, b.Dx(), b.Dy(), qp) {
			fmt.Fprintf(w, "%d\t%s\t-\t(too small or at edge)\t\t\n", i+1, box)
			continue
		}
		q := quality.Score(img, d.Box, qp)
		crop, err := align.Face(img, d.Landmarks, d.Box, t.Recognition.InputSize)
		if err != nil {
			fmt.Fprintf(w, "%d\t%s\t%.2f\t(alignment failed)\t\t\n", i+1, box, q)
			continue
		}
		res := roster.Match(snap, m.rec.Embed(crop), threshold, t.Recognition.DistanceMargin)
		if !res.Matched {
			fmt.Fprintf(w, "%d\t%s\t%.2f\tunknown\t\t%.3f\n", i+1, box, q, res.Distance)
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%s\t%.3f\n", i+1, box, q, res.StudentID, snap.Name(res.StudentID), res.Distance)
	}
	w.Flush()
	return nil
}
