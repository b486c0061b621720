package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/rollcall/internal/align"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/quality"
	"github.com/andresmejia3/rollcall/internal/recognizer"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// EnrollOptions holds the flags of the enroll command.
type EnrollOptions struct {
	CourseID   string
	StudentID  string
	Name       string
	TuningFile string
	MinQuality float64
}

var enrollOpts EnrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll <image>...",
	Short: "Enroll students in a course from face photos",
	Long: `Adds one face template per photo. With --student every photo belongs to that student;
otherwise the student id is the file name without its extension (e.g. photos/s1042.jpg).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args, enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.CourseID, "course", "c", "", "Course to enroll into")
	enrollCmd.Flags().StringVarP(&enrollOpts.StudentID, "student", "s", "", "Student id for all photos")
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Student display name (with --student)")
	enrollCmd.Flags().StringVar(&enrollOpts.TuningFile, "tuning", "", "Tuning YAML file (default: $ROLLCALL_TUNING_FILE or built-in)")
	enrollCmd.Flags().Float64VarP(&enrollOpts.MinQuality, "min-quality", "q", 0, "Reject photos below this quality score (default: tuning min_score)")
	enrollCmd.MarkFlagRequired("course")
	rootCmd.AddCommand(enrollCmd)
}

func validateEnrollFlags(opts *EnrollOptions, paths []string) error {
	if strings.TrimSpace(opts.CourseID) == "" {
		return errors.New("--course is required")
	}
	if opts.Name != "" && opts.StudentID == "" {
		return errors.New("--name requires --student")
	}
	if opts.MinQuality < 0 || opts.MinQuality > 1 {
		return fmt.Errorf("--min-quality must be within [0,1], got %f", opts.MinQuality)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("input file %s: %w", p, err)
		}
	}
	return nil
}

// studentIDFromPath derives a student id from a photo file name.
func studentIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var errNoFace = errors.New("no face detected")

func runEnroll(ctx context.Context, paths []string, opts EnrollOptions) error {
	if err := validateEnrollFlags(&opts, paths); err != nil {
		utils.ShowError("%v", err)
		return err
	}
	if opts.TuningFile == "" {
		opts.TuningFile = Cfg.TuningFile
	}
	t, err := config.LoadTuning(opts.TuningFile)
	if err != nil {
		utils.ShowError("Invalid tuning file: %v", err)
		return err
	}
	if opts.MinQuality == 0 {
		opts.MinQuality = t.Quality.MinScore
	}

	m, err := startModels(Cfg, t, nil)
	if err != nil {
		utils.Die("Failed to start inference engine", err, nil)
	}
	defer m.Close()
	if err := m.ready(); err != nil {
		utils.Die("Models are not available", err, m.worker.Cmd)
	}

	qp := quality.ParamsFrom(t.Quality)
	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("🧑‍🎓 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	enrolled, skipped := 0, 0
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		bar.Add(1)

		id := opts.StudentID
		if id == "" {
			id = studentIDFromPath(path)
		}
		q, err := enrollPhoto(ctx, m, t, qp, opts, id, path)
		if err != nil {
			skipped++
			fmt.Fprintf(os.Stderr, "\n⚠️  Skipped %s: %v\n", path, err)
			continue
		}
		enrolled++
		if opts.StudentID == "" {
			fmt.Fprintf(os.Stderr, "\n✅ %s enrolled in %s (quality %.2f)\n", id, opts.CourseID, q)
		}
	}
	bar.Finish()

	fmt.Fprintf(os.Stderr, "\n🏁 Enrollment complete. %d templates stored, %d photos skipped.\n", enrolled, skipped)
	if enrolled == 0 {
		return errors.New("no templates were stored")
	}
	return ctx.Err()
}

// enrollPhoto detects, gates, aligns and embeds the largest face of one photo, then stores it.
func enrollPhoto(ctx context.Context, m *models, t *config.Tuning, qp quality.Params, opts EnrollOptions, studentID, path string) (float64, error) {
	img, err := loadImage(path)
	if err != nil {
		return 0, err
	}
	face, ok := largestFace(m.det.Detect(img))
	if !ok {
		return 0, errNoFace
	}
	b := img.Bounds()
	if !quality.PassesGeometryGate(face.Box, b.Dx(), b.Dy(), qp) {
		return 0, fmt.Errorf("face too small or too close to the edge (%.0fx%.0f)", face.Box.Width(), face.Box.Height())
	}
	q := quality.Score(img, face.Box, qp)
	if q < opts.MinQuality {
		return q, fmt.Errorf("quality %.2f below %.2f%s", q, opts.MinQuality, lightingHint(img, face.Box, qp))
	}

	crop, err := align.Face(img, face.Landmarks, face.Box, t.Recognition.InputSize)
	if err != nil {
		return q, err
	}
	vec := m.rec.Embed(crop)
	if recognizer.IsZero(vec) {
		return q, errors.New("recognizer produced no embedding")
	}

	if err := DB.EnrollStudent(ctx, opts.CourseID, studentID, opts.Name); err != nil {
		return q, err
	}
	if _, err := DB.AddTemplate(ctx, studentID, vec, q, filepath.Base(path)); err != nil {
		return q, err
	}
	return q, nil
}

// lightingHint names the exposure problem of a rejected face, if it has one.
func lightingHint(img image.Image, box types.Box, qp quality.Params) string {
	luma := quality.Brightness(img, box)
	switch {
	case luma < qp.MinBrightness:
		return fmt.Sprintf(" (too dark, mean luma %.0f)", luma)
	case luma > qp.MaxBrightness:
		return fmt.Sprintf(" (overexposed, mean luma %.0f)", luma)
	}
	return ""
}
