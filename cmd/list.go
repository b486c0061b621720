package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/roster"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	listCourse string
	listSearch string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled students",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}

func init() {
	listCmd.Flags().StringVarP(&listCourse, "course", "c", "", "Only students enrolled in this course")
	listCmd.Flags().StringVar(&listSearch, "search", "", "Filter by name or id, ignoring case and accents")
	rootCmd.AddCommand(listCmd)
}

// filterStudents keeps students whose folded name or id contains the folded query.
func filterStudents(students []store.StudentInfo, query string) []store.StudentInfo {
	q := roster.FoldName(query)
	if q == "" {
		return students
	}
	var out []store.StudentInfo
	for _, s := range students {
		if strings.Contains(roster.FoldName(s.Name), q) || strings.Contains(roster.FoldName(s.ID), q) {
			out = append(out, s)
		}
	}
	return out
}

func runList(ctx context.Context) {
	students, err := DB.ListStudents(ctx, listCourse)
	if err != nil {
		utils.Die("Failed to list students", err, nil)
	}
	students = filterStudents(students, listSearch)

	if len(students) == 0 {
		fmt.Println("No students found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTEMPLATES\tCOURSES\tCREATED")
	fmt.Fprintln(w, "--\t----\t---------\t-------\t-------")

	for _, s := range students {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Name, s.Templates, strings.Join(s.Courses, ","), s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
