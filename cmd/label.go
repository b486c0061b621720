package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <student_id> <name>",
	Short: "Set the display name of an enrolled student",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runLabel(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id, name string) {
	if err := DB.RenameStudent(ctx, id, name); err != nil {
		utils.Die("Failed to label student", err, nil)
	}

	fmt.Printf("✅ Student %s labeled as '%s'\n", id, name)
}
