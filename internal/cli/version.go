package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the voicedesk version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("voicedesk %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
