// Package display picks between table and JSON output for CLI commands.
package display

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// OutputEnv forces JSON output when set to "json".
const OutputEnv = "JOBSVC_OUTPUT"

// ShouldOutputJSON reports whether cmd should print JSON: an explicit
// --json flag (local or persistent) wins, then JOBSVC_OUTPUT.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
			v, _ := cmd.Flags().GetBool("json")
			return v
		}
		if v, err := cmd.Root().PersistentFlags().GetBool("json"); err == nil && v {
			return true
		}
	}
	return strings.EqualFold(os.Getenv(OutputEnv), "json")
}
