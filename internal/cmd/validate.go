package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/worklets/pkg/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>...",
	Short: "Validate scene manifests",
	Long: `Validate one or more scene manifests against the embedded schema and
check their cross references (contexts, worklets, animations).

Example:
  worklets validate scene.yaml
  worklets validate scenes/*.yaml --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

var validateJSON bool

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output results as JSON")
}

// validateResult is the outcome for one manifest.
type validateResult struct {
	Path   string                     `json:"path"`
	Valid  bool                       `json:"valid"`
	Errors []manifest.ValidationError `json:"errors,omitempty"`
	Error  string                     `json:"error,omitempty"`
}

func validatePath(path string) validateResult {
	res := validateResult{Path: path}
	_, err := manifest.Load(path)
	if err == nil {
		res.Valid = true
		return res
	}

	var verrs manifest.ValidationErrors
	if errors.As(err, &verrs) {
		res.Errors = verrs
		return res
	}
	res.Error = err.Error()
	return res
}

func runValidate(cmd *cobra.Command, args []string) error {
	results := make([]validateResult, 0, len(args))
	invalid := 0
	for _, path := range args {
		res := validatePath(path)
		if !res.Valid {
			invalid++
		}
		results = append(results, res)
	}

	if validateJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			if res.Valid {
				_, _ = fmt.Fprintf(os.Stdout, "ok       %s\n", res.Path)
				continue
			}
			_, _ = fmt.Fprintf(os.Stdout, "invalid  %s\n", res.Path)
			if res.Error != "" {
				_, _ = fmt.Fprintf(os.Stdout, "  %s\n", res.Error)
			}
			for _, e := range res.Errors {
				_, _ = fmt.Fprintf(os.Stdout, "  %s\n", e.Error())
			}
		}
	}

	if invalid > 0 {
		return exitError(foundry.ExitInvalidArgument, "Manifest validation failed", fmt.Errorf("%d of %d manifests invalid", invalid, len(args)))
	}
	return nil
}
