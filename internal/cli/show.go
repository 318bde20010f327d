package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vjranagit/timeglass/pkg/middleware"
	"github.com/vjranagit/timeglass/pkg/types"
)

// recordDetail is the JSON shape printed by show --json.
type recordDetail struct {
	Record         types.ProfilingRecord `json:"record"`
	Classification types.Classification  `json:"classification"`
	Operations     []types.QueryMetric   `json:"operations"`
}

func newShowCmd(flags *globalFlags) *cobra.Command {
	var (
		apiURL string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Print one request with its classification and operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !middleware.ValidRequestID(id) {
				return fmt.Errorf("invalid request id %q", id)
			}

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			src, err := openSource(cfg, apiURL, newLogger(cfg))
			if err != nil {
				return err
			}
			defer src.Close()

			ctx := cmd.Context()
			rec, found, err := src.Record(ctx, id)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("request %s not found", id)
			}
			ops, err := src.Operations(ctx, id)
			if err != nil {
				return err
			}

			if asJSON {
				if ops == nil {
					ops = []types.QueryMetric{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recordDetail{Record: rec, Classification: types.Classify(&rec), Operations: ops})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRecord(rec, ops, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", "", "Read from a running server instead of the data directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}
