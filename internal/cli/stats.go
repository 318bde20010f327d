package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd(flags *globalFlags) *cobra.Command {
	var (
		apiURL string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the aggregated request statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			src, err := openSource(cfg, apiURL, newLogger(cfg))
			if err != nil {
				return err
			}
			defer src.Close()

			summary, err := src.Summary(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summary))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", "", "Read from a running server instead of the data directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}
