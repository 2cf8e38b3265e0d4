package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rlm/pkg/config"
	"rlm/pkg/metrics"
)

const usageQueryTimeout = 10 * time.Second

func usageCmd(flags *globalFlags) *cobra.Command {
	var prometheusURL string
	cmd := &cobra.Command{
		Use:   "usage <session-id>",
		Short: "Show token usage recorded for a session",
		Long: `Query the Prometheus server scraping rlm serve for the tokens a
session consumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := setup(flags); err != nil {
				return err
			}
			if prometheusURL == "" {
				cfg, err := config.GetConfig()
				if err != nil {
					return err
				}
				prometheusURL = cfg.Server.PrometheusURL
			}
			if prometheusURL == "" {
				return fmt.Errorf("no Prometheus URL: set server.prometheus_url or pass --prometheus-url")
			}

			qs, err := metrics.NewQueryService(prometheusURL)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), usageQueryTimeout)
			defer cancel()
			usage, err := qs.GetSessionUsage(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(usage)
		},
	}
	cmd.Flags().StringVar(&prometheusURL, "prometheus-url", "", "Prometheus server URL (default: server.prometheus_url)")
	return cmd
}
