package main

import (
	"github.com/FranksOps/rotor/internal/app"
	"github.com/spf13/cobra"
)

func newValidateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Probe every proxy in the list and report which ones work",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := opts.load()
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.Out = cmd.OutOrStdout()

			if _, err := a.Validate(cmd.Context()); err != nil {
				return err
			}
			return a.WriteProxyReport()
		},
	}

	cmd.Flags().StringSlice("url", nil, "validation URL, repeatable")
	cmd.Flags().Int("concurrency", 0, "number of proxies probed at once")
	opts.bind(cmd.Flags(), map[string]string{
		"validation.urls":        "url",
		"validation.concurrency": "concurrency",
	})

	return cmd
}
