package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/YuminosukeSato/respirex/imaging"
	"github.com/YuminosukeSato/respirex/risk"
	"github.com/YuminosukeSato/respirex/server"
	"github.com/spf13/cobra"
)

func (a *app) featuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List the symptom features and what they measure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for i, name := range risk.FeatureNames {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, name, risk.FeatureDescriptions[name])
			}
			return tw.Flush()
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the prediction and account API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			symptoms, err := a.symptomPredictor("")
			if err != nil {
				return err
			}
			scans := imaging.LoadClassifier(a.cfg.Image.Artifact)
			users, err := a.openUsers()
			if err != nil {
				return err
			}
			defer users.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.New(symptoms, scans, users).Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}
