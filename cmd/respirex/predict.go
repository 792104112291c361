package main

import (
	"fmt"
	"strings"

	"github.com/YuminosukeSato/respirex/imaging"
	"github.com/YuminosukeSato/respirex/risk"
	"github.com/spf13/cobra"
)

func (a *app) predictSymptomsCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "predict-symptoms SCORE...",
		Short: "Predict the risk level from ten symptom scores (0-9)",
		Long: "Scores are given in this order:\n  " +
			strings.Join(risk.FeatureNames[:], ", ") +
			"\nThe prediction is appended to the audit log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.symptomPredictor(model)
			if err != nil {
				return err
			}
			pred, err := p.PredictRaw(args)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Prediction: %s\n", pred.Level)
			fmt.Fprintf(w, "Confidence: %.2f%%\n", pred.Confidence*100)
			for _, l := range risk.Levels {
				fmt.Fprintf(w, "  %-12s %6.2f%%\n", l.String(), pred.Probability(l)*100)
			}
			if pred.AuditErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: prediction was not written to %s\n", a.cfg.Audit.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "symptom artifact (default tabular.artifact)")
	return cmd
}

func (a *app) predictScanCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "predict-scan IMAGE",
		Short: "Classify a chest scan as Benign, Malignant or Normal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				model = a.cfg.Image.Artifact
			}
			res, err := imaging.LoadClassifier(model).ClassifyFile(args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for i, class := range res.Classes {
				fmt.Fprintf(w, "%-10s %6.2f%%\n", class, res.Probabilities[i]*100)
			}
			fmt.Fprintf(w, "Prediction: %s (%.2f%%)\n", res.Class, res.Confidence*100)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "scan artifact (default image.artifact)")
	return cmd
}
