package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/YuminosukeSato/respirex/imaging"
	"github.com/YuminosukeSato/respirex/risk"
	"github.com/spf13/cobra"
)

func (a *app) trainSymptomsCmd() *cobra.Command {
	var (
		data, out, plotPath string
		seed                int64
		trees               int
	)
	cmd := &cobra.Command{
		Use:   "train-symptoms",
		Short: "Fit the symptom model on a labelled CSV corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := risk.FitConfig{
				TestSize:    a.cfg.Tabular.TestSize,
				Seed:        a.cfg.Tabular.Seed,
				NEstimators: a.cfg.Tabular.Trees,
				MaxDepth:    a.cfg.Tabular.MaxDepth,
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}
			if cmd.Flags().Changed("trees") {
				cfg.NEstimators = trees
			}
			if out == "" {
				out = a.cfg.Tabular.Artifact
			}

			corpus, err := risk.ReadCorpusFile(data)
			if err != nil {
				return err
			}
			res, err := risk.Fit(corpus, cfg)
			if err != nil {
				return err
			}
			if err := risk.SaveArtifact(res.Artifact, out); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			printClassCounts(w, corpus)
			fmt.Fprintf(w, "Trained on %d rows, evaluated on %d held-out rows in %s\n",
				res.TrainSize, res.TestSize, res.Duration.Round(time.Millisecond))
			fmt.Fprintf(w, "Accuracy: %.4f   ROC AUC (one-vs-rest): %.4f   Log loss: %.4f\n\n",
				res.Accuracy, res.AUC, res.LogLoss)
			fmt.Fprintln(w, res.Report.String())
			printFeatureSummary(w, res)
			if err := printSampleBattery(w, res.Artifact); err != nil {
				return err
			}

			if plotPath != "" {
				if err := risk.PlotImportances(res.Artifact, plotPath); err != nil {
					return err
				}
				fmt.Fprintf(w, "Feature importance chart written to %s\n", plotPath)
			}
			fmt.Fprintf(w, "Model saved to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "labelled corpus CSV (required)")
	cmd.Flags().StringVar(&out, "out", "", "artifact path (default tabular.artifact)")
	cmd.Flags().Int64Var(&seed, "seed", 42, "split and forest seed")
	cmd.Flags().IntVar(&trees, "trees", 100, "number of trees")
	cmd.Flags().StringVar(&plotPath, "importance-plot", "", "write a feature importance chart (png, svg, pdf)")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func printClassCounts(w io.Writer, corpus *risk.Corpus) {
	counts := corpus.ClassCounts()
	parts := make([]string, len(risk.Levels))
	for i, l := range risk.Levels {
		parts[i] = fmt.Sprintf("%s: %d", l, counts[i])
	}
	fmt.Fprintf(w, "Corpus: %d rows (%s)\n", corpus.Len(), strings.Join(parts, ", "))
}

func printFeatureSummary(w io.Writer, res *risk.FitResult) {
	importances := res.Artifact.FeatureImportances()
	fmt.Fprintf(w, "%-20s %6s %6s %4s %4s %10s\n", "feature", "mean", "std", "min", "max", "importance")
	for i, f := range res.Features {
		imp := 0.0
		if i < len(importances) {
			imp = importances[i]
		}
		fmt.Fprintf(w, "%-20s %6.2f %6.2f %4.0f %4.0f %10.4f\n", f.Name, f.Mean, f.StdDev, f.Min, f.Max, imp)
	}
	fmt.Fprintln(w)
}

// printSampleBattery runs the fixed sanity vectors through the fresh model.
func printSampleBattery(w io.Writer, a *risk.Artifact) error {
	p, err := risk.NewPredictor(a)
	if err != nil {
		return err
	}
	for _, s := range risk.SampleBattery() {
		pred, err := p.Predict(s.Features)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s prediction: %s (%.2f)\n", s.Name, pred.Level, pred.Confidence)
	}
	fmt.Fprintln(w)
	return nil
}

func (a *app) trainScanCmd() *cobra.Command {
	var (
		data, basePath, out string
		multiClass          string
		epochs              int
		learningRate        float64
	)
	cmd := &cobra.Command{
		Use:   "train-scan",
		Short: "Fit the scan classification head on a train/validate image directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := imaging.TrainConfig{
				Epochs:       a.cfg.Image.Epochs,
				LearningRate: a.cfg.Image.LearningRate,
				C:            a.cfg.Image.C,
				MultiClass:   a.cfg.Image.MultiClass,
				Seed:         a.cfg.Image.Seed,
				Workers:      a.cfg.Image.Workers,
			}
			if cmd.Flags().Changed("multi-class") {
				cfg.MultiClass = multiClass
			}
			if cmd.Flags().Changed("epochs") {
				cfg.Epochs = epochs
			}
			if cmd.Flags().Changed("learning-rate") {
				cfg.LearningRate = learningRate
			}
			if basePath == "" {
				basePath = a.cfg.Image.Base
			}
			if out == "" {
				out = a.cfg.Image.Artifact
			}

			base := imaging.NewDefaultBase(a.cfg.Image.Seed)
			if basePath != "" {
				var err error
				if base, err = imaging.LoadBase(basePath); err != nil {
					return err
				}
			}

			res, err := imaging.TrainHead(base, data, cfg)
			if err != nil {
				return err
			}
			if err := imaging.SaveNetwork(res.Network, out); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Trained on %d images, validated on %d in %s\n",
				res.TrainSamples, res.ValidationSamples, res.Duration.Round(time.Millisecond))
			fmt.Fprintf(w, "Training accuracy: %.2f%%\n", res.TrainAccuracy*100)
			fmt.Fprintf(w, "Validation accuracy: %.2f%%\n", res.ValidationAccuracy*100)
			fmt.Fprintf(w, "Validation log loss: %.4f\n\n", res.ValidationLogLoss)
			fmt.Fprintln(w, res.Report.String())
			fmt.Fprintf(w, "Model saved to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "image corpus root with train/ and validate/ (required)")
	cmd.Flags().StringVar(&basePath, "base", "", "frozen base: a saved network or an .onnx checkpoint (default image.base, else built-in)")
	cmd.Flags().StringVar(&multiClass, "multi-class", "multinomial", "head type: multinomial or ovr (default image.multi_class)")
	cmd.Flags().StringVar(&out, "out", "", "artifact path (default image.artifact)")
	cmd.Flags().IntVar(&epochs, "epochs", 500, "maximum head iterations")
	cmd.Flags().Float64Var(&learningRate, "learning-rate", 1.0, "initial step size")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func (a *app) exportBaseCmd() *cobra.Command {
	var (
		out  string
		seed int64
	)
	cmd := &cobra.Command{
		Use:   "export-base",
		Short: "Write the built-in frozen base network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("seed") {
				seed = a.cfg.Image.Seed
			}
			base := imaging.NewDefaultBase(seed)
			if err := imaging.SaveNetwork(base, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Base network (%s -> %d features) written to %s\n",
				base.InputShape(), base.EmbeddingSize(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (required)")
	cmd.Flags().Int64Var(&seed, "seed", 42, "weight initialisation seed (default image.seed)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func (a *app) importBaseCmd() *cobra.Command {
	var (
		model, out string
		mean, std  []float64
	)
	cmd := &cobra.Command{
		Use:   "import-base",
		Short: "Convert a pretrained ONNX checkpoint into a frozen base network",
		Long: `Wraps an ONNX vision model that takes a 1x3x224x224 batch as the frozen
feature extractor for train-scan. Its first output becomes the embedding.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := imaging.ImportONNX(model, imaging.WithONNXNormalization(mean, std))
			if err != nil {
				return err
			}
			if err := imaging.SaveNetwork(base, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Base network (%s -> %d features) written to %s\n",
				base.InputShape(), base.EmbeddingSize(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "onnx", "", "ONNX checkpoint (required)")
	cmd.Flags().StringVar(&out, "out", "", "output path (required)")
	cmd.Flags().Float64SliceVar(&mean, "mean", imaging.ImageNetMean, "per-channel input mean")
	cmd.Flags().Float64SliceVar(&std, "std", imaging.ImageNetStd, "per-channel input standard deviation")
	_ = cmd.MarkFlagRequired("onnx")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
