package main

import (
	"io"

	"github.com/YuminosukeSato/respirex/audit"
	"github.com/YuminosukeSato/respirex/auth"
	"github.com/YuminosukeSato/respirex/config"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/YuminosukeSato/respirex/risk"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// app carries state shared by every subcommand once the config is loaded.
type app struct {
	configPath string
	logLevel   string

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "respirex",
		Short: "Lung cancer risk prediction from symptom scores and chest scans",
		Long: `respirex fits and runs two independent pipelines:

  symptom  ten symptom scores (0-9) -> Low, Medium or High risk
  scan     a chest scan image -> Benign, Malignant or Normal

Models are trained offline into artifact files and loaded once by the
predict and serve commands.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: ./respirex.yaml or $HOME/.respirex/respirex.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		a.trainSymptomsCmd(),
		a.trainScanCmd(),
		a.exportBaseCmd(),
		a.importBaseCmd(),
		a.predictSymptomsCmd(),
		a.predictScanCmd(),
		a.registerCmd(),
		a.loginCmd(),
		a.featuresCmd(),
		a.serveCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	closer, err := log.Setup(cfg.LogSetup())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logCloser = closer
	gin.SetMode(cfg.Server.Mode)

	if cfg.File != "" {
		log.GetLoggerWithName("cli").Debug("Configuration loaded",
			log.ConfigFileKey, cfg.File,
			"command", cmd.Name(),
		)
	}
	return nil
}

// symptomPredictor loads the tabular artifact and attaches the audit log.
func (a *app) symptomPredictor(modelPath string) (*risk.Predictor, error) {
	if modelPath == "" {
		modelPath = a.cfg.Tabular.Artifact
	}
	rec, err := audit.NewLog(a.cfg.Audit.Path, risk.FeatureNames[:])
	if err != nil {
		return nil, err
	}
	return risk.LoadPredictor(modelPath, risk.WithRecorder(rec)), nil
}

func (a *app) openUsers() (*auth.Store, error) {
	return auth.Open(a.cfg.Database.Path, auth.WithBcryptCost(a.cfg.Auth.BcryptCost))
}

// userMessage turns an error into the line printed for the user. Each kind
// of failure gets its own wording.
func userMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		ive *errors.InputValidationError
		ide *errors.ImageDecodeError
		mue *errors.ModelUnavailableError
		die *errors.DataIntegrityError
		sie *errors.StorageIntegrityError
		ve  *errors.ValidationError
	)
	switch {
	case errors.As(err, &ive):
		return "Input error: " + ive.Field + ": " + ive.Reason
	case errors.As(err, &ide):
		return "Image error: the file could not be read as an image (" + ide.Source + ")"
	case errors.As(err, &mue):
		return "Model error: the " + mue.Pipeline + " model is not loaded; train it first or check the artifact path"
	case errors.As(err, &die):
		return "Data error: " + die.Error()
	case errors.As(err, &sie):
		return "Email already exists!"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid Credentials!"
	case errors.As(err, &ve):
		return "Configuration error: " + ve.Error()
	default:
		return "Error: " + err.Error()
	}
}
