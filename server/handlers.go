package server

import (
	"bufio"
	"math"
	"net/http"
	"strconv"

	"github.com/YuminosukeSato/respirex/auth"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/YuminosukeSato/respirex/risk"
	"github.com/gin-gonic/gin"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID    uint   `json:"id"`
	Email string `json:"email"`
}

// symptomsRequest accepts either named scores or a list in FeatureNames
// order. Scores may be JSON strings or numbers.
type symptomsRequest struct {
	Features map[string]any `json:"features"`
	Values   []any          `json:"values"`
}

type symptomsResponse struct {
	Level         string             `json:"level"`
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	Features      map[string]int     `json:"features"`
	AuditError    string             `json:"audit_error,omitempty"`
}

type scanResponse struct {
	FileName      string             `json:"file_name"`
	FileType      string             `json:"file_type"`
	ContentType   string             `json:"content_type,omitempty"`
	SizeKB        float64            `json:"size_kb"`
	Class         string             `json:"class"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

type featureInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Min         int    `json:"min"`
	Max         int    `json:"max"`
}

type pipelineHealth struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// GET /healthz
func (s *Server) health(c *gin.Context) {
	pipelines := map[string]pipelineHealth{
		log.PipelineSymptom: healthOf(s.symptoms.Err()),
		log.PipelineScan:    healthOf(s.scans.Err()),
	}
	status := "ok"
	for _, p := range pipelines {
		if !p.Available {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "pipelines": pipelines})
}

func healthOf(err error) pipelineHealth {
	if err != nil {
		return pipelineHealth{Error: err.Error()}
	}
	return pipelineHealth{Available: true}
}

// GET /api/v1/features
func (s *Server) features(c *gin.Context) {
	out := make([]featureInfo, 0, risk.NumFeatures)
	for _, name := range risk.FeatureNames {
		out = append(out, featureInfo{
			Name:        name,
			Description: risk.FeatureDescriptions[name],
			Min:         risk.MinScore,
			Max:         risk.MaxScore,
		})
	}
	c.JSON(http.StatusOK, gin.H{"features": out})
}

// POST /api/v1/auth/register
func (s *Server) register(c *gin.Context) {
	if s.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "credential store is unavailable"})
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return
	}

	user, err := s.users.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.metrics.AuthAttempts.WithLabelValues("register", "rejected").Inc()
		s.writeError(c, err)
		return
	}
	s.metrics.AuthAttempts.WithLabelValues("register", "ok").Inc()
	c.JSON(http.StatusCreated, gin.H{
		"message": "Registration successful",
		"user":    userResponse{ID: user.ID, Email: user.Email},
	})
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	if s.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "credential store is unavailable"})
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return
	}

	user, err := s.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.metrics.AuthAttempts.WithLabelValues("login", "rejected").Inc()
		s.writeError(c, err)
		return
	}
	s.metrics.AuthAttempts.WithLabelValues("login", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"message": "Login successful",
		"user":    userResponse{ID: user.ID, Email: user.Email},
	})
}

// POST /api/v1/predict/symptoms
func (s *Server) predictSymptoms(c *gin.Context) {
	if err := s.symptoms.Err(); err != nil {
		s.predictionError(c, log.PipelineSymptom, err)
		return
	}
	var req symptomsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return
	}

	var (
		v   risk.FeatureVector
		err error
	)
	switch {
	case req.Features != nil:
		raw := make(map[string]string, len(req.Features))
		for k, val := range req.Features {
			raw[k] = scalarString(val)
		}
		v, err = risk.ParseFeatureMap(raw)
	case req.Values != nil:
		raw := make([]string, len(req.Values))
		for i, val := range req.Values {
			raw[i] = scalarString(val)
		}
		v, err = risk.ParseFeatureVector(raw)
	default:
		err = errors.NewInputValidationError("features", "", "provide either features or values")
	}
	if err != nil {
		s.predictionError(c, log.PipelineSymptom, err)
		return
	}

	pred, err := s.symptoms.Predict(v)
	if err != nil {
		s.predictionError(c, log.PipelineSymptom, err)
		return
	}
	s.metrics.Predictions.WithLabelValues(log.PipelineSymptom, pred.Level.String()).Inc()

	resp := symptomsResponse{
		Level:         pred.Level.String(),
		Label:         pred.Level.Label(),
		Confidence:    pred.Confidence,
		Probabilities: make(map[string]float64, risk.NumLevels),
		Features:      make(map[string]int, risk.NumFeatures),
	}
	for _, l := range risk.Levels {
		resp.Probabilities[l.String()] = pred.Probability(l)
	}
	for i, name := range risk.FeatureNames {
		resp.Features[name] = pred.Features[i]
	}
	if pred.AuditErr != nil {
		s.metrics.AuditFailures.Inc()
		resp.AuditError = "prediction was not recorded in the audit log"
	}
	c.JSON(http.StatusOK, resp)
}

// POST /api/v1/predict/scan
func (s *Server) predictScan(c *gin.Context) {
	if err := s.scans.Err(); err != nil {
		s.predictionError(c, log.PipelineScan, err)
		return
	}
	header, err := c.FormFile("image")
	if err != nil {
		s.predictionError(c, log.PipelineScan,
			errors.NewInputValidationError("image", "", "multipart field image is required"))
		return
	}
	if header.Size > s.maxUpload {
		s.predictionError(c, log.PipelineScan,
			errors.NewInputValidationError("image", header.Filename, "file is too large"))
		return
	}

	f, err := header.Open()
	if err != nil {
		s.predictionError(c, log.PipelineScan, errors.NewImageDecodeError(header.Filename, err))
		return
	}
	defer f.Close()

	res, err := s.scans.Classify(bufio.NewReader(f))
	if err != nil {
		s.predictionError(c, log.PipelineScan, err)
		return
	}
	s.metrics.Predictions.WithLabelValues(log.PipelineScan, res.Class).Inc()

	resp := scanResponse{
		FileName:      header.Filename,
		FileType:      res.Format,
		ContentType:   header.Header.Get("Content-Type"),
		SizeKB:        math.Round(float64(header.Size)/1024*100) / 100,
		Class:         res.Class,
		Confidence:    res.Confidence,
		Probabilities: make(map[string]float64, len(res.Classes)),
	}
	for i, class := range res.Classes {
		resp.Probabilities[class] = res.Probabilities[i]
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) predictionError(c *gin.Context, pipeline string, err error) {
	s.metrics.PredictionErrors.WithLabelValues(pipeline, errorKind(err)).Inc()
	s.writeError(c, err)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		ive *errors.InputValidationError
		ide *errors.ImageDecodeError
		mue *errors.ModelUnavailableError
		sie *errors.StorageIntegrityError
	)
	switch {
	case errors.As(err, &ive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ive.Error(), "field": ive.Field})
	case errors.As(err, &ide):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported or unreadable image"})
	case errors.As(err, &mue):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": mue.Pipeline + " model is unavailable"})
	case errors.As(err, &sie):
		c.JSON(http.StatusConflict, gin.H{"error": "email already exists"})
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	default:
		requestLogger(c, s.logger).Error("Request failed", err, "http.path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func errorKind(err error) string {
	var (
		ive *errors.InputValidationError
		ide *errors.ImageDecodeError
		mue *errors.ModelUnavailableError
	)
	switch {
	case errors.As(err, &ive):
		return "input_validation"
	case errors.As(err, &ide):
		return "image_decode"
	case errors.As(err, &mue):
		return "model_unavailable"
	default:
		return "internal"
	}
}

// scalarString renders a decoded JSON scalar as the text a form field would
// carry, so "4" and 4 parse the same way.
func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return "<invalid>"
	}
}

var _ Authenticator = (*auth.Store)(nil)
