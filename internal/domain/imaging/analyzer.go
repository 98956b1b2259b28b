package imaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanlytics/scanlytics/internal/platform/gateway"
	"github.com/scanlytics/scanlytics/internal/platform/notification"
	"github.com/scanlytics/scanlytics/internal/platform/telemetry"
)

// Analyzer submits images for model analysis and reports the outcome to the
// user.
type Analyzer struct {
	encoder  *Encoder
	gw       gateway.Caller
	notifier notification.Notifier
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

func NewAnalyzer(encoder *Encoder, gw gateway.Caller, notifier notification.Notifier, metrics *telemetry.Metrics, logger zerolog.Logger) *Analyzer {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Analyzer{
		encoder:  encoder,
		gw:       gw,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With().Str("component", "imaging").Logger(),
	}
}

// ProcessImages encodes paths and sends them with the user and model names.
// Any failure, including one unreadable file, fails the whole request.
func (a *Analyzer) ProcessImages(ctx context.Context, paths []string, userName, modelName string) (*AnalysisResult, error) {
	start := time.Now()
	res, err := a.process(ctx, paths, userName, modelName)
	if err != nil {
		a.metrics.Analysis(telemetry.OutcomeFailure)
		a.logger.Error().Err(err).Int("files", len(paths)).Str("model", modelName).Msg("image processing failed")
		a.notifier.Error("Error processing images")
		return nil, err
	}
	a.metrics.Analysis(telemetry.OutcomeSuccess)
	a.logger.Info().
		Int("files", len(paths)).
		Int("results", len(res.Results)).
		Str("model", modelName).
		Dur("elapsed", time.Since(start)).
		Msg("images processed")
	a.notifier.Success("Images processed successfully")
	return res, nil
}

func (a *Analyzer) process(ctx context.Context, paths []string, userName, modelName string) (*AnalysisResult, error) {
	files, err := a.encoder.Encode(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("encode images: %w", err)
	}
	req, err := newProcessRequest(files, userName, modelName)
	if err != nil {
		return nil, err
	}
	var res AnalysisResult
	if err := a.gw.Call(ctx, CommandProcessImages, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func newProcessRequest(files []FileData, userName, modelName string) (processRequest, error) {
	imageData, err := json.Marshal(files)
	if err != nil {
		return processRequest{}, fmt.Errorf("encode image data: %w", err)
	}
	user, err := json.Marshal(userName)
	if err != nil {
		return processRequest{}, fmt.Errorf("encode user name: %w", err)
	}
	model, err := json.Marshal(modelName)
	if err != nil {
		return processRequest{}, fmt.Errorf("encode model name: %w", err)
	}
	return processRequest{
		ImageData: string(imageData),
		UserName:  string(user),
		ModelName: string(model),
	}, nil
}
