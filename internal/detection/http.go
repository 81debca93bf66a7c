package detection

import (
	"bytes"
	"context"
	"image"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"skywatch/internal/pipeline"
)

// HTTPConfig holds configuration for the hosted inference client
type HTTPConfig struct {
	Endpoint   string
	APIKey     string
	Confidence float64
	Overlap    float64
	MaxWidth   int
}

// HTTPDetector posts frames as multipart uploads to a hosted inference API
// that answers with centre-format predictions.
type HTTPDetector struct {
	cfg    HTTPConfig
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPDetector creates a detector for cfg.Endpoint. Request deadlines come
// from the context passed to Detect.
func NewHTTPDetector(cfg HTTPConfig, logger *zap.Logger) *HTTPDetector {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 640
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New()
	client.SetHeader("Accept", "application/json")
	return &HTTPDetector{
		cfg:    cfg,
		client: client,
		logger: logger.Named("detector.http"),
	}
}

func (d *HTTPDetector) Name() string { return "http" }

func (d *HTTPDetector) Detect(ctx context.Context, img image.Image) ([]pipeline.Detection, error) {
	payload, scale, err := prepareFrame(img, d.cfg.MaxWidth)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"api_key":    d.cfg.APIKey,
			"confidence": strconv.FormatFloat(d.cfg.Confidence, 'f', -1, 64),
			"overlap":    strconv.FormatFloat(d.cfg.Overlap, 'f', -1, 64),
		}).
		SetFileReader("file", "frame.jpg", bytes.NewReader(payload)).
		Post(d.cfg.Endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "detection request")
		}
		return nil, errors.Wrapf(pipeline.ErrUnavailable, "detection request: %v", err)
	}
	if resp.IsError() {
		return nil, errors.Wrapf(pipeline.ErrMalformed, "detection request: status %d", resp.StatusCode())
	}

	dets, err := parsePredictions(resp.Body(), scale, img.Bounds())
	if err != nil {
		return nil, err
	}
	d.logger.Debug("detections", zap.Int("count", len(dets)), zap.Duration("rtt", resp.Time()))
	return dets, nil
}
