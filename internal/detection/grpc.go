package detection

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"skywatch/internal/pipeline"
)

const (
	// DetectorService is the gRPC service name of the inference backend.
	DetectorService = "skywatch.detection.v1.Detector"
	// DetectMethod takes a JPEG as google.protobuf.BytesValue and answers a
	// google.protobuf.Struct holding a "predictions" list.
	DetectMethod = "/" + DetectorService + "/Detect"
)

// GRPCConfig holds configuration for the gRPC detector
type GRPCConfig struct {
	Endpoint string
	MaxWidth int
}

// GRPCDetector calls a unary inference RPC on a long-lived connection.
type GRPCDetector struct {
	cfg    GRPCConfig
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	logger *zap.Logger
}

// NewGRPCDetector creates the client. The connection is established lazily on
// the first call.
func NewGRPCDetector(cfg GRPCConfig, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCDetector, error) {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 640
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "creating detection client for %s", cfg.Endpoint)
	}
	return &GRPCDetector{
		cfg:    cfg,
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		logger: logger.Named("detector.grpc"),
	}, nil
}

func (d *GRPCDetector) Name() string { return "grpc" }

func (d *GRPCDetector) Detect(ctx context.Context, img image.Image) ([]pipeline.Detection, error) {
	payload, scale, err := prepareFrame(img, d.cfg.MaxWidth)
	if err != nil {
		return nil, err
	}

	var resp structpb.Struct
	if err := d.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(payload), &resp); err != nil {
		return nil, grpcError(err)
	}

	body, err := protojson.Marshal(&resp)
	if err != nil {
		return nil, errors.Wrapf(pipeline.ErrMalformed, "re-encoding response: %v", err)
	}
	return parsePredictions(body, scale, img.Bounds())
}

// Healthy asks the standard health service whether the detector is serving.
func (d *GRPCDetector) Healthy(ctx context.Context) error {
	resp, err := d.health.Check(ctx, &healthpb.HealthCheckRequest{Service: DetectorService})
	if err != nil {
		return grpcError(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.Wrapf(pipeline.ErrUnavailable, "detector status %s", resp.GetStatus())
	}
	return nil
}

// Close releases the connection.
func (d *GRPCDetector) Close() error {
	return d.conn.Close()
}

func grpcError(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return errors.Wrap(context.DeadlineExceeded, err.Error())
	case codes.Unavailable:
		return errors.Wrap(pipeline.ErrUnavailable, err.Error())
	case codes.InvalidArgument, codes.Internal, codes.Unimplemented:
		return errors.Wrap(pipeline.ErrMalformed, err.Error())
	default:
		return errors.Wrap(err, "detection call")
	}
}
