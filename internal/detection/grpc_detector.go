package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"parkwatch/internal/logging"
	"parkwatch/internal/vision"
)

const (
	detectMethod         = "/parkwatch.detection.v1.Detector/Detect"
	associateMethod      = "/parkwatch.detection.v1.Associator/Update"
	associateResetMethod = "/parkwatch.detection.v1.Associator/Reset"
	detectorServiceName  = "parkwatch.detection.v1.Detector"
)

// dial opens a lazily connecting client with keepalive tuned to notice dead
// peers quickly.
func dial(endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	conn, err := grpc.NewClient(endpoint, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// healthChecker caches grpc.health.v1 results for one service.
type healthChecker struct {
	client  healthpb.HealthClient
	service string
	log     logrus.FieldLogger

	mu         sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

func (hc *healthChecker) check(ctx context.Context) bool {
	hc.mu.RLock()
	if hc.healthy && time.Since(hc.lastHealth) < healthCacheTTL {
		hc.mu.RUnlock()
		return true
	}
	hc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := hc.client.Check(ctx, &healthpb.HealthCheckRequest{Service: hc.service})
	ok := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		hc.log.WithError(err).Warn("health check failed")
	}

	hc.mu.Lock()
	hc.healthy = ok
	if ok {
		hc.lastHealth = time.Now()
	}
	hc.mu.Unlock()
	return ok
}

// GRPCDetector runs detection on a remote service through a unary call
// carrying structpb messages.
type GRPCDetector struct {
	endpoint      string
	conn          *grpc.ClientConn
	timeout       time.Duration
	confThreshold float64
	health        *healthChecker
	log           logrus.FieldLogger
}

// NewGRPCDetector creates a gRPC detector. The connection is established on first use.
func NewGRPCDetector(endpoint string, timeout time.Duration, confThreshold float64, logger logrus.FieldLogger, opts ...grpc.DialOption) (*GRPCDetector, error) {
	conn, err := dial(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to detection service: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	log := logging.Component(logger, "grpc-detector")
	log.WithField("endpoint", endpoint).Info("detector client created")

	return &GRPCDetector{
		endpoint:      endpoint,
		conn:          conn,
		timeout:       timeout,
		confThreshold: confThreshold,
		health:        &healthChecker{client: healthpb.NewHealthClient(conn), service: detectorServiceName, log: log},
		log:           log,
	}, nil
}

func (gd *GRPCDetector) Name() string { return "grpc" }

// IsHealthy queries the standard health service. Success is cached for 30 seconds.
func (gd *GRPCDetector) IsHealthy(ctx context.Context) bool {
	return gd.health.check(ctx)
}

// Detect sends the frame as base64 JPEG and decodes the returned detections.
func (gd *GRPCDetector) Detect(ctx context.Context, frame image.Image) ([]Detection, error) {
	if !gd.IsHealthy(ctx) {
		return nil, ErrUnavailable
	}

	jpegData, err := vision.EncodeJPEG(frame)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"jpeg_data":      base64.StdEncoding.EncodeToString(jpegData),
		"conf_threshold": gd.confThreshold,
		"timestamp_ns":   float64(time.Now().UnixNano()),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("detect call: %w", err)
	}
	return decodeDetections(resp)
}

func (gd *GRPCDetector) Close() error {
	if gd.conn != nil {
		return gd.conn.Close()
	}
	return nil
}

func decodeBBox(v *structpb.Value) (BBox, bool) {
	list := v.GetListValue().GetValues()
	if len(list) != 4 {
		return BBox{}, false
	}
	return BBox{list[0].GetNumberValue(), list[1].GetNumberValue(), list[2].GetNumberValue(), list[3].GetNumberValue()}, true
}

func decodeDetections(resp *structpb.Struct) ([]Detection, error) {
	raw, ok := resp.GetFields()["detections"]
	if !ok {
		return nil, fmt.Errorf("response has no detections field")
	}
	items := raw.GetListValue().GetValues()
	out := make([]Detection, 0, len(items))
	for _, item := range items {
		fields := item.GetStructValue().GetFields()
		bbox, ok := decodeBBox(fields["bbox"])
		if !ok {
			continue
		}
		out = append(out, Detection{
			BBox:       bbox,
			Confidence: fields["confidence"].GetNumberValue(),
			ClassID:    int(fields["class_id"].GetNumberValue()),
			Class:      fields["class"].GetStringValue(),
		})
	}
	return out, nil
}

func encodeDetections(dets []Detection) []any {
	out := make([]any, 0, len(dets))
	for _, d := range dets {
		out = append(out, map[string]any{
			"bbox":       []any{d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]},
			"confidence": d.Confidence,
			"class_id":   float64(d.ClassID),
			"class":      d.Class,
		})
	}
	return out
}

// GRPCAssociator delegates track association to a remote service.
type GRPCAssociator struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewGRPCAssociator creates an associator client for endpoint.
func NewGRPCAssociator(endpoint string, timeout time.Duration, logger logrus.FieldLogger, opts ...grpc.DialOption) (*GRPCAssociator, error) {
	conn, err := dial(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to association service: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GRPCAssociator{conn: conn, timeout: timeout, log: logging.Component(logger, "grpc-associator")}, nil
}

func (ga *GRPCAssociator) Name() string { return "grpc-associator" }

// Update sends the detections and returns the tracks the service reports.
func (ga *GRPCAssociator) Update(ctx context.Context, detections []Detection, frame image.Image) ([]Track, error) {
	b := frame.Bounds()
	req, err := structpb.NewStruct(map[string]any{
		"detections": encodeDetections(detections),
		"width":      float64(b.Dx()),
		"height":     float64(b.Dy()),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ga.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := ga.conn.Invoke(ctx, associateMethod, req, resp); err != nil {
		return nil, fmt.Errorf("associate call: %w", err)
	}

	items := resp.GetFields()["tracks"].GetListValue().GetValues()
	tracks := make([]Track, 0, len(items))
	for _, item := range items {
		fields := item.GetStructValue().GetFields()
		bbox, ok := decodeBBox(fields["bbox"])
		if !ok {
			continue
		}
		tracks = append(tracks, Track{
			ID:      int(fields["id"].GetNumberValue()),
			BBox:    bbox,
			ClassID: int(fields["class_id"].GetNumberValue()),
		})
	}
	return tracks, nil
}

// Reset asks the service to drop its tracks. Failures are logged only.
func (ga *GRPCAssociator) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), ga.timeout)
	defer cancel()
	if err := ga.conn.Invoke(ctx, associateResetMethod, &structpb.Struct{}, &structpb.Struct{}); err != nil {
		ga.log.WithError(err).Warn("reset call failed")
	}
}

func (ga *GRPCAssociator) Close() error {
	return ga.conn.Close()
}
