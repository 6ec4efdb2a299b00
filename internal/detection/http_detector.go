package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/logging"
	"parkwatch/internal/vision"
)

const healthCacheTTL = 30 * time.Second

// HTTPDetector calls a YOLO-style detection service over multipart HTTP.
type HTTPDetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float64
	log           logrus.FieldLogger

	mu          sync.Mutex
	healthy     bool
	healthCheck time.Time
}

// wireDetection is the service's JSON shape.
type wireDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

type wireResult struct {
	Detections      []wireDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// NewHTTPDetector creates a detector for the service at endpoint.
func NewHTTPDetector(endpoint string, timeout time.Duration, confThreshold float64, logger logrus.FieldLogger) *HTTPDetector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDetector{
		endpoint:      endpoint,
		client:        &http.Client{Timeout: timeout},
		confThreshold: confThreshold,
		log:           logging.Component(logger, "http-detector"),
	}
}

func (hd *HTTPDetector) Name() string { return "http" }

// IsHealthy checks the service's /health endpoint. Success is cached for 30 seconds.
func (hd *HTTPDetector) IsHealthy(ctx context.Context) bool {
	hd.mu.Lock()
	if hd.healthy && time.Since(hd.healthCheck) < healthCacheTTL {
		hd.mu.Unlock()
		return true
	}
	hd.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hd.endpoint+"/health", nil)
	if err != nil {
		return hd.setHealthy(false)
	}
	resp, err := hd.client.Do(req)
	if err != nil {
		hd.log.WithError(err).Warn("health check failed")
		return hd.setHealthy(false)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		hd.log.WithField("status", resp.StatusCode).Warn("health check returned non-OK status")
		return hd.setHealthy(false)
	}
	return hd.setHealthy(true)
}

func (hd *HTTPDetector) setHealthy(ok bool) bool {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	hd.healthy = ok
	if ok {
		hd.healthCheck = time.Now()
	}
	return ok
}

// Detect posts the frame as JPEG to /detect.
func (hd *HTTPDetector) Detect(ctx context.Context, frame image.Image) ([]Detection, error) {
	if !hd.IsHealthy(ctx) {
		return nil, ErrUnavailable
	}

	jpegData, err := vision.EncodeJPEG(frame)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(jpegData); err != nil {
		return nil, err
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", hd.confThreshold)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hd.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := hd.client.Do(req)
	if err != nil {
		hd.setHealthy(false)
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection failed: %s", string(body))
	}

	var result wireResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detection response: %w", err)
	}

	detections := make([]Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if len(d.BBox) != 4 {
			continue
		}
		detections = append(detections, Detection{
			BBox:       BBox{d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]},
			Confidence: d.Confidence,
			ClassID:    d.ClassID,
			Class:      d.Class,
		})
	}
	return detections, nil
}

func (hd *HTTPDetector) Close() error {
	hd.client.CloseIdleConnections()
	return nil
}
