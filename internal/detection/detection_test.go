package detection

import (
	"context"
	"encoding/json"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"parkwatch/internal/config"
	"parkwatch/internal/logging"
)

func TestIoU(t *testing.T) {
	a := BBox{0, 0, 10, 10}
	assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	assert.InDelta(t, 25.0/175.0, IoU(a, BBox{5, 5, 15, 15}), 1e-9)
	assert.Equal(t, 0.0, IoU(a, BBox{20, 20, 30, 30}))
}

func TestFilterVehicles(t *testing.T) {
	dets := []Detection{
		{ClassID: 2, Confidence: 0.9},
		{ClassID: 0, Confidence: 0.9},
		{ClassID: 7, Confidence: 0.4},
		{ClassID: 5, Confidence: 0.5},
	}

	out := FilterVehicles(dets, []int{2, 3, 5, 7}, 0.5)

	require.Len(t, out, 2)
	assert.Equal(t, 2, out[0].ClassID)
	assert.Equal(t, 5, out[1].ClassID)
}

func TestIoUAssociatorKeepsIDs(t *testing.T) {
	a := NewIoUAssociator(2, 3, 0.3)
	ctx := context.Background()
	frame := image.NewRGBA(image.Rect(0, 0, 100, 100))

	tracks, err := a.Update(ctx, []Detection{{BBox: BBox{0, 0, 10, 10}, ClassID: 2}}, frame)
	require.NoError(t, err)
	require.Len(t, tracks, 1, "reported immediately while warming up")
	first := tracks[0].ID

	for i := 1; i <= 4; i++ {
		shift := float64(i)
		tracks, err = a.Update(ctx, []Detection{{BBox: BBox{shift, 0, 10 + shift, 10}, ClassID: 3}}, frame)
		require.NoError(t, err)
		require.Len(t, tracks, 1)
		assert.Equal(t, first, tracks[0].ID)
		assert.Equal(t, 3, tracks[0].ClassID, "class follows the matched detection")
	}

	// A far away detection becomes a new track that is not yet confirmed.
	tracks, err = a.Update(ctx, []Detection{{BBox: BBox{60, 60, 70, 70}}}, frame)
	require.NoError(t, err)
	assert.Empty(t, tracks)

	for i := 0; i < 3; i++ {
		_, _ = a.Update(ctx, nil, frame)
	}
	a.mu.Lock()
	assert.Empty(t, a.tracks, "unmatched tracks expire after max age")
	a.mu.Unlock()

	a.Reset()
	tracks, _ = a.Update(ctx, []Detection{{BBox: BBox{0, 0, 10, 10}}}, frame)
	require.Len(t, tracks, 1)
	assert.Equal(t, 1, tracks[0].ID)
}

func TestHTTPDetector(t *testing.T) {
	var detectCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/detect":
			detectCalls.Add(1)
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "0.50", r.FormValue("conf_threshold"))
			_, _, err := r.FormFile("file")
			assert.NoError(t, err)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"detections": []map[string]any{
					{"class": "car", "class_id": 2, "confidence": 0.91, "bbox": []float64{1, 2, 30, 40}},
					{"class": "bad", "class_id": 1, "confidence": 0.9, "bbox": []float64{1, 2}},
				},
				"count": 2,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, time.Second, 0.5, logging.Discard())
	defer d.Close()

	require.True(t, d.IsHealthy(context.Background()))
	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, BBox{1, 2, 30, 40}, dets[0].BBox)
	assert.Equal(t, "car", dets[0].Class)
	assert.Equal(t, int32(1), detectCalls.Load())
}

func TestHTTPDetectorUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, time.Second, 0.5, nil)
	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	assert.ErrorIs(t, err, ErrUnavailable)
}

// startFakeService serves the detector and associator methods plus health on an in-memory listener.
func startFakeService(t *testing.T) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()

	hs := health.NewServer()
	hs.SetServingStatus(detectorServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	unary := func(fn func(*structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
		return func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return fn(in)
		}
	}

	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: detectorServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Detect",
			Handler: unary(func(in *structpb.Struct) (*structpb.Struct, error) {
				if in.GetFields()["jpeg_data"].GetStringValue() == "" {
					return structpb.NewStruct(map[string]any{})
				}
				return structpb.NewStruct(map[string]any{
					"detections": []any{
						map[string]any{"bbox": []any{10.0, 20.0, 50.0, 60.0}, "confidence": 0.8, "class_id": 2.0, "class": "car"},
					},
				})
			}),
		}},
	}, struct{}{})

	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "parkwatch.detection.v1.Associator",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Update",
				Handler: unary(func(in *structpb.Struct) (*structpb.Struct, error) {
					dets := in.GetFields()["detections"].GetListValue().GetValues()
					tracks := make([]any, 0, len(dets))
					for i, d := range dets {
						f := d.GetStructValue().GetFields()
						tracks = append(tracks, map[string]any{
							"id":       float64(i + 7),
							"bbox":     f["bbox"].AsInterface(),
							"class_id": f["class_id"].GetNumberValue(),
						})
					}
					return structpb.NewStruct(map[string]any{"tracks": tracks})
				}),
			},
			{
				MethodName: "Reset",
				Handler: unary(func(*structpb.Struct) (*structpb.Struct, error) {
					return &structpb.Struct{}, nil
				}),
			},
		},
	}, struct{}{})

	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestGRPCDetectorAndAssociator(t *testing.T) {
	dialer := startFakeService(t)
	ctx := context.Background()

	d, err := NewGRPCDetector("passthrough:///bufnet", time.Second, 0.5, logging.Discard(), dialer)
	require.NoError(t, err)
	defer d.Close()

	require.True(t, d.IsHealthy(ctx))
	frame := image.NewRGBA(image.Rect(0, 0, 64, 64))
	dets, err := d.Detect(ctx, frame)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, BBox{10, 20, 50, 60}, dets[0].BBox)
	assert.Equal(t, 2, dets[0].ClassID)

	a, err := NewGRPCAssociator("passthrough:///bufnet", time.Second, logging.Discard(), dialer)
	require.NoError(t, err)
	defer a.Close()

	tracks, err := a.Update(ctx, dets, frame)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, 7, tracks[0].ID)
	assert.Equal(t, dets[0].BBox, tracks[0].BBox)
	a.Reset()
}

func TestRegistryAndFactories(t *testing.T) {
	det, err := NewDetector(config.BackendSettings{Backend: "none"}, 0.5, nil)
	require.NoError(t, err)
	assert.Nil(t, det)

	_, err = NewDetector(config.BackendSettings{Backend: "http"}, 0.5, nil)
	assert.Error(t, err, "endpoint required")
	_, err = NewDetector(config.BackendSettings{Backend: "onnx"}, 0.5, nil)
	assert.Error(t, err)

	det, err = NewDetector(config.BackendSettings{Backend: "http", Endpoint: "http://127.0.0.1:1"}, 0.5, nil)
	require.NoError(t, err)
	assoc, err := NewAssociator(config.AssociatorSettings{Backend: "iou"}, nil)
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(det))
	require.NoError(t, reg.Register(assoc))
	assert.Error(t, reg.Register(assoc), "duplicate name")
	assert.Error(t, reg.Register(nil))
	assert.Equal(t, []string{"http", "iou"}, reg.Names())

	got, ok := reg.Get("iou")
	require.True(t, ok)
	assert.Same(t, assoc, got)

	require.NoError(t, reg.Close())
	assert.Empty(t, reg.Names())
}
