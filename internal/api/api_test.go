package api

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkwatch/internal/allocation"
	"parkwatch/internal/coordinator"
	"parkwatch/internal/logging"
	"parkwatch/internal/metrics"
	"parkwatch/internal/occupancy"
	"parkwatch/internal/spaces"
)

type staticFrames []byte

func (f staticFrames) LatestFrame() []byte { return f }

type testServer struct {
	router http.Handler
	coord  *coordinator.Coordinator
	labels []string
}

func newTestServer(t *testing.T, frames FrameSource) *testServer {
	t.Helper()
	logger := logging.Discard()

	registry := spaces.NewRegistry(nil, logger)
	registry.SetReferenceDimensions(320, 240)
	for _, x := range []int{20, 80, 140} {
		_, err := registry.Add(spaces.Rect{X: x, Y: 40, W: 40, H: 40})
		require.NoError(t, err)
	}

	engine, err := allocation.NewEngine(context.Background(), allocation.Options{}, nil, nil, logger)
	require.NoError(t, err)

	promRegistry := prometheus.NewRegistry()
	m, err := metrics.NewParkingMetrics(promRegistry)
	require.NoError(t, err)

	coord, err := coordinator.New(coordinator.Deps{
		Registry:   registry,
		Classifier: occupancy.NewClassifier(500),
		Table:      occupancy.NewTable(),
		Engine:     engine,
		Metrics:    m,
	}, coordinator.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	// An empty white lot populates the table with free records.
	white := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	_, err = coord.ProcessFrame(context.Background(), coordinator.FrameRequest{
		Mode:    coordinator.ModeParking,
		Parking: white,
	})
	require.NoError(t, err)

	ts := &testServer{
		router: NewRouter(Deps{Coordinator: coord, Frames: frames, Gatherer: promRegistry}, logger),
		coord:  coord,
	}
	for _, s := range registry.Spaces() {
		ts.labels = append(ts.labels, s.Label)
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGetOccupancy(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/occupancy", "")
	require.Equal(t, http.StatusOK, rec.Code)

	view := decode[coordinator.OccupancyView](t, rec)
	assert.Equal(t, 3, view.Total)
	assert.Equal(t, 3, view.Free)
	assert.Equal(t, 0, view.Occupied)
	assert.Equal(t, 500, view.Threshold)
	assert.Len(t, view.Records, 3)
}

func TestAllocateAssignAndRelease(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/allocate", `{"vehicle_size":1,"assign":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	alloc := decode[coordinator.Allocation](t, rec)
	assert.Contains(t, ts.labels, alloc.SpaceID)
	assert.NotEmpty(t, alloc.VehicleID)

	rec = ts.do(t, http.MethodPost, "/api/v1/spaces/"+alloc.SpaceID+"/assign", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/spaces/"+alloc.SpaceID+"/release", "")
	require.Equal(t, http.StatusOK, rec.Code)
	released := decode[coordinator.Assignment](t, rec)
	assert.Equal(t, alloc.VehicleID, released.VehicleID)

	rec = ts.do(t, http.MethodPost, "/api/v1/spaces/"+alloc.SpaceID+"/release", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/spaces/nope/assign", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAllocateWithoutBody(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/allocate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	alloc := decode[coordinator.Allocation](t, rec)
	assert.Empty(t, alloc.VehicleID, "allocation alone does not assign")

	rec = ts.do(t, http.MethodPost, "/api/v1/allocate", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllocateNoSpace(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, label := range ts.labels {
		_, err := ts.coord.Assign(context.Background(), label)
		require.NoError(t, err)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/allocate", `{"vehicle_size":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), coordinator.ErrNoSpace.Error())
}

func TestAllocateGroupValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/allocate/group", `{"vehicle_size":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/allocate/group", `{"vehicle_size":2}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "no groups are defined")
}

func TestFeedback(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/feedback", `{"space_id":"`+ts.labels[0]+`","successful":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "feedback needs a prior allocation")

	rec = ts.do(t, http.MethodPost, "/api/v1/allocate", `{"preferred_section":"`+allocation.SectionOf(ts.labels[1])+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	alloc := decode[coordinator.Allocation](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/feedback", `{"space_id":"`+alloc.SpaceID+`","vehicle_size":1,"successful":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[coordinator.FeedbackResult](t, rec)
	assert.False(t, result.Retrained)
	assert.Equal(t, 1, result.Pending)

	rec = ts.do(t, http.MethodPost, "/api/v1/feedback", `{"successful":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreshold(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPut, "/api/v1/occupancy/threshold", `{"threshold":750}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 750, ts.coord.Threshold())

	rec = ts.do(t, http.MethodPut, "/api/v1/occupancy/threshold", `{"threshold":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatisticsSnapshotAndExport(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/statistics/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/statistics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"snapshots"`)

	rec = ts.do(t, http.MethodGet, "/api/v1/statistics/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "parking_statistics_")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Timestamp,Total Spaces,Free Spaces,Occupied Spaces,Vehicle Count", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",3,3,0,0"), lines[1])
}

func TestResetVehicles(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/vehicles/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"vehicle_count":0}`, rec.Body.String())
}

func TestFrame(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/v1/frame.jpg", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts = newTestServer(t, staticFrames{0xFF, 0xD8, 0xFF, 0xD9})
	rec = ts.do(t, http.MethodGet, "/api/v1/frame.jpg", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, rec.Body.Bytes())
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["spaces"])

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "parkwatch_spaces_free 3")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodOptions, "/api/v1/allocate", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(coordinator.ErrInvalidCommand))
	assert.Equal(t, http.StatusNotFound, statusFor(occupancy.ErrUnknownSpace))
	assert.Equal(t, http.StatusNotFound, statusFor(allocation.ErrNoHistory))
	assert.Equal(t, http.StatusConflict, statusFor(occupancy.ErrSpaceFree))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(coordinator.ErrEngine))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.Canceled))
}
