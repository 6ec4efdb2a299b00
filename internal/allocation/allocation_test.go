package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkwatch/internal/database"
	"parkwatch/internal/logging"
	"parkwatch/internal/occupancy"
)

type memoryStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	puts    int
	history []database.HistoryRecord
	err     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{blobs: make(map[string][]byte)}
}

func (m *memoryStore) GetBlob(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %q: %w", key, database.ErrNotFound)
	}
	return v, nil
}

func (m *memoryStore) PutBlob(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.blobs[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryStore) AppendHistory(_ context.Context, rec database.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.history = append(m.history, rec)
	return nil
}

// constantModel predicts 0.5 for every row.
func constantModel(t *testing.T) []byte {
	t.Helper()
	m := &Model{
		Features:     append([]string(nil), FeatureNames...),
		LearningRate: 0.1,
		Stumps:       []Stump{{Feature: 0, Threshold: 0, Left: 0, Right: 0}},
	}
	data, err := m.Encode()
	require.NoError(t, err)
	return data
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, store *memoryStore, opts Options) *Engine {
	t.Helper()
	opts.Now = func() time.Time { return fixedNow }
	e, err := NewEngine(context.Background(), opts, store, store, logging.Discard())
	require.NoError(t, err)
	return e
}

func record(label string, order int, occupied bool) occupancy.Record {
	return occupancy.Record{
		SpaceID:         label,
		Order:           order,
		Occupied:        occupied,
		Distance:        100,
		LastStateChange: fixedNow.Add(-30 * time.Minute),
		Section:         SectionOf(label),
	}
}

func TestAllocatePrefersLessLoadedSection(t *testing.T) {
	store := newMemoryStore()
	store.blobs["allocation_model"] = constantModel(t)
	e := newEngine(t, store, Options{LoadBalanceWeight: 0.3})

	records := map[string]occupancy.Record{}
	for i := 0; i < 5; i++ {
		label := fmt.Sprintf("S%d-A1", i+1)
		records[label] = record(label, i, i < 4) // A: 0.8 occupied
	}
	for i := 5; i < 10; i++ {
		label := fmt.Sprintf("S%d-B1", i+1)
		records[label] = record(label, i, i == 5) // B: 0.2 occupied
	}

	spaceID, score := e.Allocate(context.Background(), records, 1, "")

	assert.Equal(t, "S7-B1", spaceID, "first free space of the emptier section")
	assert.InDelta(t, 0.7*0.5+0.3*0.8, score, 1e-9)
	assert.Equal(t, StateTrained, e.State())

	require.Len(t, e.History(), 1)
	assert.Equal(t, "S7-B1", e.History()[0].SpaceID)
	assert.Equal(t, []float64{100, 30, 1}, e.History()[0].Features)
	require.Len(t, store.history, 1)
	assert.Equal(t, e.History()[0].ID, store.history[0].ID)
}

func TestAllocatePreferenceBonus(t *testing.T) {
	store := newMemoryStore()
	store.blobs["allocation_model"] = constantModel(t)
	e := newEngine(t, store, Options{})

	records := map[string]occupancy.Record{
		"S1-A1": record("S1-A1", 0, false),
		"S2-B1": record("S2-B1", 1, false),
	}

	spaceID, _ := e.Allocate(context.Background(), records, 2, "B")
	assert.Equal(t, "S2-B1", spaceID)

	spaceID, _ = e.Allocate(context.Background(), records, 2, "")
	assert.Equal(t, "S1-A1", spaceID, "ties go to the first candidate")
}

func TestAllocateNothingFree(t *testing.T) {
	e := newEngine(t, newMemoryStore(), Options{})

	records := map[string]occupancy.Record{
		"S1-A1":   record("S1-A1", 0, true),
		"Group_1": {SpaceID: "Group_1", IsGroup: true, Members: 2},
	}

	spaceID, score := e.Allocate(context.Background(), records, 1, "")
	assert.Equal(t, "", spaceID)
	assert.Equal(t, 0.0, score)
	assert.Empty(t, e.History())
}

func TestAllocateRecoversFromModelPanic(t *testing.T) {
	e := newEngine(t, newMemoryStore(), Options{})
	e.model = &Model{Features: FeatureNames, Stumps: []Stump{{Feature: 7}}}

	spaceID, score := e.Allocate(context.Background(), map[string]occupancy.Record{
		"S1-A1": record("S1-A1", 0, false),
	}, 1, "")

	assert.Equal(t, "", spaceID)
	assert.Equal(t, 0.0, score)
}

func TestHistoryStoreFailureIsNotFatal(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("disk full")
	e := newEngine(t, store, Options{})

	spaceID, _ := e.Allocate(context.Background(), map[string]occupancy.Record{
		"S1-A1": record("S1-A1", 0, false),
	}, 1, "")

	assert.Equal(t, "S1-A1", spaceID)
	assert.Len(t, e.History(), 1)
}

func TestFeedbackBatchTriggersSingleRetrain(t *testing.T) {
	store := newMemoryStore()
	e := newEngine(t, store, Options{FeedbackBatch: 10})
	require.Equal(t, StateUntrained, e.State())
	putsAfterBootstrap := store.puts
	require.Equal(t, 1, putsAfterBootstrap)

	records := map[string]occupancy.Record{"S1-A1": record("S1-A1", 0, false)}
	spaceID, _ := e.Allocate(context.Background(), records, 1, "")
	require.Equal(t, "S1-A1", spaceID)

	for i := 0; i < 9; i++ {
		retrained, err := e.RecordFeedback(context.Background(), "S1-A1", 1, i%2 == 0)
		require.NoError(t, err)
		assert.False(t, retrained)
	}
	assert.Equal(t, 9, e.PendingFeedback())
	assert.Equal(t, putsAfterBootstrap, store.puts)

	retrained, err := e.RecordFeedback(context.Background(), "S1-A1", 1, true)
	require.NoError(t, err)
	assert.True(t, retrained)
	assert.Equal(t, 0, e.PendingFeedback())
	assert.Equal(t, putsAfterBootstrap+1, store.puts)
	assert.Equal(t, StateTrained, e.State())
	assert.Equal(t, "success", e.History()[0].Outcome)
}

func TestFeedbackMatchesSpaceOnly(t *testing.T) {
	store := newMemoryStore()
	e := newEngine(t, store, Options{})
	ctx := context.Background()

	records := map[string]occupancy.Record{"S1-A1": record("S1-A1", 0, false)}
	spaceID, _ := e.Allocate(ctx, records, 1, "")
	require.Equal(t, "S1-A1", spaceID)
	spaceID, _ = e.Allocate(ctx, records, 3, "")
	require.Equal(t, "S1-A1", spaceID)

	_, err := e.RecordFeedback(ctx, "S1-A1", 2, false)
	require.NoError(t, err)

	history := e.History()
	require.Len(t, history, 2)
	assert.Empty(t, history[0].Outcome)
	assert.Equal(t, "failure", history[1].Outcome, "newest allocation of the space is labelled")
	assert.Equal(t, 1, e.PendingFeedback())
}

func TestFeedbackRetainedIsCapped(t *testing.T) {
	e := newEngine(t, newMemoryStore(), Options{FeedbackBatch: 2, MaxFeedback: 3})
	ctx := context.Background()

	records := map[string]occupancy.Record{"S1-A1": record("S1-A1", 0, false)}
	_, _ = e.Allocate(ctx, records, 1, "")
	for i := 0; i < 7; i++ {
		_, err := e.RecordFeedback(ctx, "S1-A1", 1, i%2 == 0)
		require.NoError(t, err)
	}

	e.hmu.Lock()
	defer e.hmu.Unlock()
	assert.Len(t, e.allFeedback, 3)
}

func TestModelBlobContract(t *testing.T) {
	blob := []byte(`{"features":["distance_to_entrance","minutes_since_last_state_change","vehicle_size"],` +
		`"base_score":0,"learning_rate":0.1,"stumps":[{"feature":0,"threshold":50,"left":1,"right":-1}]}`)

	m, err := DecodeModel(blob)
	require.NoError(t, err)
	assert.Equal(t, FeatureNames, m.Features)

	store := newMemoryStore()
	store.blobs["allocation_model"] = blob
	e := newEngine(t, store, Options{})
	assert.Equal(t, StateTrained, e.State())
	assert.Equal(t, 0, store.puts, "a valid stored model is not replaced")
}

func TestFeedbackWithoutHistory(t *testing.T) {
	e := newEngine(t, newMemoryStore(), Options{})

	_, err := e.RecordFeedback(context.Background(), "S9-B2", 1, true)

	assert.ErrorIs(t, err, ErrNoHistory)
	assert.Equal(t, 0, e.PendingFeedback())
}

func TestCorruptModelIsReplaced(t *testing.T) {
	for name, blob := range map[string][]byte{
		"garbage":        []byte("{not json"),
		"wrong features": []byte(`{"features":["a","b","c"],"stumps":[{"feature":0}]}`),
		"empty":          []byte(`{"features":["distance_to_entrance","minutes_since_last_state_change","vehicle_size"],"stumps":[]}`),
	} {
		t.Run(name, func(t *testing.T) {
			store := newMemoryStore()
			store.blobs["allocation_model"] = blob

			e := newEngine(t, store, Options{})

			assert.Equal(t, StateUntrained, e.State())
			_, err := DecodeModel(store.blobs["allocation_model"])
			assert.NoError(t, err, "bootstrap model persisted over the corrupt one")
		})
	}
}

func TestTrainLearnsSeparableData(t *testing.T) {
	var x [][]float64
	var y []float64
	for d := 0.0; d < 100; d += 5 {
		x = append(x, []float64{d, 30, 1})
		if d < 50 {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}

	m, err := Train(x, y, 50, 0.1)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	probs, err := m.PredictProba([][]float64{{10, 30, 1}, {90, 30, 1}})
	require.NoError(t, err)
	assert.Greater(t, probs[0], 0.7)
	assert.Less(t, probs[1], 0.3)

	_, err = m.PredictProba([][]float64{{1, 2}})
	assert.Error(t, err)

	_, err = Train(nil, nil, 10, 0.1)
	assert.Error(t, err)
	_, err = Train([][]float64{{1, 2, 3}}, []float64{1, 0}, 10, 0.1)
	assert.Error(t, err)
}

func TestBootstrapModelRoundTrip(t *testing.T) {
	x, y := seedDataset()
	m, err := Train(x, y, 50, 0.1)
	require.NoError(t, err)

	data, err := m.Encode()
	require.NoError(t, err)
	decoded, err := DecodeModel(data)
	require.NoError(t, err)

	want, err := m.PredictProba(x)
	require.NoError(t, err)
	got, err := decoded.PredictProba(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-12)
	for _, p := range got {
		assert.True(t, p > 0 && p < 1)
	}
}

func TestSectionStats(t *testing.T) {
	stats := SectionStats(map[string]occupancy.Record{
		"S1-A1":   {SpaceID: "S1-A1", Occupied: true},
		"S2-A1":   {SpaceID: "S2-A1"},
		"S3-B2":   {SpaceID: "S3-B2"},
		"Group_1": {SpaceID: "Group_1", IsGroup: true, Occupied: true},
	})

	assert.Equal(t, SectionStat{Total: 2, Occupied: 1, Rate: 0.5}, stats["A1"])
	assert.Equal(t, SectionStat{Total: 1}, stats["B2"])
	assert.NotContains(t, stats, "A")
	assert.Equal(t, "A", SectionOf("S1"))
}

func TestAllocateGroup(t *testing.T) {
	records := map[string]occupancy.Record{
		"Group_1": {SpaceID: "Group_1", Order: 0, IsGroup: true, Members: 2, Distance: 0},
		"Group_2": {SpaceID: "Group_2", Order: 1, IsGroup: true, Members: 4, Distance: 500},
		"Group_3": {SpaceID: "Group_3", Order: 2, IsGroup: true, Members: 4, Distance: 0, Occupied: true},
		"S1-A1":   {SpaceID: "S1-A1", Order: 3},
	}

	id, score := AllocateGroup(records, 4)
	assert.Equal(t, "Group_2", id)
	assert.InDelta(t, 0.7+0.3/1.5, score, 1e-9)

	id, _ = AllocateGroup(map[string]occupancy.Record{"S1-A1": {SpaceID: "S1-A1"}}, 2)
	assert.Equal(t, "", id)
}
