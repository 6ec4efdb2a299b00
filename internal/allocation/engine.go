package allocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"parkwatch/internal/database"
	"parkwatch/internal/logging"
	"parkwatch/internal/occupancy"
)

// ErrNoHistory is returned when feedback names an allocation that never happened.
var ErrNoHistory = errors.New("no allocation history for space")

// Model states.
const (
	StateUntrained  = "untrained"
	StateTrained    = "trained"
	StateRetraining = "retraining"
)

// ModelStore persists the serialized model.
type ModelStore interface {
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlob(ctx context.Context, key string, value []byte) error
}

// HistoryStore receives allocation history entries.
type HistoryStore interface {
	AppendHistory(ctx context.Context, rec database.HistoryRecord) error
}

// Options tune scoring and retraining.
type Options struct {
	LoadBalanceWeight float64
	PreferenceBonus   float64
	FeedbackBatch     int
	// MaxFeedback caps the feedback kept for retraining; older entries drop.
	MaxFeedback  int
	ModelKey     string
	Rounds       int
	LearningRate float64
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.LoadBalanceWeight < 0 || o.LoadBalanceWeight > 1 {
		o.LoadBalanceWeight = 0.3
	}
	if o.PreferenceBonus <= 0 {
		o.PreferenceBonus = 1.2
	}
	if o.FeedbackBatch <= 0 {
		o.FeedbackBatch = 10
	}
	if o.MaxFeedback < o.FeedbackBatch {
		o.MaxFeedback = max(1000, o.FeedbackBatch)
	}
	if o.ModelKey == "" {
		o.ModelKey = "allocation_model"
	}
	if o.Rounds <= 0 {
		o.Rounds = 50
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// HistoryEntry records one allocation decision.
type HistoryEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SpaceID     string    `json:"space_id"`
	VehicleSize float64   `json:"vehicle_size"`
	Score       float64   `json:"score"`
	Features    []float64 `json:"features"`
	Outcome     string    `json:"outcome,omitempty"`
}

// Feedback is one labelled outcome waiting for the next retrain.
type Feedback struct {
	Features   []float64 `json:"features"`
	Successful bool      `json:"successful"`
	Timestamp  time.Time `json:"timestamp"`
}

// Engine scores free spaces and learns from feedback.
type Engine struct {
	opts    Options
	models  ModelStore
	history HistoryStore
	log     logrus.FieldLogger

	// mu guards the model and its state. Predictions and retrains hold it.
	mu    sync.Mutex
	model *Model
	state string

	// hmu guards history and feedback.
	hmu         sync.Mutex
	entries     []HistoryEntry
	pending     []Feedback
	allFeedback []Feedback
}

// NewEngine loads the persisted model, or trains and persists the bootstrap
// model when the stored one is missing or unusable.
func NewEngine(ctx context.Context, opts Options, models ModelStore, history HistoryStore, logger logrus.FieldLogger) (*Engine, error) {
	opts.setDefaults()
	e := &Engine{
		opts:    opts,
		models:  models,
		history: history,
		log:     logging.Component(logger, "allocation"),
		state:   StateUntrained,
	}

	if m := e.loadModel(ctx); m != nil {
		e.model = m
		e.state = StateTrained
		return e, nil
	}

	m, err := e.train(nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap training failed: %w", err)
	}
	e.model = m
	e.persist(ctx, m)
	e.log.Info("trained bootstrap allocation model")
	return e, nil
}

func (e *Engine) loadModel(ctx context.Context) *Model {
	if e.models == nil {
		return nil
	}
	data, err := e.models.GetBlob(ctx, e.opts.ModelKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.log.WithError(err).Warn("failed to read allocation model")
		return nil
	}
	m, err := DecodeModel(data)
	if err != nil {
		e.log.WithError(err).Warn("stored allocation model is corrupt, replacing it")
		return nil
	}
	return m
}

func (e *Engine) persist(ctx context.Context, m *Model) {
	if e.models == nil {
		return
	}
	data, err := m.Encode()
	if err == nil {
		err = e.models.PutBlob(ctx, e.opts.ModelKey, data)
	}
	if err != nil {
		e.log.WithError(err).Warn("failed to persist allocation model")
	}
}

// train fits a model on the seed data plus feedback.
func (e *Engine) train(feedback []Feedback) (*Model, error) {
	x, y := seedDataset()
	for _, fb := range feedback {
		x = append(x, fb.Features)
		if fb.Successful {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}
	return Train(x, y, e.opts.Rounds, e.opts.LearningRate)
}

// State returns the model lifecycle state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SectionOf returns the section suffix of a space label, "A" when absent.
func SectionOf(label string) string {
	if i := strings.Index(label, "-"); i >= 0 && i+1 < len(label) {
		return label[i+1:]
	}
	return "A"
}

// SectionStat is the occupancy of one lot section.
type SectionStat struct {
	Total    int     `json:"total"`
	Occupied int     `json:"occupied"`
	Rate     float64 `json:"rate"`
}

// SectionStats groups individual space records by section.
func SectionStats(records map[string]occupancy.Record) map[string]SectionStat {
	stats := make(map[string]SectionStat)
	for label, rec := range records {
		if rec.IsGroup {
			continue
		}
		sec := SectionOf(label)
		s := stats[sec]
		s.Total++
		if rec.Occupied {
			s.Occupied++
		}
		stats[sec] = s
	}
	for sec, s := range stats {
		s.Rate = float64(s.Occupied) / float64(s.Total)
		stats[sec] = s
	}
	return stats
}

func matchesSection(section, preferred string) bool {
	return preferred != "" && strings.HasPrefix(section, preferred)
}

// features builds the model input for a record at time now.
func features(rec occupancy.Record, vehicleSize float64, now time.Time) []float64 {
	minutes := now.Sub(rec.LastStateChange).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return []float64{float64(rec.Distance), minutes, vehicleSize}
}

// Allocate returns the best free individual space for a vehicle and its
// score, or "" and 0 when nothing is free or the model fails.
func (e *Engine) Allocate(ctx context.Context, records map[string]occupancy.Record, vehicleSize float64, preferredSection string) (string, float64) {
	now := e.opts.Now()

	candidates := make([]occupancy.Record, 0, len(records))
	for _, rec := range records {
		if !rec.Occupied && !rec.IsGroup {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return "", 0
	}
	occupancy.SortRecords(candidates)

	rows := make([][]float64, len(candidates))
	for i, rec := range candidates {
		rows[i] = features(rec, vehicleSize, now)
	}
	stats := SectionStats(records)

	probs, err := e.predict(rows)
	if err != nil {
		e.log.WithError(err).Error("allocation prediction failed")
		return "", 0
	}

	w := e.opts.LoadBalanceWeight
	bestIdx, bestScore := -1, 0.0
	for i, rec := range candidates {
		sec := SectionOf(rec.SpaceID)
		rate := 0.5
		if s, ok := stats[sec]; ok {
			rate = s.Rate
		}
		score := (1-w)*probs[i] + w*(1-rate)
		if matchesSection(sec, preferredSection) {
			score *= e.opts.PreferenceBonus
		}
		if bestIdx < 0 || score > bestScore {
			bestIdx, bestScore = i, score
		}
	}

	chosen := candidates[bestIdx]
	entry := HistoryEntry{
		ID:          uuid.NewString(),
		Timestamp:   now,
		SpaceID:     chosen.SpaceID,
		VehicleSize: vehicleSize,
		Score:       bestScore,
		Features:    rows[bestIdx],
	}
	e.hmu.Lock()
	e.entries = append(e.entries, entry)
	e.hmu.Unlock()
	e.appendHistory(ctx, entry)

	e.log.WithFields(logrus.Fields{
		"space_id": chosen.SpaceID,
		"score":    bestScore,
		"size":     vehicleSize,
	}).Info("allocated space")
	return chosen.SpaceID, bestScore
}

// predict runs one batched prediction under the model lock. A panicking
// model is reported as an error.
func (e *Engine) predict(rows [][]float64) (probs []float64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			probs, err = nil, fmt.Errorf("model panicked: %v", r)
		}
	}()
	if e.model == nil {
		return nil, errors.New("no model loaded")
	}
	return e.model.PredictProba(rows)
}

func (e *Engine) appendHistory(ctx context.Context, entry HistoryEntry) {
	if e.history == nil {
		return
	}
	err := e.history.AppendHistory(ctx, database.HistoryRecord{
		ID:          entry.ID,
		Timestamp:   entry.Timestamp,
		SpaceID:     entry.SpaceID,
		VehicleSize: entry.VehicleSize,
		Score:       entry.Score,
		Features:    entry.Features,
		Outcome:     entry.Outcome,
	})
	if err != nil {
		e.log.WithError(err).Warn("failed to store allocation history")
	}
}

// RecordFeedback labels the latest allocation of spaceID. vehicleSize is
// informational; the stored features of that allocation are what the model
// learns from. Every FeedbackBatch entries the model is retrained
// synchronously on the seed data plus the last MaxFeedback entries.
// retrained reports a successful swap.
func (e *Engine) RecordFeedback(ctx context.Context, spaceID string, vehicleSize float64, successful bool) (retrained bool, err error) {
	e.hmu.Lock()
	idx := -1
	for i := len(e.entries) - 1; i >= 0; i-- {
		if e.entries[i].SpaceID == spaceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.hmu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNoHistory, spaceID)
	}

	outcome := "failure"
	if successful {
		outcome = "success"
	}
	e.entries[idx].Outcome = outcome
	entry := e.entries[idx]

	fb := Feedback{Features: append([]float64(nil), entry.Features...), Successful: successful, Timestamp: e.opts.Now()}
	e.pending = append(e.pending, fb)
	e.allFeedback = append(e.allFeedback, fb)
	if n := len(e.allFeedback); n > e.opts.MaxFeedback {
		e.allFeedback = append(e.allFeedback[:0], e.allFeedback[n-e.opts.MaxFeedback:]...)
	}

	var batch []Feedback
	if len(e.pending) >= e.opts.FeedbackBatch {
		batch = append([]Feedback(nil), e.allFeedback...)
		e.pending = nil
	}
	e.hmu.Unlock()

	if vehicleSize != entry.VehicleSize {
		e.log.WithFields(logrus.Fields{
			"space":          spaceID,
			"allocated_size": entry.VehicleSize,
			"feedback_size":  vehicleSize,
		}).Debug("feedback vehicle size differs from allocation")
	}
	e.appendHistory(ctx, entry)

	if batch == nil {
		return false, nil
	}
	return e.retrain(ctx, batch)
}

func (e *Engine) retrain(ctx context.Context, feedback []Feedback) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state
	e.state = StateRetraining
	m, err := e.train(feedback)
	if err != nil {
		e.state = prev
		e.log.WithError(err).Error("retraining failed, keeping previous model")
		return false, fmt.Errorf("retrain: %w", err)
	}

	e.model = m
	e.state = StateTrained
	e.persist(ctx, m)
	e.log.WithField("samples", len(feedback)).Info("allocation model retrained")
	return true, nil
}

// History returns a copy of the allocation history, oldest first.
func (e *Engine) History() []HistoryEntry {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	out := make([]HistoryEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// PendingFeedback returns how many feedback entries await the next retrain.
func (e *Engine) PendingFeedback() int {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return len(e.pending)
}
