package spaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/database"
)

// Store is the key/blob persistence the registry saves positions into.
// GetBlob returns database.ErrNotFound for a missing key.
type Store interface {
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlob(ctx context.Context, key string, value []byte) error
}

// Catalog is a Store whose keys can be listed and deleted.
type Catalog interface {
	Store
	ListBlobKeys(ctx context.Context, prefix string) ([]string, error)
	DeleteBlob(ctx context.Context, key string) error
}

const (
	positionsPrefix = "CarParkPos_"
	videoRefPrefix  = "VideoRef_"
)

// positionsFile is the persisted layout. Positions are reference-space
// (x, y, w, h) tuples; group members index into Positions.
type positionsFile struct {
	Positions []json.RawMessage `json:"positions"`
	Groups    []groupRecord     `json:"groups,omitempty"`
	Reference *dimensions       `json:"reference,omitempty"`
}

type groupRecord struct {
	ID      string `json:"id"`
	Members []int  `json:"members"`
}

type dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type videoReference struct {
	ReferenceImage string `json:"reference_image"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

// PositionsKey returns the storage key for a calibration image, derived from
// its base name without extension.
func PositionsKey(referenceImage string) string {
	return positionsPrefix + sanitize(baseName(referenceImage))
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Save persists the reference rectangles and groups for referenceImage.
func (r *Registry) Save(ctx context.Context, referenceImage string) error {
	if r.store == nil {
		return fmt.Errorf("registry has no store")
	}

	r.mu.RLock()
	file := positionsFile{Positions: make([]json.RawMessage, 0, len(r.order))}
	position := make(map[SpaceID]int, len(r.order))
	for _, id := range r.order {
		e, ok := r.arena.get(id)
		if !ok {
			continue
		}
		position[id] = len(file.Positions)
		raw, _ := json.Marshal(e.reference.Tuple())
		file.Positions = append(file.Positions, raw)
	}
	for _, g := range r.groups {
		rec := groupRecord{ID: g.id}
		for _, id := range g.members {
			if p, ok := position[id]; ok {
				rec.Members = append(rec.Members, p)
			}
		}
		file.Groups = append(file.Groups, rec)
	}
	if r.refW > 0 && r.refH > 0 {
		file.Reference = &dimensions{Width: r.refW, Height: r.refH}
	}
	r.mu.RUnlock()

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode positions: %w", err)
	}
	if err := r.store.PutBlob(ctx, PositionsKey(referenceImage), data); err != nil {
		return fmt.Errorf("failed to save positions: %w", err)
	}

	r.log.WithFields(logrus.Fields{"reference": referenceImage, "spaces": len(file.Positions)}).Info("Saved positions")
	return nil
}

// Load replaces the registry contents with the positions saved for
// referenceImage. Malformed records are dropped with a warning. It never
// fails: ok is false when nothing could be read, and the registry is then empty.
func (r *Registry) Load(ctx context.Context, referenceImage string) (loaded int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearLocked()
	logger := r.log.WithField("reference", referenceImage)

	if r.store == nil {
		logger.Warn("No store configured, starting with no spaces")
		return 0, false
	}

	data, err := r.store.GetBlob(ctx, PositionsKey(referenceImage))
	if errors.Is(err, database.ErrNotFound) {
		logger.Info("No saved positions")
		return 0, true
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to read positions, starting with no spaces")
		return 0, false
	}

	file, err := decodePositions(data)
	if err != nil {
		logger.WithError(err).Warn("Corrupt positions file, starting with no spaces")
		return 0, false
	}

	if file.Reference != nil && file.Reference.Width > 0 && file.Reference.Height > 0 {
		r.refW, r.refH = file.Reference.Width, file.Reference.Height
	}

	seen := make(map[Rect]bool, len(file.Positions))
	ids := make(map[int]SpaceID, len(file.Positions))
	for i, raw := range file.Positions {
		rect, err := parseTuple(raw)
		if err != nil {
			logger.WithError(err).WithField("record", string(raw)).Warn("Skipping invalid position")
			continue
		}
		if seen[rect] {
			continue
		}
		seen[rect] = true
		ids[i] = r.addReference(rect)
	}

	for _, rec := range file.Groups {
		g := &group{id: rec.ID}
		for _, p := range rec.Members {
			id, ok := ids[p]
			if !ok {
				continue
			}
			e, _ := r.arena.get(id)
			if e.groupID != "" {
				continue
			}
			e.groupID = g.id
			g.members = append(g.members, id)
		}
		if len(g.members) == 0 {
			logger.WithField("group", rec.ID).Warn("Skipping group with no valid members")
			continue
		}
		r.groups = append(r.groups, g)
		if n, err := strconv.Atoi(strings.TrimPrefix(rec.ID, "Group_")); err == nil && n > r.groupSeq {
			r.groupSeq = n
		}
	}

	logger.WithFields(logrus.Fields{"spaces": len(r.order), "groups": len(r.groups)}).Info("Loaded positions")
	return len(r.order), true
}

// decodePositions accepts the structured layout or a bare array of tuples.
func decodePositions(data []byte) (*positionsFile, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return &positionsFile{Positions: list}, nil
	}
	var file positionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

func parseTuple(raw json.RawMessage) (Rect, error) {
	var values []json.Number
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return Rect{}, fmt.Errorf("not a list of numbers: %w", err)
	}
	if len(values) != 4 {
		return Rect{}, fmt.Errorf("expected 4 values, got %d", len(values))
	}

	var v [4]int
	for i, n := range values {
		f, err := n.Float64()
		if err != nil {
			return Rect{}, fmt.Errorf("value %d: %w", i, err)
		}
		v[i] = int(f)
	}

	rect := Rect{X: v[0], Y: v[1], W: v[2], H: v[3]}
	if !rect.Valid() {
		return Rect{}, fmt.Errorf("%w: %s", ErrInvalidRect, rect)
	}
	return rect, nil
}

// AssociateVideo remembers which calibration image belongs to a video source.
func (r *Registry) AssociateVideo(ctx context.Context, videoSource, referenceImage string, width, height int) error {
	if r.store == nil {
		return fmt.Errorf("registry has no store")
	}
	data, err := json.Marshal(videoReference{ReferenceImage: referenceImage, Width: width, Height: height})
	if err != nil {
		return fmt.Errorf("failed to encode video reference: %w", err)
	}
	if err := r.store.PutBlob(ctx, videoRefPrefix+sanitize(videoSource), data); err != nil {
		return fmt.Errorf("failed to save video reference: %w", err)
	}
	return nil
}

// VideoReference returns the calibration image and its size associated with a
// video source. found is false when there is no association.
func (r *Registry) VideoReference(ctx context.Context, videoSource string) (referenceImage string, width, height int, found bool, err error) {
	if r.store == nil {
		return "", 0, 0, false, nil
	}
	data, err := r.store.GetBlob(ctx, videoRefPrefix+sanitize(videoSource))
	if errors.Is(err, database.ErrNotFound) {
		return "", 0, 0, false, nil
	}
	if err != nil {
		return "", 0, 0, false, fmt.Errorf("failed to read video reference: %w", err)
	}
	var ref videoReference
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", 0, 0, false, fmt.Errorf("failed to decode video reference: %w", err)
	}
	return ref.ReferenceImage, ref.Width, ref.Height, true, nil
}

// Layouts returns the names of all saved position layouts, sorted. Each name
// can be passed back as a reference image.
func Layouts(ctx context.Context, c Catalog) ([]string, error) {
	keys, err := c.ListBlobKeys(ctx, positionsPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list layouts: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, positionsPrefix))
	}
	return names, nil
}

// DeleteLayout removes the positions saved for referenceImage.
func DeleteLayout(ctx context.Context, c Catalog, referenceImage string) error {
	key := PositionsKey(referenceImage)
	if _, err := c.GetBlob(ctx, key); err != nil {
		return fmt.Errorf("layout %s: %w", referenceImage, err)
	}
	if err := c.DeleteBlob(ctx, key); err != nil {
		return fmt.Errorf("failed to delete layout %s: %w", referenceImage, err)
	}
	return nil
}
