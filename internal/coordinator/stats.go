package coordinator

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"parkwatch/internal/database"
)

const csvTimeLayout = "2006-01-02 15:04:05"

// RunStatistics takes a snapshot every interval until ctx is cancelled.
func (c *Coordinator) RunStatistics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.WithField("interval", interval).Info("statistics worker started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("statistics worker stopped")
			return
		case <-ticker.C:
			c.takeSnapshot(ctx)
		}
	}
}

func (c *Coordinator) takeSnapshot(ctx context.Context) database.SnapshotRecord {
	total, free, occupied := c.table.Counts()
	snap := database.SnapshotRecord{
		Timestamp:    c.now(),
		Total:        total,
		Free:         free,
		Occupied:     occupied,
		VehicleCount: c.VehicleCount(),
	}

	c.statsMu.Lock()
	c.stats = append(c.stats, snap)
	if len(c.stats) > c.maxSnapshots {
		c.stats = append(c.stats[:0], c.stats[len(c.stats)-c.maxSnapshots:]...)
	}
	c.statsMu.Unlock()

	if c.snapshots != nil {
		if err := c.snapshots.SaveSnapshot(ctx, snap); err != nil {
			c.log.WithError(err).Warn("failed to store statistics snapshot")
		}
	}
	c.metrics.RecordSnapshot()
	return snap
}

// Statistics returns the in-memory snapshots, oldest first.
func (c *Coordinator) Statistics() []database.SnapshotRecord {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make([]database.SnapshotRecord, len(c.stats))
	copy(out, c.stats)
	return out
}

// ExportStatisticsCSV writes the in-memory snapshots as CSV.
func (c *Coordinator) ExportStatisticsCSV(w io.Writer) error {
	return WriteStatisticsCSV(w, c.Statistics())
}

// WriteStatisticsCSV writes snapshots as CSV with a header row.
func WriteStatisticsCSV(w io.Writer, snaps []database.SnapshotRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Timestamp", "Total Spaces", "Free Spaces", "Occupied Spaces", "Vehicle Count"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range snaps {
		row := []string{
			s.Timestamp.Format(csvTimeLayout),
			strconv.Itoa(s.Total),
			strconv.Itoa(s.Free),
			strconv.Itoa(s.Occupied),
			strconv.Itoa(s.VehicleCount),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
