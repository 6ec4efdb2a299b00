package ws

import (
	"time"

	"parkwatch/internal/coordinator"
)

// StateMessage is the occupancy broadcast sent to UI clients.
type StateMessage struct {
	Type         string       `json:"type"` // "state"
	Timestamp    time.Time    `json:"timestamp"`
	Total        int          `json:"total"`
	Free         int          `json:"free"`
	Occupied     int          `json:"occupied"`
	VehicleCount int          `json:"vehicle_count"`
	Spaces       []SpaceState `json:"spaces"`
}

// SpaceState is one space or group in a StateMessage.
type SpaceState struct {
	ID        string `json:"id"`
	Section   string `json:"section"`
	Occupied  bool   `json:"occupied"`
	VehicleID string `json:"vehicle_id,omitempty"`
	Rect      [4]int `json:"rect"` // [x, y, w, h] in display pixels
	GroupID   string `json:"group_id,omitempty"`
	IsGroup   bool   `json:"is_group,omitempty"`
	Members   int    `json:"members,omitempty"`
}

// NewStateMessage converts a coordinator update into a broadcast message.
func NewStateMessage(u *coordinator.Update) *StateMessage {
	msg := &StateMessage{
		Type:         "state",
		Timestamp:    u.Timestamp,
		Total:        u.Total,
		Free:         u.Free,
		Occupied:     u.Occupied,
		VehicleCount: u.VehicleCount,
		Spaces:       make([]SpaceState, 0, len(u.Records)),
	}
	for _, rec := range u.Records {
		msg.Spaces = append(msg.Spaces, SpaceState{
			ID:        rec.SpaceID,
			Section:   rec.Section,
			Occupied:  rec.Occupied,
			VehicleID: rec.VehicleID,
			Rect:      rec.Rect.Tuple(),
			GroupID:   rec.GroupID,
			IsGroup:   rec.IsGroup,
			Members:   rec.Members,
		})
	}
	return msg
}
