package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"finsync/internal/core"
)

// Reasons a device shell asks for a sync.
const (
	ReasonForeground    = "foreground"
	ReasonPullToRefresh = "pull_to_refresh"
	ReasonConnectivity  = "connectivity_regained"
	ReasonManual        = "manual"
)

// SyncRequestMessage asks the worker to run a sync pass for one user.
// An empty Kinds list means every kind.
type SyncRequestMessage struct {
	UserID    string    `json:"userId"`
	Kinds     []string  `json:"kinds,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSyncRequestMessage creates a request stamped with the current time.
func NewSyncRequestMessage(userID, reason string, kinds ...core.EntityKind) *SyncRequestMessage {
	msg := &SyncRequestMessage{
		UserID:    userID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	for _, k := range kinds {
		msg.Kinds = append(msg.Kinds, string(k))
	}
	return msg
}

// EntityKinds returns the requested kinds, or every kind when none were named.
func (m *SyncRequestMessage) EntityKinds() ([]core.EntityKind, error) {
	if len(m.Kinds) == 0 {
		return core.SyncKinds(), nil
	}
	kinds := make([]core.EntityKind, 0, len(m.Kinds))
	seen := make(map[core.EntityKind]bool, len(m.Kinds))
	for _, s := range m.Kinds {
		k, err := core.ParseEntityKind(s)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

// Validate checks the fields a worker relies on.
func (m *SyncRequestMessage) Validate() error {
	if m.UserID == "" {
		return errors.New("sync request without userId")
	}
	if _, err := m.EntityKinds(); err != nil {
		return fmt.Errorf("sync request: %w", err)
	}
	return nil
}

// ToJSON converts the message to JSON bytes
func (m *SyncRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncRequestMessageFromJSON decodes and validates a request.
func SyncRequestMessageFromJSON(data []byte) (*SyncRequestMessage, error) {
	var msg SyncRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SyncResultMessage reports the outcome of a pass triggered by a request.
type SyncResultMessage struct {
	UserID     string    `json:"userId"`
	Reason     string    `json:"reason"`
	Synced     int       `json:"synced"`
	Requeued   int       `json:"requeued"`
	Failed     int       `json:"failed"`
	Conflicted int       `json:"conflicted"`
	Skipped    int       `json:"skipped"`
	Deleted    int       `json:"deleted"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToJSON converts the message to JSON bytes
func (m *SyncResultMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncResultMessageFromJSON decodes a result.
func SyncResultMessageFromJSON(data []byte) (*SyncResultMessage, error) {
	var msg SyncResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
