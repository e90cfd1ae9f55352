package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	SyncPending  SyncState = "PENDING"
	SyncSyncing  SyncState = "SYNCING"
	SyncSynced   SyncState = "SYNCED"
	SyncConflict SyncState = "CONFLICT"
	SyncFailed   SyncState = "FAILED"
)

const (
	KindTransaction EntityKind = "transaction"
	KindWallet      EntityKind = "wallet"
	KindReceipt     EntityKind = "receipt"
	KindProfile     EntityKind = "profile"
)

type (
	SyncState string

	EntityKind string

	// Envelope is the sync bookkeeping shared by every synchronizable entity.
	Envelope struct {
		LocalID   string
		UserID    string
		RemoteID  string // empty until the remote has accepted the record
		SyncState SyncState
		UpdatedAt int64 // store clock, unix nanoseconds
		Deleted   bool

		Attempts      int
		NextAttemptAt time.Time
		LastError     string
	}
)

// SyncKinds lists every kind the coordinator pushes, in a stable order.
func SyncKinds() []EntityKind {
	return []EntityKind{KindTransaction, KindWallet, KindReceipt, KindProfile}
}

func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

func (k EntityKind) IsValid() bool {
	switch k {
	case KindTransaction, KindWallet, KindReceipt, KindProfile:
		return true
	}
	return false
}

func (k EntityKind) String() string { return string(k) }

func (s SyncState) IsValid() bool {
	switch s {
	case SyncPending, SyncSyncing, SyncSynced, SyncConflict, SyncFailed:
		return true
	}
	return false
}

// NeedsPush is true for states the coordinator picks up on its own.
func (s SyncState) NeedsPush() bool {
	return s == SyncPending || s == SyncFailed
}

// NewLocalID returns a fresh identifier for a locally created record.
func NewLocalID() string {
	return uuid.NewString()
}

func (e Envelope) HasRemoteID() bool { return e.RemoteID != "" }

// CheckInvariant reports a violation of SYNCED => remote id present.
func (e Envelope) CheckInvariant() error {
	if e.SyncState == SyncSynced && e.RemoteID == "" {
		return fmt.Errorf("record %s is SYNCED without a remote id", e.LocalID)
	}
	return nil
}
