// Package queue tracks live positions of patients waiting for a provider or
// specialty. Each pool is a dense, FIFO ordered list guarded by its own lock.
package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type EntryStatus string

const (
	StatusWaiting EntryStatus = "waiting"
	StatusReady   EntryStatus = "ready"
)

const DefaultPerPatientMinutes = 10

type Entry struct {
	ID                   uuid.UUID   `json:"id"`
	AppointmentID        uuid.UUID   `json:"appointment_id"`
	PatientID            uuid.UUID   `json:"patient_id"`
	PoolKey              string      `json:"pool_key"`
	Position             int         `json:"position"`
	EstimatedWaitMinutes int         `json:"estimated_wait_minutes"`
	Status               EntryStatus `json:"status"`
	JoinedAt             time.Time   `json:"joined_at"`
}

type PoolSnapshot struct {
	PoolKey  string  `json:"pool_key"`
	Version  int64   `json:"version"`
	Degraded bool    `json:"degraded"`
	Entries  []Entry `json:"entries"`
}

// PoolBy selects what a patient queues for.
type PoolBy string

const (
	PoolByProvider  PoolBy = "provider"
	PoolBySpecialty PoolBy = "specialty"
)

var ErrInvalidPool = errors.New("invalid pool")

func ProviderPool(providerID uuid.UUID) string {
	return "provider:" + providerID.String()
}

func SpecialtyPool(specialtyID uuid.UUID) string {
	return "specialty:" + specialtyID.String()
}

// PoolKeyFor picks the pool of an appointment.
func PoolKeyFor(by PoolBy, providerID, specialtyID uuid.UUID) (string, error) {
	switch by {
	case PoolByProvider, "":
		if providerID == uuid.Nil {
			return "", ErrInvalidPool
		}
		return ProviderPool(providerID), nil
	case PoolBySpecialty:
		if specialtyID == uuid.Nil {
			return "", ErrInvalidPool
		}
		return SpecialtyPool(specialtyID), nil
	}
	return "", ErrInvalidPool
}

type EventType string

const (
	EventPositionAssigned EventType = "position_assigned"
	EventPositionChanged  EventType = "position_changed"
	EventRemoved          EventType = "removed"
	EventReady            EventType = "ready"
)

// Event describes one change to one entry. Version is the pool version the
// change produced.
type Event struct {
	Type             EventType
	Entry            Entry
	PreviousPosition int
	Version          int64
}

// Listener receives events while the pool lock is held. It must not block
// and must not call back into the tracker.
type Listener func(ev Event)
