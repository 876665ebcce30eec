// Package alarms is the fault-management side of io-monitor: alarm records and the
// managers that raise, clear and list them on behalf of the congestion debouncer.
package alarms

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRejected is returned when the backend refuses to record an alarm
	ErrRejected = errors.New("alarm rejected by backend")

	// ErrNotFound is returned when clearing an alarm that is not raised
	ErrNotFound = errors.New("alarm not found")
)

// ID identifies an alarm kind
type ID string

const (
	// IDBuilding is raised while congestion is building
	IDBuilding ID = "800.010"
	// IDCongested is raised while congestion is limiting guest I/O
	IDCongested ID = "800.011"
)

// Severity of a raised alarm
type Severity string

const (
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

const (
	// DefaultEntityInstanceID is the entity every congestion alarm is raised against
	DefaultEntityInstanceID = "cinder_io_monitor"

	entityTypeCluster      = "cluster"
	probableCauseCongested = "congestion"

	reasonBuilding  = "Cinder I/O Congestion is above normal range and is building"
	reasonCongested = "Cinder I/O Congestion is high and impacting guest performance"

	repairBuilding = "Reduce the I/O load on the Cinder LVM backend. " +
		"Use Cinder QoS mechanisms on high usage volumes."
	repairCongested = "Reduce the I/O load on the Cinder LVM backend. " +
		"Cinder actions may fail until congestion is reduced. " +
		"Use Cinder QoS mechanisms on high usage volumes."
)

// Alarm is one fault record
type Alarm struct {
	UUID             string    `json:"uuid,omitempty"`
	ID               ID        `json:"alarm_id"`
	EntityTypeID     string    `json:"entity_type_id"`
	EntityInstanceID string    `json:"entity_instance_id"`
	Severity         Severity  `json:"severity"`
	ReasonText       string    `json:"reason_text"`
	RepairAction     string    `json:"proposed_repair_action"`
	ProbableCause    string    `json:"probable_cause"`
	ServiceAffecting bool      `json:"service_affecting"`
	RaisedAt         time.Time `json:"raised_at,omitempty"`
}

// Manager is the fault-management backend
type Manager interface {
	// Raise records the alarm and returns its UUID
	Raise(ctx context.Context, alarm Alarm) (string, error)

	// Clear removes the alarm of the given kind for the entity
	Clear(ctx context.Context, id ID, entityInstanceID string) error

	// List returns every raised alarm of the given kind
	List(ctx context.Context, id ID) ([]Alarm, error)
}

// NewBuildingAlarm returns the alarm raised while congestion is building
func NewBuildingAlarm(entityInstanceID string) Alarm {
	return newCongestionAlarm(IDBuilding, entityInstanceID, SeverityMajor, reasonBuilding, repairBuilding)
}

// NewCongestedAlarm returns the alarm raised while guests are impacted
func NewCongestedAlarm(entityInstanceID string) Alarm {
	return newCongestionAlarm(IDCongested, entityInstanceID, SeverityCritical, reasonCongested, repairCongested)
}

func newCongestionAlarm(id ID, entity string, severity Severity, reason, repair string) Alarm {
	if entity == "" {
		entity = DefaultEntityInstanceID
	}
	return Alarm{
		ID:               id,
		EntityTypeID:     entityTypeCluster,
		EntityInstanceID: entity,
		Severity:         severity,
		ReasonText:       reason,
		RepairAction:     repair,
		ProbableCause:    probableCauseCongested,
		ServiceAffecting: true,
	}
}

func alarmKey(id ID, entity string) string {
	return string(id) + "|" + entity
}
