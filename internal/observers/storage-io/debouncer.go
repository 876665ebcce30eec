package storageio

import (
	"context"
	"errors"
	"fmt"

	"github.com/openstack-archive/stx-utils/internal/alarms"
	"github.com/openstack-archive/stx-utils/internal/observers/common"
	"go.uber.org/zap"
)

// Alarm action kinds
const (
	ActionRaise = "raise"
	ActionClear = "clear"
)

// AlarmAction is one raise or clear issued to the alarm manager
type AlarmAction struct {
	Action   string
	Category Status
	AlarmID  alarms.ID
	UUID     string
	Err      error
}

// Debouncer turns the per-cycle system status into alarm raises and clears.
// A status must be seen threshold cycles in a row before it is acted on.
type Debouncer struct {
	manager   alarms.Manager
	entity    string
	threshold int
	breaker   *common.CircuitBreaker
	logger    *zap.Logger

	category   Status
	count      int
	raised     Status
	lastGuests int
}

// NewDebouncer creates a debouncer raising alarms against entity
func NewDebouncer(manager alarms.Manager, entity string, threshold int, logger *zap.Logger) *Debouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold < 1 {
		threshold = 1
	}
	if entity == "" {
		entity = alarms.DefaultEntityInstanceID
	}
	return &Debouncer{
		manager:   manager,
		entity:    entity,
		threshold: threshold,
		breaker:   common.NewCircuitBreaker(common.DefaultCircuitBreakerConfig()),
		logger:    logger.Named("debouncer"),
		category:  StatusNormal,
		raised:    StatusNormal,
	}
}

func alarmIDFor(s Status) alarms.ID {
	if s == StatusCongested {
		return alarms.IDCongested
	}
	return alarms.IDBuilding
}

func categoryFor(id alarms.ID) Status {
	if id == alarms.IDCongested {
		return StatusCongested
	}
	return StatusBuilding
}

func (d *Debouncer) alarmFor(s Status) alarms.Alarm {
	if s == StatusCongested {
		return alarms.NewCongestedAlarm(d.entity)
	}
	return alarms.NewBuildingAlarm(d.entity)
}

// Evaluate consumes one cycle summary and returns the alarm actions taken
func (d *Debouncer) Evaluate(ctx context.Context, summary CongestionSummary) []AlarmAction {
	defer func() { d.lastGuests = summary.GuestCount }()

	if summary.GuestCount == 0 {
		// No guest volumes left to protect
		if d.lastGuests > 0 {
			d.logger.Info("Guest volumes gone, clearing congestion alarms", zap.Int("previous_guests", d.lastGuests))
			return d.ClearAll(ctx)
		}
		return nil
	}

	if !d.observe(summary.Status) {
		return nil
	}
	return d.act(ctx, summary.Status)
}

// observe counts consecutive cycles of the same status category
func (d *Debouncer) observe(status Status) bool {
	switch {
	case d.category != status:
		d.category = status
		d.count = 1
	case d.count < d.threshold:
		d.count++
	}
	return d.count >= d.threshold
}

func (d *Debouncer) act(ctx context.Context, target Status) []AlarmAction {
	existing, known := d.existing(ctx)
	var actions []AlarmAction

	if target == StatusNormal {
		for _, id := range d.raisedIDs(existing, known) {
			actions = append(actions, d.clear(ctx, id))
		}
		return actions
	}

	want := alarmIDFor(target)
	alreadyRaised := false
	for _, id := range d.raisedIDs(existing, known) {
		if id == want {
			alreadyRaised = true
			d.raised = target
			continue
		}
		// Only one congestion alarm is active at a time
		actions = append(actions, d.clear(ctx, id))
	}

	if !alreadyRaised {
		actions = append(actions, d.raise(ctx, target))
	}
	return actions
}

// existing lists the congestion alarms raised for this entity.
// known is false when the manager could not be queried.
func (d *Debouncer) existing(ctx context.Context) ([]alarms.Alarm, bool) {
	var out []alarms.Alarm
	for _, id := range []alarms.ID{alarms.IDBuilding, alarms.IDCongested} {
		var list []alarms.Alarm
		err := d.breaker.Execute(func() error {
			var err error
			list, err = d.manager.List(ctx, id)
			return err
		})
		if err != nil {
			d.logger.Warn("Cannot query existing alarms, using local state",
				zap.String("alarm_id", string(id)),
				zap.Error(err))
			return nil, false
		}
		for _, a := range list {
			if a.EntityInstanceID == d.entity {
				out = append(out, a)
			}
		}
	}

	if len(out) > 1 {
		d.logger.Warn("More than one congestion alarm is raised", zap.Int("count", len(out)))
	}

	// The manager is authoritative when it answers
	d.raised = StatusNormal
	for _, a := range out {
		d.raised = categoryFor(a.ID)
	}
	return out, true
}

func (d *Debouncer) raisedIDs(existing []alarms.Alarm, known bool) []alarms.ID {
	if !known {
		if d.raised == StatusNormal {
			return nil
		}
		return []alarms.ID{alarmIDFor(d.raised)}
	}

	seen := make(map[alarms.ID]bool, len(existing))
	var ids []alarms.ID
	for _, a := range existing {
		if !seen[a.ID] {
			seen[a.ID] = true
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func (d *Debouncer) raise(ctx context.Context, target Status) AlarmAction {
	alarm := d.alarmFor(target)
	action := AlarmAction{Action: ActionRaise, Category: target, AlarmID: alarm.ID}

	err := d.breaker.Execute(func() error {
		uuid, err := d.manager.Raise(ctx, alarm)
		if err == nil && uuid == "" {
			err = alarms.ErrRejected
		}
		action.UUID = uuid
		return err
	})
	if err != nil {
		action.Err = fmt.Errorf("raise %s: %w", alarm.ID, err)
		d.logger.Error("Failed to create congestion alarm",
			zap.String("severity", string(alarm.Severity)),
			zap.String("reason", alarm.ReasonText),
			zap.Bool("service_affecting", alarm.ServiceAffecting),
			zap.Error(err))
		return action
	}

	d.raised = target
	d.logger.Info("Created congestion alarm",
		zap.String("uuid", action.UUID),
		zap.String("severity", string(alarm.Severity)),
		zap.String("reason", alarm.ReasonText),
		zap.Bool("service_affecting", alarm.ServiceAffecting))
	return action
}

func (d *Debouncer) clear(ctx context.Context, id alarms.ID) AlarmAction {
	action := AlarmAction{Action: ActionClear, Category: categoryFor(id), AlarmID: id}

	err := d.breaker.Execute(func() error {
		err := d.manager.Clear(ctx, id, d.entity)
		if errors.Is(err, alarms.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		action.Err = fmt.Errorf("clear %s: %w", id, err)
		d.logger.Error("Failed to clear congestion alarm", zap.String("alarm_id", string(id)), zap.Error(err))
		return action
	}

	if d.raised != StatusNormal && alarmIDFor(d.raised) == id {
		d.raised = StatusNormal
	}
	d.logger.Info("Clearing congestion alarm", zap.String("alarm_id", string(id)), zap.String("entity", d.entity))
	return action
}

// ClearAll clears every congestion alarm of the entity and restarts the debounce count
func (d *Debouncer) ClearAll(ctx context.Context) []AlarmAction {
	d.count = 0
	d.category = StatusNormal

	existing, known := d.existing(ctx)
	ids := d.raisedIDs(existing, known)

	actions := make([]AlarmAction, 0, len(ids))
	for _, id := range ids {
		actions = append(actions, d.clear(ctx, id))
	}
	return actions
}

// Raised returns the category of the alarm currently raised, StatusNormal for none
func (d *Debouncer) Raised() Status {
	return d.raised
}

// Streak returns the debounced category and how many cycles it has been seen
func (d *Debouncer) Streak() (Status, int) {
	return d.category, d.count
}
