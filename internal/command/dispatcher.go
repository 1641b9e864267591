package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/feeder-core/internal/apperr"
	"github.com/nerrad567/feeder-core/internal/auth"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/schedule"
)

// FeedIndicatorDuration is how long Feeding reports true after a feed is
// queued. It drives a UI affordance only and says nothing about whether the
// device has dispensed anything.
const FeedIndicatorDuration = 5 * time.Second

// Action names a dispatcher operation in notifications and logs.
type Action string

// Actions.
const (
	ActionFeed           Action = "feed"
	ActionRename         Action = "rename_device"
	ActionWifi           Action = "update_wifi"
	ActionCreateSchedule Action = "create_schedule"
	ActionUpdateSchedule Action = "update_schedule"
	ActionDeleteSchedule Action = "delete_schedule"
	ActionToggleSchedule Action = "toggle_schedule"
)

// Notifier receives the one user-facing outcome of each dispatcher call.
type Notifier interface {
	Success(title, body string)
	Failure(title string, err error)
}

// Permissions gates actions on the current principal's capabilities.
type Permissions interface {
	Require(c auth.Capability) error
}

// DeviceCache is the part of device.StateCache the dispatcher writes through.
type DeviceCache interface {
	Current() *device.Device
	Optimistic(mutate func(d *device.Device)) (revert func(), ok bool)
	Apply(d *device.Device)
}

// DeviceWriter is the part of device.Repository the dispatcher writes to.
type DeviceWriter interface {
	UpdateName(ctx context.Context, id, name string) (*device.Device, error)
	UpdateWifiConfig(ctx context.Context, id string, cfg device.WifiConfig) (*device.Device, error)
}

// Deps are the Dispatcher's collaborators.
type Deps struct {
	Permissions Permissions
	Cache       DeviceCache
	Devices     DeviceWriter
	Commands    Repository
	Schedules   schedule.Repository
	Notifier    Notifier
}

// Dispatcher turns user actions into store writes.
//
// Every call checks capabilities and validates input before touching the
// store, and reports exactly one outcome to the Notifier whether it succeeds
// or fails.
type Dispatcher struct {
	deps   Deps
	logger Logger
	now    func() time.Time

	mu           sync.Mutex
	feedingUntil time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps, logger: noopLogger{}, now: time.Now}
}

// SetLogger sets the logger.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// TriggerFeed queues a feed of amount grams for the current device and
// returns once the command is stored. It does not wait for the device.
func (d *Dispatcher) TriggerFeed(ctx context.Context, amount int) (cmd *Command, err error) {
	defer func() {
		d.report(ActionFeed, fmt.Sprintf("Dispensing %d g.", amount), err)
	}()

	if err := d.deps.Permissions.Require(auth.CanFeed); err != nil {
		return nil, err
	}
	dev := d.deps.Cache.Current()
	if dev == nil {
		return nil, ErrNoDevice
	}
	minAmount, maxAmount := dev.FeedBounds()
	if err := CheckAmount(amount, minAmount, maxAmount); err != nil {
		return nil, err
	}

	params, err := json.Marshal(FeedParams{Amount: amount})
	if err != nil {
		return nil, fmt.Errorf("encoding feed params: %w", err)
	}
	cmd = &Command{
		ID:       uuid.NewString(),
		DeviceID: dev.ID,
		OwnerID:  dev.OwnerID,
		Type:     TypeFeed,
		Params:   params,
		Status:   StatusPending,
	}
	if err := d.deps.Commands.Create(ctx, cmd); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.feedingUntil = d.now().Add(FeedIndicatorDuration)
	d.mu.Unlock()
	return cmd, nil
}

// Feeding reports whether the feed indicator is showing.
func (d *Dispatcher) Feeding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now().Before(d.feedingUntil)
}

// UpdateDeviceName renames the current device. The cache shows the new name
// at once and goes back to the old one if the store rejects the write.
func (d *Dispatcher) UpdateDeviceName(ctx context.Context, name string) (updated *device.Device, err error) {
	name = strings.TrimSpace(name)
	defer func() { d.report(ActionRename, fmt.Sprintf("Renamed to %q.", name), err) }()

	if err := device.ValidateName(name); err != nil {
		return nil, err
	}
	return d.writeDevice(ctx, ActionRename,
		func(dev *device.Device) { dev.Name = name },
		func(ctx context.Context, id string) (*device.Device, error) {
			return d.deps.Devices.UpdateName(ctx, id, name)
		})
}

// UpdateWifiConfig replaces the current device's network settings, with the
// same optimistic update and rollback as UpdateDeviceName.
func (d *Dispatcher) UpdateWifiConfig(ctx context.Context, cfg device.WifiConfig) (updated *device.Device, err error) {
	defer func() { d.report(ActionWifi, "Wi-Fi settings saved.", err) }()

	if err := device.ValidateWifiConfig(cfg); err != nil {
		return nil, err
	}
	return d.writeDevice(ctx, ActionWifi,
		func(dev *device.Device) { dev.Wifi = cfg },
		func(ctx context.Context, id string) (*device.Device, error) {
			return d.deps.Devices.UpdateWifiConfig(ctx, id, cfg)
		})
}

func (d *Dispatcher) writeDevice(
	ctx context.Context,
	action Action,
	mutate func(*device.Device),
	write func(ctx context.Context, id string) (*device.Device, error),
) (*device.Device, error) {
	dev := d.deps.Cache.Current()
	if dev == nil {
		return nil, ErrNoDevice
	}

	revert, _ := d.deps.Cache.Optimistic(mutate)
	updated, err := write(ctx, dev.ID)
	if err != nil {
		revert()
		d.logger.Warn("device write rolled back", "action", string(action), "device_id", dev.ID, "error", err)
		return nil, err
	}
	d.deps.Cache.Apply(updated)
	return updated, nil
}

// CreateSchedule adds a schedule to the current device.
func (d *Dispatcher) CreateSchedule(ctx context.Context, draft schedule.Draft) (s *schedule.Schedule, err error) {
	defer func() { d.report(ActionCreateSchedule, "Schedule added.", err) }()

	dev, err := d.scheduleDevice(draft)
	if err != nil {
		return nil, err
	}
	return d.deps.Schedules.Create(ctx, dev.ID, draft)
}

// UpdateSchedule replaces a schedule's editable fields.
func (d *Dispatcher) UpdateSchedule(ctx context.Context, id string, draft schedule.Draft) (s *schedule.Schedule, err error) {
	defer func() { d.report(ActionUpdateSchedule, "Schedule updated.", err) }()

	dev, err := d.scheduleDevice(draft)
	if err != nil {
		return nil, err
	}
	if _, err := d.ownedSchedule(ctx, dev, id); err != nil {
		return nil, err
	}
	return d.deps.Schedules.Update(ctx, id, draft)
}

// DeleteSchedule removes a schedule.
func (d *Dispatcher) DeleteSchedule(ctx context.Context, id string) (err error) {
	defer func() { d.report(ActionDeleteSchedule, "Schedule removed.", err) }()

	if err := d.deps.Permissions.Require(auth.CanSchedule); err != nil {
		return err
	}
	dev := d.deps.Cache.Current()
	if dev == nil {
		return ErrNoDevice
	}
	if _, err := d.ownedSchedule(ctx, dev, id); err != nil {
		return err
	}
	return d.deps.Schedules.Delete(ctx, id)
}

// ToggleSchedule flips a schedule's enabled flag and nothing else.
func (d *Dispatcher) ToggleSchedule(ctx context.Context, id string) (s *schedule.Schedule, err error) {
	body := "Schedule updated."
	defer func() { d.report(ActionToggleSchedule, body, err) }()

	if err := d.deps.Permissions.Require(auth.CanSchedule); err != nil {
		return nil, err
	}
	dev := d.deps.Cache.Current()
	if dev == nil {
		return nil, ErrNoDevice
	}
	current, err := d.ownedSchedule(ctx, dev, id)
	if err != nil {
		return nil, err
	}
	s, err = d.deps.Schedules.SetEnabled(ctx, id, !current.Enabled)
	if err != nil {
		return nil, err
	}
	if s.Enabled {
		body = "Schedule enabled."
	} else {
		body = "Schedule paused."
	}
	return s, nil
}

// scheduleDevice runs the pre-I/O checks shared by schedule writes.
func (d *Dispatcher) scheduleDevice(draft schedule.Draft) (*device.Device, error) {
	if err := d.deps.Permissions.Require(auth.CanSchedule); err != nil {
		return nil, err
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	dev := d.deps.Cache.Current()
	if dev == nil {
		return nil, ErrNoDevice
	}
	minAmount, maxAmount := dev.FeedBounds()
	if err := CheckAmount(draft.Amount, minAmount, maxAmount); err != nil {
		return nil, err
	}
	return dev, nil
}

// ownedSchedule loads id and checks it belongs to dev.
func (d *Dispatcher) ownedSchedule(ctx context.Context, dev *device.Device, id string) (*schedule.Schedule, error) {
	s, err := d.deps.Schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.DeviceID != dev.ID {
		return nil, schedule.ErrScheduleNotFound
	}
	return s, nil
}

var actionTitles = map[Action]string{
	ActionFeed:           "Feed",
	ActionRename:         "Rename feeder",
	ActionWifi:           "Wi-Fi settings",
	ActionCreateSchedule: "Add schedule",
	ActionUpdateSchedule: "Edit schedule",
	ActionDeleteSchedule: "Remove schedule",
	ActionToggleSchedule: "Schedule",
}

func (d *Dispatcher) report(action Action, body string, err error) {
	title := actionTitles[action]
	if err != nil {
		d.logger.Info("action failed", "action", string(action), "kind", string(apperr.KindOf(err)), "error", err)
		if d.deps.Notifier != nil {
			d.deps.Notifier.Failure(title, err)
		}
		return
	}
	d.logger.Info("action completed", "action", string(action))
	if d.deps.Notifier != nil {
		d.deps.Notifier.Success(title, body)
	}
}
