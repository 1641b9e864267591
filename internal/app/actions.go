package app

import (
	"context"
	"time"

	"github.com/nerrad567/feeder-core/internal/auth"
	"github.com/nerrad567/feeder-core/internal/command"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/history"
	"github.com/nerrad567/feeder-core/internal/schedule"
)

// Login signs in. Account state loads in the background; the View reports
// Loading until it is ready.
func (c *Client) Login(ctx context.Context, email, password string) (*auth.Principal, error) {
	return c.deps.Session.Login(ctx, email, password)
}

// Logout signs out and releases every subscription.
func (c *Client) Logout(ctx context.Context) error {
	return c.deps.Session.Logout(ctx)
}

// TriggerFeed queues a feed and starts watching for its completion.
func (c *Client) TriggerFeed(ctx context.Context, amount int) (*command.Command, error) {
	cmd, err := c.dispatcher.TriggerFeed(ctx, amount)
	if err != nil {
		return nil, err
	}
	c.tracker.Track(cmd)
	c.emitView()
	return cmd, nil
}

// UpdateDeviceName renames the feeder.
func (c *Client) UpdateDeviceName(ctx context.Context, name string) (*device.Device, error) {
	return c.dispatcher.UpdateDeviceName(ctx, name)
}

// UpdateWifiConfig replaces the feeder's network settings.
func (c *Client) UpdateWifiConfig(ctx context.Context, cfg device.WifiConfig) (*device.Device, error) {
	return c.dispatcher.UpdateWifiConfig(ctx, cfg)
}

// CreateSchedule adds a recurring feed.
func (c *Client) CreateSchedule(ctx context.Context, d schedule.Draft) (*schedule.Schedule, error) {
	return c.dispatcher.CreateSchedule(ctx, d)
}

// UpdateSchedule edits a recurring feed.
func (c *Client) UpdateSchedule(ctx context.Context, id string, d schedule.Draft) (*schedule.Schedule, error) {
	return c.dispatcher.UpdateSchedule(ctx, id, d)
}

// DeleteSchedule removes a recurring feed.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.dispatcher.DeleteSchedule(ctx, id)
}

// ToggleSchedule flips a recurring feed on or off.
func (c *Client) ToggleSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	return c.dispatcher.ToggleSchedule(ctx, id)
}

// Schedules lists the feeder's schedules. With no feeder loaded the list is
// empty.
func (c *Client) Schedules(ctx context.Context) ([]schedule.Schedule, error) {
	d := c.cache.Current()
	if d == nil {
		return []schedule.Schedule{}, nil
	}
	return c.deps.Schedules.ListByDevice(ctx, d.ID)
}

// History lists recent feedings, newest first. Requires canViewStats.
func (c *Client) History(ctx context.Context, limit int) ([]history.Event, error) {
	if err := c.evaluator.Require(auth.CanViewStats); err != nil {
		return nil, err
	}
	d := c.cache.Current()
	if d == nil {
		return []history.Event{}, nil
	}
	return c.deps.History.ListByDevice(ctx, d.ID, limit)
}

// Stats summarises feedings since the given time. Requires canViewStats.
func (c *Client) Stats(ctx context.Context, since time.Time) (history.Stats, error) {
	if err := c.evaluator.Require(auth.CanViewStats); err != nil {
		return history.Stats{}, err
	}
	d := c.cache.Current()
	if d == nil {
		return history.Stats{}, nil
	}
	return c.deps.History.Stats(ctx, d.ID, since)
}
