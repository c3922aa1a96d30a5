package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chargerudder/chargerudder/pkg/clock"
	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/measure"
	"github.com/chargerudder/chargerudder/pkg/metrics"
	"github.com/chargerudder/chargerudder/pkg/sink"
	"github.com/chargerudder/chargerudder/pkg/storage"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/google/uuid"
)

const hoursPerWeek = 7 * 24

// ErrScheduleNotSaved is returned by SetSchedule when storage rejected a
// valid schedule.
var ErrScheduleNotSaved = errors.New("failed to save schedule")

// PriceSource is the part of the price cache a controller needs.
type PriceSource interface {
	CurrentPrice() (types.HourPrice, error)
	RetailDiff() float64
}

// Decision is the answer to the condition callback.
type Decision struct {
	Charge       bool              `json:"charge"`
	State        types.ChargeState `json:"state"`
	DisplayState types.ChargeState `json:"displayState"`
	Explanation  string            `json:"explanation,omitempty"`
}

// Schedule is the operator adjustable deadline of a device.
type Schedule = types.Schedule

// Status summarizes a device for display.
type Status struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Charge       bool              `json:"charge"`
	State        types.ChargeState `json:"state"`
	DisplayState types.ChargeState `json:"displayState"`
	LastChange   time.Time         `json:"lastChange"`
	ChargedBy    string            `json:"chargedBy"`
	Schedule     Schedule          `json:"schedule"`
	PowerAverage *float64          `json:"powerAverage,omitempty"`
}

// Deps are the collaborators of a Controller.
type Deps struct {
	DB           storage.Database
	Prices       PriceSource
	Measurements measure.Source
	Sink         sink.Sink
	Calendar     clock.Calendar
}

// Controller decides whether one device should charge. It keeps the last
// committed state and holds back switches between charging and not charging
// until the minimum dwell time has passed.
type Controller struct {
	deps Deps

	mu           sync.Mutex
	cfg          types.DeviceConfig
	deadlineDay  int
	deadlineErr  error
	policy       types.ControlPolicy
	policyLoaded bool

	lastChange         types.ChargeLogEntry
	lastChargingSwitch time.Time
	measurements       []types.Measurement
	displayed          types.ChargeState
}

// New returns a Controller for cfg. Init must be called before Tick.
func New(cfg types.DeviceConfig, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AverageDurationSamples == 0 {
		cfg.AverageDurationSamples = 1
	}
	c := &Controller{
		deps:   deps,
		cfg:    cfg,
		policy: types.DefaultPolicy(cfg.Policy()),
		lastChange: types.ChargeLogEntry{
			DeviceID: cfg.ID,
			State:    types.ChargeStateNotSet,
		},
		displayed: types.ChargeStateNotSet,
	}
	c.deadlineDay, c.deadlineErr = clock.ParseWeekday(cfg.DeadlineDay)
	return c, nil
}

// ID returns the device id.
func (c *Controller) ID() string {
	return c.cfg.ID
}

func (c *Controller) logCtx(ctx context.Context) context.Context {
	return log.WithAttrs(ctx, slog.String("deviceID", c.cfg.ID))
}

// Init restores the last committed state from the charge log and the stored
// schedule, and loads the measurement cache.
func (c *Controller) Init(ctx context.Context) error {
	ctx = c.logCtx(ctx)
	if c.deadlineErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid deadline day, schedule will never be due", slog.Any("error", c.deadlineErr))
	}

	last, err := c.deps.DB.GetLatestChargeLog(ctx, c.cfg.ID)
	switch {
	case err == nil:
		switched := c.lastSwitch(ctx, last)
		c.mu.Lock()
		c.lastChange = last
		c.lastChargingSwitch = switched
		c.displayed = last.State
		c.mu.Unlock()
		log.Ctx(ctx).InfoContext(
			ctx,
			"restored charge state",
			slog.String("state", string(last.State)),
			slog.Time("since", last.Timestamp),
			slog.Time("lastSwitch", switched),
		)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("failed to load charge log for %s: %w", c.cfg.ID, err)
	}

	c.mu.Lock()
	c.restoreSchedule(ctx)
	c.loadPolicy(ctx)
	c.mu.Unlock()

	if err := c.RefreshMeasurements(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load initial measurements", slog.Any("error", err))
	}
	return nil
}

// lastSwitch returns when the device last moved between charging and not
// charging. Only entries inside the dwell window matter.
func (c *Controller) lastSwitch(ctx context.Context, last types.ChargeLogEntry) time.Time {
	dwell := c.cfg.MinimumDwell()
	now := c.deps.Calendar.Now()
	if now.Sub(last.Timestamp) >= dwell {
		return last.Timestamp
	}
	entries, err := c.deps.DB.GetChargeLog(ctx, c.cfg.ID, now.Add(-dwell), last.Timestamp.Add(time.Nanosecond))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read recent charge log, dwell starts at last change", slog.Any("error", err))
		return last.Timestamp
	}
	charging := last.State.IsCharging()
	since := last.Timestamp
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].State.IsCharging() != charging {
			break
		}
		if entries[i].Timestamp.Before(since) {
			since = entries[i].Timestamp
		}
	}
	return since
}

// restoreSchedule replaces the configured schedule with the stored one.
// Must be called with c.mu held.
func (c *Controller) restoreSchedule(ctx context.Context) {
	s, err := c.deps.DB.GetSchedule(ctx, c.cfg.ID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return
	default:
		log.Ctx(ctx).WarnContext(ctx, "failed to read schedule, using configured", slog.Any("error", err))
		return
	}
	cfg := c.cfg.WithSchedule(s)
	day, dayErr := clock.ParseWeekday(s.DeadlineDay)
	if err := cfg.Validate(); err != nil || dayErr != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"ignoring invalid stored schedule",
			slog.Any("error", errors.Join(err, dayErr)),
		)
		return
	}
	c.cfg = cfg
	c.deadlineDay = day
	c.deadlineErr = nil
	log.Ctx(ctx).InfoContext(
		ctx,
		"restored schedule",
		slog.Bool("enabled", s.Enabled),
		slog.String("chargedBy", c.chargedBy()),
	)
}

// loadPolicy reads the device's policy, creating it with defaults when it
// does not exist. On read failure the last known policy is used.
// Must be called with c.mu held.
func (c *Controller) loadPolicy(ctx context.Context) types.ControlPolicy {
	p, err := c.deps.DB.GetPolicy(ctx, c.cfg.Policy())
	switch {
	case err == nil:
		c.policy = p
		c.policyLoaded = true
	case errors.Is(err, storage.ErrNotFound):
		p = types.DefaultPolicy(c.cfg.Policy())
		if err := c.deps.DB.SetPolicy(ctx, p); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to create default policy", slog.Any("error", err))
		} else {
			log.Ctx(ctx).InfoContext(ctx, "created default policy", slog.String("policyID", p.ID))
		}
		c.policy = p
		c.policyLoaded = true
	default:
		log.Ctx(ctx).WarnContext(
			ctx,
			"failed to read policy, using last known",
			slog.Bool("loaded", c.policyLoaded),
			slog.Any("error", err),
		)
	}
	return c.policy
}

// RefreshMeasurements reloads the measurement cache and pushes the power
// average to the sink.
func (c *Controller) RefreshMeasurements(ctx context.Context) error {
	ctx = c.logCtx(ctx)
	ms, err := c.deps.Measurements.Recent(ctx, c.cfg.Location, c.cfg.AverageDurationSamples)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.measurements = ms
	avg, ok := types.AverageValue(ms, c.cfg.AverageDurationSamples)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	err = c.deps.Sink.Publish(ctx, sink.Update{
		DeviceID:   c.cfg.ID,
		Capability: sink.CapabilityPowerAverage,
		Value:      avg,
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to push power average", slog.Any("error", err))
	}
	return nil
}

// Tick evaluates the rules and applies hysteresis. It never fails; storage
// and sink problems are logged.
func (c *Controller) Tick(ctx context.Context) Decision {
	ctx = c.logCtx(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics.Ticks.WithLabelValues(c.cfg.ID).Inc()
	now := c.deps.Calendar.Now()
	policy := c.loadPolicy(ctx)
	sig := c.signals(ctx, policy)
	target, reason := Decide(sig)
	log.Ctx(ctx).DebugContext(
		ctx,
		"evaluated charge rules",
		slog.Bool("active", sig.Active),
		slog.Bool("schedule", sig.Schedule),
		slog.Bool("lowPrice", sig.LowPrice),
		slog.Bool("sun", sig.Sun),
		slog.String("target", string(target)),
		slog.String("reason", reason),
	)
	c.apply(ctx, now, target)
	return c.decision(reason)
}

// signals computes the rule inputs. Must be called with c.mu held.
func (c *Controller) signals(ctx context.Context, policy types.ControlPolicy) Signals {
	return Signals{
		Active:   policy.Active,
		Schedule: c.scheduleDue(ctx),
		LowPrice: c.lowPrice(ctx, policy),
		Sun:      c.sunny(ctx),
	}
}

func (c *Controller) scheduleDue(ctx context.Context) bool {
	if !c.cfg.ScheduleEnabled {
		return false
	}
	if c.deadlineErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "schedule not due, invalid deadline day", slog.Any("error", c.deadlineErr))
		return false
	}
	cur := c.deps.Calendar.WeekHour()
	wanted := c.cfg.DeadlineHour + 24*c.deadlineDay
	if wanted < cur {
		wanted += hoursPerWeek
	}
	remaining := wanted - cur
	if remaining <= 0 {
		// the deadline is one-shot until the schedule is armed again
		c.cfg.ScheduleEnabled = false
		log.Ctx(ctx).InfoContext(ctx, "deadline reached, disabling schedule")
		if err := c.deps.DB.SetSchedule(ctx, c.cfg.ID, c.cfg.Schedule()); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save disabled schedule", slog.Any("error", err))
		}
		return false
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"checked schedule",
		slog.Int("hoursUntilDeadline", remaining),
		slog.Int("window", c.cfg.ChargingWindowHours),
	)
	return remaining <= c.cfg.ChargingWindowHours
}

func (c *Controller) lowPrice(ctx context.Context, policy types.ControlPolicy) bool {
	p, err := c.deps.Prices.CurrentPrice()
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "no current price, low price charging disabled", slog.Any("error", err))
		return false
	}
	limit := policy.PriceThreshold - c.deps.Prices.RetailDiff()
	log.Ctx(ctx).DebugContext(
		ctx,
		"checked price",
		slog.Float64("price", p.Price),
		slog.Float64("limit", limit),
	)
	return p.Price <= limit
}

func (c *Controller) sunny(ctx context.Context) bool {
	avg, ok := types.AverageValue(c.measurements, c.cfg.AverageDurationSamples)
	if !ok {
		log.Ctx(ctx).DebugContext(ctx, "no measurements, solar charging disabled")
		return false
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"checked solar power",
		slog.Float64("average", avg),
		slog.Float64("threshold", c.cfg.PowerThresholdWatts),
	)
	return avg > c.cfg.PowerThresholdWatts
}

// apply commits target or holds it back. Must be called with c.mu held.
func (c *Controller) apply(ctx context.Context, now time.Time, target types.ChargeState) {
	cur := c.lastChange.State
	if target == cur {
		if c.displayed != cur {
			c.display(ctx, cur)
		}
		return
	}

	categorySwitch := target.IsCharging() != cur.IsCharging()
	dwell := c.cfg.MinimumDwell()
	if categorySwitch && target != types.ChargeStateNotActive && now.Sub(c.lastChargingSwitch) < dwell {
		held := types.ChargeStateWaitingMinDwell
		if cur.IsCharging() {
			held = types.ChargeStateChargingMinDwell
		}
		metrics.HeldTransitions.WithLabelValues(c.cfg.ID).Inc()
		log.Ctx(ctx).DebugContext(
			ctx,
			"holding transition until minimum dwell passed",
			slog.String("state", string(cur)),
			slog.String("target", string(target)),
			slog.Duration("remaining", dwell-now.Sub(c.lastChargingSwitch)),
		)
		if c.displayed != held {
			c.display(ctx, held)
		}
		return
	}

	entry := types.ChargeLogEntry{
		ID:        uuid.NewString(),
		DeviceID:  c.cfg.ID,
		State:     target,
		Timestamp: now,
	}
	c.lastChange = entry
	if categorySwitch {
		c.lastChargingSwitch = now
	}
	metrics.StateCommits.WithLabelValues(c.cfg.ID, string(target)).Inc()
	log.Ctx(ctx).InfoContext(
		ctx,
		"charge state changed",
		slog.String("from", string(cur)),
		slog.String("to", string(target)),
	)
	if err := c.deps.DB.InsertChargeLog(ctx, entry); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write charge log", slog.Any("error", err))
	}
	c.display(ctx, target)
}

func (c *Controller) display(ctx context.Context, state types.ChargeState) {
	c.displayed = state
	err := c.deps.Sink.Publish(ctx, sink.Update{
		DeviceID:   c.cfg.ID,
		Capability: sink.CapabilityStatus,
		Value:      string(state),
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to push status", slog.Any("error", err))
	}
}

func (c *Controller) decision(reason string) Decision {
	return Decision{
		Charge:       c.lastChange.State.IsCharging(),
		State:        c.lastChange.State,
		DisplayState: c.displayed,
		Explanation:  reason,
	}
}

// Status returns the current state of the device without evaluating rules.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		ID:           c.cfg.ID,
		Name:         c.cfg.Name,
		Charge:       c.lastChange.State.IsCharging(),
		State:        c.lastChange.State,
		DisplayState: c.displayed,
		LastChange:   c.lastChange.Timestamp,
		ChargedBy:    c.chargedBy(),
		Schedule:     c.schedule(),
	}
	if avg, ok := types.AverageValue(c.measurements, c.cfg.AverageDurationSamples); ok {
		s.PowerAverage = &avg
	}
	return s
}

// chargedBy renders the deadline as "<Day> HH:00".
func (c *Controller) chargedBy() string {
	if c.deadlineErr != nil {
		return ""
	}
	return fmt.Sprintf("%s %02d:00", clock.WeekdayNames[c.deadlineDay][0], c.cfg.DeadlineHour)
}

func (c *Controller) schedule() Schedule {
	return c.cfg.Schedule()
}

// Schedule returns the current schedule.
func (c *Controller) Schedule() Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedule()
}

// SetSchedule stores and applies the schedule. Enabling it arms the deadline
// again after it auto-disabled.
func (c *Controller) SetSchedule(ctx context.Context, s Schedule) error {
	day, err := clock.ParseWeekday(s.DeadlineDay)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.cfg.WithSchedule(s)
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx = c.logCtx(ctx)
	if err := c.deps.DB.SetSchedule(ctx, c.cfg.ID, s); err != nil {
		return fmt.Errorf("%w: %w", ErrScheduleNotSaved, err)
	}
	c.cfg = cfg
	c.deadlineDay = day
	c.deadlineErr = nil

	log.Ctx(ctx).InfoContext(
		ctx,
		"schedule updated",
		slog.Bool("enabled", s.Enabled),
		slog.String("chargedBy", c.chargedBy()),
	)
	return nil
}

// Policy returns the device's policy from storage, creating it if missing.
func (c *Controller) Policy(ctx context.Context) types.ControlPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadPolicy(c.logCtx(ctx))
}

// SetPolicy stores an updated policy for the device. The retail diff is not
// part of a device policy and is ignored.
func (c *Controller) SetPolicy(ctx context.Context, threshold float64, active bool) (types.ControlPolicy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.policy
	p.ID = c.cfg.Policy()
	p.PriceThreshold = threshold
	p.Active = active
	if err := c.deps.DB.SetPolicy(ctx, p); err != nil {
		return types.ControlPolicy{}, fmt.Errorf("failed to save policy: %w", err)
	}
	c.policy = p
	c.policyLoaded = true
	return p, nil
}

// History returns the committed transitions in [start, end).
func (c *Controller) History(ctx context.Context, start, end time.Time) ([]types.ChargeLogEntry, error) {
	return c.deps.DB.GetChargeLog(ctx, c.cfg.ID, start, end)
}
