// Package day owns the market day lifecycle: participants submit
// allocations and toggle absence while the day is open, and AdvanceDay
// settles everyone and moves the market to the next day.
//
// Settlement is serialized by a Locker and fenced against concurrent
// writes on this instance, so the snapshot it settles is stable. Each
// participant is committed independently; a retry after a partial failure
// only settles the participants still missing a record for the day.
package day

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/econsim/day-engine/internal/allocation"
	"github.com/econsim/day-engine/internal/events"
	"github.com/econsim/day-engine/internal/lock"
	"github.com/econsim/day-engine/internal/metrics"
	"github.com/econsim/day-engine/internal/model"
	"github.com/econsim/day-engine/internal/settlement"
	"github.com/econsim/day-engine/internal/store"
)

var (
	// ErrAlreadySubmitted is returned when a participant submits twice for
	// the same day.
	ErrAlreadySubmitted = errors.New("day: allocation already submitted for this day")

	// ErrSettlementInProgress is returned for writes attempted while a
	// settlement is running, and for a second concurrent AdvanceDay.
	ErrSettlementInProgress = errors.New("day: settlement in progress")

	// ErrInvalidSettings is returned for a negative rent.
	ErrInvalidSettings = errors.New("day: invalid market settings")

	// ErrInvalidParticipant is returned when registering without an id.
	ErrInvalidParticipant = errors.New("day: invalid participant")

	// ErrPartialSettlement is matched by every *SettlementError.
	ErrPartialSettlement = errors.New("day: settlement partially failed")
)

// SettlementError reports a settlement that committed some participants but
// not all. The day was not advanced; calling AdvanceDay again settles only
// the participants listed in Failed.
type SettlementError struct {
	Day       int
	Failed    []string
	Committed int
	Skipped   int
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("day %d: %d participant(s) not settled (%s), %d committed",
		e.Day, len(e.Failed), strings.Join(e.Failed, ", "), e.Committed)
}

func (e *SettlementError) Unwrap() error { return ErrPartialSettlement }

// Phase is the controller's view of the day.
type Phase string

const (
	PhaseOpen     Phase = "open"
	PhaseSettling Phase = "settling"
)

// Status is a snapshot of the market for the administrator dashboard.
type Status struct {
	Day      int                  `json:"day"`
	Phase    Phase                `json:"phase"`
	Settings model.MarketSettings `json:"settings"`
}

// AdvanceResult summarizes a completed settlement.
type AdvanceResult struct {
	Day                   int `json:"day"`
	NextDay               int `json:"nextDay"`
	ParticipantsProcessed int `json:"participantsProcessed"`
	Skipped               int `json:"skipped"` // already settled by an earlier attempt
}

// Options tunes a Controller. Zero values take the defaults below.
type Options struct {
	Salary      *decimal.Decimal // nil means model.DailySalary; zero is allowed
	Timeout     time.Duration    // whole-settlement deadline, default 2m
	Retries     int              // per-participant commit retries, default 0
	RetryBase   time.Duration    // first retry delay, default 100ms
	Concurrency int              // parallel commits, default 8
	LockKey     string           // default "econ:settlement"

	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Salary == nil {
		salary := model.DailySalary
		o.Salary = &salary
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.Concurrency < 1 {
		o.Concurrency = 8
	}
	if o.LockKey == "" {
		o.LockKey = "econ:settlement"
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Controller coordinates submissions and settlement against a Store.
type Controller struct {
	store  store.Store
	engine *settlement.Engine
	locker lock.Locker
	events events.Publisher
	opts   Options

	// gate fences writes against settlement: writers hold it shared via
	// TryRLock, AdvanceDay holds it exclusively.
	gate     sync.RWMutex
	settling atomic.Bool
}

// NewController creates a controller. A nil locker means an in-process
// lock; a nil publisher discards events.
func NewController(st store.Store, locker lock.Locker, pub events.Publisher, opts Options) *Controller {
	opts = opts.withDefaults()
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Controller{
		store:  st,
		engine: settlement.NewEngine(*opts.Salary),
		locker: locker,
		events: pub,
		opts:   opts,
	}
}

// --- Participant operations ---

// RegisterParticipant creates a participant with the starting balance held
// in cash.
func (c *Controller) RegisterParticipant(ctx context.Context, id, name string) (*model.ParticipantLedger, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidParticipant)
	}

	release, err := c.enter("register")
	if err != nil {
		return nil, err
	}
	defer release()

	l := model.NewParticipant(id, strings.TrimSpace(name), c.opts.Now())
	if err := c.store.CreateParticipant(ctx, &l); err != nil {
		return nil, err
	}

	slog.Info("participant registered", "participant", id)
	c.publish(ctx, events.ParticipantRegistered, map[string]string{"participantId": id})
	return &l, nil
}

// GetParticipant returns one participant's ledger.
func (c *Controller) GetParticipant(ctx context.Context, id string) (*model.ParticipantLedger, error) {
	return c.store.GetParticipant(ctx, id)
}

// ListParticipants returns every ledger sorted by id.
func (c *Controller) ListParticipants(ctx context.Context) ([]model.ParticipantLedger, error) {
	return c.store.ListParticipants(ctx)
}

// SubmitAllocation records a participant's allocation for the current day.
// A participant gets one submission per day.
func (c *Controller) SubmitAllocation(ctx context.Context, id string, alloc model.Allocation) (*model.ParticipantLedger, error) {
	if err := allocation.Validate(alloc); err != nil {
		metrics.Rejections.WithLabelValues("invalid_allocation").Inc()
		return nil, err
	}

	release, err := c.enter("submit")
	if err != nil {
		return nil, err
	}
	defer release()

	day, err := c.openDay(ctx, id)
	if err != nil {
		return nil, err
	}
	normalized := alloc.Normalized()

	l, err := c.store.UpdateParticipant(ctx, id, func(l *model.ParticipantLedger) error {
		if l.LastSubmissionDay == day {
			return fmt.Errorf("participant %s day %d: %w", id, day, ErrAlreadySubmitted)
		}
		l.SubmittedAllocation = normalized
		l.LastSubmissionDay = day
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadySubmitted) {
			metrics.Rejections.WithLabelValues("already_submitted").Inc()
		}
		return nil, err
	}

	metrics.Submissions.Inc()
	slog.Info("allocation submitted", "participant", id, "day", day)
	c.publish(ctx, events.AllocationSubmitted, map[string]any{"participantId": id, "day": day})
	return l, nil
}

// ToggleAbsence flips a participant's absence flag for the current day.
func (c *Controller) ToggleAbsence(ctx context.Context, id string) (*model.ParticipantLedger, error) {
	release, err := c.enter("absence")
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := c.openDay(ctx, id); err != nil {
		return nil, err
	}

	l, err := c.store.UpdateParticipant(ctx, id, func(l *model.ParticipantLedger) error {
		l.AbsentToday = !l.AbsentToday
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("absence toggled", "participant", id, "absent", l.AbsentToday)
	c.publish(ctx, events.AbsenceToggled, map[string]any{"participantId": id, "absentToday": l.AbsentToday})
	return l, nil
}

// openDay returns the current day, failing with store.ErrAlreadySettled if
// id already has a record for it. That happens between a partial settlement
// and its retry, when writes would never reach the day's settlement.
func (c *Controller) openDay(ctx context.Context, id string) (int, error) {
	settings, err := c.store.GetMarketSettings(ctx)
	if err != nil {
		return 0, err
	}
	settled, err := c.store.SettledParticipants(ctx, settings.Day)
	if err != nil {
		return 0, err
	}
	if settled[id] {
		metrics.Rejections.WithLabelValues("already_settled").Inc()
		return 0, fmt.Errorf("participant %s day %d: %w", id, settings.Day, store.ErrAlreadySettled)
	}
	return settings.Day, nil
}

// History returns a participant's transaction records, newest day first.
func (c *Controller) History(ctx context.Context, id string) ([]model.TransactionRecord, error) {
	if _, err := c.store.GetParticipant(ctx, id); err != nil {
		return nil, err
	}
	return c.store.ListTransactionRecords(ctx, id)
}

// --- Market operations ---

// MarketSettings returns the current settings.
func (c *Controller) MarketSettings(ctx context.Context) (*model.MarketSettings, error) {
	return c.store.GetMarketSettings(ctx)
}

// UpdateMarketSettings replaces the returns and rent used by the next
// settlement. The day is never changed here.
func (c *Controller) UpdateMarketSettings(ctx context.Context, returns model.MarketReturns, rent decimal.Decimal) (*model.MarketSettings, error) {
	if rent.IsNegative() {
		metrics.Rejections.WithLabelValues("invalid_settings").Inc()
		return nil, fmt.Errorf("%w: rent must be >= 0, got %s", ErrInvalidSettings, rent)
	}

	release, err := c.enter("settings")
	if err != nil {
		return nil, err
	}
	defer release()

	settings, err := c.store.UpdateMarketSettings(ctx, func(s *model.MarketSettings) error {
		s.StockReturn = returns.StockReturn
		s.BondReturn = returns.BondReturn
		s.CryptoReturn = returns.CryptoReturn
		s.RealEstateReturn = returns.RealEstateReturn
		s.Rent = rent
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("market settings updated", "day", settings.Day, "rent", settings.Rent.String())
	c.publish(ctx, events.SettingsUpdated, settings)
	return settings, nil
}

// Status reports the current day, phase and settings.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	settings, err := c.store.GetMarketSettings(ctx)
	if err != nil {
		return Status{}, err
	}
	phase := PhaseOpen
	if c.settling.Load() {
		phase = PhaseSettling
	}
	return Status{Day: settings.Day, Phase: phase, Settings: *settings}, nil
}

// --- Settlement ---

// AdvanceDay settles the current day for every participant not yet settled
// and moves the market to the next day. If any participant cannot be
// committed it returns a *SettlementError and leaves the day unchanged.
func (c *Controller) AdvanceDay(ctx context.Context) (AdvanceResult, error) {
	start := time.Now()

	unlock, err := c.locker.TryLock(ctx, c.opts.LockKey)
	if errors.Is(err, lock.ErrLocked) {
		metrics.SettlementsTotal.WithLabelValues("conflict").Inc()
		return AdvanceResult{}, fmt.Errorf("%w: %w", ErrSettlementInProgress, err)
	}
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return AdvanceResult{}, err
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			slog.Warn("releasing settlement lock failed", "err", err)
		}
	}()

	// Wait for in-flight writes, then refuse new ones until done.
	c.gate.Lock()
	c.settling.Store(true)
	defer func() {
		c.settling.Store(false)
		c.gate.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	res, err := c.settle(ctx)
	duration := time.Since(start)
	metrics.SettlementDuration.Observe(duration.Seconds())

	var partial *SettlementError
	switch {
	case errors.As(err, &partial):
		metrics.SettlementsTotal.WithLabelValues("partial").Inc()
		slog.Error("settlement partially failed",
			"day", partial.Day, "failed", partial.Failed,
			"committed", partial.Committed, "skipped", partial.Skipped)
	case errors.Is(err, store.ErrDayMismatch):
		metrics.SettlementsTotal.WithLabelValues("conflict").Inc()
		slog.Warn("market day changed during settlement", "err", err)
	case err != nil:
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		slog.Error("settlement failed", "err", err)
	default:
		metrics.SettlementsTotal.WithLabelValues("ok").Inc()
		metrics.CurrentDay.Set(float64(res.NextDay))
		slog.Info("day settled",
			"day", res.Day, "next_day", res.NextDay,
			"participants", res.ParticipantsProcessed, "skipped", res.Skipped,
			"duration", duration)
		c.publish(ctx, events.DaySettled, res)
	}
	return res, err
}

func (c *Controller) settle(ctx context.Context) (AdvanceResult, error) {
	settings, err := c.store.GetMarketSettings(ctx)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("read market settings: %w", err)
	}
	day := settings.Day

	ledgers, err := c.store.ListParticipants(ctx)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("read participants: %w", err)
	}
	settled, err := c.store.SettledParticipants(ctx, day)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("read settled participants: %w", err)
	}

	pending := make([]model.ParticipantLedger, 0, len(ledgers))
	for _, l := range ledgers {
		if !settled[l.ID] {
			pending = append(pending, l)
		}
	}
	skipped := len(ledgers) - len(pending)

	slog.Info("settlement started", "day", day, "participants", len(pending), "skipped", skipped)

	out, err := c.engine.Settle(day, *settings, pending)
	if err != nil {
		return AdvanceResult{}, err
	}

	now := c.opts.Now()
	for i := range out.Records {
		out.Records[i].ID = c.opts.NewID()
		out.Records[i].SettledAt = now
	}

	committed, failed := c.commitAll(ctx, out)
	metrics.ParticipantsSettled.WithLabelValues("committed").Add(float64(committed))
	metrics.ParticipantsSettled.WithLabelValues("skipped").Add(float64(skipped))
	metrics.ParticipantsSettled.WithLabelValues("failed").Add(float64(len(failed)))

	if len(failed) > 0 {
		return AdvanceResult{}, &SettlementError{
			Day:       day,
			Failed:    failed,
			Committed: committed,
			Skipped:   skipped,
		}
	}

	if _, err := c.store.UpdateMarketSettings(ctx, store.AdvanceDay(day)); err != nil {
		return AdvanceResult{}, fmt.Errorf("advance day %d: %w", day, err)
	}

	return AdvanceResult{
		Day:                   day,
		NextDay:               out.NextDay,
		ParticipantsProcessed: committed,
		Skipped:               skipped,
	}, nil
}

// commitAll writes every settled participant in parallel. It never stops
// early: every participant is attempted and the ids that could not be
// committed are returned sorted.
func (c *Controller) commitAll(ctx context.Context, out settlement.Result) (committed int, failed []string) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(c.opts.Concurrency)

	for i := range out.Ledgers {
		l, rec := &out.Ledgers[i], &out.Records[i]
		g.Go(func() error {
			err := c.commitOne(ctx, l, rec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("participant commit failed", "day", rec.Day, "participant", l.ID, "err", err)
				failed = append(failed, l.ID)
				return nil
			}
			committed++
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(failed)
	return committed, failed
}

// commitOne commits one participant with bounded exponential backoff. A
// record already present for the day means an earlier attempt landed, which
// counts as committed.
func (c *Controller) commitOne(ctx context.Context, l *model.ParticipantLedger, rec *model.TransactionRecord) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.RetryBase
	eb.MaxElapsedTime = c.opts.Timeout
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.Retries)), ctx)

	op := func() error {
		err := c.store.CommitSettlement(ctx, l, rec)
		switch {
		case err == nil, errors.Is(err, store.ErrAlreadySettled):
			return nil
		case errors.Is(err, store.ErrNotFound):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.CommitRetries.Inc()
		slog.Debug("retrying participant commit", "participant", l.ID, "wait", wait, "err", err)
	}
	return backoff.RetryNotify(op, policy, notify)
}

// --- helpers ---

// enter takes the write fence or fails with ErrSettlementInProgress.
func (c *Controller) enter(op string) (release func(), err error) {
	if !c.gate.TryRLock() {
		metrics.Rejections.WithLabelValues("settling").Inc()
		return nil, fmt.Errorf("%s: %w", op, ErrSettlementInProgress)
	}
	return c.gate.RUnlock, nil
}

func (c *Controller) publish(ctx context.Context, t events.Type, payload any) {
	if err := c.events.Publish(ctx, events.Event{Type: t, Payload: payload}); err != nil {
		slog.Warn("event publish failed", "event", t, "err", err)
	}
}
