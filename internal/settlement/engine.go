// Package settlement computes the end-of-day batch for every participant:
// investment returns, rent and salary, producing next-day ledgers and one
// immutable transaction record per participant.
//
// The engine is pure. It never touches storage, clocks or ids; the same
// (day, settings, ledgers) input always yields the same output. Participants
// are independent of each other, so the batch can be split arbitrarily.
//
// All monetary values use shopspring/decimal, never float64 for money.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/econsim/day-engine/internal/model"
)

// ErrMalformedInput is returned for input the engine refuses to settle:
// negative rent, an unknown asset class in an allocation, a settings record
// for another day, or duplicate participant ids.
var ErrMalformedInput = errors.New("settlement: malformed input")

var hundred = decimal.NewFromInt(100)

// Engine settles days. It is stateless apart from the salary it credits.
type Engine struct {
	salary decimal.Decimal
}

// NewEngine creates an engine crediting salary to every participant present
// on the settled day.
func NewEngine(salary decimal.Decimal) *Engine {
	return &Engine{salary: salary}
}

// Salary returns the daily salary credited by this engine.
func (e *Engine) Salary() decimal.Decimal {
	return e.salary
}

// Result is the output of settling one day.
type Result struct {
	Ledgers []model.ParticipantLedger
	Records []model.TransactionRecord
	NextDay int
}

// Settle processes every ledger for day and returns the next-state ledgers,
// the records for day (in input order) and day+1. Any malformed participant
// fails the whole call; nothing is partially returned.
func (e *Engine) Settle(day int, settings model.MarketSettings, ledgers []model.ParticipantLedger) (Result, error) {
	if err := checkSettings(day, settings); err != nil {
		return Result{}, err
	}

	res := Result{
		Ledgers: make([]model.ParticipantLedger, 0, len(ledgers)),
		Records: make([]model.TransactionRecord, 0, len(ledgers)),
		NextDay: day + 1,
	}
	seen := make(map[string]bool, len(ledgers))

	for _, l := range ledgers {
		if l.ID == "" {
			return Result{}, fmt.Errorf("%w: participant without id", ErrMalformedInput)
		}
		if seen[l.ID] {
			return Result{}, fmt.Errorf("%w: duplicate participant %s", ErrMalformedInput, l.ID)
		}
		seen[l.ID] = true

		next, rec, err := e.settleOne(day, settings, l)
		if err != nil {
			return Result{}, err
		}
		res.Ledgers = append(res.Ledgers, next)
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// SettleOne settles a single participant. It applies the same checks as
// Settle for the settings and the participant.
func (e *Engine) SettleOne(day int, settings model.MarketSettings, l model.ParticipantLedger) (model.ParticipantLedger, model.TransactionRecord, error) {
	if err := checkSettings(day, settings); err != nil {
		return model.ParticipantLedger{}, model.TransactionRecord{}, err
	}
	return e.settleOne(day, settings, l)
}

func (e *Engine) settleOne(day int, settings model.MarketSettings, l model.ParticipantLedger) (model.ParticipantLedger, model.TransactionRecord, error) {
	alloc := EffectiveAllocation(day, l)
	for asset := range alloc {
		if !asset.Valid() {
			return model.ParticipantLedger{}, model.TransactionRecord{},
				fmt.Errorf("%w: participant %s allocates to unknown asset %q", ErrMalformedInput, l.ID, asset)
		}
	}

	next := l.Clone()
	initialPortfolio := l.Portfolio.Clone()
	applied := make(map[model.AssetClass]decimal.Decimal, len(model.AssetClasses))

	// Every allocation amount is taken from the opening balance, not a
	// running one.
	totalGainLoss := decimal.Zero
	for _, asset := range model.AssetClasses {
		rate := settings.ReturnFor(asset)
		amount := l.Balance.Mul(alloc[asset]).Div(hundred)
		gainLoss := amount.Mul(rate).Div(hundred)

		// Additive drift: portfolio entries only accumulate gains and losses
		// and are never rebalanced to the new weights. Kept as a known
		// simplification of the game.
		next.Portfolio[asset] = next.Portfolio[asset].Add(gainLoss)

		applied[asset] = rate
		totalGainLoss = totalGainLoss.Add(gainLoss)
	}

	next.Balance = l.Balance.Add(totalGainLoss).Sub(settings.Rent)

	salary := decimal.Zero
	if !l.AbsentToday {
		salary = e.salary
		next.Balance = next.Balance.Add(salary)
	}

	// Absence lasts a single day. LastSubmissionDay is left alone: it only
	// moves when the participant submits again.
	next.AbsentToday = false

	rec := model.TransactionRecord{
		ParticipantID:       l.ID,
		Day:                 day,
		Salary:              salary,
		RentCharged:         settings.Rent,
		InitialBalance:      l.Balance,
		FinalBalance:        next.Balance,
		InitialPortfolio:    initialPortfolio,
		FinalPortfolio:      next.Portfolio.Clone(),
		InvestmentReturns:   applied,
		SubmittedAllocation: alloc.Normalized(),
		IsAbsent:            l.AbsentToday,
	}
	return next, rec, nil
}

// EffectiveAllocation returns the allocation used to settle day: the
// participant's submission when it was made for day, otherwise all cash.
func EffectiveAllocation(day int, l model.ParticipantLedger) model.Allocation {
	if l.SubmittedFor(day) {
		return l.SubmittedAllocation.Clone()
	}
	return model.DefaultAllocation()
}

func checkSettings(day int, s model.MarketSettings) error {
	if day < 0 {
		return fmt.Errorf("%w: negative day %d", ErrMalformedInput, day)
	}
	if s.Day != day {
		return fmt.Errorf("%w: settings are for day %d, settling day %d", ErrMalformedInput, s.Day, day)
	}
	if s.Rent.IsNegative() {
		return fmt.Errorf("%w: negative rent %s", ErrMalformedInput, s.Rent)
	}
	return nil
}
