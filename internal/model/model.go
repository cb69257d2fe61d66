// Package model defines the core domain types shared across the day engine.
// All monetary values and percentages use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass names one of the five fixed buckets a balance can be allocated to.
type AssetClass string

const (
	Stocks     AssetClass = "stocks"
	Bonds      AssetClass = "bonds"
	Crypto     AssetClass = "crypto"
	RealEstate AssetClass = "realEstate"
	Cash       AssetClass = "cash"
)

// AssetClasses lists every asset class in display order.
var AssetClasses = []AssetClass{Stocks, Bonds, Crypto, RealEstate, Cash}

// Valid reports whether a is one of the five known asset classes.
func (a AssetClass) Valid() bool {
	switch a {
	case Stocks, Bonds, Crypto, RealEstate, Cash:
		return true
	}
	return false
}

// NeverSubmitted is the LastSubmissionDay of a participant that has not
// submitted an allocation yet. Day 0 is a real day, so 0 cannot be used.
const NeverSubmitted = -1

var (
	// DailySalary is credited to every participant not marked absent.
	DailySalary = decimal.NewFromInt(100)

	// StartingBalance is the balance (all in cash) a new participant receives.
	StartingBalance = decimal.NewFromInt(1000)

	// DefaultRent is the rent of freshly created market settings.
	DefaultRent = decimal.NewFromInt(50)

	hundred = decimal.NewFromInt(100)
)

// Allocation maps an asset class to a percentage weight in [0, 100].
type Allocation map[AssetClass]decimal.Decimal

// DefaultAllocation is used for any participant without a submission for the
// day being settled: everything stays in cash.
func DefaultAllocation() Allocation {
	return Allocation{
		Stocks:     decimal.Zero,
		Bonds:      decimal.Zero,
		Crypto:     decimal.Zero,
		RealEstate: decimal.Zero,
		Cash:       hundred,
	}
}

// Clone returns a copy of a. A nil allocation stays nil.
func (a Allocation) Clone() Allocation {
	if a == nil {
		return nil
	}
	out := make(Allocation, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Total sums all weights.
func (a Allocation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, w := range a {
		total = total.Add(w)
	}
	return total
}

// Normalized returns a copy carrying every asset class, missing ones as zero.
func (a Allocation) Normalized() Allocation {
	out := make(Allocation, len(AssetClasses))
	for _, asset := range AssetClasses {
		out[asset] = a[asset]
	}
	for k, v := range a {
		if !k.Valid() {
			out[k] = v
		}
	}
	return out
}

// Portfolio is the informational per-asset breakdown of a balance.
type Portfolio map[AssetClass]decimal.Decimal

// Clone returns a copy of p carrying every asset class.
func (p Portfolio) Clone() Portfolio {
	out := make(Portfolio, len(AssetClasses))
	for _, asset := range AssetClasses {
		out[asset] = p[asset]
	}
	return out
}

// StartingPortfolio holds the starting balance entirely in cash.
func StartingPortfolio() Portfolio {
	p := Portfolio{}.Clone()
	p[Cash] = StartingBalance
	return p
}

// ParticipantLedger is one participant's mutable state between settlements.
type ParticipantLedger struct {
	ID                  string          `json:"id" db:"id"`
	Name                string          `json:"name" db:"name"`
	Balance             decimal.Decimal `json:"balance" db:"balance"` // may go negative
	Portfolio           Portfolio       `json:"portfolio" db:"portfolio"`
	SubmittedAllocation Allocation      `json:"submittedAllocation,omitempty" db:"submitted_allocation"`
	LastSubmissionDay   int             `json:"lastSubmissionDay" db:"last_submission_day"`
	AbsentToday         bool            `json:"absentToday" db:"absent_today"`
	CreatedAt           time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time       `json:"updatedAt" db:"updated_at"`
}

// Clone deep-copies the ledger so callers can mutate it freely.
func (l ParticipantLedger) Clone() ParticipantLedger {
	out := l
	out.Portfolio = l.Portfolio.Clone()
	out.SubmittedAllocation = l.SubmittedAllocation.Clone()
	return out
}

// SubmittedFor reports whether the ledger holds a submission valid for day.
func (l ParticipantLedger) SubmittedFor(day int) bool {
	return l.LastSubmissionDay == day && l.SubmittedAllocation != nil
}

// NewParticipant builds the ledger of a freshly registered participant.
func NewParticipant(id, name string, now time.Time) ParticipantLedger {
	return ParticipantLedger{
		ID:                id,
		Name:              name,
		Balance:           StartingBalance,
		Portfolio:         StartingPortfolio(),
		LastSubmissionDay: NeverSubmitted,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// MarketSettings is the single global market record. Day is advanced only by
// settlement; the returns and rent are set by the administrator between days.
type MarketSettings struct {
	Day              int             `json:"day" db:"day"`
	StockReturn      decimal.Decimal `json:"stockReturn" db:"stock_return"` // signed percent
	BondReturn       decimal.Decimal `json:"bondReturn" db:"bond_return"`
	CryptoReturn     decimal.Decimal `json:"cryptoReturn" db:"crypto_return"`
	RealEstateReturn decimal.Decimal `json:"realEstateReturn" db:"real_estate_return"`
	Rent             decimal.Decimal `json:"rent" db:"rent"` // flat, non-negative
	UpdatedAt        time.Time       `json:"updatedAt" db:"updated_at"`
}

// DefaultMarketSettings is what the store creates when no settings exist.
func DefaultMarketSettings() MarketSettings {
	return MarketSettings{
		Day:              0,
		StockReturn:      decimal.Zero,
		BondReturn:       decimal.Zero,
		CryptoReturn:     decimal.Zero,
		RealEstateReturn: decimal.Zero,
		Rent:             DefaultRent,
	}
}

// ReturnFor yields the percent rate applied to an asset class. Cash is fixed at 0.
func (s MarketSettings) ReturnFor(a AssetClass) decimal.Decimal {
	switch a {
	case Stocks:
		return s.StockReturn
	case Bonds:
		return s.BondReturn
	case Crypto:
		return s.CryptoReturn
	case RealEstate:
		return s.RealEstateReturn
	}
	return decimal.Zero
}

// MarketReturns is the administrator-editable part of MarketSettings.
type MarketReturns struct {
	StockReturn      decimal.Decimal `json:"stockReturn"`
	BondReturn       decimal.Decimal `json:"bondReturn"`
	CryptoReturn     decimal.Decimal `json:"cryptoReturn"`
	RealEstateReturn decimal.Decimal `json:"realEstateReturn"`
}

// TransactionRecord is an immutable, append-only log line of one participant's
// settlement for one day. (ParticipantID, Day) is unique.
type TransactionRecord struct {
	ID                  string                         `json:"id" db:"id"`
	ParticipantID       string                         `json:"participantId" db:"participant_id"`
	Day                 int                            `json:"day" db:"day"`
	Salary              decimal.Decimal                `json:"salary" db:"salary"`
	RentCharged         decimal.Decimal                `json:"rentCharged" db:"rent_charged"`
	InitialBalance      decimal.Decimal                `json:"initialBalance" db:"initial_balance"`
	FinalBalance        decimal.Decimal                `json:"finalBalance" db:"final_balance"`
	InitialPortfolio    Portfolio                      `json:"initialPortfolio" db:"initial_portfolio"`
	FinalPortfolio      Portfolio                      `json:"finalPortfolio" db:"final_portfolio"`
	InvestmentReturns   map[AssetClass]decimal.Decimal `json:"investmentReturns" db:"investment_returns"`
	SubmittedAllocation Allocation                     `json:"submittedAllocation" db:"submitted_allocation"`
	IsAbsent            bool                           `json:"isAbsent" db:"is_absent"`
	SettledAt           time.Time                      `json:"settledAt" db:"settled_at"`
}

// GainLoss is the investment result implied by the record:
// final - initial + rent - salary.
func (r TransactionRecord) GainLoss() decimal.Decimal {
	return r.FinalBalance.Sub(r.InitialBalance).Add(r.RentCharged).Sub(r.Salary)
}
