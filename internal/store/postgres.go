package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/econsim/day-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// per-asset maps are stored as JSONB with decimal strings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const participantColumns = `id, name, balance::TEXT, portfolio, submitted_allocation,
	last_submission_day, absent_today, created_at, updated_at`

const settingsColumns = `day, stock_return::TEXT, bond_return::TEXT, crypto_return::TEXT,
	real_estate_return::TEXT, rent::TEXT, updated_at`

const recordColumns = `id, participant_id, day, salary::TEXT, rent_charged::TEXT,
	initial_balance::TEXT, final_balance::TEXT, initial_portfolio, final_portfolio,
	investment_returns, submitted_allocation, is_absent, settled_at`

func (s *PostgresStore) CreateParticipant(ctx context.Context, l *model.ParticipantLedger) error {
	portfolio, alloc, err := encodeLedgerMaps(l)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO participants (id, name, balance, portfolio, submitted_allocation,
		                           last_submission_day, absent_today, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.Name, l.Balance.String(), portfolio, alloc,
		l.LastSubmissionDay, l.AbsentToday, l.CreatedAt, l.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("participant %s: %w", l.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.ParticipantLedger, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	l, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context) ([]model.ParticipantLedger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM participants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ledgers []model.ParticipantLedger
	for rows.Next() {
		l, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, *l)
	}
	return ledgers, rows.Err()
}

func (s *PostgresStore) UpdateParticipant(ctx context.Context, id string, fn func(*model.ParticipantLedger) error) (*model.ParticipantLedger, error) {
	var out *model.ParticipantLedger

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+participantColumns+` FROM participants WHERE id = $1 FOR UPDATE`, id)
		l, err := scanParticipant(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("participant %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if err := fn(l); err != nil {
			return err
		}
		l.ID = id

		if err := updateParticipantTx(ctx, tx, l); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetMarketSettings(ctx context.Context) (*model.MarketSettings, error) {
	if err := s.ensureSettings(ctx, s.pool); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+settingsColumns+` FROM market_settings WHERE id = 1`)
	return scanSettings(row)
}

func (s *PostgresStore) UpdateMarketSettings(ctx context.Context, fn func(*model.MarketSettings) error) (*model.MarketSettings, error) {
	var out *model.MarketSettings

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.ensureSettings(ctx, tx); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`SELECT `+settingsColumns+` FROM market_settings WHERE id = 1 FOR UPDATE`)
		settings, err := scanSettings(row)
		if err != nil {
			return err
		}

		if err := fn(settings); err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE market_settings
			 SET day = $1, stock_return = $2::NUMERIC, bond_return = $3::NUMERIC,
			     crypto_return = $4::NUMERIC, real_estate_return = $5::NUMERIC,
			     rent = $6::NUMERIC, updated_at = NOW()
			 WHERE id = 1
			 RETURNING updated_at`,
			settings.Day,
			settings.StockReturn.String(), settings.BondReturn.String(),
			settings.CryptoReturn.String(), settings.RealEstateReturn.String(),
			settings.Rent.String(),
		).Scan(&settings.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update market settings: %w", err)
		}
		out = settings
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) CommitSettlement(ctx context.Context, l *model.ParticipantLedger, rec *model.TransactionRecord) error {
	initial, final, returns, alloc, err := encodeRecordMaps(rec)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO transaction_records
			   (id, participant_id, day, salary, rent_charged, initial_balance, final_balance,
			    initial_portfolio, final_portfolio, investment_returns, submitted_allocation,
			    is_absent, settled_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
			         $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (participant_id, day) DO NOTHING`,
			rec.ID, rec.ParticipantID, rec.Day,
			rec.Salary.String(), rec.RentCharged.String(),
			rec.InitialBalance.String(), rec.FinalBalance.String(),
			initial, final, returns, alloc,
			rec.IsAbsent, rec.SettledAt,
		)
		if err != nil {
			return fmt.Errorf("insert transaction record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("participant %s day %d: %w", rec.ParticipantID, rec.Day, ErrAlreadySettled)
		}

		return updateParticipantTx(ctx, tx, l)
	})
}

func (s *PostgresStore) ListTransactionRecords(ctx context.Context, participantID string) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM transaction_records WHERE participant_id = $1 ORDER BY day DESC`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) SettledParticipants(ctx context.Context, day int) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id FROM transaction_records WHERE day = $1`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settled := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		settled[id] = true
	}
	return settled, rows.Err()
}

// --- helpers ---

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ensureSettings inserts the default settings row if it is missing.
func (s *PostgresStore) ensureSettings(ctx context.Context, db execer) error {
	def := model.DefaultMarketSettings()
	_, err := db.Exec(ctx,
		`INSERT INTO market_settings (id, day, stock_return, bond_return, crypto_return,
		                              real_estate_return, rent, updated_at)
		 VALUES (1, $1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, NOW())
		 ON CONFLICT (id) DO NOTHING`,
		def.Day,
		def.StockReturn.String(), def.BondReturn.String(),
		def.CryptoReturn.String(), def.RealEstateReturn.String(),
		def.Rent.String(),
	)
	if err != nil {
		return fmt.Errorf("ensure market settings: %w", err)
	}
	return nil
}

// withTx executes fn within a transaction. If fn returns an error the
// transaction is rolled back, otherwise it is committed.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func updateParticipantTx(ctx context.Context, tx pgx.Tx, l *model.ParticipantLedger) error {
	portfolio, alloc, err := encodeLedgerMaps(l)
	if err != nil {
		return err
	}

	err = tx.QueryRow(ctx,
		`UPDATE participants
		 SET name = $2, balance = $3::NUMERIC, portfolio = $4, submitted_allocation = $5,
		     last_submission_day = $6, absent_today = $7, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		l.ID, l.Name, l.Balance.String(), portfolio, alloc,
		l.LastSubmissionDay, l.AbsentToday,
	).Scan(&l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("participant %s: %w", l.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update participant %s: %w", l.ID, err)
	}
	return nil
}

func scanParticipant(row pgx.Row) (*model.ParticipantLedger, error) {
	var l model.ParticipantLedger
	var balance string
	var portfolio, alloc []byte

	if err := row.Scan(&l.ID, &l.Name, &balance, &portfolio, &alloc,
		&l.LastSubmissionDay, &l.AbsentToday, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}

	if err := parseNumerics("participant "+l.ID, numeric{"balance", balance, &l.Balance}); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(portfolio, &l.Portfolio); err != nil {
		return nil, fmt.Errorf("participant %s portfolio: %w", l.ID, err)
	}
	l.Portfolio = l.Portfolio.Clone()
	if len(alloc) > 0 {
		if err := json.Unmarshal(alloc, &l.SubmittedAllocation); err != nil {
			return nil, fmt.Errorf("participant %s allocation: %w", l.ID, err)
		}
	}
	return &l, nil
}

func scanSettings(row pgx.Row) (*model.MarketSettings, error) {
	var s model.MarketSettings
	var stock, bond, crypto, realEstate, rent string

	if err := row.Scan(&s.Day, &stock, &bond, &crypto, &realEstate, &rent, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan market settings: %w", err)
	}

	if err := parseNumerics("market settings",
		numeric{"stock_return", stock, &s.StockReturn},
		numeric{"bond_return", bond, &s.BondReturn},
		numeric{"crypto_return", crypto, &s.CryptoReturn},
		numeric{"real_estate_return", realEstate, &s.RealEstateReturn},
		numeric{"rent", rent, &s.Rent},
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanRecords(rows pgx.Rows) ([]model.TransactionRecord, error) {
	var records []model.TransactionRecord
	for rows.Next() {
		var r model.TransactionRecord
		var salary, rent, initialBal, finalBal string
		var initial, final, returns, alloc []byte

		if err := rows.Scan(&r.ID, &r.ParticipantID, &r.Day, &salary, &rent,
			&initialBal, &finalBal, &initial, &final, &returns, &alloc,
			&r.IsAbsent, &r.SettledAt); err != nil {
			return nil, err
		}

		if err := parseNumerics("record "+r.ID,
			numeric{"salary", salary, &r.Salary},
			numeric{"rent_charged", rent, &r.RentCharged},
			numeric{"initial_balance", initialBal, &r.InitialBalance},
			numeric{"final_balance", finalBal, &r.FinalBalance},
		); err != nil {
			return nil, err
		}

		for _, m := range []struct {
			raw []byte
			dst any
		}{
			{initial, &r.InitialPortfolio},
			{final, &r.FinalPortfolio},
			{returns, &r.InvestmentReturns},
			{alloc, &r.SubmittedAllocation},
		} {
			if err := json.Unmarshal(m.raw, m.dst); err != nil {
				return nil, fmt.Errorf("record %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func encodeLedgerMaps(l *model.ParticipantLedger) (portfolio, alloc []byte, err error) {
	if portfolio, err = json.Marshal(l.Portfolio.Clone()); err != nil {
		return nil, nil, fmt.Errorf("encode portfolio: %w", err)
	}
	if l.SubmittedAllocation != nil {
		if alloc, err = json.Marshal(l.SubmittedAllocation); err != nil {
			return nil, nil, fmt.Errorf("encode allocation: %w", err)
		}
	}
	return portfolio, alloc, nil
}

func encodeRecordMaps(r *model.TransactionRecord) (initial, final, returns, alloc []byte, err error) {
	for _, m := range []struct {
		src any
		dst *[]byte
	}{
		{r.InitialPortfolio, &initial},
		{r.FinalPortfolio, &final},
		{r.InvestmentReturns, &returns},
		{r.SubmittedAllocation, &alloc},
	} {
		if *m.dst, err = json.Marshal(m.src); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode record %s: %w", r.ID, err)
		}
	}
	return initial, final, returns, alloc, nil
}

// numeric is a NUMERIC column scanned as text.
type numeric struct {
	column string
	raw    string
	dst    *decimal.Decimal
}

func parseNumerics(what string, cols ...numeric) error {
	for _, c := range cols {
		v, err := decimal.NewFromString(c.raw)
		if err != nil {
			return fmt.Errorf("%s %s: %w", what, c.column, err)
		}
		*c.dst = v
	}
	return nil
}
