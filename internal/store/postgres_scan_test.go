package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow replays fixed column values into Scan destinations.
type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r))
	}
	for i, v := range r {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func TestScanSettings(t *testing.T) {
	now := time.Now().UTC()
	s, err := scanSettings(fakeRow{3, "10", "-4", "25.5", "0", "50", now})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Day)
	assert.True(t, s.CryptoReturn.Equal(decimal.RequireFromString("25.5")))
	assert.True(t, s.Rent.Equal(decimal.NewFromInt(50)))
}

func TestScanSettings_BadNumericIsAnError(t *testing.T) {
	_, err := scanSettings(fakeRow{3, "10", "-4", "25", "0", "fifty", time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rent")
}

func TestParseNumerics(t *testing.T) {
	var a, b decimal.Decimal
	require.NoError(t, parseNumerics("record r1",
		numeric{"salary", "100", &a},
		numeric{"rent_charged", "12.50", &b},
	))
	assert.True(t, a.Equal(decimal.NewFromInt(100)))
	assert.True(t, b.Equal(decimal.RequireFromString("12.5")))

	err := parseNumerics("record r1", numeric{"final_balance", "", &a})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record r1 final_balance")
}
