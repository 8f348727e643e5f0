package fifo

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotwise/ledger/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lot(id int64, remaining, price string) model.Lot {
	return model.Lot{
		ID:                id,
		Symbol:            "AAPL",
		UnitPrice:         d(price),
		InitialQuantity:   d(remaining),
		RemainingQuantity: d(remaining),
		OpenedAt:          time.Unix(id, 0),
	}
}

func TestMatchWalksOldestFirst(t *testing.T) {
	lots := []model.Lot{lot(1, "10", "100"), lot(2, "5", "110"), lot(3, "5", "120")}

	fills, shortfall := Match(lots, d("12"), d("150"))
	assert.True(t, shortfall.IsZero())
	require.Len(t, fills, 2)

	assert.Equal(t, int64(1), fills[0].LotID)
	assert.True(t, fills[0].Matched.Equal(d("10")))
	assert.True(t, fills[0].PnL.Equal(d("500")))

	assert.Equal(t, int64(2), fills[1].LotID)
	assert.True(t, fills[1].Matched.Equal(d("2")))
	assert.True(t, fills[1].PnL.Equal(d("80")))

	assert.True(t, lots[1].RemainingQuantity.Equal(d("5")), "input lots are not modified")
}

func TestMatchReportsShortfall(t *testing.T) {
	lots := []model.Lot{lot(1, "10", "100"), lot(2, "2", "110")}

	_, shortfall := Match(lots, d("20"), d("150"))
	assert.True(t, shortfall.Equal(d("8")))
}

func TestMatchSkipsClosedLots(t *testing.T) {
	closed := lot(1, "10", "100")
	closed.RemainingQuantity = decimal.Zero
	lots := []model.Lot{closed, lot(2, "4", "90")}

	fills, shortfall := Match(lots, d("3"), d("80"))
	assert.True(t, shortfall.IsZero())
	require.Len(t, fills, 1)
	assert.Equal(t, int64(2), fills[0].LotID)
	assert.True(t, fills[0].PnL.Equal(d("-30")), "losses are negative")
}

func TestMatchFractionalQuantities(t *testing.T) {
	lots := []model.Lot{lot(1, "0.5", "20000"), lot(2, "0.25", "21000")}

	fills, shortfall := Match(lots, d("0.6"), d("22000.50"))
	assert.True(t, shortfall.IsZero())
	require.Len(t, fills, 2)
	assert.True(t, fills[0].PnL.Equal(d("1000.25")))
	assert.True(t, fills[1].Matched.Equal(d("0.1")))
	assert.True(t, fills[1].PnL.Equal(d("100.05")))
}

func TestMatchExactCover(t *testing.T) {
	lots := []model.Lot{lot(1, "3", "10"), lot(2, "3", "10")}

	fills, shortfall := Match(lots, d("6"), d("10"))
	assert.True(t, shortfall.IsZero())
	assert.Len(t, fills, 2)
	for _, f := range fills {
		assert.True(t, f.PnL.IsZero())
	}
}
