package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/skalibog/spotbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		qty, step, want string
	}{
		{"0.123456", "0.001", "0.123"},
		{"1.99999", "0.01", "1.99"},
		{"15.7", "1", "15"},
		{"0.5", "0", "0.5"},
		{"0.00049", "0.0001", "0.0004"},
	}

	for _, tt := range tests {
		got := floorToStep(decimal.RequireFromString(tt.qty), decimal.RequireFromString(tt.step))
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "%s/%s: got %s", tt.qty, tt.step, got)
	}
}

func TestNewLotSize(t *testing.T) {
	lot, err := newLotSize("0.00001000", "0.00001000", "9000.00000000")
	require.NoError(t, err)
	assert.True(t, lot.step.Equal(decimal.RequireFromString("0.00001")))
	assert.True(t, lot.max.Equal(decimal.NewFromInt(9000)))

	_, err = newLotSize("abc", "0", "0")
	assert.Error(t, err)
}

func TestParseFloatIgnoresGarbage(t *testing.T) {
	assert.Equal(t, 1.5, parseFloat("1.50000000"))
	assert.Equal(t, 0.0, parseFloat(""))
}

func TestClosesAndVolumes(t *testing.T) {
	candles := []*models.Candle{{Close: 1, Volume: 10}, {Close: 2, Volume: 20}}
	assert.Equal(t, []float64{1, 2}, Closes(candles))
	assert.Equal(t, []float64{10, 20}, Volumes(candles))
}
