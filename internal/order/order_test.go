package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatQuantity(t *testing.T) {
	tests := []struct {
		name   string
		v      float64
		step   float64
		places int32
		want   string
	}{
		{"truncates not rounds", 1.23456789, 0, 4, "1.2345"},
		{"step", 0.987, 0.05, 8, "0.95"},
		{"integer step", 17.9, 1, 8, "17"},
		{"no trailing zeros", 3, 0, 8, "3"},
		{"tiny", 0.00012345, 0, 6, "0.000123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatQuantity(tt.v, tt.step, tt.places))
		})
	}
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "110.50", FormatPrice(110.5, 2))
	assert.Equal(t, "0.00012000", FormatPrice(0.00012, 8))
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("12.5")
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	v, err = ParseAmount("")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	_, err = ParseAmount("abc")
	assert.Error(t, err)
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]string{
		"filled":           StatusFilled,
		"DONE":             StatusFilled,
		"PARTIALLY_FILLED": StatusPartiallyFilled,
		"cancelled":        StatusCanceled,
		"NEW":              StatusNew,
		"EXPIRED":          StatusExpired,
		"REJECTED":         StatusRejected,
		"???":              StatusUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeStatus(in), in)
	}
}

func TestResponseStates(t *testing.T) {
	filled := Response{Status: StatusFilled, FilledQty: 1, AvgPrice: 10}
	assert.True(t, filled.IsFilled())
	assert.True(t, filled.IsTerminal())

	partial := Response{Status: StatusPartiallyFilled, FilledQty: 0.4, AvgPrice: 10}
	assert.True(t, partial.IsFilled())
	assert.False(t, partial.IsTerminal())

	open := Response{Status: StatusNew}
	assert.False(t, open.IsFilled())
	assert.False(t, open.IsTerminal())

	noPrice := Response{Status: StatusFilled, FilledQty: 1}
	assert.False(t, noPrice.IsFilled())

	assert.True(t, Response{Status: StatusRejected}.IsTerminal())
}
