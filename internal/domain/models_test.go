package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStockStateInStockProjection(t *testing.T) {
	tests := []struct {
		state StockState
		want  *bool
	}{
		{StockInStock, boolPtr(true)},
		{StockPartial, boolPtr(true)},
		{StockOutOfStock, boolPtr(false)},
		{StockUnknown, nil},
		{StockState("bogus"), nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			got := tt.state.InStock()
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func boolPtr(b bool) *bool { return &b }
