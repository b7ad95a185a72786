package hedging_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullionops/dealer-ledger/internal/hedging"
	"github.com/bullionops/dealer-ledger/internal/model"
)

func newVenue() *hedging.Simulated {
	return hedging.NewSimulated(map[model.Metal]decimal.Decimal{
		model.MetalGold:   decimal.RequireFromString("2000.00"),
		model.MetalSilver: decimal.RequireFromString("25.00"),
	}, zerolog.Nop())
}

func TestSimulated_HedgeFillsAtConfiguredPrices(t *testing.T) {
	v := newVenue()
	res, err := v.Hedge(context.Background(), hedging.Request{
		Side:     model.SideSell,
		Location: "SLC",
		Quantities: map[model.Metal]decimal.Decimal{
			model.MetalGold:   decimal.NewFromInt(2),
			model.MetalSilver: decimal.NewFromInt(100),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "SIM-000001", res.ConfirmationReference)
	assert.True(t, res.SpotPrices[model.MetalGold].Equal(decimal.RequireFromString("2000")))
	assert.True(t, res.SpotPrices[model.MetalSilver].Equal(decimal.RequireFromString("25")))
	assert.Len(t, v.Hedges(), 1)
}

func TestSimulated_QuoteDoesNotCommit(t *testing.T) {
	v := newVenue()
	res, err := v.QuoteHedge(context.Background(), hedging.Request{
		Side:       model.SideBuy,
		Quantities: map[model.Metal]decimal.Decimal{model.MetalGold: decimal.NewFromInt(1)},
	})
	require.NoError(t, err)
	assert.Empty(t, res.ConfirmationReference)
	assert.Empty(t, v.Hedges())
}

func TestSimulated_Errors(t *testing.T) {
	v := newVenue()
	ctx := context.Background()

	_, err := v.Hedge(ctx, hedging.Request{Side: model.SideBuy})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = v.Hedge(ctx, hedging.Request{
		Side:       model.SideBuy,
		Quantities: map[model.Metal]decimal.Decimal{model.MetalPalladium: decimal.NewFromInt(1)},
	})
	assert.Error(t, err)

	down := errors.New("venue down")
	v.FailWith(down)
	_, err = v.Hedge(ctx, hedging.Request{
		Side:       model.SideBuy,
		Quantities: map[model.Metal]decimal.Decimal{model.MetalGold: decimal.NewFromInt(1)},
	})
	assert.ErrorIs(t, err, down)
}

func TestRequest_MetalsSorted(t *testing.T) {
	r := hedging.Request{Quantities: map[model.Metal]decimal.Decimal{
		model.MetalSilver:   decimal.NewFromInt(1),
		model.MetalGold:     decimal.NewFromInt(1),
		model.MetalPlatinum: decimal.NewFromInt(1),
	}}
	assert.Equal(t, []model.Metal{model.MetalGold, model.MetalPlatinum, model.MetalSilver}, r.Metals())
}
