package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vishalchandrola20/angel-quant-trading-bot/internal/errors"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

const simTestToken = "22300CE"

func simRequest(side models.OrderSide, typ models.OrderType, price float64) OrderRequest {
	return OrderRequest{
		Symbol:   "NIFTY27NOV2522300CE",
		Token:    simTestToken,
		Exchange: models.NFO,
		Side:     side,
		Type:     typ,
		Quantity: 75,
		Price:    price,
	}
}

func newSim(t *testing.T, ltp float64) (*SimBroker, *[]models.FillEvent) {
	t.Helper()
	sim := NewSimBroker(SimBrokerConfig{Slippage: 0.5})
	fills := &[]models.FillEvent{}
	sim.OnFill(func(ev models.FillEvent) { *fills = append(*fills, ev) })
	if ltp > 0 {
		sim.ProcessTick(models.Tick{Token: simTestToken, LTP: ltp, Timestamp: time.Now()})
	}
	return sim, fills
}

func TestSim_MarketBuyPaysSlippage(t *testing.T) {
	sim, fills := newSim(t, 100)

	id, err := sim.PlaceOrder(context.Background(), simRequest(models.OrderSideBuy, models.OrderTypeMarket, 0))
	require.NoError(t, err)
	require.Len(t, *fills, 1)

	fill := (*fills)[0]
	assert.Equal(t, id, fill.BrokerOrderID)
	assert.Equal(t, models.OrderFilled, fill.Status)
	assert.InDelta(t, 100.5, fill.AveragePrice, 1e-9)
	assert.Equal(t, 75, fill.FilledQty)
}

func TestSim_MarketSellSlippageFloor(t *testing.T) {
	sim, fills := newSim(t, 0.3)

	_, err := sim.PlaceOrder(context.Background(), simRequest(models.OrderSideSell, models.OrderTypeMarket, 0))
	require.NoError(t, err)
	require.Len(t, *fills, 1)
	// 0.3 - 0.5 would go negative; fills clamp at the 0.05 tick floor.
	assert.InDelta(t, 0.05, (*fills)[0].AveragePrice, 1e-9)
}

func TestSim_UnknownTokenRejected(t *testing.T) {
	sim, fills := newSim(t, 0)

	_, err := sim.PlaceOrder(context.Background(), simRequest(models.OrderSideBuy, models.OrderTypeMarket, 0))
	require.Error(t, err)

	var orderErr *apperrors.OrderError
	require.ErrorAs(t, err, &orderErr)
	assert.False(t, orderErr.Retryable())
	assert.Empty(t, *fills)
}

func TestSim_RestingLimitFillsOnTick(t *testing.T) {
	sim, fills := newSim(t, 100)

	// Buy limit below market rests.
	id, err := sim.PlaceOrder(context.Background(), simRequest(models.OrderSideBuy, models.OrderTypeLimit, 95))
	require.NoError(t, err)
	assert.Empty(t, *fills)

	record, err := sim.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "open", record.Status)

	// Market trades through the limit.
	sim.ProcessTick(models.Tick{Token: simTestToken, LTP: 94, Timestamp: time.Now()})
	require.Len(t, *fills, 1)
	assert.InDelta(t, 95, (*fills)[0].AveragePrice, 1e-9) // fills at the limit, not the print

	record, err = sim.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, record.IsComplete())
}

func TestSim_MarketableLimitFillsImmediately(t *testing.T) {
	sim, fills := newSim(t, 100)

	_, err := sim.PlaceOrder(context.Background(), simRequest(models.OrderSideSell, models.OrderTypeLimit, 98))
	require.NoError(t, err)
	require.Len(t, *fills, 1)
	assert.InDelta(t, 98, (*fills)[0].AveragePrice, 1e-9)
}

func TestSim_SequencesIncrease(t *testing.T) {
	sim, fills := newSim(t, 100)

	for i := 0; i < 3; i++ {
		_, err := sim.PlaceOrder(context.Background(), simRequest(models.OrderSideBuy, models.OrderTypeMarket, 0))
		require.NoError(t, err)
	}
	require.Len(t, *fills, 3)
	for i := 1; i < 3; i++ {
		assert.Greater(t, (*fills)[i].Sequence, (*fills)[i-1].Sequence)
	}
}

func TestSim_CancelRestingOrder(t *testing.T) {
	sim, _ := newSim(t, 100)
	ctx := context.Background()

	id, err := sim.PlaceOrder(ctx, simRequest(models.OrderSideBuy, models.OrderTypeLimit, 90))
	require.NoError(t, err)
	require.NoError(t, sim.CancelOrder(ctx, id))

	record, err := sim.OrderStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, record.IsCancelled())

	// Cancelling twice is an order-state error, not a missing order.
	err = sim.CancelOrder(ctx, id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrOrderNotFound)

	assert.ErrorIs(t, sim.CancelOrder(ctx, "SIM000000"), apperrors.ErrOrderNotFound)
}

func TestSim_ModifyMakesOrderMarketable(t *testing.T) {
	sim, fills := newSim(t, 100)
	ctx := context.Background()

	id, err := sim.PlaceOrder(ctx, simRequest(models.OrderSideBuy, models.OrderTypeLimit, 90))
	require.NoError(t, err)
	assert.Empty(t, *fills)

	req := simRequest(models.OrderSideBuy, models.OrderTypeLimit, 101)
	require.NoError(t, sim.ModifyOrder(ctx, id, req))
	require.Len(t, *fills, 1)
	assert.InDelta(t, 101, (*fills)[0].AveragePrice, 1e-9)
}

func TestSim_GetPositionsNetsFills(t *testing.T) {
	sim, _ := newSim(t, 100)
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, simRequest(models.OrderSideSell, models.OrderTypeMarket, 0))
	require.NoError(t, err)
	_, err = sim.PlaceOrder(ctx, simRequest(models.OrderSideSell, models.OrderTypeMarket, 0))
	require.NoError(t, err)

	positions, err := sim.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, simTestToken, positions[0].Token)
	assert.Equal(t, -150, positions[0].NetQty)
	assert.InDelta(t, 99.5, positions[0].SellAvgPrice, 1e-9)

	// A buy of equal size flattens the position out of the report.
	req := simRequest(models.OrderSideBuy, models.OrderTypeMarket, 0)
	req.Quantity = 150
	_, err = sim.PlaceOrder(ctx, req)
	require.NoError(t, err)

	positions, err = sim.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSim_Reset(t *testing.T) {
	sim, _ := newSim(t, 100)
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, simRequest(models.OrderSideBuy, models.OrderTypeMarket, 0))
	require.NoError(t, err)

	sim.Reset()

	book, err := sim.OrderBook(ctx)
	require.NoError(t, err)
	assert.Empty(t, book)

	_, err = sim.GetLTP(ctx, models.NFO, "NIFTY27NOV2522300CE", simTestToken)
	assert.Error(t, err)
}
