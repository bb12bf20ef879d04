package exec

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"polyladder/internal/types"
)

const StatusRejected = "REJECTED"

// LiveExecutor submits marketable limit orders through the CLOB client.
// Fills are assumed full at the order price; partial-fill tracking is a
// known gap of the venue's synchronous order API.
type LiveExecutor struct {
	clob *CLOBClient
}

// NewLiveExecutor wraps a signing CLOB client.
func NewLiveExecutor(clob *CLOBClient) *LiveExecutor {
	log.Info().Msg("live executor initialized")
	return &LiveExecutor{clob: clob}
}

// Execute submits the order. A venue rejection comes back as a REJECTED
// result rather than an error; the pipeline skips it.
func (e *LiveExecutor) Execute(o types.Order) types.ExecutionResult {
	side := "BUY"
	if o.IsExit {
		side = "SELL"
	}

	price := decimal.NewFromFloat(o.Price)
	var shares, usdc float64
	if o.IsExit {
		shares = o.Shares
		usdc = o.Shares * o.Price
	} else {
		shares = o.SizeUSDC / o.Price
		usdc = o.SizeUSDC
	}
	size := decimal.NewFromFloat(shares).Round(2)

	orderID, err := e.clob.PlaceOrder(o.TokenID, price, size, side)
	if err != nil {
		log.Error().Err(err).Str("market", o.MarketID).Str("side", side).Msg("live order rejected")
		return types.ExecutionResult{Order: o, Status: StatusRejected, Timestamp: time.Now()}
	}

	log.Info().
		Str("order_id", orderID).
		Str("market", o.MarketID).
		Str("side", side).
		Float64("price", o.Price).
		Float64("shares", shares).
		Msg("live order placed")

	return types.ExecutionResult{
		Order:        o,
		FilledUSDC:   usdc,
		FilledShares: shares,
		Status:       StatusFilled,
		Timestamp:    time.Now(),
	}
}
