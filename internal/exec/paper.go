// Package exec contains the execution layer: a paper executor that
// simulates fills at the tick price, and a signing CLOB client used only
// in LIVE mode.
package exec

import (
	"time"

	"github.com/rs/zerolog/log"

	"polyladder/internal/types"
)

// Fill statuses.
const (
	StatusFilled = "FILLED"
)

// PaperExecutor simulates immediate, full fills at the order's price.
// Failures are never simulated.
type PaperExecutor struct{}

// NewPaperExecutor returns the simulator.
func NewPaperExecutor() *PaperExecutor {
	log.Info().Msg("paper executor initialized")
	return &PaperExecutor{}
}

// Execute fills the order at its stated price. Entries derive shares from
// the quote-currency size; exits sell the requested share count.
func (e *PaperExecutor) Execute(o types.Order) types.ExecutionResult {
	var shares, usdc float64
	if o.IsExit {
		shares = o.Shares
		usdc = o.Shares * o.Price
	} else {
		shares = o.SizeUSDC / o.Price
		usdc = o.SizeUSDC
	}

	log.Debug().
		Str("market", o.MarketID).
		Str("side", string(o.Side)).
		Str("strategy", o.Strategy).
		Float64("price", o.Price).
		Float64("usdc", usdc).
		Float64("shares", shares).
		Bool("exit", o.IsExit).
		Msg("paper fill")

	return types.ExecutionResult{
		Order:        o,
		FilledUSDC:   usdc,
		FilledShares: shares,
		Status:       StatusFilled,
		Timestamp:    time.Now(),
	}
}
