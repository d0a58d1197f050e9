// Package fee computes the marketplace's cut of a completed sale.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trust_bazaar/internal/domain"
)

// MaxRateBps is 100% expressed in basis points.
const MaxRateBps = 10000

var bpsDivisor = decimal.NewFromInt(MaxRateBps)

// Collector splits settlement amounts between the seller and the fee recipient.
// Its rate is fixed at construction and never changes afterwards.
type Collector struct {
	rateBps   int64
	recipient string
}

// NewCollector validates the rate and recipient account.
func NewCollector(rateBps int64, recipient string) (*Collector, error) {
	if rateBps < 0 || rateBps > MaxRateBps {
		return nil, fmt.Errorf("fee: rate %d bps outside 0..%d", rateBps, MaxRateBps)
	}
	if recipient == "" {
		return nil, fmt.Errorf("fee: recipient account is required")
	}
	return &Collector{rateBps: rateBps, recipient: recipient}, nil
}

// RateBps returns the configured fee rate.
func (c *Collector) RateBps() int64 { return c.rateBps }

// Recipient returns the ledger account credited with fees.
func (c *Collector) Recipient() string { return c.recipient }

// ComputeFee returns (sellerShare, feeShare) where feeShare = floor(amount*rate/10000).
// The rounding remainder always stays with the seller.
func (c *Collector) ComputeFee(amount int64) (sellerShare, feeShare int64, err error) {
	if amount < 0 {
		return 0, 0, domain.NewValidationError("fee.compute", "negative amount %d", amount)
	}
	// decimal keeps amount*rate exact past the int64 range
	share := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(c.rateBps)).
		Div(bpsDivisor).
		Floor()
	feeShare = share.IntPart()
	return amount - feeShare, feeShare, nil
}
