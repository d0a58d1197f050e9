package engine

import (
	"context"

	"trust_bazaar/internal/domain"
)

// GetListing returns the listing as of the last committed operation on it.
func (e *Engine) GetListing(ctx context.Context, listingID string) (l domain.Listing, err error) {
	err = e.run(ctx, "getListing", listingID, false, func(context.Context) error {
		l, err = e.listings.Get(listingID)
		return err
	})
	return l, err
}

// GetBids returns the listing's bids in placement order.
func (e *Engine) GetBids(ctx context.Context, listingID string) (bids []domain.Bid, err error) {
	err = e.run(ctx, "getBids", listingID, false, func(context.Context) error {
		if _, err := e.listings.Get(listingID); err != nil {
			return err
		}
		bids = e.bids.List(listingID)
		return nil
	})
	return bids, err
}

// GetEscrow returns the most recent escrow record of the listing.
func (e *Engine) GetEscrow(ctx context.Context, listingID string) (rec domain.EscrowRecord, err error) {
	err = e.run(ctx, "getEscrow", listingID, false, func(context.Context) error {
		if _, err := e.listings.Get(listingID); err != nil {
			return err
		}
		rec, err = e.vault.Get(listingID)
		return err
	})
	return rec, err
}

// Balance returns an account's free balance on the ledger.
func (e *Engine) Balance(ctx context.Context, account string) (int64, error) {
	if account == "" {
		return 0, domain.NewValidationError("balance", "account is required")
	}
	return e.ledger.Balance(ctx, account)
}

// Listings returns every listing, oldest first.
func (e *Engine) Listings() []domain.Listing {
	return e.listings.All()
}

// Custodied returns the total amount held in escrow.
func (e *Engine) Custodied() int64 {
	return e.vault.Custodied()
}
