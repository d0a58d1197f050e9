package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/event"
)

// ListItem creates an Active listing for a verified seller.
func (e *Engine) ListItem(ctx context.Context, seller, itemRef string, price int64) (l domain.Listing, err error) {
	start := time.Now()
	defer func() { e.rec.RecordOperation("listItem", time.Since(start), err) }()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	err = e.transact(ctx, "listItem", func(ctx context.Context) error {
		created, err := e.listings.Create(ctx, seller, itemRef, price)
		if err != nil {
			return err
		}
		l = created
		return e.commit(ctx, "listItem", domain.Change{Listing: &l}, event.Event{
			Type:      event.ListingCreated,
			ListingID: l.ID,
			Actor:     seller,
			Amount:    price,
			Status:    string(l.Status),
			ItemRef:   itemRef,
		})
	})
	if domain.IsFatal(err) && l.ID != "" {
		e.halt(l.ID, err)
	}
	if err != nil {
		return domain.Listing{}, err
	}
	slog.Info("Listing created", slog.String("listing_id", l.ID), slog.Int64("price", price))
	return l, nil
}

// BuyItem locks the buyer's funds at the listing price and moves the listing
// to PendingConfirmation. Pending bids are rejected.
func (e *Engine) BuyItem(ctx context.Context, listingID, buyer string) (escrowID string, err error) {
	err = e.run(ctx, "buyItem", listingID, true, func(ctx context.Context) error {
		l, err := e.listings.Get(listingID)
		if err != nil {
			return err
		}
		if buyer == l.Seller {
			return domain.NewAuthorizationError("buyItem", "seller cannot buy own listing %s", listingID)
		}
		if err := e.requireHuman(ctx, "buyItem", buyer); err != nil {
			return err
		}
		if l.Status != domain.StatusActive {
			return domain.NewStateError("buyItem", "listing %s is %s", listingID, l.Status)
		}

		rec, err := e.vault.Lock(ctx, listingID, buyer, l.Seller, l.Price)
		if err != nil {
			return err
		}
		escrowID = rec.ID

		updated, err := e.listings.MarkPending(listingID, buyer, rec.ID)
		if err != nil {
			return domain.NewCustodyError("buyItem", err, "escrow %s held but listing %s did not advance", rec.ID, listingID)
		}
		rejected := e.bids.RejectAllPending(listingID)

		e.rec.RecordEscrow(domain.EscrowHeld, rec.Amount)
		e.rec.SetCustodied(e.vault.Custodied())

		evs := []event.Event{lockedEvent(rec, updated)}
		evs = append(evs, rejectedEvents(rejected, updated)...)
		return e.commit(ctx, "buyItem", domain.Change{Listing: &updated, Bids: rejected, Escrow: &rec}, evs...)
	})
	if err != nil {
		return "", err
	}
	return escrowID, nil
}

// PlaceBid records a Pending bid that strictly exceeds the current highest one.
func (e *Engine) PlaceBid(ctx context.Context, listingID, bidder string, amount int64) (bidID string, err error) {
	err = e.run(ctx, "placeBid", listingID, true, func(ctx context.Context) error {
		l, err := e.listings.Get(listingID)
		if err != nil {
			return err
		}
		if bidder == l.Seller {
			return domain.NewAuthorizationError("placeBid", "seller cannot bid on own listing %s", listingID)
		}
		if err := e.requireHuman(ctx, "placeBid", bidder); err != nil {
			return err
		}

		bid, err := e.bids.Place(l, bidder, amount)
		if err != nil {
			return err
		}
		bidID = bid.ID

		return e.commit(ctx, "placeBid", domain.Change{Bids: []domain.Bid{bid}}, event.Event{
			Type:      event.BidPlaced,
			ListingID: listingID,
			BidID:     bid.ID,
			Actor:     bidder,
			Amount:    amount,
			Status:    string(l.Status),
		})
	})
	if err != nil {
		return "", err
	}
	return bidID, nil
}

// AcceptBid locks the bidder's funds, accepts the bid and rejects every other
// pending bid. If the lock fails nothing changes and the listing stays Active.
func (e *Engine) AcceptBid(ctx context.Context, listingID, bidID, caller string) (escrowID string, err error) {
	err = e.run(ctx, "acceptBid", listingID, true, func(ctx context.Context) error {
		l, err := e.listings.Get(listingID)
		if err != nil {
			return err
		}
		if caller != l.Seller {
			return domain.NewAuthorizationError("acceptBid", "only the seller may accept bids on %s", listingID)
		}
		if l.Status != domain.StatusActive {
			return domain.NewStateError("acceptBid", "listing %s is %s", listingID, l.Status)
		}
		bid, err := e.bids.Get(listingID, bidID)
		if err != nil {
			return err
		}
		if !bid.IsPending() {
			return domain.NewStateError("acceptBid", "bid %s is %s", bidID, bid.Status)
		}

		rec, err := e.vault.Lock(ctx, listingID, bid.Bidder, l.Seller, bid.Amount)
		if err != nil {
			return err
		}
		escrowID = rec.ID

		accepted, rejected, err := e.bids.Accept(listingID, bidID)
		if err != nil {
			return domain.NewCustodyError("acceptBid", err, "escrow %s held but bid %s not accepted", rec.ID, bidID)
		}
		if _, err := e.listings.MarkBidAccepted(listingID); err != nil {
			return domain.NewCustodyError("acceptBid", err, "escrow %s held but listing %s did not advance", rec.ID, listingID)
		}
		updated, err := e.listings.MarkPending(listingID, bid.Bidder, rec.ID)
		if err != nil {
			return domain.NewCustodyError("acceptBid", err, "escrow %s held but listing %s did not advance", rec.ID, listingID)
		}

		e.rec.RecordEscrow(domain.EscrowHeld, rec.Amount)
		e.rec.SetCustodied(e.vault.Custodied())

		evs := []event.Event{{
			Type:         event.BidAccepted,
			ListingID:    listingID,
			BidID:        accepted.ID,
			Actor:        caller,
			Counterparty: accepted.Bidder,
			Amount:       accepted.Amount,
			Status:       string(updated.Status),
		}}
		evs = append(evs, rejectedEvents(rejected, updated)...)
		evs = append(evs, lockedEvent(rec, updated))

		bids := append([]domain.Bid{accepted}, rejected...)
		return e.commit(ctx, "acceptBid", domain.Change{Listing: &updated, Bids: bids, Escrow: &rec}, evs...)
	})
	if err != nil {
		return "", err
	}
	return escrowID, nil
}

// CancelBid withdraws the caller's own pending bid.
func (e *Engine) CancelBid(ctx context.Context, listingID, bidID, caller string) error {
	return e.run(ctx, "cancelBid", listingID, true, func(ctx context.Context) error {
		l, err := e.listings.Get(listingID)
		if err != nil {
			return err
		}
		bid, err := e.bids.Cancel(listingID, bidID, caller)
		if err != nil {
			return err
		}
		return e.commit(ctx, "cancelBid", domain.Change{Bids: []domain.Bid{bid}}, event.Event{
			Type:      event.BidCancelled,
			ListingID: listingID,
			BidID:     bidID,
			Actor:     caller,
			Amount:    bid.Amount,
			Status:    string(l.Status),
		})
	})
}

// CancelListing retires an Active listing. Once funds are locked it fails with StateError.
func (e *Engine) CancelListing(ctx context.Context, listingID, caller string) error {
	return e.run(ctx, "cancelListing", listingID, true, func(ctx context.Context) error {
		l, err := e.listings.Get(listingID)
		if err != nil {
			return err
		}
		if caller != l.Seller {
			return domain.NewAuthorizationError("cancelListing", "only the seller may cancel %s", listingID)
		}
		if l.Status != domain.StatusActive {
			return domain.NewStateError("cancelListing", "listing %s is %s", listingID, l.Status)
		}
		if rec, err := e.vault.Get(listingID); err == nil && rec.IsHeld() {
			return domain.NewStateError("cancelListing", "listing %s has held escrow %s", listingID, rec.ID)
		}

		updated, err := e.listings.MarkCancelled(listingID)
		if err != nil {
			return err
		}
		rejected := e.bids.RejectAllPending(listingID)

		evs := []event.Event{{
			Type:      event.ListingCancelled,
			ListingID: listingID,
			Actor:     caller,
			Status:    string(updated.Status),
		}}
		evs = append(evs, rejectedEvents(rejected, updated)...)
		return e.commit(ctx, "cancelListing", domain.Change{Listing: &updated, Bids: rejected}, evs...)
	})
}

// ConfirmReceipt releases the escrow to the seller, net of fees. Only the payer may confirm.
func (e *Engine) ConfirmReceipt(ctx context.Context, listingID, caller string) error {
	return e.run(ctx, "confirmReceipt", listingID, true, func(ctx context.Context) error {
		l, err := e.listings.Get(listingID)
		if err != nil {
			return err
		}
		if l.Status != domain.StatusPendingConfirmation {
			return domain.NewStateError("confirmReceipt", "listing %s is %s", listingID, l.Status)
		}
		if caller != l.Buyer {
			return domain.NewAuthorizationError("confirmReceipt", "only the buyer may confirm %s", listingID)
		}

		rec, err := e.vault.Release(ctx, listingID)
		if err != nil {
			return err
		}
		updated, err := e.listings.MarkCompleted(listingID)
		if err != nil {
			return domain.NewCustodyError("confirmReceipt", err, "escrow %s released but listing %s did not complete", rec.ID, listingID)
		}

		e.rec.RecordEscrow(domain.EscrowReleased, rec.Amount)
		e.rec.SetCustodied(e.vault.Custodied())

		if err := e.commit(ctx, "confirmReceipt", domain.Change{Listing: &updated, Escrow: &rec},
			event.Event{
				Type:         event.EscrowReleased,
				ListingID:    listingID,
				EscrowID:     rec.ID,
				Actor:        caller,
				Counterparty: rec.Payee,
				Amount:       rec.PayeeNet,
				Status:       string(updated.Status),
			},
			event.Event{
				Type:      event.ListingCompleted,
				ListingID: listingID,
				Actor:     caller,
				Amount:    rec.Amount,
				Status:    string(updated.Status),
			}); err != nil {
			return err
		}
		slog.Info("Listing completed",
			slog.String("listing_id", listingID),
			slog.Int64("payee_net", rec.PayeeNet),
			slog.Int64("fee", rec.FeeShare))
		return nil
	})
}

// RefundListing returns the escrow to the payer. Callers must be authorized
// as administrators before reaching the engine.
func (e *Engine) RefundListing(ctx context.Context, listingID, caller string) error {
	return e.run(ctx, "refundListing", listingID, true, func(ctx context.Context) error {
		l, err := e.listings.Get(listingID)
		if err != nil {
			return err
		}
		if l.Status != domain.StatusPendingConfirmation {
			return domain.NewStateError("refundListing", "listing %s is %s", listingID, l.Status)
		}

		rec, err := e.vault.Refund(ctx, listingID)
		if err != nil {
			return err
		}
		updated, err := e.listings.MarkRefunded(listingID)
		if err != nil {
			return domain.NewCustodyError("refundListing", err, "escrow %s refunded but listing %s did not advance", rec.ID, listingID)
		}

		e.rec.RecordEscrow(domain.EscrowRefunded, rec.Amount)
		e.rec.SetCustodied(e.vault.Custodied())

		if err := e.commit(ctx, "refundListing", domain.Change{Listing: &updated, Escrow: &rec},
			event.Event{
				Type:         event.EscrowRefunded,
				ListingID:    listingID,
				EscrowID:     rec.ID,
				Actor:        caller,
				Counterparty: rec.Payer,
				Amount:       rec.Amount,
				Status:       string(updated.Status),
			},
			event.Event{
				Type:      event.ListingRefunded,
				ListingID: listingID,
				Actor:     caller,
				Amount:    rec.Amount,
				Status:    string(updated.Status),
			}); err != nil {
			return err
		}
		slog.Warn("Listing refunded", slog.String("listing_id", listingID), slog.String("by", caller))
		return nil
	})
}

func (e *Engine) requireHuman(ctx context.Context, op, identity string) error {
	if identity == "" {
		return domain.NewAuthorizationError(op, "caller identity is required")
	}
	ok, err := e.verifier.IsVerifiedHuman(ctx, identity)
	if err != nil {
		return fmt.Errorf("engine: %s: verify %s: %w", op, identity, err)
	}
	if !ok {
		return domain.NewAuthorizationError(op, "%s is not a verified human", identity)
	}
	return nil
}

func lockedEvent(rec domain.EscrowRecord, l domain.Listing) event.Event {
	return event.Event{
		Type:         event.EscrowLocked,
		ListingID:    rec.ListingID,
		EscrowID:     rec.ID,
		Actor:        rec.Payer,
		Counterparty: rec.Payee,
		Amount:       rec.Amount,
		Status:       string(l.Status),
	}
}

func rejectedEvents(rejected []domain.Bid, l domain.Listing) []event.Event {
	evs := make([]event.Event, 0, len(rejected))
	for _, b := range rejected {
		evs = append(evs, event.Event{
			Type:         event.BidRejected,
			ListingID:    b.ListingID,
			BidID:        b.ID,
			Actor:        l.Seller,
			Counterparty: b.Bidder,
			Amount:       b.Amount,
			Status:       string(l.Status),
		})
	}
	return evs
}
