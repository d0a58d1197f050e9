package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/event"
	"trust_bazaar/internal/money"
	"trust_bazaar/internal/service"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type listingResponse struct {
	domain.Listing
	PriceDisplay string `json:"price_display"`
}

func newListingResponse(l domain.Listing) listingResponse {
	return listingResponse{Listing: l, PriceDisplay: money.Format(l.Price)}
}

type bidResponse struct {
	domain.Bid
	AmountDisplay string `json:"amount_display"`
}

type escrowResponse struct {
	domain.EscrowRecord
	AmountDisplay string `json:"amount_display"`
}

type balanceResponse struct {
	Account        string `json:"account"`
	Balance        int64  `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
}

// decode reads a JSON body. Failures are validation errors.
func decode(r *http.Request, op string, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError(op, "invalid payload: %v", err)
	}
	return nil
}

func parseAmount(op, field, raw string) (int64, error) {
	amount, err := money.Parse(raw)
	if err != nil {
		return 0, domain.NewValidationError(op, "%s: %v", field, err)
	}
	return amount, nil
}

// CreateListing handles listItem.
func (s *Server) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemRef string `json:"item_ref"`
		Price   string `json:"price"`
	}
	if err := decode(r, "listItem", &req); err != nil {
		writeError(w, r, err)
		return
	}
	price, err := parseAmount("listItem", "price", req.Price)
	if err != nil {
		writeError(w, r, err)
		return
	}
	l, err := s.engine.ListItem(r.Context(), caller(r), strings.TrimSpace(req.ItemRef), price)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newListingResponse(l))
}

// BrowseListings serves the catalog, optionally filtered by ?status=.
func (s *Server) BrowseListings(w http.ResponseWriter, r *http.Request) {
	status := domain.ListingStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, domain.NewValidationError("browse", "unknown status %q", status))
		return
	}
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, []service.ListingSummary{})
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.List(status))
}

// GetListing handles getListing.
func (s *Server) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.GetListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingResponse(l))
}

// BuyItem handles buyItem.
func (s *Server) BuyItem(w http.ResponseWriter, r *http.Request) {
	escrowID, err := s.engine.BuyItem(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"escrow_id": escrowID})
}

// PlaceBid handles placeBid.
func (s *Server) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decode(r, "placeBid", &req); err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := parseAmount("placeBid", "amount", req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bidID, err := s.engine.PlaceBid(r.Context(), chi.URLParam(r, "id"), caller(r), amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"bid_id": bidID})
}

// GetBids handles getBids.
func (s *Server) GetBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.engine.GetBids(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, bidResponse{Bid: b, AmountDisplay: money.Format(b.Amount)})
	}
	writeJSON(w, http.StatusOK, out)
}

// AcceptBid handles acceptBid.
func (s *Server) AcceptBid(w http.ResponseWriter, r *http.Request) {
	escrowID, err := s.engine.AcceptBid(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "bidID"), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"escrow_id": escrowID})
}

// CancelBid handles cancelBid.
func (s *Server) CancelBid(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelBid(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "bidID"), caller(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelListing handles cancelListing.
func (s *Server) CancelListing(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.CancelListing)
}

// ConfirmReceipt handles confirmReceipt.
func (s *Server) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.ConfirmReceipt)
}

// RefundListing handles refundListing. Routed behind the admin role.
func (s *Server) RefundListing(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.RefundListing)
}

// transition runs a listing-level operation and answers with the listing after it.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, listingID, caller string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id, caller(r)); err != nil {
		writeError(w, r, err)
		return
	}
	l, err := s.engine.GetListing(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingResponse(l))
}

// GetEscrow serves the escrow record of a listing.
func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetEscrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{EscrowRecord: rec, AmountDisplay: money.Format(rec.Amount)})
}

// ListingEvents serves the journal of a listing. Query: after_seq, limit.
func (s *Server) ListingEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unavailable", Message: "event journal disabled"})
		return
	}
	q := r.URL.Query()
	var afterSeq uint64
	if raw := q.Get("after_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, domain.NewValidationError("listingEvents", "after_seq: %v", err))
			return
		}
		afterSeq = v
	}
	limit := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, r, domain.NewValidationError("listingEvents", "limit must be a positive integer"))
			return
		}
		limit = min(v, maxEventLimit)
	}
	if _, err := s.engine.GetListing(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	evs, err := s.journal.ListingEvents(r.Context(), id, afterSeq, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []event.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// GetBalance serves the free ledger balance of an account.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	balance, err := s.engine.Balance(r.Context(), account)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Account: account, Balance: balance, BalanceDisplay: money.Format(balance)})
}

// Audit runs the custody audit.
func (s *Server) Audit(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Audit(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"custodied": s.engine.Custodied(),
	})
}

// ResumeListing clears a custody halt after manual reconciliation.
func (s *Server) ResumeListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.engine.Resume(id) {
		writeError(w, r, domain.NewStateError("resume", "listing %s is not halted", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"listing_id": id, "status": "resumed"})
}
