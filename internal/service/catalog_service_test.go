package service

import (
	"context"
	"testing"
	"time"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/event"
)

func TestCatalogService_Apply(t *testing.T) {
	svc := NewCatalogService()

	svc.Apply(event.Event{BaseEvent: event.BaseEvent{Seq: 1}, Type: event.ListingCreated, ListingID: "L1",
		Actor: "S", ItemRef: "nft-1", Amount: 100_500000, Status: "Active"})
	svc.Apply(event.Event{BaseEvent: event.BaseEvent{Seq: 2}, Type: event.BidPlaced, ListingID: "L1", BidID: "b1", Amount: 90, Status: "Active"})
	svc.Apply(event.Event{BaseEvent: event.BaseEvent{Seq: 3}, Type: event.BidPlaced, ListingID: "L1", BidID: "b2", Amount: 95, Status: "Active"})

	l1, ok := svc.Get("L1")
	if !ok {
		t.Fatal("L1 summary should exist")
	}
	if l1.Seller != "S" || l1.PriceDisplay != "100.5" || l1.HighestBid != 95 || l1.BidCount != 2 {
		t.Errorf("unexpected summary: %+v", l1)
	}

	svc.Apply(event.Event{BaseEvent: event.BaseEvent{Seq: 4}, Type: event.BidCancelled, ListingID: "L1", BidID: "b2", Status: "Active"})
	if l1, _ = svc.Get("L1"); l1.HighestBid != 90 {
		t.Errorf("highest after cancel = %d, want 90", l1.HighestBid)
	}

	svc.Apply(event.Event{BaseEvent: event.BaseEvent{Seq: 5}, Type: event.BidAccepted, ListingID: "L1", BidID: "b1", Status: "PendingConfirmation"})
	l1, _ = svc.Get("L1")
	if l1.HighestBid != 0 || l1.Status != domain.StatusPendingConfirmation || l1.LastSeq != 5 {
		t.Errorf("unexpected summary after accept: %+v", l1)
	}

	// replayed event is ignored
	svc.Apply(event.Event{BaseEvent: event.BaseEvent{Seq: 3}, Type: event.BidPlaced, ListingID: "L1", BidID: "b2", Amount: 95, Status: "Active"})
	if l1, _ = svc.Get("L1"); l1.BidCount != 2 || l1.Status != domain.StatusPendingConfirmation {
		t.Errorf("stale event applied: %+v", l1)
	}
}

func TestCatalogService_ListFilter(t *testing.T) {
	svc := NewCatalogService()
	svc.Seed([]domain.Listing{
		{ID: "L1", Seller: "S", Price: 10, Status: domain.StatusActive},
		{ID: "L2", Seller: "S", Price: 20, Status: domain.StatusCompleted},
		{ID: "L3", Seller: "T", Price: 30, Status: domain.StatusActive},
	}, []domain.Bid{
		{ID: "b1", ListingID: "L1", Amount: 7, Status: domain.BidPending},
		{ID: "b2", ListingID: "L1", Amount: 5, Status: domain.BidCancelled},
		{ID: "bx", ListingID: "unknown", Amount: 5, Status: domain.BidPending},
	})

	all := svc.List("")
	if len(all) != 3 || all[0].ListingID != "L1" || all[2].ListingID != "L3" {
		t.Fatalf("unexpected order: %+v", all)
	}
	active := svc.List(domain.StatusActive)
	if len(active) != 2 {
		t.Errorf("expected 2 active listings, got %d", len(active))
	}
	if active[0].HighestBid != 7 || active[0].BidCount != 2 {
		t.Errorf("unexpected seeded bids: %+v", active[0])
	}
}

func TestCatalogService_Start(t *testing.T) {
	svc := NewCatalogService()
	bus := event.NewBus(nil)
	ch, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx, ch)

	bus.Publish(ctx, event.Event{Type: event.ListingCreated, ListingID: "L9", Actor: "S", Amount: 1, Status: "Active"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := svc.Get("L9"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("catalog did not receive the event")
}
