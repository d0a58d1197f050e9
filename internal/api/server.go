// Package api exposes the settlement engine over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"trust_bazaar/internal/engine"
	"trust_bazaar/internal/event"
	"trust_bazaar/internal/identity"
	"trust_bazaar/internal/infra"
	"trust_bazaar/internal/service"
)

// Journal serves the persisted event history of a listing.
type Journal interface {
	ListingEvents(ctx context.Context, listingID string, afterSeq uint64, limit int) ([]event.Event, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine     *engine.Engine
	Catalog    *service.CatalogService
	Tokens     *identity.TokenService
	Identities *identity.Registry // Receives attestations from tokens carrying the human claim. May be nil.
	Journal    Journal            // May be nil when storage is disabled
	Bus        *event.Bus         // May be nil; disables the websocket feed
	Metrics    *infra.Metrics     // May be nil; disables /metrics
	Health     func(ctx context.Context) error
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	engine     *engine.Engine
	catalog    *service.CatalogService
	tokens     *identity.TokenService
	identities *identity.Registry
	journal    Journal
	bus        *event.Bus
	metrics    *infra.Metrics
	health     func(ctx context.Context) error

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	s := &Server{
		engine:     cfg.Engine,
		catalog:    cfg.Catalog,
		tokens:     cfg.Tokens,
		identities: cfg.Identities,
		journal:    cfg.Journal,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		health:     cfg.Health,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	var prom *infra.PromExporter
	if s.metrics != nil {
		prom = infra.NewPromExporter(s.metrics, "bazaar")
		r.Method(http.MethodGet, "/metrics", prom.Handler())
	}
	r.Get("/healthz", s.Healthz)

	r.Route("/api/v1", func(api chi.Router) {
		if prom != nil {
			api.Use(prom.Middleware("api"))
		}
		api.Use(s.authenticate)

		api.Get("/events", s.EventFeed)
		api.Get("/accounts/{account}/balance", s.GetBalance)

		api.Post("/listings", s.CreateListing)
		api.Get("/listings", s.BrowseListings)
		api.Route("/listings/{id}", func(l chi.Router) {
			l.Get("/", s.GetListing)
			l.Post("/buy", s.BuyItem)
			l.Post("/bids", s.PlaceBid)
			l.Get("/bids", s.GetBids)
			l.Post("/bids/{bidID}/accept", s.AcceptBid)
			l.Delete("/bids/{bidID}", s.CancelBid)
			l.Post("/cancel", s.CancelListing)
			l.Post("/confirm", s.ConfirmReceipt)
			l.With(requireRole(identity.RoleAdmin)).Post("/refund", s.RefundListing)
			l.Get("/escrow", s.GetEscrow)
			l.Get("/events", s.ListingEvents)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(requireRole(identity.RoleAdmin))
			admin.Get("/audit", s.Audit)
			admin.Post("/listings/{id}/resume", s.ResumeListing)
		})
	})

	return r
}

// Healthz reports process and storage liveness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
