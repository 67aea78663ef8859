// Package exchange provides the HTTP surface: the chat command boundary,
// the admin ingestion and settlement endpoints, read-only queries and the
// WebSocket event stream.
//
// Money values use shopspring/decimal and are encoded as JSON strings.
package exchange

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vitalsmarket/exchange/internal/command"
	"github.com/vitalsmarket/exchange/internal/ingest"
	"github.com/vitalsmarket/exchange/internal/leaderboard"
	"github.com/vitalsmarket/exchange/internal/model"
	"github.com/vitalsmarket/exchange/internal/settlement"
	"github.com/vitalsmarket/exchange/internal/store"
	"github.com/vitalsmarket/exchange/internal/symbol"
)

// AdminSecretHeader carries the shared secret on admin routes.
const AdminSecretHeader = "X-Admin-Secret"

// Config wires a Service.
type Config struct {
	Commands        *command.Dispatcher
	Prices          *ingest.Service
	Settlement      *settlement.Engine
	Symbols         *symbol.Registry
	AdminSecret     string // empty disables admin routes
	Location        *time.Location
	LeaderboardSize int
	PriceHistory    time.Duration
	Hub             *WSHub // optional
}

// Service handles HTTP requests.
type Service struct {
	store store.Store
	cfg   Config
}

// NewService creates the HTTP service.
func NewService(st store.Store, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{store: st, cfg: cfg}
}

// --- Request/Response types ---

// IngestRequest is the JSON body for POST /admin/prices.
type IngestRequest struct {
	Symbol    string            `json:"symbol"`
	StartTime time.Time         `json:"start_time"` // RFC 3339, floored to its bucket
	Values    []decimal.Decimal `json:"values"`
}

// IngestResponse reports what an upload wrote.
type IngestResponse struct {
	Message string         `json:"message"`
	Result  *ingest.Result `json:"result"`
}

// SettleRequest is the JSON body for POST /admin/settle.
type SettleRequest struct {
	Symbol string `json:"symbol"`
}

// SettleResponse carries the rendered summary and its structured form.
type SettleResponse struct {
	Error   string              `json:"error,omitempty"`
	Message string              `json:"message"`
	Summary *settlement.Summary `json:"summary"`
}

// PriceHistoryResponse is returned from GET /symbols/{symbol}/prices.
type PriceHistoryResponse struct {
	Symbol    string             `json:"symbol"`
	Watermark *time.Time         `json:"watermark"`
	Points    []model.PricePoint `json:"points"`
}

// PortfolioResponse is a user's holdings and unsettled orders.
type PortfolioResponse struct {
	Portfolio  model.Portfolio      `json:"portfolio"`
	OpenOrders []model.PendingOrder `json:"open_orders"`
}

// --- Middleware ---

// RequireAdmin rejects requests without the configured shared secret.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminSecretHeader)
		if s.cfg.AdminSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			slog.Warn("admin request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, model.ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- HTTP Handlers ---

// HandleCommand handles POST /api/v1/commands
func (s *Service) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	reply, err := s.cfg.Commands.Handle(r.Context(), cmd)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// IngestPrices handles POST /api/v1/admin/prices
func (s *Service) IngestPrices(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.cfg.Prices.AppendSeries(r.Context(), req.Symbol, req.StartTime, req.Values)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.cfg.Hub != nil {
		s.cfg.Hub.PricesIngested(result)
	}
	writeJSON(w, http.StatusOK, IngestResponse{Message: result.Message(s.cfg.Location), Result: result})
}

// Settle handles POST /api/v1/admin/settle
// Settles every due order of the symbol up to its watermark. An empty
// body settles the default symbol.
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sym, err := s.cfg.Symbols.Resolve(req.Symbol)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	summary, err := s.cfg.Settlement.SettleToWatermark(r.Context(), sym)
	if err != nil {
		if summary == nil || summary.Nothing() {
			writeServiceError(w, err)
			return
		}
		// Earlier chunks committed; report them with the failure.
		status, msg := serviceErrorStatus(err)
		writeJSON(w, status, SettleResponse{Error: msg, Message: summary.Render(s.cfg.Location), Summary: summary})
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{Message: summary.Render(s.cfg.Location), Summary: summary})
}

// GetPrices handles GET /api/v1/symbols/{symbol}/prices
// Optional ?span=<duration> overrides the configured history window;
// ?span=all returns every point.
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	sym, err := s.cfg.Symbols.Resolve(chi.URLParam(r, "symbol"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	span := s.cfg.PriceHistory
	if raw := r.URL.Query().Get("span"); raw == "all" {
		span = ingest.AllHistory
	} else if raw != "" {
		span, err = time.ParseDuration(raw)
		if err != nil || span <= 0 {
			writeError(w, "span must be a positive duration", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	resp := PriceHistoryResponse{Symbol: sym, Points: []model.PricePoint{}}
	watermark, ok, err := s.cfg.Prices.LatestTimestamp(ctx, sym)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if ok {
		resp.Watermark = &watermark
		points, err := s.cfg.Prices.History(ctx, sym, span)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if points != nil {
			resp.Points = points
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetLeaderboard handles GET /api/v1/symbols/{symbol}/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	sym, err := s.cfg.Symbols.Resolve(chi.URLParam(r, "symbol"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	portfolios, err := s.store.ListPortfolios(r.Context(), sym)
	if err != nil {
		writeError(w, "failed to list portfolios", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, leaderboard.Top(portfolios, s.cfg.LeaderboardSize))
}

// GetPortfolio handles GET /api/v1/symbols/{symbol}/portfolios/{userID}
// A user who never settled an order gets an empty portfolio.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	sym, err := s.cfg.Symbols.Resolve(chi.URLParam(r, "symbol"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	p, err := s.store.GetPortfolio(ctx, userID, sym)
	switch {
	case errors.Is(err, model.ErrNotFound):
		p = model.Portfolio{User: userID, Symbol: sym, Balance: decimal.Zero}
	case err != nil:
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}

	open, err := s.store.OpenOrders(ctx, userID, sym)
	if err != nil {
		writeError(w, "failed to load open orders", http.StatusInternalServerError)
		return
	}
	if open == nil {
		open = []model.PendingOrder{}
	}
	writeJSON(w, http.StatusOK, PortfolioResponse{Portfolio: p, OpenOrders: open})
}

// writeServiceError maps the error taxonomy onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	status, msg := serviceErrorStatus(err)
	writeError(w, msg, status)
}

// serviceErrorStatus maps a service error to its HTTP status and the
// message safe to return.
func serviceErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, model.ErrWindowClosed),
		errors.Is(err, model.ErrQuotaExceeded),
		errors.Is(err, model.ErrOrderSettled),
		errors.Is(err, model.ErrConcurrentSettlement):
		return http.StatusConflict, err.Error()
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, err.Error()
	}
	slog.Error("request failed", "err", err)
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
