// Package status exposes the bot's operational state over HTTP: the current
// position, trade statistics, health, and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/zerodte/straddlebot/internal/models"
	"github.com/zerodte/straddlebot/internal/storage"
)

// Config holds the server settings. Location is the exchange time zone
// used to resolve "today" for daily P&L; nil falls back to the local zone.
type Config struct {
	Port      int
	AuthToken string
	Location  *time.Location
}

// Server serves the read-only status API.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	logger    *logrus.Logger
	port      int
	authToken string
	location  *time.Location
	started   time.Time
}

// PositionView is the wire shape of a position.
type PositionView struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	State       string  `json:"state"`
	Strike      float64 `json:"strike"`
	Expiration  string  `json:"expiration"`
	Quantity    int     `json:"quantity"`
	CallSymbol  string  `json:"call_symbol"`
	PutSymbol   string  `json:"put_symbol"`
	EntryPrice  float64 `json:"entry_price"`
	TargetPrice float64 `json:"target_price"`
	StopPrice   float64 `json:"stop_price,omitempty"`
	EntryTime   string  `json:"entry_time,omitempty"`
	ExitTime    string  `json:"exit_time,omitempty"`
	ExitReason  string  `json:"exit_reason,omitempty"`
	RealizedPnL float64 `json:"realized_pnl"`
	Description string  `json:"description"`
}

// NewServer creates the status server.
func NewServer(cfg Config, st storage.Interface, logger *logrus.Logger) *Server {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   st,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		location:  loc,
		started:   time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/position", s.handlePosition)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/history", s.handleHistory)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting status server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().Unix(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, _ *http.Request) {
	pos := s.storage.GetCurrentPosition()
	if pos == nil {
		http.Error(w, "No current position", http.StatusNotFound)
		return
	}
	s.writeJSON(w, viewOf(pos))
}

// StatsView pairs the cumulative statistics with the current session's
// realized P&L, keyed by the exchange-local date.
type StatsView struct {
	Statistics *storage.Statistics `json:"statistics"`
	Date       string              `json:"date"`
	DailyPnL   float64             `json:"daily_pnl"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	today := time.Now().In(s.location).Format("2006-01-02")
	s.writeJSON(w, StatsView{
		Statistics: s.storage.GetStatistics(),
		Date:       today,
		DailyPnL:   s.storage.GetDailyPnL(today),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	history := s.storage.GetHistory()
	views := make([]PositionView, 0, len(history))
	for i := range history {
		views = append(views, viewOf(&history[i]))
	}
	s.writeJSON(w, views)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func viewOf(pos *models.Position) PositionView {
	view := PositionView{
		ID:          pos.ID,
		Symbol:      pos.Symbol,
		State:       string(pos.GetCurrentState()),
		Strike:      pos.Strike,
		Expiration:  pos.Expiration.Format("2006-01-02"),
		Quantity:    pos.Quantity,
		CallSymbol:  pos.Call.Symbol,
		PutSymbol:   pos.Put.Symbol,
		EntryPrice:  pos.EntryPrice(),
		TargetPrice: pos.TargetPrice,
		StopPrice:   pos.StopPrice,
		ExitReason:  pos.ExitReason,
		RealizedPnL: pos.RealizedPnL,
		Description: pos.GetStateDescription(),
	}
	if !pos.EntryTime.IsZero() {
		view.EntryTime = pos.EntryTime.Format(time.RFC3339)
	}
	if !pos.ExitTime.IsZero() {
		view.ExitTime = pos.ExitTime.Format(time.RFC3339)
	}
	return view
}
