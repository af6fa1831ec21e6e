package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/advinvest/params"
	"github.com/uhyunpark/advinvest/pkg/game"
	"github.com/uhyunpark/advinvest/pkg/observability"
	"github.com/uhyunpark/advinvest/pkg/storage"
	"github.com/uhyunpark/advinvest/pkg/trade"
	"github.com/uhyunpark/advinvest/pkg/util"
)

// Games is the session lifecycle the API drives.
type Games interface {
	Start(ctx context.Context, memberID int64, t game.Transport) (int64, error)
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64, t game.Transport) error
	End(ctx context.Context, id int64) error
	Remaining(id int64) (int, error)
	RecentVolumes(id int64, symbol string) ([]int64, error)
	Disconnected(id int64, t game.Transport)
	DailyReset(ctx context.Context) (game.ResetReport, error)
}

// Trades is the order path the API drives.
type Trades interface {
	Buy(ctx context.Context, o trade.Order) (*trade.Result, error)
	Sell(ctx context.Context, o trade.Order) (*trade.Result, error)
	Holdings(memberID int64, symbol string) (int64, error)
	AllHoldings(memberID int64) ([]trade.Holding, error)
	History(memberID int64, symbol string) ([]*storage.TradeRecord, error)
	Wallet(memberID int64) (*storage.Member, []*storage.WalletEntry, error)
	OpenWallet(memberID int64, name string, points int64) (*storage.Member, error)
}

// errBadRequest marks malformed input; it maps to INVALID_REQUEST / 400.
var errBadRequest = errors.New("invalid request")

// Server handles REST API and WebSocket connections
type Server struct {
	cfg    params.API
	games  Games
	trades Trades
	router *mux.Router
	hub    *Hub
	http   *http.Server

	// InitialPoints is the balance of members registered over the API.
	InitialPoints int64
	Logger        *zap.SugaredLogger
	Metrics       *observability.Metrics // served on /metrics when set
}

func NewServer(cfg params.API, games Games, trades Trades, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:    cfg,
		games:  games,
		trades: trades,
		router: mux.NewRouter(),
		Logger: util.OrNop(logger),
	}
	s.hub = NewHub(s.Logger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Game sessions
	api.HandleFunc("/sessions/{id}/remaining", s.handleRemaining).Methods("GET")
	api.HandleFunc("/sessions/{id}/volumes", s.handleVolumes).Methods("GET")
	api.HandleFunc("/sessions/{id}/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/sessions/{id}/end", s.handleEnd).Methods("POST")
	api.HandleFunc("/sessions/{id}/buy", s.handleOrder(storage.Buy)).Methods("POST")
	api.HandleFunc("/sessions/{id}/sell", s.handleOrder(storage.Sell)).Methods("POST")

	// Members
	api.HandleFunc("/members", s.handleCreateMember).Methods("POST")
	api.HandleFunc("/members/{id}/wallet", s.handleWallet).Methods("GET")
	api.HandleFunc("/members/{id}/holdings", s.handleHoldings).Methods("GET")
	api.HandleFunc("/members/{id}/trades", s.handleTrades).Methods("GET")

	// Admin
	api.HandleFunc("/admin/daily-reset", s.handleDailyReset).Methods("POST")

	// WebSocket endpoint
	api.HandleFunc("/advanced-invest", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.Handler().ServeHTTP(w, r)
	}).Methods("GET")
}

// Handler is the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Infow("api_server_starting", "addr", s.cfg.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and closes every websocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	left, err := s.games.Remaining(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, RemainingResponse{SessionID: id, RemainingSeconds: left})
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		respondError(w, fmt.Errorf("%w: missing symbol", errBadRequest))
		return
	}
	vols, err := s.games.RecentVolumes(id, symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, VolumesResponse{SessionID: id, Symbol: symbol, Volumes: vols})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.games.Pause(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, StatusResponse{SessionID: id, Status: "paused"})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.games.End(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, StatusResponse{SessionID: id, Status: "ended"})
}

func (s *Server) handleOrder(side storage.TradeType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			respondError(w, err)
			return
		}
		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		o := trade.Order{SessionID: id, MemberID: req.MemberID, Symbol: req.Symbol, Quantity: req.Quantity}

		var res *trade.Result
		if side == storage.Buy {
			res, err = s.trades.Buy(r.Context(), o)
		} else {
			res, err = s.trades.Sell(r.Context(), o)
		}
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, res)
	}
}

func (s *Server) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.ID <= 0 {
		respondError(w, fmt.Errorf("%w: id must be positive", errBadRequest))
		return
	}
	m, err := s.trades.OpenWallet(req.ID, req.Name, s.InitialPoints)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(WalletResponse{MemberID: m.ID, Points: m.Points, History: []*storage.WalletEntry{}})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	m, history, err := s.trades.Wallet(id)
	if err != nil {
		respondError(w, err)
		return
	}
	if history == nil {
		history = []*storage.WalletEntry{}
	}
	respondJSON(w, WalletResponse{MemberID: m.ID, Points: m.Points, History: history})
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	resp := HoldingsResponse{MemberID: id, Holdings: []trade.Holding{}}
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		qty, err := s.trades.Holdings(id, symbol)
		if err != nil {
			respondError(w, err)
			return
		}
		resp.Holdings = append(resp.Holdings, trade.Holding{Symbol: symbol, Quantity: qty})
		respondJSON(w, resp)
		return
	}
	all, err := s.trades.AllHoldings(id)
	if err != nil {
		respondError(w, err)
		return
	}
	resp.Holdings = append(resp.Holdings, all...)
	respondJSON(w, resp)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	records, err := s.trades.History(id, r.URL.Query().Get("symbol"))
	if err != nil {
		respondError(w, err)
		return
	}
	if records == nil {
		records = []*storage.TradeRecord{}
	}
	respondJSON(w, records)
}

func (s *Server) handleDailyReset(w http.ResponseWriter, r *http.Request) {
	rep, err := s.games.DailyReset(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, rep)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "clients": s.hub.Len()})
}

// ==============================
// Helper Functions
// ==============================

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q", errBadRequest, raw)
	}
	return id, nil
}

// errorCode maps err to its wire code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, errBadRequest):
		return "INVALID_REQUEST", http.StatusBadRequest
	case errors.Is(err, storage.ErrExists):
		return "ALREADY_EXISTS", http.StatusConflict
	}
	return game.CodeOf(err)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: err.Error(),
	})
}
