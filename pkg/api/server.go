package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitwatch/pkg/events"
	"github.com/uhyunpark/limitwatch/pkg/order"
	"github.com/uhyunpark/limitwatch/pkg/storage"
	"github.com/uhyunpark/limitwatch/pkg/util"
	"github.com/uhyunpark/limitwatch/pkg/watcher"
)

// OrderService places and cancels orders. *watcher.Executor implements it.
type OrderService interface {
	Place(owner common.Address, dir order.Direction, amountIn, targetPrice decimal.Decimal) (order.LimitOrder, error)
	Cancel(id string) (order.LimitOrder, error)
}

// OrderReader is the read side of the order store.
type OrderReader interface {
	Available() bool
	LoadAll() []order.LimitOrder
	Get(id string) (order.LimitOrder, bool)
}

// Market is the read-only view of the pool the API serves.
type Market interface {
	Rates(ctx context.Context) (order.Rates, error)
	TokenFor(dir order.Direction) common.Address
	ExpectedFeeRate(ctx context.Context, tokenIn common.Address, amountIn *big.Int) (*big.Int, error)
}

type Config struct {
	Decimals    int32
	CORSOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg    Config
	orders OrderService
	reader OrderReader
	market Market
	bus    *events.Bus
	clock  util.Clock
	logger *zap.SugaredLogger

	router *mux.Router
	hub    *Hub

	// ctx is fixed at construction; Run ties its lifetime to the caller's.
	ctx  context.Context
	stop context.CancelFunc
}

func NewServer(cfg Config, orders OrderService, reader OrderReader, market Market, bus *events.Bus, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:    cfg,
		orders: orders,
		reader: reader,
		market: market,
		bus:    bus,
		clock:  util.RealClock{},
		logger: logger,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")

	// Pool
	api.HandleFunc("/rate", s.handleGetRate).Methods("GET")
	api.HandleFunc("/quote", s.handleGetQuote).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run starts the WebSocket hub and the event forwarder. Both stop with ctx.
func (s *Server) Run(ctx context.Context) {
	context.AfterFunc(ctx, s.stop)
	go s.hub.Run(s.ctx)
	if s.bus != nil {
		ch, unsubscribe := s.bus.Subscribe(64)
		go s.forwardEvents(ctx, ch, unsubscribe)
	}
}

// Start serves on addr until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// forwardEvents re-reads the rate on every rate change and pushes it, and
// relays order updates as they happen.
func (s *Server) forwardEvents(ctx context.Context, ch <-chan events.Event, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Kind {
			case events.RateChanged:
				s.BroadcastRate(ctx)
			case events.OrderUpdated:
				if e.Order != nil {
					s.hub.BroadcastToChannel(ChannelOrders, WSMessage{Type: "order", Data: toOrderInfo(*e.Order)})
				}
			}
		}
	}
}

// BroadcastRate reads the current rate and pushes it to "rate" subscribers.
func (s *Server) BroadcastRate(ctx context.Context) {
	rates, err := s.market.Rates(ctx)
	if err != nil {
		s.logger.Warnw("rate_refresh_failed", "err", err)
		return
	}
	s.hub.BroadcastToChannel(ChannelRate, WSMessage{Type: "rate", Data: toRateInfo(rates, s.clock.Now())})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if !common.IsHexAddress(req.Owner) {
		respondError(w, http.StatusBadRequest, "invalid owner", req.Owner)
		return
	}
	dir, err := order.ParseDirection(req.Direction)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid direction", err.Error())
		return
	}
	amountIn, err := decimal.NewFromString(req.AmountIn)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amountIn", err.Error())
		return
	}
	target, err := decimal.NewFromString(req.TargetPrice)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid targetPrice", err.Error())
		return
	}

	o, err := s.orders.Place(common.HexToAddress(req.Owner), dir, amountIn, target)
	if err != nil {
		respondError(w, statusFor(err), "order rejected", err.Error())
		return
	}
	respondJSONStatus(w, http.StatusCreated, toOrderInfo(o))
}

// handleListOrders serves the collection in insertion order, optionally
// filtered by ?status= and ?owner=.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	owner := r.URL.Query().Get("owner")
	if owner != "" && !common.IsHexAddress(owner) {
		respondError(w, http.StatusBadRequest, "invalid owner", owner)
		return
	}

	all := s.reader.LoadAll()
	out := make([]OrderInfo, 0, len(all))
	for _, o := range all {
		if status != "" && string(o.Status) != status {
			continue
		}
		if owner != "" && o.Owner != common.HexToAddress(owner) {
			continue
		}
		out = append(out, toOrderInfo(o))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok := s.reader.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.orders.Cancel(id)
	if err != nil {
		respondError(w, statusFor(err), "cancel rejected", err.Error())
		return
	}
	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	rates, err := s.market.Rates(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "rate unavailable", err.Error())
		return
	}
	respondJSON(w, toRateInfo(rates, s.clock.Now()))
}

// handleGetQuote serves the pool's dynamic fee for
// ?direction=AtoB&amount=10. It does not affect order triggering.
func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	dir, err := order.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid direction", err.Error())
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || !amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "invalid amount", r.URL.Query().Get("amount"))
		return
	}
	units := amount.Shift(s.cfg.Decimals)
	if !units.IsInteger() {
		respondError(w, http.StatusBadRequest, "invalid amount", "more precision than the token supports")
		return
	}

	tokenIn := s.market.TokenFor(dir)
	fee, err := s.market.ExpectedFeeRate(r.Context(), tokenIn, units.BigInt())
	if err != nil {
		respondError(w, http.StatusBadGateway, "quote unavailable", err.Error())
		return
	}
	rates, err := s.market.Rates(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "rate unavailable", err.Error())
		return
	}

	feeRate := decimal.NewFromBigInt(fee, 0)
	respondJSON(w, QuoteInfo{
		Direction:       string(dir),
		TokenIn:         tokenIn.Hex(),
		AmountIn:        amount.String(),
		FeeRatePerMille: feeRate.String(),
		FeeAmount:       amount.Mul(feeRate).Div(decimal.NewFromInt(1000)).String(),
		Rate:            rates.For(dir).StringFixed(6),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storageState := "ok"
	if !s.reader.Available() {
		storageState = "unavailable"
	}
	respondJSON(w, map[string]string{"status": "ok", "storage": storageState})
}

// ==============================
// Helper Functions
// ==============================

func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, watcher.ErrOwnerMismatch):
		return http.StatusForbidden
	case errors.Is(err, watcher.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, watcher.ErrOrderInFlight),
		errors.Is(err, storage.ErrOrderClosed),
		errors.Is(err, storage.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, watcher.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSONStatus(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
