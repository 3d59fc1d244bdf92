package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sprout/internal/auth"
	"sprout/internal/config"
	"sprout/internal/farm"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID   int64
	Username string
}

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	tokens  *auth.Issuer
	farm    *farm.Service
	metrics *Metrics
	limiter *RateLimiter
	mux     *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, tokens *auth.Issuer, farmSvc *farm.Service) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		tokens:  tokens,
		farm:    farmSvc,
		metrics: NewMetrics(),
		limiter: NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger),
		mux:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackground runs housekeeping that lives as long as ctx.
func (s *Server) StartBackground(ctx context.Context) {
	s.limiter.StartCleanup(ctx, time.Minute)
}

func (s *Server) routes() {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Instrument)
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ping", s.handlePing)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Handler)
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/token", s.handleToken)
			r.Post("/auth/token/refresh", s.handleRefresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.limiter.Handler)
			r.Get("/me", s.handleMe)

			r.Get("/field/cells", s.handleCells)
			r.Post("/field/cells/action", s.handleCellAction)
			r.Get("/plants", s.handlePlants)

			r.Get("/inventory", s.handleInventory)
			r.Get("/categories", s.handleCategories)

			r.Get("/shop", s.handleShop(farm.ShopFilter{}))
			r.Get("/shop/seeds", s.handleShop(farm.ShopFilter{Seeds: true, ByPrice: true}))
			r.Get("/shop/harvest", s.handleShop(farm.ShopFilter{Harvest: true, ByPrice: true}))
			r.Post("/shop/buy", s.handleBuy)
			r.Get("/shop/{category}", s.handleShopCategory)

			r.Get("/market/inventory", s.handleMarketInventory)
			r.Post("/market/sell", s.handleSell)
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.log.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(token, auth.AccessToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := withUser(r.Context(), UserContext{UserID: claims.UserID, Username: claims.Username})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withUser(ctx context.Context, user UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID <= 0 {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"project": "sprout", "message": "pong"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := s.farm.Register(r.Context(), farm.RegisterInput{
		Username: in.Username,
		Email:    in.Email,
		Password: in.Password,
	})
	s.metrics.farmAction("register", err)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, farm.AccountView{ID: acct.ID, Username: acct.Username, Email: acct.Email})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := s.farm.Authenticate(r.Context(), in.Username, in.Password)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	pair, err := s.tokens.IssuePair(acct.ID, acct.Username)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Refresh string `json:"refresh"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	access, claims, err := s.tokens.Refresh(strings.TrimSpace(in.Refresh))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if _, err := s.farm.Account(r.Context(), claims.UserID); err != nil {
		if errors.Is(err, farm.ErrAccountNotFound) {
			writeError(w, http.StatusUnauthorized, "account no longer exists")
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access": access})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.farm.Profile(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCells(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.farm.ListCells(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCellAction(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Row     *int   `json:"row"`
		Col     *int   `json:"col"`
		PlantID *int64 `json:"plant_id"`
		AutoBuy bool   `json:"auto_buy"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Row == nil || in.Col == nil {
		writeError(w, http.StatusBadRequest, "row and col are required")
		return
	}
	out, err := s.farm.CellAction(r.Context(), farm.CellActionInput{
		UserID:  user.UserID,
		Row:     *in.Row,
		Col:     *in.Col,
		PlantID: in.PlantID,
		AutoBuy: in.AutoBuy,
	})
	action := "harvest"
	if in.PlantID != nil {
		action = "plant"
	}
	s.metrics.farmAction(action, err)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlants(w http.ResponseWriter, r *http.Request) {
	s.handleShop(farm.ShopFilter{Seeds: true})(w, r)
}

func (s *Server) handleShop(filter farm.ShopFilter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := s.farm.ListShop(r.Context(), filter)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleShopCategory(w http.ResponseWriter, r *http.Request) {
	s.handleShop(farm.ShopFilter{Category: chi.URLParam(r, "category"), ByPrice: true})(w, r)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	out, err := s.farm.ListCategories(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.farm.Inventory(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		ItemID   int64  `json:"item_id"`
		Quantity *int64 `json:"quantity"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.farm.Buy(r.Context(), farm.BuyInput{
		UserID:   user.UserID,
		ItemID:   in.ItemID,
		Quantity: quantityOrOne(in.Quantity),
	})
	s.metrics.farmAction("buy", err)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.metrics.coins("spent", out.TotalSpent)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarketInventory(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.farm.MarketInventory(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		ItemID   int64  `json:"item_id"`
		Quantity *int64 `json:"quantity"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.farm.Sell(r.Context(), farm.SellInput{
		UserID:      user.UserID,
		InventoryID: in.ItemID,
		Quantity:    quantityOrOne(in.Quantity),
	})
	s.metrics.farmAction("sell", err)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.metrics.coins("earned", out.TotalEarned)
	writeJSON(w, http.StatusOK, out)
}

func quantityOrOne(q *int64) int64 {
	if q == nil {
		return 1
	}
	return *q
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, farm.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, farm.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, farm.ErrItemNotFound),
		errors.Is(err, farm.ErrSeedNotFound),
		errors.Is(err, farm.ErrInventoryNotFound),
		errors.Is(err, farm.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, farm.ErrInsufficientFunds),
		errors.Is(err, farm.ErrInsufficientSeeds),
		errors.Is(err, farm.ErrInsufficientQuantity),
		errors.Is(err, farm.ErrCropNotReady),
		errors.Is(err, farm.ErrNoHarvestItem):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, farm.ErrCellOccupied),
		errors.Is(err, farm.ErrUsernameTaken),
		errors.Is(err, farm.ErrTxConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request timed out")
	default:
		s.log.Error("request failed", "err", err, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
