package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	stdlog "log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mybook/mymarket/internal/auth"
	"github.com/mybook/mymarket/internal/config"
	"github.com/mybook/mymarket/internal/database"
	"github.com/mybook/mymarket/internal/logger"
	"github.com/mybook/mymarket/internal/models"
	"github.com/mybook/mymarket/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Load config: %v", err)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		stdlog.Fatalf("Build logger: %v", err)
	}
	defer log.Sync()

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	log.Info("connected to database")

	tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	r := chi.NewRouter()
	r.Use(requestLogger(log))

	r.Post("/members", handleJoin(db))
	r.Post("/login", handleLogin(db, tokens))
	r.Get("/members", handleListMembers(db))
	r.Get("/members/{id}", handleGetMember(db))

	r.Get("/listings", handleSearchListings(db))
	r.Get("/listings/{id}", handleGetListing(db))
	r.Get("/orders", handleSearchOrders(db))
	r.Get("/orders/{id}", handleGetOrder(db))

	r.Group(func(r chi.Router) {
		r.Use(tokens.Middleware)

		r.Put("/members/{id}", handleUpdateMember(db))
		r.Post("/listings", handleRegisterListing(db))
		r.Delete("/listings/{id}", handleCancelListing(db))
		r.Put("/items/{id}", handleUpdateItem(db))
		r.Post("/orders", handlePlaceOrder(db))
		r.Post("/orders/{id}/cancel", handleCancelOrder(db))
		r.Post("/orders/{id}/complete", handleCompleteDeal(db))
		r.Get("/my/listings", handleMyListings(db))
		r.Get("/my/orders", handleMyOrders(db))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Info("server starting", zap.String("port", cfg.Server.Port))
	if err := server.ListenAndServe(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type addressRequest struct {
	City    string `json:"city"`
	Street  string `json:"street"`
	Zipcode string `json:"zipcode"`
}

func (a addressRequest) toModel() models.Address {
	return models.Address{City: a.City, Street: a.Street, Zipcode: a.Zipcode}
}

func handleJoin(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Nickname string         `json:"nickname"`
			Password string         `json:"password"`
			UserName string         `json:"user_name"`
			Address  addressRequest `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Nickname == "" || req.Password == "" {
			respondError(w, http.StatusBadRequest, "nickname and password are required")
			return
		}

		member, err := store.JoinMember(r.Context(), db, store.JoinMemberRequest{
			Nickname: req.Nickname,
			Password: req.Password,
			UserName: req.UserName,
			Address:  req.Address.toModel(),
		})
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, member)
	}
}

func handleLogin(db *sql.DB, tokens *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Nickname string `json:"nickname"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		member, err := store.Authenticate(r.Context(), db, req.Nickname, req.Password)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		token, err := tokens.Issue(member.ID, member.Nickname)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"token":  token,
			"member": member,
		})
	}
}

func handleListMembers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := pageParams(r)

		result, err := store.ListMembers(r.Context(), db, page, pageSize)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetMember(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}

		member, err := store.GetMember(r.Context(), db, id)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, member)
	}
}

func handleUpdateMember(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		if memberID, _ := auth.MemberID(r.Context()); memberID != id {
			respondError(w, http.StatusForbidden, "cannot update another member")
			return
		}

		var req struct {
			Nickname string         `json:"nickname"`
			Password string         `json:"password"`
			UserName string         `json:"user_name"`
			Address  addressRequest `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		err := store.UpdateMember(r.Context(), db, id, store.UpdateMemberRequest{
			Nickname: req.Nickname,
			Password: req.Password,
			UserName: req.UserName,
			Address:  req.Address.toModel(),
		})
		if err != nil {
			respondDomainError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRegisterListing(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sellerID, _ := auth.MemberID(r.Context())

		var req struct {
			Name       string  `json:"name"`
			Author     string  `json:"author"`
			Category   string  `json:"category"`
			Descriptor string  `json:"descriptor"`
			Price      float64 `json:"price"`
			Quantity   int     `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		listingID, err := store.RegisterListing(r.Context(), db, sellerID, store.ItemInput{
			Name:       req.Name,
			Author:     req.Author,
			Descriptor: req.Descriptor,
			Price:      decimal.NewFromFloat(req.Price),
		}, req.Category, req.Quantity)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, map[string]int64{"listing_id": listingID})
	}
}

func handleSearchListings(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		search := store.ListingSearch{
			Nickname: r.URL.Query().Get("nickname"),
			ItemName: r.URL.Query().Get("item_name"),
			Status:   r.URL.Query().Get("status"),
		}

		// No filters: paged browse over everything.
		if search == (store.ListingSearch{}) {
			page, pageSize := pageParams(r)

			result, err := store.ListListings(r.Context(), db, page, pageSize)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusOK, result)
			return
		}

		listings, err := store.SearchListings(r.Context(), db, search)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, listings)
	}
}

func handleGetListing(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}

		listing, err := store.GetListing(r.Context(), db, id)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, listing)
	}
}

func handleCancelListing(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}

		if err := store.CancelListing(r.Context(), db, id); err != nil {
			respondDomainError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleUpdateItem(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}

		var req struct {
			Name          string  `json:"name"`
			Price         float64 `json:"price"`
			StockQuantity int     `json:"stock_quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		err := store.UpdateItem(r.Context(), db, id, req.Name, decimal.NewFromFloat(req.Price), req.StockQuantity)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		// The rewritten stock drives the listing status.
		if err := store.RefreshListingStatus(r.Context(), db, id, req.StockQuantity); err != nil {
			respondDomainError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePlaceOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buyerID, _ := auth.MemberID(r.Context())

		var req struct {
			ListingID int64  `json:"listing_id"`
			Count     int    `json:"count"`
			DealType  string `json:"deal_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		order, err := store.PlaceOrder(r.Context(), db, store.PlaceOrderRequest{
			BuyerID:   buyerID,
			ListingID: req.ListingID,
			Count:     req.Count,
			DealType:  req.DealType,
		})
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, order)
	}
}

func handleSearchOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orders, err := store.SearchOrders(r.Context(), db, store.OrderSearch{
			Nickname:    r.URL.Query().Get("nickname"),
			OrderStatus: r.URL.Query().Get("order_status"),
			DealStatus:  r.URL.Query().Get("deal_status"),
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, orders)
	}
}

func handleGetOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}

		order, err := store.GetOrder(r.Context(), db, id)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, order)
	}
}

func handleCancelOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}

		if err := store.CancelOrder(r.Context(), db, id); err != nil {
			respondDomainError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCompleteDeal(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}

		if err := store.CompleteDeal(r.Context(), db, id); err != nil {
			respondDomainError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleMyListings(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		memberID, _ := auth.MemberID(r.Context())

		listings, err := store.ListMyListings(r.Context(), db, memberID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, listings)
	}
}

func handleMyOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		memberID, _ := auth.MemberID(r.Context())

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 || limit > 100 {
			limit = 20
		}

		result, err := store.ListMyOrdersCursor(r.Context(), db, memberID, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrMemberNotFound),
		errors.Is(err, database.ErrListingNotFound),
		errors.Is(err, database.ErrItemNotFound),
		errors.Is(err, database.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrDuplicateMember),
		errors.Is(err, database.ErrListingCancelled),
		errors.Is(err, database.ErrOrderAlreadyCancelled),
		errors.Is(err, database.ErrDealCompleted):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
