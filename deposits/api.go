package deposits

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adagate/adagate/logging"
)

// API is the settler's HTTP surface: creating deposit payments and reading
// their status. Authentication and rate limiting happen at the edge, same
// as the gateway.
type API struct {
	logger    logging.Logger
	store     Store
	allocator *Allocator
	expiry    time.Duration
}

// NewAPI builds the payments API around a store and an allocator.
func NewAPI(logger logging.Logger, store Store, allocator *Allocator, expiry time.Duration) *API {
	return &API{
		logger:    logging.ForComponent(logger, logging.ComponentPaymentsAPI),
		store:     store,
		allocator: allocator,
		expiry:    expiry,
	}
}

// Handler returns the API's HTTP handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payments", a.handlePayments)
	mux.HandleFunc("/v1/payments/", a.handlePaymentByID)
	return mux
}

// createPaymentRequest is the POST /v1/payments body.
type createPaymentRequest struct {
	UserID         string `json:"userId"`
	AmountLovelace int64  `json:"amountLovelace"`
	Credits        int64  `json:"credits"`
}

// paymentResponse is the JSON shape of a payment.
type paymentResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Address        string    `json:"address"`
	AmountLovelace int64     `json:"amountLovelace"`
	Credits        int64     `json:"credits"`
	Status         Status    `json:"status"`
	TxID           *string   `json:"txId,omitempty"`
	Confirmations  int64     `json:"confirmations"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	StatusMessage  string    `json:"statusMessage,omitempty"`
}

func toPaymentResponse(p *Payment) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		UserID:         p.UserID,
		Address:        p.Address,
		AmountLovelace: p.AmountLovelace,
		Credits:        p.Credits,
		Status:         p.Status,
		TxID:           p.TxID,
		Confirmations:  p.Confirmations,
		CreatedAt:      p.CreatedAt,
		ExpiresAt:      p.ExpiresAt,
		StatusMessage:  p.StatusMessage,
	}
}

func (a *API) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeAPIError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.AmountLovelace <= 0 || req.Credits <= 0 {
		writeAPIError(w, http.StatusBadRequest, "amountLovelace and credits must be positive")
		return
	}

	payment, err := a.allocator.CreatePayment(
		r.Context(),
		newPaymentID(),
		req.UserID,
		req.AmountLovelace,
		req.Credits,
		a.expiry,
	)
	if err != nil {
		a.logger.Error().Err(err).
			Str(logging.FieldUserID, req.UserID).
			Msg("failed to create payment")
		writeAPIError(w, http.StatusInternalServerError, "failed to create payment")
		return
	}

	writeJSON(w, http.StatusCreated, toPaymentResponse(payment))
}

func (a *API) handlePaymentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
	if id == "" || strings.Contains(id, "/") {
		writeAPIError(w, http.StatusNotFound, "payment not found")
		return
	}

	payment, err := a.store.GetPayment(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			writeAPIError(w, http.StatusNotFound, "payment not found")
			return
		}
		a.logger.Error().Err(err).
			Str(logging.FieldPaymentID, id).
			Msg("failed to load payment")
		writeAPIError(w, http.StatusInternalServerError, "failed to load payment")
		return
	}

	writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

// Serve runs the API on addr until ctx is cancelled.
func (a *API) Serve(ctx context.Context, addr string) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go logging.RecoverGoRoutine(a.logger, "payments_api_serve", func(context.Context) {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("payments API server error")
		}
	})(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// newPaymentID generates a random payment id.
func newPaymentID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("pay_%s", hex.EncodeToString(buf))
}
