package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/punchamoorthee/vpnledger/internal/service"
	"github.com/sirupsen/logrus"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpnledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vpnledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	ledger  *service.Ledger
	keys    *service.Provisioner
	billing *service.Billing
	servers *service.Servers
	gate    service.AccessGate
	log     logrus.FieldLogger
}

func NewHandler(ledger *service.Ledger, keys *service.Provisioner, billing *service.Billing, servers *service.Servers, gate service.AccessGate, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{ledger: ledger, keys: keys, billing: billing, servers: servers, gate: gate, log: log}
}

type issueKeyRequest struct {
	ServerID    int64  `json:"server_id"`
	DisplayName string `json:"display_name"`
	FullName    string `json:"full_name"`
}

type issueKeyResponse struct {
	Key     *domain.Key `json:"key"`
	Created bool        `json:"created"`
}

type billResponse struct {
	BillID     uuid.UUID `json:"bill_id"`
	Amount     int64     `json:"amount"`
	PaymentURL string    `json:"payment_url,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ListServers is public unless the caller names an account with
// ?account_id, in which case that account must pass the access gate.
// Management URLs never leave the service.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/servers"
	if raw := r.URL.Query().Get("account_id"); raw != "" {
		accountID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || accountID <= 0 {
			h.respondError(w, http.StatusBadRequest, "Invalid account id", r.Method, endpoint)
			return
		}
		if !h.allowed(w, r, accountID, endpoint) {
			return
		}
	}
	servers, err := h.servers.ListAvailable(r.Context())
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	if servers == nil {
		servers = []domain.Server{}
	}
	h.respondJSON(w, http.StatusOK, servers, r.Method, endpoint)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/balance"
	accountID, ok := h.authorize(w, r, endpoint)
	if !ok {
		return
	}
	balance, err := h.ledger.CurrentBalance(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int64{"account_id": accountID, "balance": balance}, r.Method, endpoint)
}

func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/keys"
	accountID, ok := h.authorize(w, r, endpoint)
	if !ok {
		return
	}
	keys, err := h.keys.Keys(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	if keys == nil {
		keys = []domain.Key{}
	}
	h.respondJSON(w, http.StatusOK, keys, r.Method, endpoint)
}

func (h *Handler) IssueKey(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/keys"
	accountID, ok := h.authorize(w, r, endpoint)
	if !ok {
		return
	}

	var req issueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", r.Method, endpoint)
		return
	}
	if req.ServerID <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "server_id is required", r.Method, endpoint)
		return
	}

	id := domain.Identity{AccountID: accountID, DisplayName: req.DisplayName, FullName: req.FullName}
	key, created, err := h.keys.IssueKey(r.Context(), id, req.ServerID)
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	h.respondJSON(w, code, issueKeyResponse{Key: key, Created: created}, r.Method, endpoint)
}

func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/bills"
	accountID, ok := h.authorize(w, r, endpoint)
	if !ok {
		return
	}

	bill, paymentURL, err := h.billing.CreateBill(r.Context(), accountID)
	if err != nil && bill != nil && errors.Is(err, service.ErrProvider) {
		h.log.WithError(err).WithField("bill_id", bill.ID).Warn("payment request failed")
		h.respondJSON(w, http.StatusBadGateway, billResponse{BillID: bill.ID, Amount: bill.Amount, Error: "Payment provider unavailable"}, r.Method, endpoint)
		return
	}
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, billResponse{BillID: bill.ID, Amount: bill.Amount, PaymentURL: paymentURL}, r.Method, endpoint)
}

func (h *Handler) ReconcileBills(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/bills/reconcile"
	accountID, ok := h.authorize(w, r, endpoint)
	if !ok {
		return
	}

	settled, err := h.billing.Reconcile(r.Context(), accountID)
	if err != nil {
		// Bills settled before the failure are already credited.
		h.log.WithError(err).WithField("account_id", accountID).Warn("reconcile incomplete")
	}
	if len(settled) == 0 && err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	if settled == nil {
		settled = []domain.Bill{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"settled": settled}, r.Method, endpoint)
}

func (h *Handler) ListPendingBills(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/bills"
	accountID, ok := h.authorize(w, r, endpoint)
	if !ok {
		return
	}

	bills, err := h.billing.PendingBills(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	if bills == nil {
		bills = []domain.Bill{}
	}
	h.respondJSON(w, http.StatusOK, bills, r.Method, endpoint)
}

func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/bills/{bill_id}"
	accountID, ok := h.authorize(w, r, endpoint)
	if !ok {
		return
	}
	billID, err := uuid.Parse(mux.Vars(r)["bill_id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid bill id", r.Method, endpoint)
		return
	}

	bill, err := h.billing.GetBill(r.Context(), billID)
	if err == nil && bill.AccountID != accountID {
		// Another account's bill is reported as missing.
		err = service.ErrBillNotFound
	}
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"bill": bill, "status": bill.Status()}, r.Method, endpoint)
}

func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/operations"
	accountID, ok := h.authorize(w, r, endpoint)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "Invalid limit", r.Method, endpoint)
			return
		}
		limit = n
	}
	ops, err := h.ledger.History(r.Context(), accountID, limit)
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	if ops == nil {
		ops = []domain.LedgerOperation{}
	}
	h.respondJSON(w, http.StatusOK, ops, r.Method, endpoint)
}

// authorize parses the account id and runs the capability check. It writes
// the response itself when the request must stop.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, endpoint string) (int64, bool) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || accountID <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid account id", r.Method, endpoint)
		return 0, false
	}
	if !h.allowed(w, r, accountID, endpoint) {
		return 0, false
	}
	return accountID, true
}

func (h *Handler) allowed(w http.ResponseWriter, r *http.Request, accountID int64, endpoint string) bool {
	allowed, err := h.gate.Allowed(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err, endpoint)
		return false
	}
	if !allowed {
		h.respondError(w, http.StatusForbidden, service.ErrAccessDenied.Error(), r.Method, endpoint)
		return false
	}
	return true
}

// fail maps service errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, endpoint string) {
	switch {
	case errors.Is(err, service.ErrInsufficientFunds):
		h.respondError(w, http.StatusPaymentRequired, "Insufficient funds", r.Method, endpoint)
	case errors.Is(err, service.ErrServerNotFound):
		h.respondError(w, http.StatusNotFound, "Server not found", r.Method, endpoint)
	case errors.Is(err, service.ErrBillNotFound):
		h.respondError(w, http.StatusNotFound, "Bill not found", r.Method, endpoint)
	case errors.Is(err, service.ErrAccessDenied):
		h.respondError(w, http.StatusForbidden, "Access denied", r.Method, endpoint)
	case errors.Is(err, service.ErrProvider):
		h.log.WithError(err).WithField("endpoint", endpoint).Warn("provider failure")
		h.respondError(w, http.StatusBadGateway, "Upstream provider unavailable", r.Method, endpoint)
	default:
		h.log.WithError(err).WithField("endpoint", endpoint).Error("request failed")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, endpoint)
	}
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

// timed observes latency under the route template.
func timed(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestLogger logs one line per request.
func requestLogger(log logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.WithFields(logrus.Fields{
				"method":  r.Method,
				"path":    r.URL.Path,
				"status":  rec.status,
				"latency": time.Since(start).String(),
			}).Info("request")
		})
	}
}
