package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(h.log))
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/servers", timed("/servers", h.ListServers)).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/balance", timed("/accounts/{id}/balance", h.GetBalance)).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/keys", timed("/accounts/{id}/keys", h.ListKeys)).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/keys", timed("/accounts/{id}/keys", h.IssueKey)).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/bills", timed("/accounts/{id}/bills", h.ListPendingBills)).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/bills", timed("/accounts/{id}/bills", h.CreateBill)).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/bills/reconcile", timed("/accounts/{id}/bills/reconcile", h.ReconcileBills)).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/bills/{bill_id}", timed("/accounts/{id}/bills/{bill_id}", h.GetBill)).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/operations", timed("/accounts/{id}/operations", h.ListOperations)).Methods("GET")
	return r
}
