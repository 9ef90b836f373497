package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWallet struct {
	accountInfoCalls atomic.Int32
	lastQuickpay     atomic.Value
}

func (f *fakeWallet) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/account-info", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		f.accountInfoCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"account": "4100111222333", "balance": 10})
	})
	mux.HandleFunc("POST /api/operation-history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		label := r.PostForm.Get("label")
		ops := []map[string]any{}
		if label == "bill-paid" {
			ops = append(ops,
				map[string]any{"operation_id": "1", "status": "success", "datetime": "2026-03-01T12:00:00Z", "amount": 147.75, "label": label, "direction": "in"},
				map[string]any{"operation_id": "2", "status": "success", "label": label, "direction": "out"},
			)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"operations": ops})
	})
	mux.HandleFunc("POST /quickpay/confirm.xml", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		f.lastQuickpay.Store(r.PostForm)
		http.Redirect(w, r, "https://yoomoney.example/transfer/quickpay?requestId=abc", http.StatusFound)
	})
	return mux
}

func newTestClient(t *testing.T, receiver string) (*YooMoney, *fakeWallet) {
	t.Helper()
	fake := &fakeWallet{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewYooMoney(Config{BaseURL: srv.URL, Token: "secret-token", Receiver: receiver, Timeout: 5 * time.Second}), fake
}

func TestCreatePaymentRequest(t *testing.T) {
	y, fake := newTestClient(t, "")

	link, err := y.CreatePaymentRequest(context.Background(), 150, "bill-1")
	require.NoError(t, err)
	assert.Equal(t, "https://yoomoney.example/transfer/quickpay?requestId=abc", link)

	form := fake.lastQuickpay.Load().(url.Values)
	assert.Equal(t, []string{"4100111222333"}, form["receiver"])
	assert.Equal(t, []string{"shop"}, form["quickpay-form"])
	assert.Equal(t, []string{"SB"}, form["paymentType"])
	assert.Equal(t, []string{"150"}, form["sum"])
	assert.Equal(t, []string{"bill-1"}, form["label"])

	_, err = y.CreatePaymentRequest(context.Background(), 150, "bill-2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.accountInfoCalls.Load())
}

func TestConfiguredReceiverSkipsLookup(t *testing.T) {
	y, fake := newTestClient(t, "4100999")

	_, err := y.CreatePaymentRequest(context.Background(), 150, "bill-1")
	require.NoError(t, err)
	assert.Zero(t, fake.accountInfoCalls.Load())
}

func TestSettledTransactions(t *testing.T) {
	y, _ := newTestClient(t, "4100999")

	records, err := y.SettledTransactions(context.Background(), "bill-paid")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "bill-paid", records[0].Label)
	assert.True(t, records[0].Settled())
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), records[0].At)

	records, err = y.SettledTransactions(context.Background(), "bill-unpaid")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	y := NewYooMoney(Config{BaseURL: srv.URL, Token: "bad", Timeout: time.Second})

	_, err := y.SettledTransactions(context.Background(), "x")
	require.Error(t, err)
	_, err = y.CreatePaymentRequest(context.Background(), 150, "x")
	require.Error(t, err)
}
