// Package payment is the YooMoney wallet client used for bills.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://yoomoney.ru"
	defaultTargets = "Monthly VPN subscription"
	historyRecords = 30
)

var ErrNoRedirect = errors.New("quickpay form did not redirect to a payment page")

type Config struct {
	BaseURL  string
	Token    string
	Receiver string // wallet number; looked up via account-info when empty
	Targets  string
	Timeout  time.Duration
}

// YooMoney creates quickpay payment links and reads the wallet's operation
// history.
type YooMoney struct {
	baseURL string
	targets string
	api     *http.Client
	form    *http.Client

	mu       sync.Mutex
	receiver string
}

func NewYooMoney(cfg Config) *YooMoney {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Targets == "" {
		cfg.Targets = defaultTargets
	}
	base := &http.Client{Timeout: cfg.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	api := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}))
	api.Timeout = cfg.Timeout

	return &YooMoney{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		targets:  cfg.Targets,
		api:      api,
		receiver: cfg.Receiver,
		form: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// CreatePaymentRequest posts a shop quickpay form and returns the payment
// page it redirects to. label comes back in the operation history once paid.
func (y *YooMoney) CreatePaymentRequest(ctx context.Context, amount int64, label string) (string, error) {
	receiver, err := y.Receiver(ctx)
	if err != nil {
		return "", err
	}
	form := url.Values{
		"receiver":      {receiver},
		"quickpay-form": {"shop"},
		"targets":       {y.targets},
		"paymentType":   {"SB"},
		"sum":           {strconv.FormatInt(amount, 10)},
		"label":         {label},
	}
	req, err := newFormRequest(ctx, y.baseURL+"/quickpay/confirm.xml", form)
	if err != nil {
		return "", err
	}
	resp, err := y.form.Do(req)
	if err != nil {
		return "", fmt.Errorf("quickpay: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("quickpay: status %d: %w", resp.StatusCode, ErrNoRedirect)
	}
	loc, err := resp.Location()
	if err != nil {
		return "", fmt.Errorf("quickpay: %w", ErrNoRedirect)
	}
	return loc.String(), nil
}

// Receiver returns the configured wallet number, asking account-info once
// when none was configured.
func (y *YooMoney) Receiver(ctx context.Context) (string, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.receiver != "" {
		return y.receiver, nil
	}
	var info struct {
		Account string `json:"account"`
	}
	if err := y.call(ctx, "/api/account-info", nil, &info); err != nil {
		return "", err
	}
	if info.Account == "" {
		return "", errors.New("account-info returned no wallet number")
	}
	y.receiver = info.Account
	return y.receiver, nil
}

type operation struct {
	OperationID string  `json:"operation_id"`
	Status      string  `json:"status"`
	Datetime    string  `json:"datetime"`
	Amount      float64 `json:"amount"`
	Label       string  `json:"label"`
	Direction   string  `json:"direction"`
}

// SettledTransactions returns the incoming operations carrying label.
func (y *YooMoney) SettledTransactions(ctx context.Context, label string) ([]domain.Settlement, error) {
	form := url.Values{
		"label":   {label},
		"type":    {"deposition"},
		"records": {strconv.Itoa(historyRecords)},
	}
	var body struct {
		Error      string      `json:"error"`
		Operations []operation `json:"operations"`
	}
	if err := y.call(ctx, "/api/operation-history", form, &body); err != nil {
		return nil, err
	}
	if body.Error != "" {
		return nil, fmt.Errorf("operation-history: %s", body.Error)
	}

	out := make([]domain.Settlement, 0, len(body.Operations))
	for _, op := range body.Operations {
		if op.Direction != "" && op.Direction != "in" {
			continue
		}
		at, _ := time.Parse(time.RFC3339, op.Datetime)
		out = append(out, domain.Settlement{
			OperationID: op.OperationID,
			Label:       op.Label,
			Amount:      op.Amount,
			Status:      op.Status,
			At:          at,
		})
	}
	return out, nil
}

func (y *YooMoney) call(ctx context.Context, path string, form url.Values, out any) error {
	req, err := newFormRequest(ctx, y.baseURL+path, form)
	if err != nil {
		return err
	}
	resp, err := y.api.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func newFormRequest(ctx context.Context, target string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}
