package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is the billing identity of a chat user. Its balance is never stored;
// it is the sum of the account's ledger operations.
type Account struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	FullName    string    `json:"full_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Identity is what the chat transport knows about the user on every interaction.
type Identity struct {
	AccountID   int64  `json:"account_id"`
	DisplayName string `json:"display_name"`
	FullName    string `json:"full_name"`
}

// Account converts the identity into an upsertable account row.
func (i Identity) Account() Account {
	return Account{ID: i.AccountID, DisplayName: i.DisplayName, FullName: i.FullName}
}

// OperationKind tags why a ledger operation was recorded.
type OperationKind string

const (
	KindBillPayment      OperationKind = "bill_payment"
	KindKeyIssue         OperationKind = "key_issue"
	KindMonthlyFee       OperationKind = "monthly_fee"
	KindManualAdjustment OperationKind = "manual_adjustment"
)

// LedgerOperation is one immutable signed entry. Credits are positive, debits negative.
type LedgerOperation struct {
	ID        int64         `json:"id"`
	AccountID int64         `json:"account_id"`
	Amount    int64         `json:"amount"`
	Kind      OperationKind `json:"kind"`
	Reference string        `json:"reference,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// BillStatus is derived from PaidAt and Active.
type BillStatus string

const (
	BillPending   BillStatus = "pending"
	BillSettled   BillStatus = "settled"
	BillDiscarded BillStatus = "discarded"
)

// Bill is a request to collect funds through the payment provider.
// The ID doubles as the correlation label sent to the provider.
type Bill struct {
	ID        uuid.UUID  `json:"id"`
	AccountID int64      `json:"account_id"`
	Amount    int64      `json:"amount"`
	IssuedAt  time.Time  `json:"issued_at"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	Active    bool       `json:"active"`
}

func (b Bill) Status() BillStatus {
	switch {
	case b.PaidAt != nil:
		return BillSettled
	case !b.Active:
		return BillDiscarded
	default:
		return BillPending
	}
}

// Key is a provisioned VPN credential. At most one active key exists per
// (AccountID, ServerID).
type Key struct {
	ID            int64      `json:"id"`
	AccountID     int64      `json:"account_id"`
	ServerID      int64      `json:"server_id"`
	Label         string     `json:"label"`
	AccessURL     string     `json:"access_url"`
	LastChargedAt *time.Time `json:"last_charged_at,omitempty"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Provisioned reports whether the VPN API has returned key material for this key.
func (k Key) Provisioned() bool {
	return k.AccessURL != ""
}

// Server describes a VPN endpoint. CertSHA256, when set, pins the management API certificate.
type Server struct {
	ID         int64  `json:"id"`
	Address    string `json:"address"`
	RegionCode string `json:"region_code"`
	APIURL     string `json:"-"`
	CertSHA256 string `json:"-"`
	Active     bool   `json:"active"`
}

// Settlement is one record of the payment provider's transaction history.
type Settlement struct {
	OperationID string    `json:"operation_id"`
	Label       string    `json:"label"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}

const settlementSuccess = "success"

func (s Settlement) Settled() bool {
	return s.Status == settlementSuccess
}
