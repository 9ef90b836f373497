package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/punchamoorthee/vpnledger/internal/domain"
	"github.com/punchamoorthee/vpnledger/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// KeyCreator creates access keys on a VPN server.
type KeyCreator interface {
	CreateKey(ctx context.Context, server domain.Server, label string) (accessURL string, err error)
}

// Provisioner issues VPN keys against the account balance.
type Provisioner struct {
	store   store.Store
	vpn     KeyCreator
	pricing Pricing
	log     logrus.FieldLogger
	now     Clock

	// inflight collapses concurrent VPN calls for the same key row.
	inflight singleflight.Group
}

func NewProvisioner(s store.Store, vpn KeyCreator, pricing Pricing, log logrus.FieldLogger, now Clock) *Provisioner {
	log, now = orDefaults(log, now)
	return &Provisioner{store: s, vpn: vpn, pricing: pricing, log: log, now: now}
}

// IssueKey returns the account's active key on serverID, creating and
// charging for it when none exists. created is false for an existing key.
//
// The debit and the key row commit together before the VPN API is called.
// If that call fails the debit stays; a later IssueKey for the same pair
// retries the call without charging again.
func (p *Provisioner) IssueKey(ctx context.Context, id domain.Identity, serverID int64) (*domain.Key, bool, error) {
	var (
		key     *domain.Key
		server  *domain.Server
		created bool
	)

	err := p.store.InTx(ctx, func(q store.Queries) error {
		if err := q.UpsertAccount(ctx, id.Account()); err != nil {
			return err
		}
		// Serializes issuance for the account, and so for every (account, server) pair.
		if err := q.LockAccount(ctx, id.AccountID); err != nil {
			return err
		}

		srv, err := q.GetServer(ctx, serverID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrServerNotFound
		}
		if err != nil {
			return err
		}
		server = srv

		existing, err := q.GetActiveKey(ctx, id.AccountID, serverID)
		if err == nil {
			key = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if !srv.Active {
			return ErrServerNotFound
		}

		balance, err := q.CurrentBalance(ctx, id.AccountID)
		if err != nil {
			return err
		}
		if balance < p.pricing.MonthlyFee {
			return ErrInsufficientFunds
		}

		now := p.now()
		key = &domain.Key{
			AccountID:     id.AccountID,
			ServerID:      serverID,
			Label:         keyLabel(id),
			LastChargedAt: &now,
		}
		if err := q.InsertKey(ctx, key); err != nil {
			return err
		}
		if err := q.RecordOperation(ctx, &domain.LedgerOperation{
			AccountID: id.AccountID,
			Amount:    -p.pricing.MonthlyFee,
			Kind:      domain.KindKeyIssue,
			Reference: keyReference(key.ID),
		}); err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// Lost a race the account lock should have prevented; the winner's key stands.
		existing, getErr := p.store.GetActiveKey(ctx, id.AccountID, serverID)
		if getErr != nil {
			return nil, false, fmt.Errorf("issue key: %w", getErr)
		}
		key, created, err = existing, false, nil
		if server, err = p.store.GetServer(ctx, serverID); err != nil {
			return nil, false, fmt.Errorf("issue key: %w", err)
		}
	}
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrServerNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("issue key for account %d on server %d: %w", id.AccountID, serverID, err)
	}

	logger := p.log.WithFields(logrus.Fields{
		"account_id": id.AccountID,
		"server_id":  serverID,
		"key_id":     key.ID,
	})
	if created {
		logger.Info("key charged and reserved")
	}
	if key.Provisioned() {
		return key, created, nil
	}

	if err := p.provision(ctx, *server, key); err != nil {
		logger.WithError(err).Error("key provisioning failed after debit")
		return nil, false, err
	}
	logger.Info("key provisioned")
	return key, created, nil
}

// provision fetches key material from the VPN API outside any transaction.
// Concurrent callers for one key share a single call, and a caller arriving
// after it finished picks up the stored URL instead of calling again.
// The shared call is detached from the first caller's cancellation and
// bounded by the provider timeout alone.
func (p *Provisioner) provision(ctx context.Context, server domain.Server, key *domain.Key) error {
	ch := p.inflight.DoChan(strconv.FormatInt(key.ID, 10), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.pricing.ProviderTimeout)
		defer cancel()

		current, err := p.store.GetActiveKey(ctx, key.AccountID, key.ServerID)
		if err == nil && current.ID == key.ID && current.Provisioned() {
			return current.AccessURL, nil
		}

		accessURL, err := p.vpn.CreateKey(ctx, server, key.Label)
		if err != nil {
			return nil, fmt.Errorf("%w: create key on server %d: %v", ErrProvider, server.ID, err)
		}
		if err := p.store.SetKeyAccessURL(ctx, key.ID, accessURL); err != nil {
			return nil, fmt.Errorf("save access url for key %d: %w", key.ID, err)
		}
		return accessURL, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		key.AccessURL = res.Val.(string)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provisioner) Keys(ctx context.Context, accountID int64) ([]domain.Key, error) {
	keys, err := p.store.ListKeys(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("keys for account %d: %w", accountID, err)
	}
	return keys, nil
}

// keyLabel names the key on the VPN server. The account id prefix keeps
// labels unique per account, since the server reuses a key by its name.
func keyLabel(id domain.Identity) string {
	label := strconv.FormatInt(id.AccountID, 10)
	if name := strings.TrimSpace(id.DisplayName); name != "" {
		label += ":" + name
	}
	return label
}

func keyReference(keyID int64) string {
	return "key:" + strconv.FormatInt(keyID, 10)
}
