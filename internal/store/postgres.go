package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/vpnledger/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	queries
	Db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{queries: queries{db: pool}, Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// InTx runs fn in a read-committed transaction. The deferred rollback is a
// no-op after a successful commit.
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) (err error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(queries{db: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type queries struct {
	db dbtx
}

func (q queries) UpsertAccount(ctx context.Context, acc domain.Account) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO accounts (id, display_name, full_name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, full_name = EXCLUDED.full_name`,
		acc.ID, acc.DisplayName, acc.FullName,
	)
	if err != nil {
		return fmt.Errorf("account upsert failed: %w", err)
	}
	return nil
}

func (q queries) LockAccount(ctx context.Context, accountID int64) error {
	var id int64
	err := q.db.QueryRow(ctx, "SELECT id FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	return nil
}

// ensureAccount creates a bare account row so ledger, key and bill rows can
// reference accounts that never went through UpsertAccount.
func (q queries) ensureAccount(ctx context.Context, accountID int64) error {
	if _, err := q.db.Exec(ctx,
		"INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", accountID,
	); err != nil {
		return fmt.Errorf("account ensure failed: %w", err)
	}
	return nil
}

func (q queries) RecordOperation(ctx context.Context, op *domain.LedgerOperation) error {
	if err := q.ensureAccount(ctx, op.AccountID); err != nil {
		return err
	}

	err := q.db.QueryRow(ctx, `
		INSERT INTO ledger_operations (account_id, amount, kind, reference)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		op.AccountID, op.Amount, string(op.Kind), op.Reference,
	).Scan(&op.ID, &op.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

func (q queries) CurrentBalance(ctx context.Context, accountID int64) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0)::BIGINT FROM ledger_operations WHERE account_id = $1",
		accountID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return balance, nil
}

func (q queries) ListOperations(ctx context.Context, accountID int64, limit int) ([]domain.LedgerOperation, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, account_id, amount, kind, reference, created_at
		FROM ledger_operations WHERE account_id = $1
		ORDER BY id DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger query failed: %w", err)
	}
	defer rows.Close()

	var ops []domain.LedgerOperation
	for rows.Next() {
		var op domain.LedgerOperation
		var kind string
		if err := rows.Scan(&op.ID, &op.AccountID, &op.Amount, &kind, &op.Reference, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger scan failed: %w", err)
		}
		op.Kind = domain.OperationKind(kind)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (q queries) CreateServer(ctx context.Context, srv *domain.Server) error {
	err := q.db.QueryRow(ctx, `
		INSERT INTO servers (address, region_code, api_url, cert_sha256, is_active)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		srv.Address, srv.RegionCode, srv.APIURL, srv.CertSHA256, srv.Active,
	).Scan(&srv.ID)
	if err != nil {
		return fmt.Errorf("server insert failed: %w", err)
	}
	return nil
}

const serverColumns = "id, address, region_code, api_url, cert_sha256, is_active"

func scanServer(row pgx.Row) (domain.Server, error) {
	var srv domain.Server
	err := row.Scan(&srv.ID, &srv.Address, &srv.RegionCode, &srv.APIURL, &srv.CertSHA256, &srv.Active)
	return srv, err
}

func (q queries) GetServer(ctx context.Context, id int64) (*domain.Server, error) {
	srv, err := scanServer(q.db.QueryRow(ctx, "SELECT "+serverColumns+" FROM servers WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("server query failed: %w", err)
	}
	return &srv, nil
}

func (q queries) ListActiveServers(ctx context.Context) ([]domain.Server, error) {
	return q.listServers(ctx, "SELECT "+serverColumns+" FROM servers WHERE is_active ORDER BY id")
}

func (q queries) ListServers(ctx context.Context) ([]domain.Server, error) {
	return q.listServers(ctx, "SELECT "+serverColumns+" FROM servers ORDER BY id")
}

func (q queries) listServers(ctx context.Context, query string) ([]domain.Server, error) {
	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("server query failed: %w", err)
	}
	defer rows.Close()

	var servers []domain.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("server scan failed: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

const keyColumns = "id, account_id, server_id, label, access_url, last_charged_at, is_active, created_at"

func scanKey(row pgx.Row) (domain.Key, error) {
	var k domain.Key
	err := row.Scan(&k.ID, &k.AccountID, &k.ServerID, &k.Label, &k.AccessURL, &k.LastChargedAt, &k.Active, &k.CreatedAt)
	return k, err
}

func (q queries) collectKeys(ctx context.Context, sql string, args ...any) ([]domain.Key, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("key query failed: %w", err)
	}
	defer rows.Close()

	var keys []domain.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("key scan failed: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (q queries) GetActiveKey(ctx context.Context, accountID, serverID int64) (*domain.Key, error) {
	k, err := scanKey(q.db.QueryRow(ctx,
		"SELECT "+keyColumns+" FROM vpn_keys WHERE account_id = $1 AND server_id = $2 AND is_active",
		accountID, serverID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("key query failed: %w", err)
	}
	return &k, nil
}

func (q queries) InsertKey(ctx context.Context, key *domain.Key) error {
	if err := q.ensureAccount(ctx, key.AccountID); err != nil {
		return err
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO vpn_keys (account_id, server_id, label, access_url, last_charged_at, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id, created_at`,
		key.AccountID, key.ServerID, key.Label, key.AccessURL, key.LastChargedAt,
	).Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateKey
		}
		return fmt.Errorf("key insert failed: %w", err)
	}
	key.Active = true
	return nil
}

func (q queries) SetKeyAccessURL(ctx context.Context, keyID int64, accessURL string) error {
	tag, err := q.db.Exec(ctx, "UPDATE vpn_keys SET access_url = $1 WHERE id = $2", accessURL, keyID)
	if err != nil {
		return fmt.Errorf("key update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q queries) ListKeys(ctx context.Context, accountID int64) ([]domain.Key, error) {
	return q.collectKeys(ctx, "SELECT "+keyColumns+" FROM vpn_keys WHERE account_id = $1 ORDER BY id", accountID)
}

func (q queries) ListKeysDue(ctx context.Context, cutoff time.Time) ([]domain.Key, error) {
	return q.collectKeys(ctx, "SELECT "+keyColumns+` FROM vpn_keys
		WHERE is_active AND (last_charged_at IS NULL OR last_charged_at < $1)
		ORDER BY id`, cutoff)
}

func (q queries) MarkKeyCharged(ctx context.Context, keyID int64, cutoff, now time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE vpn_keys SET last_charged_at = $1
		WHERE id = $2 AND is_active AND (last_charged_at IS NULL OR last_charged_at < $3)`,
		now, keyID, cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("key charge update failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) InsertBill(ctx context.Context, bill *domain.Bill) error {
	if err := q.ensureAccount(ctx, bill.AccountID); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO bills (id, account_id, amount, issued_at, is_active)
		VALUES ($1, $2, $3, $4, TRUE)`,
		bill.ID, bill.AccountID, bill.Amount, bill.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("bill insert failed: %w", err)
	}
	bill.Active = true
	return nil
}

const billColumns = "id, account_id, amount, issued_at, paid_at, is_active"

func scanBill(row pgx.Row) (domain.Bill, error) {
	var b domain.Bill
	err := row.Scan(&b.ID, &b.AccountID, &b.Amount, &b.IssuedAt, &b.PaidAt, &b.Active)
	return b, err
}

func (q queries) GetBill(ctx context.Context, id uuid.UUID) (*domain.Bill, error) {
	b, err := scanBill(q.db.QueryRow(ctx, "SELECT "+billColumns+" FROM bills WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bill query failed: %w", err)
	}
	return &b, nil
}

func (q queries) ListPendingBills(ctx context.Context, accountID int64) ([]domain.Bill, error) {
	rows, err := q.db.Query(ctx, "SELECT "+billColumns+` FROM bills
		WHERE account_id = $1 AND paid_at IS NULL AND is_active
		ORDER BY issued_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("bill query failed: %w", err)
	}
	defer rows.Close()

	var bills []domain.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, fmt.Errorf("bill scan failed: %w", err)
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func (q queries) ListAccountsWithPendingBills(ctx context.Context) ([]int64, error) {
	rows, err := q.db.Query(ctx,
		"SELECT DISTINCT account_id FROM bills WHERE paid_at IS NULL AND is_active ORDER BY account_id")
	if err != nil {
		return nil, fmt.Errorf("bill query failed: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("bill scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q queries) MarkBillPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx,
		"UPDATE bills SET paid_at = $1 WHERE id = $2 AND paid_at IS NULL AND is_active",
		paidAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("bill update failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) DiscardStaleBills(ctx context.Context, issuedBefore time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		"UPDATE bills SET is_active = FALSE WHERE paid_at IS NULL AND is_active AND issued_at < $1",
		issuedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("bill discard failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
