package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/payrelay/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the relay.
// Lookups that match nothing return pgx.ErrNoRows.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanner is satisfied by pgx.Row and pgx.CollectableRow.
type scanner interface {
	Scan(dest ...any) error
}

// record is deferred with a pointer to the caller's named error result.
func (s *Store) record(operation, table string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	err := *errp
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
}

// User is a chat identity known to the relay.
type User struct {
	TgUserID  int64
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const userColumns = `tg_user_id, username, created_at, updated_at`

func scanUser(row scanner) (*User, error) {
	var u User
	if err := row.Scan(&u.TgUserID, &u.Username, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// normalizeUsername strips a leading "@" and surrounding space.
func normalizeUsername(username string) string {
	return strings.TrimPrefix(strings.TrimSpace(username), "@")
}

// EnsureUser creates the user if missing. A non-empty username replaces the
// stored one; an empty username leaves it unchanged.
func (s *Store) EnsureUser(ctx context.Context, tgUserID int64, username string) (user *User, err error) {
	defer s.record("upsert", "users", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (tg_user_id, username)
		VALUES ($1, $2)
		ON CONFLICT (tg_user_id) DO UPDATE
		SET username = CASE WHEN EXCLUDED.username = '' THEN users.username ELSE EXCLUDED.username END,
		    updated_at = NOW()
		RETURNING `+userColumns,
		tgUserID, normalizeUsername(username),
	)
	return scanUser(row)
}

// GetUser retrieves a user by chat id.
func (s *Store) GetUser(ctx context.Context, tgUserID int64) (user *User, err error) {
	defer s.record("select", "users", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE tg_user_id = $1`, tgUserID)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username, ignoring case and a
// leading "@".
func (s *Store) GetUserByUsername(ctx context.Context, username string) (user *User, err error) {
	defer s.record("select", "users", time.Now(), &err)

	name := normalizeUsername(username)
	if name == "" {
		return nil, pgx.ErrNoRows
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE LOWER(username) = LOWER($1)
		ORDER BY updated_at DESC
		LIMIT 1`,
		name,
	)
	return scanUser(row)
}

// FindUser resolves ref as "@username", a numeric chat id, or a bare
// username, in that order.
func (s *Store) FindUser(ctx context.Context, ref string) (*User, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "@") {
		return s.GetUserByUsername(ctx, ref)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		user, err := s.GetUser(ctx, id)
		if !errors.Is(err, pgx.ErrNoRows) {
			return user, err
		}
	}
	return s.GetUserByUsername(ctx, ref)
}

// Wallet is a wallet address linked to a user. The relay stores public
// addresses only.
type Wallet struct {
	ID        int64
	TgUserID  int64
	Address   string
	Label     string
	IsActive  bool
	CreatedAt time.Time
}

const walletColumns = `id, tg_user_id, address, label, is_active, created_at`

func scanWallet(row scanner) (*Wallet, error) {
	var w Wallet
	if err := row.Scan(&w.ID, &w.TgUserID, &w.Address, &w.Label, &w.IsActive, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// LinkWalletParams contains the parameters for linking a wallet.
type LinkWalletParams struct {
	TgUserID   int64
	Address    string
	Label      string
	MakeActive bool
}

// LinkWallet links an address to a user. Linking an address twice is a
// no-op apart from the label and, with MakeActive, the active flag. The user
// must already exist.
func (s *Store) LinkWallet(ctx context.Context, params LinkWalletParams) (wallet *Wallet, err error) {
	defer s.record("upsert", "wallets", time.Now(), &err)

	label := params.Label
	if label == "" {
		label = "Phantom"
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if params.MakeActive {
			if _, err := tx.Exec(ctx,
				`UPDATE wallets SET is_active = FALSE WHERE tg_user_id = $1 AND address <> $2`,
				params.TgUserID, params.Address,
			); err != nil {
				return fmt.Errorf("failed to deactivate wallets: %w", err)
			}
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO wallets (tg_user_id, address, label, is_active)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tg_user_id, address) DO UPDATE
			SET label = EXCLUDED.label,
			    is_active = wallets.is_active OR EXCLUDED.is_active
			RETURNING `+walletColumns,
			params.TgUserID, params.Address, label, params.MakeActive,
		)
		var err error
		wallet, err = scanWallet(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// ListWallets returns a user's wallets, oldest first.
func (s *Store) ListWallets(ctx context.Context, tgUserID int64) (wallets []*Wallet, err error) {
	defer s.record("select", "wallets", time.Now(), &err)

	rows, err := s.pool.Query(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tg_user_id = $1 ORDER BY created_at, id`,
		tgUserID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Wallet, error) {
		return scanWallet(row)
	})
}

// SetActiveWallet makes address the user's only active wallet. It returns
// pgx.ErrNoRows if the address is not linked to the user.
func (s *Store) SetActiveWallet(ctx context.Context, tgUserID int64, address string) (wallet *Wallet, err error) {
	defer s.record("update", "wallets", time.Now(), &err)

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE wallets SET is_active = FALSE WHERE tg_user_id = $1 AND address <> $2`,
			tgUserID, address,
		); err != nil {
			return fmt.Errorf("failed to deactivate wallets: %w", err)
		}

		row := tx.QueryRow(ctx, `
			UPDATE wallets SET is_active = TRUE
			WHERE tg_user_id = $1 AND address = $2
			RETURNING `+walletColumns,
			tgUserID, address,
		)
		var err error
		wallet, err = scanWallet(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// GetActiveWallet returns the user's active wallet.
func (s *Store) GetActiveWallet(ctx context.Context, tgUserID int64) (wallet *Wallet, err error) {
	defer s.record("select", "wallets", time.Now(), &err)

	row := s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tg_user_id = $1 AND is_active`,
		tgUserID,
	)
	return scanWallet(row)
}

// DisconnectWallet unlinks address from the user. It returns pgx.ErrNoRows
// if nothing was linked.
func (s *Store) DisconnectWallet(ctx context.Context, tgUserID int64, address string) (err error) {
	defer s.record("delete", "wallets", time.Now(), &err)

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM wallets WHERE tg_user_id = $1 AND address = $2`,
		tgUserID, address,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
