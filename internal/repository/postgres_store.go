package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/welldanyogia/jobportal-auth/internal/metrics"
)

// DBTX is the subset of pgx used by the repositories.
// Both *pgxpool.Pool and pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgRepositories binds every repository to the same DBTX
type pgRepositories struct {
	users    *userRepository
	history  *passwordHistoryRepository
	sessions *sessionRepository
	tokens   *tokenRepository
	audit    *auditRepository
}

func newPgRepositories(db DBTX) *pgRepositories {
	return &pgRepositories{
		users:    &userRepository{db: db},
		history:  &passwordHistoryRepository{db: db},
		sessions: &sessionRepository{db: db},
		tokens:   &tokenRepository{db: db},
		audit:    &auditRepository{db: db},
	}
}

func (r *pgRepositories) Users() UserRepository                      { return r.users }
func (r *pgRepositories) PasswordHistory() PasswordHistoryRepository { return r.history }
func (r *pgRepositories) Sessions() SessionRepository                { return r.sessions }
func (r *pgRepositories) Tokens() TokenRepository                    { return r.tokens }
func (r *pgRepositories) Audit() AuditRepository                     { return r.audit }

// PostgresStore implements Store on a pgx connection pool
type PostgresStore struct {
	*pgRepositories
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pgRepositories: newPgRepositories(pool),
		pool:           pool,
	}
}

// WithinTx runs fn in a read-committed transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	defer metrics.TimeQuery("transaction")()
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, newPgRepositories(tx))
	})
}

// isUniqueViolation reports whether err is a unique violation on constraint
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}
