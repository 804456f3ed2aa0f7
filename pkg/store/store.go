package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/ctflabs/paddock/pkg/types"
)

// The workload is low-QPS admin traffic; a small pool is plenty.
const maxOpenConns = 5

var (
	// ErrNotFound is returned when no matching deployment row exists
	ErrNotFound = errors.New("deployment not found")

	// ErrAlreadyDestroyed rejects teardown of a row that is already terminal
	ErrAlreadyDestroyed = errors.New("deployment already destroyed")

	// ErrNotYetDeployed rejects teardown racing against an in-flight deploy
	ErrNotYetDeployed = errors.New("deployment has not finished deploying")
)

// AlreadyDeployedError is returned by Claim when the (challenge, team) slot
// already holds a live deployment. It carries the existing public id so the
// caller can point the client at it.
type AlreadyDeployedError struct {
	PublicID string
}

func (e *AlreadyDeployedError) Error() string {
	return fmt.Sprintf("challenge already deployed as %s", e.PublicID)
}

// Store persists deployment rows in Postgres. All mutations are transactional;
// the deploy engine holds one outer transaction per attempt.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres via the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests with a mock driver
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for lookups that join service-owned tables
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin opens the outer transaction a deploy attempt runs under
func (s *Store) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Claim inserts a fresh pending row for the (challenge, team) slot, or fails
// with AlreadyDeployedError if the slot holds a live row. Two concurrent
// claims race on the partial unique index; exactly one wins.
func (s *Store) Claim(ctx context.Context, challengeID int64, teamID *int64) (*types.Deployment, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing types.Deployment
	err = tx.GetContext(ctx, &existing,
		`SELECT * FROM challenge_deployments
		 WHERE team_id IS NOT DISTINCT FROM $1 AND challenge_id = $2 AND destroyed_at IS NULL`,
		teamID, challengeID)
	switch {
	case err == nil:
		return &existing, &AlreadyDeployedError{PublicID: existing.PublicID}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to query active deployment: %w", err)
	}

	var dep types.Deployment
	err = tx.GetContext(ctx, &dep,
		`INSERT INTO challenge_deployments (public_id, team_id, challenge_id)
		 VALUES ($1, $2, $3) RETURNING *`,
		uuid.NewString(), teamID, challengeID)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race; fetch the winner for its public id.
			winner, aerr := s.Active(ctx, challengeID, teamID)
			if aerr == nil {
				return winner, &AlreadyDeployedError{PublicID: winner.PublicID}
			}
			return nil, &AlreadyDeployedError{}
		}
		return nil, fmt.Errorf("failed to insert deployment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return &dep, nil
}

// Active returns the live (non-destroyed) row for a slot, or ErrNotFound
func (s *Store) Active(ctx context.Context, challengeID int64, teamID *int64) (*types.Deployment, error) {
	var dep types.Deployment
	err := s.db.GetContext(ctx, &dep,
		`SELECT * FROM challenge_deployments
		 WHERE team_id IS NOT DISTINCT FROM $1 AND challenge_id = $2 AND destroyed_at IS NULL`,
		teamID, challengeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active deployment: %w", err)
	}
	return &dep, nil
}

// Get returns a row by its public id, or ErrNotFound
func (s *Store) Get(ctx context.Context, publicID string) (*types.Deployment, error) {
	var dep types.Deployment
	err := s.db.GetContext(ctx, &dep,
		`SELECT * FROM challenge_deployments WHERE public_id = $1`, publicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment: %w", err)
	}
	return &dep, nil
}

// Finalize marks a row fully applied: deployed=true, data recorded, lease set
func (s *Store) Finalize(ctx context.Context, tx *sqlx.Tx, id int64, data types.DeploymentData, expiredAt *time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE challenge_deployments SET deployed = TRUE, data = $2, expired_at = $3 WHERE id = $1`,
		id, data, expiredAt)
	if err != nil {
		return fmt.Errorf("failed to finalize deployment: %w", err)
	}
	return nil
}

// DropPending deletes a row whose apply failed before deployed=true was
// reached. Deleting (rather than marking destroyed) frees the slot for retry.
// Takes an ExecerContext because it runs on the pool after the failed apply
// transaction has been rolled back.
func (s *Store) DropPending(ctx context.Context, q sqlx.ExecerContext, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM challenge_deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to drop pending deployment: %w", err)
	}
	return nil
}

// MarkDestroyed terminally marks a row and clears its data. Committed on its
// own, before remote cleanup: freeing the slot takes priority over remote
// consistency.
func (s *Store) MarkDestroyed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE challenge_deployments SET data = NULL, destroyed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark deployment destroyed: %w", err)
	}
	return nil
}

// Expiring returns all live rows holding a lease, for the startup sweep
func (s *Store) Expiring(ctx context.Context) ([]types.Deployment, error) {
	var deps []types.Deployment
	err := s.db.SelectContext(ctx, &deps,
		`SELECT * FROM challenge_deployments WHERE destroyed_at IS NULL AND expired_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outstanding leases: %w", err)
	}
	return deps, nil
}

// ChallengeSlug resolves a challenge's numeric id to its public slug. The
// challenges table is owned by the upstream catalog service; we only read it.
func (s *Store) ChallengeSlug(ctx context.Context, q sqlx.QueryerContext, challengeID int64) (string, error) {
	var slug string
	err := sqlx.GetContext(ctx, q, &slug,
		`SELECT public_id FROM challenges WHERE id = $1`, challengeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("challenge %d: %w", challengeID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve challenge %d: %w", challengeID, err)
	}
	return slug, nil
}

// TeamPublicID resolves a team's numeric id to its public id
func (s *Store) TeamPublicID(ctx context.Context, q sqlx.QueryerContext, teamID int64) (string, error) {
	var publicID string
	err := sqlx.GetContext(ctx, q, &publicID,
		`SELECT public_id FROM teams WHERE id = $1`, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("team %d: %w", teamID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve team %d: %w", teamID, err)
	}
	return publicID, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
