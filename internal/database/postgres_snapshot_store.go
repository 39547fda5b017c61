package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/postwatch/postwatch/internal/models"
)

// DefaultSnapshotKey names the roster row used when no key is given.
const DefaultSnapshotKey = "default"

// PostgresSnapshotStore implements models.RosterStore as a single JSONB row in
// registry_snapshots.
type PostgresSnapshotStore struct {
	db  *sql.DB
	key string
}

// NewPostgresSnapshotStore creates a store for the roster stored under key.
func NewPostgresSnapshotStore(db *sql.DB, key string) *PostgresSnapshotStore {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &PostgresSnapshotStore{db: db, key: key}
}

// Load fetches the roster document. found is false when no row exists.
func (s *PostgresSnapshotStore) Load(ctx context.Context) ([]models.ClientRecord, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT clients FROM registry_snapshots WHERE id = $1`,
		s.key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load roster snapshot: %w", err)
	}

	var clients []models.ClientRecord
	if err := json.Unmarshal(payload, &clients); err != nil {
		return nil, false, fmt.Errorf("failed to decode roster snapshot: %w", err)
	}
	if clients == nil {
		clients = []models.ClientRecord{}
	}

	return clients, true, nil
}

// Save upserts the roster document.
func (s *PostgresSnapshotStore) Save(ctx context.Context, clients []models.ClientRecord) error {
	if clients == nil {
		clients = []models.ClientRecord{}
	}

	payload, err := json.Marshal(clients)
	if err != nil {
		return fmt.Errorf("failed to encode roster snapshot: %w", err)
	}

	query := `
		INSERT INTO registry_snapshots (id, clients, client_count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			clients = EXCLUDED.clients,
			client_count = EXCLUDED.client_count,
			updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, s.key, payload, len(clients)); err != nil {
		return fmt.Errorf("failed to save roster snapshot: %w", err)
	}

	return nil
}
