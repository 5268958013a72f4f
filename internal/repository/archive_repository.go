package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"Mansoor88-6/dose-tracker/internal/tracking"

	"github.com/google/uuid"
)

type ArchiveRepository struct {
	db Querier
}

func NewArchiveRepository(db Querier) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// NextArchiveNumber returns one more than the highest archive number stored
// for the item, or 1 when there is none.
func (r *ArchiveRepository) NextArchiveNumber(ctx context.Context, itemID uuid.UUID) (int, error) {
	var next int
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(archive_number), 0) + 1
		FROM tracked_item_archives
		WHERE item_id = ?
	`, itemID.String()).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to get next archive number: %w", err)
	}
	return next, nil
}

// Save numbers the archive and stores it. Callers that need the number to
// be stable under concurrent writers should run this inside a transaction.
func (r *ArchiveRepository) Save(ctx context.Context, archive *tracking.Archive) error {
	next, err := r.NextArchiveNumber(ctx, archive.TrackedItemID)
	if err != nil {
		return err
	}
	archive.ArchiveNumber = next

	data, err := json.Marshal(archive)
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tracked_item_archives (item_id, archive_number, data, created_at)
		VALUES (?, ?, ?, ?)
	`, archive.TrackedItemID.String(), archive.ArchiveNumber, string(data), toMillis(archive.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}
	return nil
}

// ListByItem returns the item's archives in archive number order
func (r *ArchiveRepository) ListByItem(ctx context.Context, itemID uuid.UUID) ([]*tracking.Archive, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data
		FROM tracked_item_archives
		WHERE item_id = ?
		ORDER BY archive_number ASC
	`, itemID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query archives: %w", err)
	}
	defer rows.Close()

	var archives []*tracking.Archive
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan archive: %w", err)
		}
		var archive tracking.Archive
		if err := json.Unmarshal([]byte(data), &archive); err != nil {
			return nil, fmt.Errorf("failed to unmarshal archive: %w", err)
		}
		archives = append(archives, &archive)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return archives, nil
}

// DeleteByItem removes every archive of the item
func (r *ArchiveRepository) DeleteByItem(ctx context.Context, itemID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM tracked_item_archives WHERE item_id = ?", itemID.String()); err != nil {
		return fmt.Errorf("failed to delete archives: %w", err)
	}
	return nil
}
