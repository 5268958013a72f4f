package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"Mansoor88-6/dose-tracker/internal/tracking"

	"github.com/google/uuid"
)

// ItemRecord is a stored tracked item with its bookkeeping timestamps
type ItemRecord struct {
	Item      *tracking.TrackedItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TrackedItemRepository struct {
	db Querier
}

func NewTrackedItemRepository(db Querier) *TrackedItemRepository {
	return &TrackedItemRepository{db: db}
}

// Save inserts or replaces the item snapshot
func (r *TrackedItemRepository) Save(ctx context.Context, item *tracking.TrackedItem, updatedAt time.Time) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal tracked item: %w", err)
	}

	query := `
		INSERT INTO tracked_items (id, name, category, favourite, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			favourite = excluded.favourite,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		item.ID.String(),
		item.Name,
		item.Category,
		item.Favourite,
		string(data),
		toMillis(updatedAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save tracked item: %w", err)
	}
	return nil
}

func (r *TrackedItemRepository) GetByID(ctx context.Context, id uuid.UUID) (*ItemRecord, error) {
	query := `
		SELECT data, created_at, updated_at
		FROM tracked_items
		WHERE id = ?
	`

	record, err := scanItem(r.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tracked item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracked item: %w", err)
	}
	return record, nil
}

// List returns all items, favourites first, then by name
func (r *TrackedItemRepository) List(ctx context.Context) ([]*ItemRecord, error) {
	query := `
		SELECT data, created_at, updated_at
		FROM tracked_items
		ORDER BY favourite DESC, name ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked items: %w", err)
	}
	defer rows.Close()

	var records []*ItemRecord
	for rows.Next() {
		record, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracked item: %w", err)
		}
		records = append(records, record)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

func (r *TrackedItemRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM tracked_items WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("failed to delete tracked item: %w", err)
	}

	if err := checkAffected(result); err != nil {
		return fmt.Errorf("tracked item %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*ItemRecord, error) {
	var data string
	var createdAt, updatedAt int64
	if err := row.Scan(&data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var item tracking.TrackedItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tracked item: %w", err)
	}

	return &ItemRecord{
		Item:      &item,
		CreatedAt: fromMillis(createdAt),
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}

// MarkDeleted records that the item was deleted at at. An earlier
// deletion time never replaces a later one.
func (r *TrackedItemRepository) MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO item_tombstones (item_id, deleted_at)
		VALUES (?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			deleted_at = MAX(deleted_at, excluded.deleted_at)
	`, id.String(), toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to mark tracked item deleted: %w", err)
	}
	return nil
}

// DeletedAt returns the latest deletion time of the item, if it was ever
// deleted.
func (r *TrackedItemRepository) DeletedAt(ctx context.Context, id uuid.UUID) (time.Time, bool, error) {
	var ms int64
	err := r.db.QueryRowContext(ctx, "SELECT deleted_at FROM item_tombstones WHERE item_id = ?", id.String()).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get tracked item tombstone: %w", err)
	}
	return fromMillis(ms), true, nil
}
