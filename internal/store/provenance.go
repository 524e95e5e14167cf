package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
)

// GetLink returns the provenance link of a source row. An unlinked row
// yields an error matching errors.ErrNotFound.
func (s *Store) GetLink(ctx context.Context, ref model.RowRef) (model.ProvenanceLink, error) {
	var link model.ProvenanceLink
	var flag int
	var updatedAt string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT event_id, needs_update, fingerprint, updated_at
		FROM provenance_links WHERE source = ? AND row_key = ?`), ref.Source, ref.Key).
		Scan(&link.EventID, &flag, &link.Fingerprint, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ProvenanceLink{}, apperrors.NewNotFoundError("provenance link", ref.String())
		}
		return model.ProvenanceLink{}, fmt.Errorf("get link %s: %w", ref, err)
	}
	link.Ref = ref
	link.NeedsUpdate = flag != 0
	if link.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return model.ProvenanceLink{}, fmt.Errorf("get link %s: parse updated_at: %w", ref, err)
	}
	return link, nil
}

// SetLink records that ref produced eventID. An existing link is replaced
// and its update flag cleared.
func (s *Store) SetLink(ctx context.Context, ref model.RowRef, eventID int64, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO provenance_links (source, row_key, event_id, needs_update, fingerprint, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (source, row_key) DO UPDATE SET
			event_id = excluded.event_id,
			needs_update = 0,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at`),
		ref.Source, ref.Key, eventID, fingerprint, s.timestamp())
	if err != nil {
		return fmt.Errorf("set link %s: %w", ref, err)
	}
	return nil
}

// GetUpdateFlag reports whether a linked row is flagged for update. Unlinked
// rows are never flagged.
func (s *Store) GetUpdateFlag(ctx context.Context, ref model.RowRef) (bool, error) {
	link, err := s.GetLink(ctx, ref)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return link.NeedsUpdate, nil
}

// SetUpdateFlag flags a linked row for reconciliation.
func (s *Store) SetUpdateFlag(ctx context.Context, ref model.RowRef) error {
	return s.setFlag(ctx, ref, true, "")
}

// ClearUpdateFlag marks a row as reconciled. A non-empty fingerprint
// replaces the stored one.
func (s *Store) ClearUpdateFlag(ctx context.Context, ref model.RowRef, fingerprint string) error {
	return s.setFlag(ctx, ref, false, fingerprint)
}

func (s *Store) setFlag(ctx context.Context, ref model.RowRef, flag bool, fingerprint string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE provenance_links
		SET needs_update = ?, fingerprint = CASE WHEN ? = '' THEN fingerprint ELSE ? END, updated_at = ?
		WHERE source = ? AND row_key = ?`),
		boolInt(flag), fingerprint, fingerprint, s.timestamp(), ref.Source, ref.Key)
	if err != nil {
		return fmt.Errorf("set update flag %s: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set update flag %s: rows affected: %w", ref, err)
	}
	if n == 0 {
		return apperrors.NewNotFoundError("provenance link", ref.String())
	}
	return nil
}

// FlaggedLinks lists the rows of a source that are waiting for
// reconciliation.
func (s *Store) FlaggedLinks(ctx context.Context, source string) ([]model.ProvenanceLink, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT row_key, event_id, fingerprint, updated_at
		FROM provenance_links WHERE source = ? AND needs_update = 1 ORDER BY row_key`), source)
	if err != nil {
		return nil, fmt.Errorf("flagged links: %w", err)
	}
	defer rows.Close()

	out := make([]model.ProvenanceLink, 0)
	for rows.Next() {
		var link model.ProvenanceLink
		var updatedAt string
		if err := rows.Scan(&link.Ref.Key, &link.EventID, &link.Fingerprint, &updatedAt); err != nil {
			return nil, fmt.Errorf("flagged links: scan: %w", err)
		}
		link.Ref.Source = source
		link.NeedsUpdate = true
		if link.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("flagged links: parse updated_at: %w", err)
		}
		out = append(out, link)
	}
	return out, rows.Err()
}
