package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"github.com/google/uuid"
)

// GetDatasetFileByID returns a registered dataset file by its ID.
func (s *Store) GetDatasetFileByID(ctx context.Context, id uuid.UUID) (*store.DatasetFile, error) {
	var f store.DatasetFile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, filename, uri, content_type, version_id, created_at
		FROM dataset_files
		WHERE id = $1
	`, id).Scan(&f.ID, &f.WorkspaceID, &f.Filename, &f.URI, &f.ContentType, &f.VersionID, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// SaveFileMetadata upserts the derived sample row for a file version. The
// metadata job may run more than once for the same file; the last write
// wins.
func (s *Store) SaveFileMetadata(ctx context.Context, md *store.FileMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_metadata (id, file_id, filename, version_id, status, sample, profile, attributes, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (file_id) DO UPDATE
		SET status = EXCLUDED.status,
		    sample = EXCLUDED.sample,
		    profile = EXCLUDED.profile,
		    attributes = EXCLUDED.attributes,
		    error_message = EXCLUDED.error_message,
		    updated_at = NOW()
	`, md.ID, md.FileID, md.Filename, md.VersionID, md.Status,
		md.Sample, md.Profile, md.Attributes, md.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to save metadata for file %s: %w", md.FileID, err)
	}
	return nil
}

// GetFileMetadata returns the derived sample row for a file.
func (s *Store) GetFileMetadata(ctx context.Context, fileID uuid.UUID) (*store.FileMetadata, error) {
	var md store.FileMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_id, filename, version_id, status, sample, profile, attributes, error_message, created_at, updated_at
		FROM file_metadata
		WHERE file_id = $1
	`, fileID).Scan(
		&md.ID, &md.FileID, &md.Filename, &md.VersionID, &md.Status,
		&md.Sample, &md.Profile, &md.Attributes, &md.ErrorMessage,
		&md.CreatedAt, &md.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &md, nil
}

// PreviousAttributes returns the user-set attributes recorded for the most
// recent earlier version of the same logical filename in the workspace.
// Returns nil when there is no previous version or it carried none.
func (s *Store) PreviousAttributes(ctx context.Context, workspaceID uuid.UUID, filename string, before uuid.UUID) ([]byte, error) {
	var attrs []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT fm.attributes
		FROM file_metadata fm
		JOIN dataset_files df ON fm.file_id = df.id
		WHERE df.workspace_id = $1
		  AND df.filename = $2
		  AND fm.file_id <> $3
		  AND fm.attributes IS NOT NULL
		ORDER BY fm.created_at DESC
		LIMIT 1
	`, workspaceID, filename, before).Scan(&attrs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return attrs, nil
}
