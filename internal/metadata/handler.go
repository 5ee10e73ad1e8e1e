// Package metadata implements the file-metadata extraction task: it samples
// and profiles tabular dataset files in the background and records its own
// outcome on the derived metadata row.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/BLSQ/openhexa-app-sub000/internal/queue"
	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"github.com/google/uuid"
)

// TaskGenerateFileMetadata is the task name the extractor registers under.
const TaskGenerateFileMetadata = "generate_file_metadata"

// ObjectStore reads registered file contents. Object-storage I/O lives
// outside this engine; only the read crosses the boundary.
type ObjectStore interface {
	ReadObject(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Extractor is the generate_file_metadata task handler. It is registered on
// an at-most-once queue: the derived sample write is not safely
// re-executable without duplicate detection, so a crashed extraction is
// dropped rather than re-run.
type Extractor struct {
	store      store.MetadataStore
	objects    ObjectStore
	logger     *slog.Logger
	sampleSize int
}

// NewExtractor creates a metadata extractor.
func NewExtractor(s store.MetadataStore, objects ObjectStore, logger *slog.Logger) *Extractor {
	return &Extractor{
		store:      s,
		objects:    objects,
		logger:     logger,
		sampleSize: defaultSampleSize,
	}
}

// Register binds the extractor to its task name on the given registry.
func (e *Extractor) Register(registry *queue.Registry) error {
	return registry.Register(TaskGenerateFileMetadata, e.Handle)
}

// Handle processes one extraction job. Domain-level failures (missing
// object, unparsable file) are recorded as a FAILED status on the metadata
// row and the job itself succeeds: the work was attempted and its outcome
// recorded. Only infrastructure errors reach the queue's retry machinery.
func (e *Extractor) Handle(ctx context.Context, job *store.Job) error {
	var args struct {
		FileID uuid.UUID `json:"file_id"`
	}
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return queue.Permanent(fmt.Errorf("invalid job args: %w", err))
	}
	if args.FileID == uuid.Nil {
		return queue.Permanent(fmt.Errorf("job args missing file_id"))
	}

	file, err := e.store.GetDatasetFileByID(ctx, args.FileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Permanent(fmt.Errorf("dataset file %s not found", args.FileID))
		}
		return fmt.Errorf("failed to load dataset file %s: %w", args.FileID, err)
	}

	md := &store.FileMetadata{
		ID:        uuid.New(),
		FileID:    file.ID,
		Filename:  file.Filename,
		VersionID: file.VersionID,
	}

	// User-set attributes survive re-uploads of the same logical file.
	attrs, err := e.store.PreviousAttributes(ctx, file.WorkspaceID, file.Filename, file.ID)
	if err != nil {
		return fmt.Errorf("failed to load previous attributes for %q: %w", file.Filename, err)
	}
	md.Attributes = attrs

	sample, profile, deriveErr := e.derive(ctx, file)
	if deriveErr != nil {
		e.logger.Warn("metadata extraction failed", "file_id", file.ID, "filename", file.Filename, "error", deriveErr)
		msg := deriveErr.Error()
		md.Status = store.MetadataStatusFailed
		md.ErrorMessage = &msg
	} else {
		md.Status = store.MetadataStatusFinished
		md.Sample = sample
		md.Profile = profile
	}

	if err := e.store.SaveFileMetadata(ctx, md); err != nil {
		return fmt.Errorf("failed to save metadata for file %s: %w", file.ID, err)
	}

	e.logger.Info("metadata extracted", "file_id", file.ID, "filename", file.Filename, "status", md.Status)
	return nil
}

// derive reads the file, draws the sample and computes the profile. Every
// error it returns is a domain failure to record, not to retry.
func (e *Extractor) derive(ctx context.Context, file *store.DatasetFile) (json.RawMessage, json.RawMessage, error) {
	rc, err := e.objects.ReadObject(ctx, file.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read object %q: %w", file.URI, err)
	}
	defer rc.Close()

	header, rows, err := readTable(rc)
	if err != nil {
		return nil, nil, err
	}

	sample, err := json.Marshal(sampleRows(header, rows, e.sampleSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode sample: %w", err)
	}

	profile, err := json.Marshal(profileColumns(header, rows))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode profile: %w", err)
	}

	return sample, profile, nil
}
