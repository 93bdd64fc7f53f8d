package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"netmigrate/logging"
	"netmigrate/models"
)

const (
	FormatArchive = "archive"
	FormatRecords = "records"
)

// Retrieval hands out a job's result exactly once.
type Retrieval struct {
	ledger     *Ledger
	workspaces *Workspaces
	metrics    *Metrics
	logger     zerolog.Logger
}

func NewRetrieval(ledger *Ledger, workspaces *Workspaces, metrics *Metrics, logger zerolog.Logger) *Retrieval {
	return &Retrieval{
		ledger:     ledger,
		workspaces: workspaces,
		metrics:    metrics,
		logger:     logging.Component(logger, "retrieval"),
	}
}

// RetrieveArchive returns the job's output as a tar archive and consumes the job.
func (r *Retrieval) RetrieveArchive(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := r.consume(ctx, id, FormatArchive, func(entry models.JobEntry) error {
		out, err := r.workspaces.LocateOutput(Workspace{Path: entry.WorkspacePath})
		if err != nil {
			return err
		}
		data, err = r.workspaces.PackageAsArchive(out)
		return err
	})
	return data, err
}

// RetrieveRecords returns the job's log and converted files and consumes the job.
func (r *Retrieval) RetrieveRecords(ctx context.Context, id string) (models.RecordsResult, error) {
	var result models.RecordsResult
	err := r.consume(ctx, id, FormatRecords, func(entry models.JobEntry) error {
		out, err := r.workspaces.LocateOutput(Workspace{Path: entry.WorkspacePath})
		if err != nil {
			return err
		}
		files, err := r.workspaces.PackageAsRecords(out)
		if err != nil {
			return err
		}
		result = models.RecordsResult{Log: entry.Log, Files: files}
		return nil
	})
	return result, err
}

// consume looks the job up and packages it under the ledger lock. Once the
// job was found it is deleted whether or not packaging worked. The row goes
// first so a failed delete never leaves an entry without its workspace.
func (r *Retrieval) consume(ctx context.Context, id, format string, pack func(models.JobEntry) error) error {
	err := r.ledger.Do(ctx, func(s *LedgerSession) error {
		entry, err := s.Lookup(id)
		if err != nil {
			return err
		}

		packErr := pack(entry)

		// The client may be gone by now, finish the deletion regardless
		if err := s.Detached().Delete(id); err != nil {
			r.logger.Error().Err(err).Str("job_id", id).Msg("Failed to delete consumed job, keeping workspace")
			if packErr != nil {
				return packErr
			}
			return err
		}

		// Row is gone, the workspace has no owner left
		r.workspaces.Destroy(entry.WorkspacePath)
		return packErr
	})

	// Record outcome
	switch {
	case err == nil:
		r.metrics.Retrieval(format, "ok")
	case errors.Is(err, models.ErrNotFound):
		r.metrics.Retrieval(format, "not_found")
	default:
		r.metrics.Retrieval(format, "error")
	}
	return err
}
