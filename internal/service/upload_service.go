package service

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
	"github.com/pesio-ai/be-bank-reconciliation/internal/repository"
)

// RowError reports why one row of an upload was not registered.
type RowError struct {
	Index   int         `json:"index"`
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

// UploadResult is the outcome of registering a set of uploaded files.
// Duplicates holds the indexes of rows whose bank account and period
// already have a live item.
type UploadResult struct {
	BatchID    int64                        `json:"batch_id,omitempty"`
	Items      []*domain.ReconciliationItem `json:"items"`
	Duplicates []int                        `json:"duplicates"`
	Errors     []RowError                   `json:"errors"`
}

// UploadService registers uploaded reconciliation files and lets their
// uploader withdraw them before submission.
type UploadService struct {
	tx      repository.UploadTransactor
	uploads repository.UploadStore
	items   repository.ItemReader
	log     *logger.Logger
}

// NewUploadService creates a new UploadService.
func NewUploadService(
	tx repository.UploadTransactor,
	uploads repository.UploadStore,
	items repository.ItemReader,
	log *logger.Logger,
) *UploadService {
	return &UploadService{tx: tx, uploads: uploads, items: items, log: log}
}

// Upload registers files for userID in the user's pending batch, creating
// the batch if none is open. Rows are independent: a duplicate or unknown
// bank account is reported for that row and the others still register.
func (s *UploadService) Upload(ctx context.Context, userID int64, files []domain.ItemKey) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, errors.InvalidInput("files", "at least one file is required")
	}

	result := &UploadResult{Items: []*domain.ReconciliationItem{}, Duplicates: []int{}, Errors: []RowError{}}
	valid := make([]int, 0, len(files))
	for i := range files {
		files[i].FileName = cleanFileName(files[i].FileName)
		if err := files[i].Validate(); err != nil {
			result.Errors = append(result.Errors, RowError{Index: i, Code: errors.ErrCodeInvalidInput, Message: err.Error()})
			continue
		}
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return result, nil
	}

	err := s.tx.InUploadTx(ctx, func(uploads repository.UploadStore) error {
		batch, err := uploads.GetOrCreatePendingBatch(ctx, userID)
		if err != nil {
			return err
		}
		result.BatchID = batch.ID

		for _, i := range valid {
			f := files[i]
			ok, err := uploads.BankAccountExists(ctx, f.BankAccountID)
			if err != nil {
				return err
			}
			if !ok {
				result.Errors = append(result.Errors, RowError{
					Index:   i,
					Code:    errors.ErrCodeNotFound,
					Message: errors.NotFound("bank_account", f.BankAccountID).Error(),
				})
				continue
			}

			item := &domain.ReconciliationItem{
				BatchID:       batch.ID,
				BankAccountID: f.BankAccountID,
				Year:          f.Year,
				Month:         f.Month,
				FileName:      f.FileName,
				InitiatorID:   userID,
			}
			err = uploads.CreateItem(ctx, item)
			switch {
			case errors.Is(err, errors.ErrCodeDuplicate):
				result.Duplicates = append(result.Duplicates, i)
			case err != nil:
				return err
			default:
				result.Items = append(result.Items, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("user_id", userID).
		Int64("batch_id", result.BatchID).
		Int("registered", len(result.Items)).
		Int("duplicates", len(result.Duplicates)).
		Int("rejected", len(result.Errors)).
		Msg("Reconciliation files uploaded")

	return result, nil
}

// Remove withdraws an unsubmitted file the caller uploaded, freeing its
// bank account and period for a new upload. The full key is required: the
// same file name may be pending for several accounts or periods.
func (s *UploadService) Remove(ctx context.Context, userID int64, key domain.ItemKey) (*domain.ReconciliationItem, error) {
	key.FileName = cleanFileName(key.FileName)
	if err := key.Validate(); err != nil {
		return nil, errors.InvalidInput("file", err.Error())
	}

	item, err := s.uploads.RemovePending(ctx, userID, key)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("user_id", userID).
		Int64("item_id", item.ID).
		Str("item", key.String()).
		Msg("Pending reconciliation removed")

	return item, nil
}

// ListPendingUploads returns the caller's files still awaiting submission.
func (s *UploadService) ListPendingUploads(ctx context.Context, userID int64) ([]*domain.ReconciliationItem, error) {
	return s.items.ListByInitiator(ctx, userID, true)
}

// cleanFileName reduces a client-supplied name to its base name.
func cleanFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
