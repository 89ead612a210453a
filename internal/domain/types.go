// Package domain holds the data model of the reconciliation approval
// workflow.
package domain

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrInvalidMonth is returned by ParseMonth for values outside 1..12.
var ErrInvalidMonth = stderrors.New("month must be 1-12 or an English month name")

// Decision is the outcome recorded on a ledger entry.
type Decision int

const (
	DecisionSubmitted Decision = 1
	DecisionApproved  Decision = 2
	DecisionRejected  Decision = 3
)

// String returns the label shown in the workflow status view.
func (d Decision) String() string {
	switch d {
	case DecisionSubmitted:
		return "Submitted"
	case DecisionApproved:
		return "Approved"
	case DecisionRejected:
		return "Rejected"
	default:
		return "Pending"
	}
}

// StatusUnsubmitted is the submission_status of an item nobody has submitted
// yet, or one that was rejected back to its initiator.
const StatusUnsubmitted = 0

// ItemKey identifies a reconciliation item the way callers refer to it.
type ItemKey struct {
	BankAccountID int64  `json:"bank_account_id"`
	Year          int    `json:"year"`
	Month         Month  `json:"month"`
	FileName      string `json:"file_name"`
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%d/%04d-%02d/%s", k.BankAccountID, k.Year, int(k.Month), k.FileName)
}

// Validate checks the key's fields.
func (k ItemKey) Validate() error {
	switch {
	case k.BankAccountID <= 0:
		return fmt.Errorf("bank_account_id must be positive")
	case k.Year < 1900 || k.Year > 9999:
		return fmt.Errorf("year %d is out of range", k.Year)
	case !k.Month.Valid():
		return ErrInvalidMonth
	case k.FileName == "":
		return fmt.Errorf("file_name is required")
	}
	return nil
}

// ReconciliationItem is one uploaded reconciliation file for a bank account
// and period.
type ReconciliationItem struct {
	ID                int64     `json:"id"`
	BatchID           int64     `json:"batch_id"`
	BankAccountID     int64     `json:"bank_account_id"`
	Year              int       `json:"year"`
	Month             Month     `json:"month"`
	FileName          string    `json:"file_name"`
	CreatedAt         time.Time `json:"created_at"`
	SubmissionStatus  int       `json:"submission_status"`
	RemovedByUploader bool      `json:"removed_by_uploader"`
	Version           int64     `json:"version"`
	InitiatorID       int64     `json:"initiator_id"` // owner of the batch
}

// Key returns the caller-facing identity of the item.
func (i *ReconciliationItem) Key() ItemKey {
	return ItemKey{BankAccountID: i.BankAccountID, Year: i.Year, Month: i.Month, FileName: i.FileName}
}

// SubmissionBatch groups items one user uploaded in one sitting.
type SubmissionBatch struct {
	ID               int64
	UserID           int64
	CreatedAt        time.Time
	SubmissionStatus int
}

// WorkflowLevel is one row of a workflow's breakdown.
type WorkflowLevel struct {
	ID                     int64
	WorkflowID             int64
	Level                  int
	Name                   string
	IsResponsibilityGlobal bool
	IsWorkflowLevel        bool
	MenuItem               string
	Roles                  []Role
}

// RoleIDs returns the ids of the roles authorized at the level.
func (l *WorkflowLevel) RoleIDs() []int64 {
	ids := make([]int64, 0, len(l.Roles))
	for _, r := range l.Roles {
		ids = append(ids, r.ID)
	}
	return ids
}

// ApprovalRecord is one immutable ledger entry.
type ApprovalRecord struct {
	ID           int64     `json:"id"`
	ItemID       int64     `json:"item_id"`
	Decision     Decision  `json:"decision"`
	ApproverID   int64     `json:"approver_id"`
	ApproverName string    `json:"approver_name"`
	Level        int       `json:"level"`
	Comment      string    `json:"comment"`
	CreatedAt    time.Time `json:"created_at"`
}

// Role is a named authority a user can hold.
type Role struct {
	ID   int64
	Name string
}

// User is a person who uploads or approves reconciliations.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	UnitID      int64  `json:"unit_id"`
	TierID      int64  `json:"tier_id"`
}

// NotificationKind names the transition a notification reports.
type NotificationKind string

const (
	NotifySubmitted NotificationKind = "reconciliation_submitted"
	NotifyApproved  NotificationKind = "reconciliation_approved"
	NotifyRejected  NotificationKind = "reconciliation_rejected"
)

// Notification is the outbox payload written alongside a state transition.
// Recipients are resolved when the notification is dispatched, not when it
// is recorded.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	ItemID      int64            `json:"item_id"`
	ActorID     int64            `json:"actor_id"`
	InitiatorID int64            `json:"initiator_id"`
	Status      int              `json:"status"`
	LedgerLevel int              `json:"ledger_level"`
	Comment     string           `json:"comment,omitempty"`
}
