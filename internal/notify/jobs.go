// Package notify delivers workflow notifications through a River job queue.
// Dispatch jobs are inserted in the same transaction as the state transition
// they report, so a notification exists exactly when its transition
// committed.
package notify

import (
	"time"

	"github.com/riverqueue/river"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
)

// Job kinds registered with River.
const (
	KindDispatch = "recon.notification_dispatch"
	KindReminder = "recon.approval_reminder"
)

// DispatchArgs carries one transition notification.
type DispatchArgs struct {
	Notification domain.Notification `json:"notification"`
}

// Kind implements river.JobArgs.
func (DispatchArgs) Kind() string {
	return KindDispatch
}

// InsertOpts implements river.JobArgsWithInsertOpts. The queue overrides
// MaxAttempts from configuration at insert time.
func (DispatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// ReminderArgs triggers one reminder run.
type ReminderArgs struct{}

// Kind implements river.JobArgs.
func (ReminderArgs) Kind() string {
	return KindReminder
}

// InsertOpts implements river.JobArgsWithInsertOpts. Reminder runs are
// unique per day so several replicas enqueue only one.
func (ReminderArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByPeriod: 24 * time.Hour},
	}
}
