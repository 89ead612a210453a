package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-bank-reconciliation/internal/client"
	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
)

// eventNamespace seeds the deterministic event ids, so a retried job
// republishes under the same JetStream message id.
var eventNamespace = uuid.MustParse("5b0c3a52-7f4e-4a8e-9a61-3f2d8c1e6b90")

// Publisher sends an event to the notification transport.
type Publisher interface {
	Publish(ctx context.Context, event *client.NotificationEvent) error
}

// ItemLoader loads reconciliation items by id.
type ItemLoader interface {
	GetByID(ctx context.Context, id int64) (*domain.ReconciliationItem, error)
}

// UserLoader loads users by id.
type UserLoader interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
}

// ApproverFinder resolves the users who may act at a workflow level for an
// initiator.
type ApproverFinder interface {
	ApproversAt(ctx context.Context, level int, initiator *domain.User) ([]*domain.User, error)
}

// LevelCounter reports the highest configured approval level.
type LevelCounter interface {
	MaxLevel(ctx context.Context) (int, error)
}

// PendingLister groups the items awaiting action by eligible approver.
type PendingLister interface {
	PendingApprovals(ctx context.Context) (map[int64][]*domain.ReconciliationItem, map[int64]*domain.User, error)
}

// DispatchRecorder observes publish outcomes.
type DispatchRecorder interface {
	ObserveDispatch(eventType string, err error)
}

// Dispatcher turns recorded notifications into published events. Recipients
// are resolved when the job runs, against the organisation as it is then.
type Dispatcher struct {
	publisher Publisher
	items     ItemLoader
	users     UserLoader
	approvers ApproverFinder
	levels    LevelCounter
	pending   PendingLister
	recorder  DispatchRecorder
	log       *logger.Logger
}

// NewDispatcher creates a Dispatcher. recorder may be nil.
func NewDispatcher(
	publisher Publisher,
	items ItemLoader,
	users UserLoader,
	approvers ApproverFinder,
	levels LevelCounter,
	pending PendingLister,
	recorder DispatchRecorder,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		items:     items,
		users:     users,
		approvers: approvers,
		levels:    levels,
		pending:   pending,
		recorder:  recorder,
		log:       log,
	}
}

// Dispatch publishes the events for one transition. A returned error makes
// River retry the job; events that already went out are deduplicated by
// their message id.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID int64, n domain.Notification) error {
	item, err := d.items.GetByID(ctx, n.ItemID)
	if err != nil {
		return fmt.Errorf("load item %d: %w", n.ItemID, err)
	}
	initiator, err := d.users.GetUser(ctx, n.InitiatorID)
	if err != nil {
		return fmt.Errorf("load initiator %d: %w", n.InitiatorID, err)
	}

	var events []*client.NotificationEvent
	switch n.Kind {
	case domain.NotifySubmitted:
		approvers, err := d.nextApprovers(ctx, n, initiator)
		if err != nil {
			return err
		}
		events = append(events, d.event(jobID, client.EventSubmitted, n, item, approvers, true))

	case domain.NotifyApproved:
		maxLevel, err := d.levels.MaxLevel(ctx)
		if err != nil {
			if !errors.Is(err, errors.ErrCodeConfiguration) {
				return err
			}
			d.log.Warn().Err(err).Int64("item_id", n.ItemID).Msg("notify: workflow has no levels")
			events = append(events, d.event(jobID, client.EventApproved, n, item, []*domain.User{initiator}, false))
			break
		}
		if n.Status >= maxLevel {
			events = append(events, d.event(jobID, client.EventFullyApproved, n, item, []*domain.User{initiator}, false))
			break
		}
		events = append(events, d.event(jobID, client.EventApproved, n, item, []*domain.User{initiator}, false))
		approvers, err := d.nextApprovers(ctx, n, initiator)
		if err != nil {
			return err
		}
		events = append(events, d.event(jobID, client.EventApprovalRequired, n, item, approvers, true))

	case domain.NotifyRejected:
		events = append(events, d.event(jobID, client.EventRejected, n, item, []*domain.User{initiator}, true))

	default:
		d.log.Warn().
			Str("kind", string(n.Kind)).
			Int64("item_id", n.ItemID).
			Msg("notify: unknown notification kind dropped")
		return nil
	}

	for _, ev := range events {
		if len(ev.Recipients) == 0 {
			d.log.Warn().
				Str("event", ev.EventType).
				Int64("item_id", n.ItemID).
				Int("status", n.Status).
				Msg("notify: no recipients resolved")
			continue
		}
		if err := d.publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// nextApprovers resolves who acts on the item at its recorded status.
// Configuration problems starve the notification instead of failing it.
func (d *Dispatcher) nextApprovers(ctx context.Context, n domain.Notification, initiator *domain.User) ([]*domain.User, error) {
	approvers, err := d.approvers.ApproversAt(ctx, n.Status+1, initiator)
	if err == nil {
		return approvers, nil
	}
	if errors.Is(err, errors.ErrCodeConfiguration) {
		d.log.Warn().Err(err).
			Int64("item_id", n.ItemID).
			Int("level", n.Status+1).
			Msg("notify: approver resolution failed")
		return nil, nil
	}
	return nil, fmt.Errorf("resolve approvers for item %d: %w", n.ItemID, err)
}

func (d *Dispatcher) event(
	jobID int64,
	eventType string,
	n domain.Notification,
	item *domain.ReconciliationItem,
	to []*domain.User,
	actionable bool,
) *client.NotificationEvent {
	severity := "info"
	if eventType == client.EventRejected {
		severity = "warning"
	}
	return &client.NotificationEvent{
		EventID:      eventID(fmt.Sprintf("job:%d:%s", jobID, eventType)),
		EventType:    eventType,
		ActorID:      n.ActorID,
		Recipients:   recipients(to),
		ResourceID:   strconv.FormatInt(item.ID, 10),
		IsActionable: actionable,
		Severity:     severity,
		OccurredAt:   time.Now().UTC(),
		Payload: map[string]any{
			"bank_account_id": item.BankAccountID,
			"year":            item.Year,
			"month":           item.Month.String(),
			"file_name":       item.FileName,
			"status":          n.Status,
			"ledger_level":    n.LedgerLevel,
			"comment":         n.Comment,
		},
	}
}

// Remind sends every approver a summary of the items waiting on them.
// Failures for one approver do not stop the others.
func (d *Dispatcher) Remind(ctx context.Context, at time.Time) error {
	byUser, users, err := d.pending.PendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("list pending approvals: %w", err)
	}

	ids := make([]int64, 0, len(byUser))
	for id := range byUser {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	day := at.UTC().Format(time.DateOnly)
	var firstErr error
	failed := 0
	for _, id := range ids {
		items := byUser[id]
		user := users[id]
		if user == nil || len(items) == 0 {
			continue
		}

		files := make([]map[string]any, 0, len(items))
		for _, item := range items {
			files = append(files, map[string]any{
				"item_id":         item.ID,
				"bank_account_id": item.BankAccountID,
				"year":            item.Year,
				"month":           item.Month.String(),
				"file_name":       item.FileName,
			})
		}
		ev := &client.NotificationEvent{
			EventID:      eventID(fmt.Sprintf("reminder:%s:%d", day, id)),
			EventType:    client.EventReminder,
			Recipients:   recipients([]*domain.User{user}),
			IsActionable: true,
			OccurredAt:   at.UTC(),
			Payload: map[string]any{
				"pending_count": len(items),
				"files":         files,
			},
		}
		if err := d.publish(ctx, ev); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	d.log.Info().
		Int("approvers", len(ids)).
		Int("failed", failed).
		Str("day", day).
		Msg("notify: reminders sent")

	if firstErr != nil {
		return fmt.Errorf("%d of %d reminders failed: %w", failed, len(ids), firstErr)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, ev *client.NotificationEvent) error {
	err := d.publisher.Publish(ctx, ev)
	if d.recorder != nil {
		d.recorder.ObserveDispatch(ev.EventType, err)
	}
	if err != nil {
		d.log.Warn().Err(err).
			Str("event", ev.EventType).
			Str("event_id", ev.EventID).
			Msg("notify: publish failed")
		return err
	}
	return nil
}

func eventID(name string) string {
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

func recipients(users []*domain.User) []client.Recipient {
	out := make([]client.Recipient, 0, len(users))
	for _, u := range users {
		out = append(out, client.Recipient{UserID: u.ID, Name: u.DisplayName, Email: u.Email})
	}
	return out
}
