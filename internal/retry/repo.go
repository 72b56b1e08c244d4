package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payretry/internal/billing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo is the Postgres retry queue. Rows are claimed with SKIP LOCKED and
// hidden for Visibility; a crashed consumer's rows reappear once it elapses.
type Repo struct {
	DB           *gorm.DB
	Queue        string
	Visibility   time.Duration
	PollInterval time.Duration
	Log          *zap.Logger

	// DeadLetterQueue labels rows moved out because their body is unreadable.
	DeadLetterQueue string
}

func (r *Repo) Enqueue(ctx context.Context, job billing.RetryJob, delay time.Duration) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	var id string
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Message
		if err := tx.
			Where("queue = ? AND invoice_id = ? AND attempt_number >= ?", r.Queue, job.InvoiceID, job.AttemptNumber).
			Order("attempt_number desc").
			Limit(1).
			Find(&existing).Error; err != nil {
			return err
		}
		if existing.ID != "" {
			id = existing.ID
			return nil
		}

		m := Message{
			ID:            uuid.NewString(),
			Queue:         r.Queue,
			InvoiceID:     job.InvoiceID,
			AttemptNumber: job.AttemptNumber,
			Body:          datatypes.JSON(body),
			VisibleAt:     time.Now().UTC().Add(delay),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// concurrent enqueue of the same attempt won
			return tx.Model(&Message{}).
				Select("id").
				Where("queue = ? AND invoice_id = ? AND attempt_number = ?", r.Queue, job.InvoiceID, job.AttemptNumber).
				Scan(&id).Error
		}
		id = m.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Receive claims up to max due messages, polling until wait elapses.
func (r *Repo) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	poll := r.PollInterval
	if poll <= 0 {
		poll = 800 * time.Millisecond
	}
	deadline := time.Now().Add(wait)

	for {
		out, err := r.claim(ctx, max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (r *Repo) claim(ctx context.Context, max int) ([]Delivery, error) {
	visibility := r.Visibility
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	now := time.Now().UTC()

	var rows []Message
	// FOR UPDATE SKIP LOCKED keeps concurrent workers off the same rows
	err := r.DB.WithContext(ctx).Raw(`
with cte as (
  select id
  from retry_messages
  where queue = ? and visible_at <= ?
  order by visible_at asc
  for update skip locked
  limit ?
)
update retry_messages
set visible_at = ?,
    receipt = gen_random_uuid()::text,
    receive_count = receive_count + 1,
    updated_at = now()
where id in (select id from cte)
returning *;
`, r.Queue, now, max, now.Add(visibility)).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("claim retry messages: %w", err)
	}

	out := make([]Delivery, 0, len(rows))
	for _, m := range rows {
		var job billing.RetryJob
		if err := json.Unmarshal(m.Body, &job); err != nil {
			log := r.logger().With(
				zap.String("message_id", m.ID),
				zap.String("invoice_id", m.InvoiceID),
				zap.NamedError("decode_error", err),
			)
			if qerr := r.quarantine(ctx, m, err); qerr != nil {
				log.Error("undecodable retry message left in queue", zap.Error(qerr))
				continue
			}
			log.Error("undecodable retry message moved to dead letters")
			continue
		}
		receipt := ""
		if m.Receipt != nil {
			receipt = *m.Receipt
		}
		out = append(out, Delivery{
			MessageID:    m.ID,
			Receipt:      receipt,
			ReceiveCount: m.ReceiveCount,
			Job:          job,
		})
	}
	return out, nil
}

// quarantine moves a claimed message that cannot be decoded into the
// dead-letter table and removes it from the queue.
func (r *Repo) quarantine(ctx context.Context, m Message, decodeErr error) error {
	movedAt := time.Now().UTC()
	entry := billing.DeadLetter{
		RetryJob: billing.RetryJob{
			InvoiceID:      m.InvoiceID,
			AttemptNumber:  m.AttemptNumber,
			FailureReason:  decodeErr.Error(),
			FailureHistory: []string{decodeErr.Error()},
		},
		MovedToDLQ: movedAt,
		Reason:     billing.DeadLetterUndecodable,
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	queue := r.DeadLetterQueue
	if queue == "" {
		queue = r.Queue + "-dlq"
	}

	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := DeadLetterRow{
			InvoiceID:      m.InvoiceID,
			Queue:          queue,
			AttemptNumber:  m.AttemptNumber,
			Reason:         billing.DeadLetterUndecodable,
			FailureHistory: entry.FailureHistory,
			Body:           datatypes.JSON(body),
			MovedToDLQ:     movedAt,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("write dead letter: %w", err)
		}
		return tx.Exec(`delete from retry_messages where id = ?`, m.ID).Error
	})
}

func (r *Repo) Delete(ctx context.Context, d Delivery) error {
	res := r.DB.WithContext(ctx).Exec(`delete from retry_messages where id = ? and receipt = ?`, d.MessageID, d.Receipt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (r *Repo) Pending(ctx context.Context, limit int) ([]PendingMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []Message
	if err := r.DB.WithContext(ctx).
		Where("queue = ?", r.Queue).
		Order("visible_at asc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PendingMessage, 0, len(rows))
	for _, m := range rows {
		var job billing.RetryJob
		_ = json.Unmarshal(m.Body, &job)
		out = append(out, PendingMessage{
			MessageID: m.ID,
			VisibleAt: m.VisibleAt,
			Receives:  m.ReceiveCount,
			Job:       job,
		})
	}
	return out, nil
}

func (r *Repo) Queued(ctx context.Context, invoiceID string) (bool, error) {
	var n int64
	if err := r.DB.WithContext(ctx).
		Model(&Message{}).
		Where("queue = ? AND invoice_id = ?", r.Queue, invoiceID).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repo) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// DeadLetterRepo is the Postgres dead-letter store.
type DeadLetterRepo struct {
	DB    *gorm.DB
	Queue string
}

func (r *DeadLetterRepo) Put(ctx context.Context, entry billing.DeadLetter) (bool, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode dead letter: %w", err)
	}
	row := DeadLetterRow{
		InvoiceID:      entry.InvoiceID,
		Queue:          r.Queue,
		UserID:         entry.UserID,
		CustomerID:     entry.CustomerID,
		AttemptNumber:  entry.AttemptNumber,
		Reason:         entry.Reason,
		FailureHistory: entry.FailureHistory,
		Body:           datatypes.JSON(body),
		MovedToDLQ:     entry.MovedToDLQ,
	}
	res := r.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *DeadLetterRepo) Has(ctx context.Context, invoiceID string) (bool, error) {
	var n int64
	if err := r.DB.WithContext(ctx).Model(&DeadLetterRow{}).Where("invoice_id = ?", invoiceID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *DeadLetterRepo) Get(ctx context.Context, invoiceID string) (billing.DeadLetter, error) {
	var row DeadLetterRow
	if err := r.DB.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.DeadLetter{}, ErrNotFound
		}
		return billing.DeadLetter{}, err
	}
	return decodeDeadLetter(row)
}

func (r *DeadLetterRepo) List(ctx context.Context, limit, offset int) ([]billing.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []DeadLetterRow
	if err := r.DB.WithContext(ctx).
		Order("moved_to_dlq desc").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]billing.DeadLetter, 0, len(rows))
	for _, row := range rows {
		dl, err := decodeDeadLetter(row)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

func decodeDeadLetter(row DeadLetterRow) (billing.DeadLetter, error) {
	var dl billing.DeadLetter
	if err := json.Unmarshal(row.Body, &dl); err != nil {
		return billing.DeadLetter{}, fmt.Errorf("decode dead letter %s: %w", row.InvoiceID, err)
	}
	if len(dl.FailureHistory) == 0 {
		dl.FailureHistory = row.FailureHistory
	}
	return dl, nil
}
