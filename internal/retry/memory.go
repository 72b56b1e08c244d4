package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"payretry/internal/billing"

	"github.com/google/uuid"
)

type memoryMessage struct {
	id        string
	seq       int
	job       billing.RetryJob
	visibleAt time.Time
	receipt   string
	receives  int
}

// MemoryQueue is a process-local Queue with the same visibility semantics as Repo.
// Receive does not block: it returns whatever is due.
type MemoryQueue struct {
	mu         sync.Mutex
	seq        int
	messages   map[string]*memoryMessage
	visibility time.Duration
	now        func() time.Time
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &MemoryQueue{
		messages:   map[string]*memoryMessage{},
		visibility: visibility,
		now:        time.Now,
	}
}

// SetClock replaces the time source.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(_ context.Context, job billing.RetryJob, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.messages {
		if m.job.InvoiceID == job.InvoiceID && m.job.AttemptNumber >= job.AttemptNumber {
			return m.id, nil
		}
	}
	q.seq++
	m := &memoryMessage{
		id:        uuid.NewString(),
		seq:       q.seq,
		job:       cloneJob(job),
		visibleAt: q.now().Add(delay),
	}
	q.messages[m.id] = m
	return m.id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, _ time.Duration) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	due := make([]*memoryMessage, 0)
	for _, m := range q.messages {
		if !m.visibleAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].visibleAt.Equal(due[j].visibleAt) {
			return due[i].seq < due[j].seq
		}
		return due[i].visibleAt.Before(due[j].visibleAt)
	})
	if len(due) > max {
		due = due[:max]
	}

	out := make([]Delivery, 0, len(due))
	for _, m := range due {
		m.receipt = uuid.NewString()
		m.receives++
		m.visibleAt = now.Add(q.visibility)
		out = append(out, Delivery{
			MessageID:    m.id,
			Receipt:      m.receipt,
			ReceiveCount: m.receives,
			Job:          cloneJob(m.job),
		})
	}
	return out, nil
}

func (q *MemoryQueue) Delete(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.messages[d.MessageID]
	if !ok || m.receipt != d.Receipt {
		return ErrStaleReceipt
	}
	delete(q.messages, d.MessageID)
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context, limit int) ([]PendingMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingMessage, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, PendingMessage{
			MessageID: m.id,
			VisibleAt: m.visibleAt,
			Receives:  m.receives,
			Job:       cloneJob(m.job),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisibleAt.Before(out[j].VisibleAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) Queued(_ context.Context, invoiceID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.job.InvoiceID == invoiceID {
			return true, nil
		}
	}
	return false, nil
}

// Len reports the number of queued messages, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// MemoryDeadLetters is a process-local DeadLetterStore.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	entries map[string]billing.DeadLetter
	order   []string
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{entries: map[string]billing.DeadLetter{}}
}

func (s *MemoryDeadLetters) Put(_ context.Context, entry billing.DeadLetter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.InvoiceID]; ok {
		return false, nil
	}
	entry.RetryJob = cloneJob(entry.RetryJob)
	s.entries[entry.InvoiceID] = entry
	s.order = append(s.order, entry.InvoiceID)
	return true, nil
}

func (s *MemoryDeadLetters) Has(_ context.Context, invoiceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[invoiceID]
	return ok, nil
}

func (s *MemoryDeadLetters) Get(_ context.Context, invoiceID string) (billing.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[invoiceID]
	if !ok {
		return billing.DeadLetter{}, ErrNotFound
	}
	return e, nil
}

// List returns newest first.
func (s *MemoryDeadLetters) List(_ context.Context, limit, offset int) ([]billing.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]billing.DeadLetter, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.entries[s.order[i]])
	}
	if offset > 0 {
		if offset >= len(out) {
			return []billing.DeadLetter{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneJob(j billing.RetryJob) billing.RetryJob {
	if j.FailureHistory != nil {
		j.FailureHistory = append([]string(nil), j.FailureHistory...)
	}
	return j
}
