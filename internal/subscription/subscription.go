package subscription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("subscription not found")

// Subscription is the local view of a provider subscription, keyed by customer.
type Subscription struct {
	CustomerID     string    `gorm:"type:text;primaryKey" json:"customerId"`
	SubscriptionID string    `gorm:"type:text;index" json:"subscriptionId"`
	UserID         string    `gorm:"type:text;index" json:"userId"`
	UserEmail      string    `gorm:"type:text" json:"userEmail"`
	Plan           string    `gorm:"type:text" json:"plan"`
	Status         string    `gorm:"type:text;not null" json:"status"`
	CreatedAt      time.Time `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"not null;default:now()" json:"updatedAt"`
}

type Repo struct {
	DB *gorm.DB
}

// Upsert writes s. Empty fields on s do not overwrite stored values.
func (r *Repo) Upsert(ctx context.Context, s Subscription) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("customer_id = ?", s.CustomerID).
			First(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&s).Error
		}
		if err != nil {
			return err
		}
		merged := merge(cur, s)
		merged.UpdatedAt = now
		return tx.Save(&merged).Error
	})
}

// SetStatus updates the subscription found by subscriptionID, falling back to customerID.
func (r *Repo) SetStatus(ctx context.Context, customerID, subscriptionID, status string) error {
	_, err := r.UpdateStatus(ctx, customerID, subscriptionID, status)
	return err
}

func (r *Repo) UpdateStatus(ctx context.Context, customerID, subscriptionID, status string) (Subscription, error) {
	var out Subscription
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found := false
		if subscriptionID != "" {
			ok, err := lockFirst(tx, &out, "subscription_id = ?", subscriptionID)
			if err != nil {
				return err
			}
			found = ok
		}
		if !found && customerID != "" {
			ok, err := lockFirst(tx, &out, "customer_id = ?", customerID)
			if err != nil {
				return err
			}
			found = ok
		}
		if !found {
			return ErrNotFound
		}
		out.Status = status
		if subscriptionID != "" {
			out.SubscriptionID = subscriptionID
		}
		out.UpdatedAt = time.Now().UTC()
		return tx.Save(&out).Error
	})
	return out, err
}

func lockFirst(tx *gorm.DB, dst *Subscription, query, arg string) (bool, error) {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(query, arg).First(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Repo) Get(ctx context.Context, customerID string) (Subscription, error) {
	var s Subscription
	if err := r.DB.WithContext(ctx).Where("customer_id = ?", customerID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, err
	}
	return s, nil
}

// Memory is a process-local subscription store.
type Memory struct {
	mu   sync.Mutex
	subs map[string]Subscription
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]Subscription{}}
}

func (m *Memory) Upsert(_ context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if cur, ok := m.subs[s.CustomerID]; ok {
		s = merge(cur, s)
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.subs[s.CustomerID] = s
	return nil
}

func (m *Memory) SetStatus(ctx context.Context, customerID, subscriptionID, status string) error {
	_, err := m.UpdateStatus(ctx, customerID, subscriptionID, status)
	return err
}

func (m *Memory) UpdateStatus(_ context.Context, customerID, subscriptionID, status string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ""
	if subscriptionID != "" {
		for k, s := range m.subs {
			if s.SubscriptionID == subscriptionID {
				key = k
				break
			}
		}
	}
	if key == "" {
		if _, ok := m.subs[customerID]; ok {
			key = customerID
		}
	}
	if key == "" {
		return Subscription{}, ErrNotFound
	}
	s := m.subs[key]
	s.Status = status
	if subscriptionID != "" {
		s.SubscriptionID = subscriptionID
	}
	s.UpdatedAt = time.Now().UTC()
	m.subs[key] = s
	return s, nil
}

func (m *Memory) Get(_ context.Context, customerID string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[customerID]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return s, nil
}

func merge(cur, next Subscription) Subscription {
	out := cur
	if strings.TrimSpace(next.SubscriptionID) != "" {
		out.SubscriptionID = next.SubscriptionID
	}
	if strings.TrimSpace(next.UserID) != "" {
		out.UserID = next.UserID
	}
	if strings.TrimSpace(next.UserEmail) != "" {
		out.UserEmail = next.UserEmail
	}
	if strings.TrimSpace(next.Plan) != "" {
		out.Plan = next.Plan
	}
	if strings.TrimSpace(next.Status) != "" {
		out.Status = next.Status
	}
	return out
}
