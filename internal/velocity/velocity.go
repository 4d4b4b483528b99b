// Package velocity provides windowed activity counts for risk signals.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// Store is the persistence the velocity service counts from.
type Store interface {
	CountCustomerTransactions(ctx context.Context, tenantID string, customerID string, since time.Time) (int64, error)
	CountFailedLogins(ctx context.Context, tenantID string, userID string, since time.Time) (int64, error)
}

// Service calculates activity velocity for customers, users and devices.
type Service struct {
	store Store
	cache domain.Cache
	now   func() time.Time
}

// NewService creates a new velocity service.
func NewService(store Store, cache domain.Cache) *Service {
	return &Service{
		store: store,
		cache: cache,
		now:   time.Now,
	}
}

// CustomerPayments returns the number of payments a customer made within window.
func (s *Service) CustomerPayments(ctx context.Context, tenantID, customerID string, window time.Duration) (int64, error) {
	if tenantID == "" || customerID == "" {
		return 0, fmt.Errorf("tenantID and customerID are required")
	}

	count, err := s.store.CountCustomerTransactions(ctx, tenantID, customerID, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// FailedLogins returns the number of failed logins for a user within window.
func (s *Service) FailedLogins(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	if tenantID == "" || userID == "" {
		return 0, fmt.Errorf("tenantID and userID are required")
	}

	count, err := s.store.CountFailedLogins(ctx, tenantID, userID, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count logins: %w", err)
	}
	return count, nil
}

// RecordRequest counts one request by actor in the current minute and
// returns the running total.
func (s *Service) RecordRequest(ctx context.Context, tenantID, actor string) (int64, error) {
	if s.cache == nil || actor == "" {
		return 0, nil
	}
	return s.cache.IncrementCounter(ctx, tenantID, "rate:"+actor, time.Minute)
}

// DeviceIsNew reports whether deviceID has not been seen for subject within
// memory, and remembers it.
func (s *Service) DeviceIsNew(ctx context.Context, tenantID, subject, deviceID string, memory time.Duration) (bool, error) {
	if s.cache == nil || deviceID == "" {
		return false, nil
	}
	if memory <= 0 {
		memory = 90 * 24 * time.Hour
	}
	return s.cache.SetIfAbsent(ctx, tenantID, "device:"+subject+":"+deviceID, []byte{1}, memory)
}
