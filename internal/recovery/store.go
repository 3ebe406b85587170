// Package recovery keeps short-lived payment context snapshots so a customer
// bounced back from the gateway with a half-broken return URL can still be
// routed to their order. Snapshots are advisory only: the orders and payment
// tables always win on conflict, and nothing here grants authorization.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/npwellness/storefront-backend/pkg/types"
)

type kvStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	RecoveryKey(orderNumber string) string
}

// SnapshotItem names one purchased product. Enough to show the customer what
// they were paying for without a database round trip.
type SnapshotItem struct {
	Name string `json:"name"`
	Qty  int    `json:"qty"`
}

// Snapshot is the denormalized payment context captured at initiation time.
type Snapshot struct {
	Version         int            `json:"version"`
	OrderNumber     string         `json:"order_number"`
	TransactionID   string         `json:"transaction_id"`
	AmountPaise     int64          `json:"amount_paise"`
	PaymentURL      string         `json:"payment_url"`
	CustomerName    string         `json:"customer_name"`
	ShippingAddress types.Address  `json:"shipping_address"`
	Items           []SnapshotItem `json:"items,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Store persists snapshots in Redis with a bounded TTL.
type Store struct {
	kv  kvStore
	ttl time.Duration
}

// NewStore builds a snapshot store. TTL bounds how long an unresolved
// snapshot can linger.
func NewStore(kv kvStore, ttl time.Duration) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &Store{kv: kv, ttl: ttl}, nil
}

// Save overwrites the snapshot for the order. Later versions replace earlier
// ones unconditionally.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	if snap.OrderNumber == "" {
		return fmt.Errorf("order number required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal recovery snapshot: %w", err)
	}
	return s.kv.Set(ctx, s.kv.RecoveryKey(snap.OrderNumber), payload, s.ttl)
}

// Load returns the snapshot for the order, or nil when none exists.
func (s *Store) Load(ctx context.Context, orderNumber string) (*Snapshot, error) {
	raw, err := s.kv.Get(ctx, s.kv.RecoveryKey(orderNumber))
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load recovery snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode recovery snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot once the order reaches a terminal state.
func (s *Store) Delete(ctx context.Context, orderNumber string) error {
	return s.kv.Del(ctx, s.kv.RecoveryKey(orderNumber))
}
