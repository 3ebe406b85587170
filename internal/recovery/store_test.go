package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npwellness/storefront-backend/pkg/types"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}}
}

func (f *fakeKV) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return nil
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (f *fakeKV) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeKV) RecoveryKey(orderNumber string) string {
	return "npw:recovery:" + orderNumber
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(newFakeKV(), time.Hour)
	require.NoError(t, err)

	snap := Snapshot{
		Version:       1,
		OrderNumber:   "NP-20260115-4K7QZX",
		TransactionID: "txn_abc123",
		AmountPaise:   129950,
		PaymentURL:    "https://pay.example/t/abc123",
		CustomerName:  "Asha Rao",
		ShippingAddress: types.Address{
			Line1:   "14 Lake View Road",
			City:    "Bengaluru",
			State:   "Karnataka",
			Pincode: "560001",
			Country: "IN",
		},
		Items:     []SnapshotItem{{Name: "Ashwagandha Capsules", Qty: 2}},
		ExpiresAt: time.Now().UTC().Add(15 * time.Minute),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(context.Background(), snap))

	loaded, err := store.Load(context.Background(), snap.OrderNumber)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.TransactionID, loaded.TransactionID)
	assert.Equal(t, snap.AmountPaise, loaded.AmountPaise)
	assert.Equal(t, "Asha Rao", loaded.CustomerName)
	assert.Equal(t, "560001", loaded.ShippingAddress.Pincode)
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, 2, loaded.Items[0].Qty)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store, err := NewStore(newFakeKV(), time.Hour)
	require.NoError(t, err)

	loaded, err := store.Load(context.Background(), "NP-20260115-NOSUCH")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLaterVersionReplaces(t *testing.T) {
	store, err := NewStore(newFakeKV(), time.Hour)
	require.NoError(t, err)

	first := Snapshot{Version: 1, OrderNumber: "NP-20260115-4K7QZX", TransactionID: "txn_one"}
	second := Snapshot{Version: 2, OrderNumber: "NP-20260115-4K7QZX", TransactionID: "txn_two"}
	require.NoError(t, store.Save(context.Background(), first))
	require.NoError(t, store.Save(context.Background(), second))

	loaded, err := store.Load(context.Background(), "NP-20260115-4K7QZX")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 2, loaded.Version)
	assert.Equal(t, "txn_two", loaded.TransactionID)
}

func TestDeleteOnTerminalResolution(t *testing.T) {
	store, err := NewStore(newFakeKV(), time.Hour)
	require.NoError(t, err)

	snap := Snapshot{Version: 1, OrderNumber: "NP-20260115-4K7QZX", TransactionID: "txn_abc"}
	require.NoError(t, store.Save(context.Background(), snap))
	require.NoError(t, store.Delete(context.Background(), snap.OrderNumber))

	loaded, err := store.Load(context.Background(), snap.OrderNumber)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
