package counterstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease is an exclusive, expiring claim on a name held in a Store.
type Lease struct {
	store Store
	key   string
	token []byte
}

// LeaseKey formats the store key guarding name.
func LeaseKey(name string) string { return "lease:" + name }

// AcquireLease tries to claim name for ttl. It returns (nil, nil) when another
// holder owns the lease.
func AcquireLease(ctx context.Context, s Store, name string, ttl time.Duration) (*Lease, error) {
	l := &Lease{store: s, key: LeaseKey(name), token: []byte(uuid.NewString())}
	ok, err := s.SetNX(ctx, l.key, l.token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return l, nil
}

// Release gives up the lease if it is still held by this holder. Releasing an
// expired lease, or one taken over by another holder, is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := l.store.CompareAndDelete(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
