package balance

import (
	"context"
	"errors"
	"testing"

	"trading-engine/pkg/exchange"
)

type stubSource struct {
	balance exchange.Balance
	err     error
	calls   int
}

func (s *stubSource) GetAccountBalance(ctx context.Context, asset string) (*exchange.Balance, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	b := s.balance
	b.Asset = asset
	return &b, nil
}

func TestFixedLifecycle(t *testing.T) {
	m := NewFixed(10000)
	if got := m.AvailableBalance(); got != 10000 {
		t.Fatalf("AvailableBalance()=%v, expected 10000", got)
	}

	if err := m.Lock(4000); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	snap := m.Snapshot()
	if snap.Available != 6000 || snap.Locked != 4000 || snap.Total != 10000 {
		t.Fatalf("after lock: %+v", snap)
	}

	// Lock beyond available must fail without mutating state.
	if err := m.Lock(7000); err == nil {
		t.Fatalf("Lock() past available: expected error")
	}
	if snap := m.Snapshot(); snap.Available != 6000 || snap.Locked != 4000 {
		t.Fatalf("failed lock mutated state: %+v", snap)
	}

	// A buy fill consumes the reservation.
	m.Deduct(4000)
	snap = m.Snapshot()
	if snap.Total != 6000 || snap.Locked != 0 || snap.Available != 6000 {
		t.Fatalf("after deduct: %+v", snap)
	}

	// Sell proceeds come back as free funds.
	m.Add(4500)
	snap = m.Snapshot()
	if snap.Total != 10500 || snap.Available != 10500 {
		t.Fatalf("after add: %+v", snap)
	}
}

func TestUnlockRestoresReservation(t *testing.T) {
	m := NewFixed(1000)
	if err := m.Lock(300); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	m.Unlock(300)
	snap := m.Snapshot()
	if snap.Available != 1000 || snap.Locked != 0 || snap.Total != 1000 {
		t.Fatalf("after unlock: %+v", snap)
	}
}

func TestSyncMirrorsVenue(t *testing.T) {
	src := &stubSource{balance: exchange.Balance{Free: 850.5, Locked: 149.5}}
	m := NewManager(src, "USDT", 0)

	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	snap := m.Snapshot()
	if snap.Total != 1000 || snap.Available != 850.5 || snap.Locked != 149.5 {
		t.Fatalf("after sync: %+v", snap)
	}
	if snap.LastSync.IsZero() {
		t.Fatalf("LastSync not recorded")
	}
	if m.Asset() != "USDT" {
		t.Fatalf("Asset()=%q", m.Asset())
	}

	src.err = errors.New("venue down")
	if err := m.Sync(context.Background()); err == nil {
		t.Fatalf("Sync() with failing source: expected error")
	}
	// State keeps the last good numbers.
	if got := m.AvailableBalance(); got != 850.5 {
		t.Fatalf("AvailableBalance() after failed sync=%v, expected 850.5", got)
	}
}

func TestOnChangeFires(t *testing.T) {
	m := NewFixed(500)
	var seen []Balance
	m.SetOnChange(func(b Balance) { seen = append(seen, b) })

	if err := m.Lock(100); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	m.Deduct(100)
	if len(seen) != 2 {
		t.Fatalf("onChange fired %d times, expected 2", len(seen))
	}
	if seen[1].Total != 400 {
		t.Fatalf("last change total=%v, expected 400", seen[1].Total)
	}
}
