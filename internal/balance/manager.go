// Package balance tracks the quote-asset balance the engine trades
// against: either a fixed simulated amount or the venue's account, kept
// fresh by periodic sync. The manager is the balance provider the risk
// manager and the order executor consult.
package balance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-engine/pkg/exchange"
)

// Source fetches the authoritative balance from the venue.
type Source interface {
	GetAccountBalance(ctx context.Context, asset string) (*exchange.Balance, error)
}

// Balance is one snapshot of the tracked funds.
type Balance struct {
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	Locked    float64   `json:"locked"`
	LastSync  time.Time `json:"lastSync"`
}

// Manager owns the balance state. With a source it mirrors the venue;
// without one it runs on a locally managed simulated balance.
type Manager struct {
	source       Source
	asset        string
	syncInterval time.Duration
	onChange     func(Balance)

	mu        sync.RWMutex
	total     float64
	available float64
	locked    float64
	lastSync  time.Time
}

// NewManager builds an exchange-backed manager for one quote asset.
func NewManager(source Source, asset string, syncInterval time.Duration) *Manager {
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	return &Manager{
		source:       source,
		asset:        asset,
		syncInterval: syncInterval,
	}
}

// NewFixed builds a manager over a simulated balance; nothing syncs.
// The asset is reported as USDT, matching the simulated quote currency.
func NewFixed(amount float64) *Manager {
	m := &Manager{asset: "USDT"}
	m.SetInitialBalance(amount)
	return m
}

// SetOnChange installs a callback fired after every balance mutation.
// Install before Start; the callback runs outside the manager's lock.
func (m *Manager) SetOnChange(fn func(Balance)) {
	m.onChange = fn
}

// Start syncs once, then keeps syncing in the background until the
// context is canceled. A no-op without a source.
func (m *Manager) Start(ctx context.Context) {
	if m.source == nil {
		return
	}
	if err := m.Sync(ctx); err != nil {
		log.Printf("❌ balance sync error: %v", err)
	}
	go func() {
		ticker := time.NewTicker(m.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					log.Printf("❌ balance sync error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync overwrites local state with the venue's numbers. In-flight local
// locks are clobbered; the venue is authoritative.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	b, err := m.source.GetAccountBalance(ctx, m.asset)
	if err != nil {
		return fmt.Errorf("fetch %s balance: %w", m.asset, err)
	}

	m.mu.Lock()
	m.total = b.Free + b.Locked
	m.available = b.Free
	m.locked = b.Locked
	m.lastSync = time.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Printf("💰 balance synced: total=%.2f available=%.2f locked=%.2f",
		snap.Total, snap.Available, snap.Locked)
	m.notify(snap)
	return nil
}

// AvailableBalance returns the spendable amount. This is the provider
// surface the risk manager sizes positions against.
func (m *Manager) AvailableBalance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

// Lock reserves funds for an order about to be submitted.
func (m *Manager) Lock(amount float64) error {
	m.mu.Lock()
	if amount > m.available {
		have := m.available
		m.mu.Unlock()
		return fmt.Errorf("insufficient balance: need %.2f, have %.2f", amount, have)
	}
	m.available -= amount
	m.locked += amount
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Printf("🔒 balance locked: %.2f (available: %.2f)", amount, snap.Available)
	m.notify(snap)
	return nil
}

// Unlock releases a reservation that did not convert into a fill.
func (m *Manager) Unlock(amount float64) {
	m.mu.Lock()
	m.locked -= amount
	m.available += amount
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Printf("🔓 balance unlocked: %.2f (available: %.2f)", amount, snap.Available)
	m.notify(snap)
}

// Deduct converts a reservation into spent funds after a buy fill.
func (m *Manager) Deduct(amount float64) {
	m.mu.Lock()
	m.locked -= amount
	m.total -= amount
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Printf("💸 balance deducted: %.2f (total: %.2f)", amount, snap.Total)
	m.notify(snap)
}

// Add credits proceeds after a sell fill.
func (m *Manager) Add(amount float64) {
	m.mu.Lock()
	m.total += amount
	m.available += amount
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Printf("💵 balance added: %.2f (total: %.2f)", amount, snap.Total)
	m.notify(snap)
}

// Snapshot returns the current balance state.
func (m *Manager) Snapshot() Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// SetInitialBalance seeds the simulated balance.
func (m *Manager) SetInitialBalance(amount float64) {
	m.mu.Lock()
	m.total = amount
	m.available = amount
	m.locked = 0
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.Printf("💰 initial balance set: %.2f", amount)
	m.notify(snap)
}

// Asset returns the tracked quote asset; empty in fixed mode.
func (m *Manager) Asset() string { return m.asset }

func (m *Manager) snapshotLocked() Balance {
	return Balance{
		Total:     m.total,
		Available: m.available,
		Locked:    m.locked,
		LastSync:  m.lastSync,
	}
}

func (m *Manager) notify(snap Balance) {
	if m.onChange != nil {
		m.onChange(snap)
	}
}
