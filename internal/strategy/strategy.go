// Package strategy defines the signal-generation interface the engine drives
// and an explicit registry mapping stable strategy ids to factories.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kisbot/internal/kis"
	"kisbot/internal/order"
	"kisbot/internal/portfolio"
)

// Payload is the per-cycle market input the engine hands every strategy.
type Payload struct {
	HistoricalDaily map[string][]kis.Candle
	RealtimePrice   map[string]float64
}

// Snapshot is the read-only portfolio view at signal time.
type Snapshot struct {
	Cash       float64
	Positions  map[string]portfolio.Position
	OpenOrders map[string]portfolio.OpenOrder
}

// Strategy produces trade signals from market data and the portfolio state.
// ClosingOnly strategies run only inside the closing-call auction window;
// all others run during regular hours.
type Strategy interface {
	ID() string
	ClosingOnly() bool
	GenerateSignals(ctx context.Context, payload Payload, snapshot Snapshot) []order.Signal
	// Symbols the strategy wants market data for this session.
	Symbols() []string
}

// Factory builds a strategy instance at startup.
type Factory func() (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a strategy constructible by id. Typically called from an
// init func in the strategy's own file. Duplicate ids panic: two strategies
// claiming one id is a programming error.
func Register(id string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[id]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", id))
	}
	registry[id] = f
}

// Build instantiates the strategies named in ids, failing on unknown ids so
// a config typo is caught at startup rather than traded around.
func Build(ids []string) ([]Strategy, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var out []Strategy
	for _, id := range ids {
		f, ok := registry[id]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q (registered: %v)", id, registeredLocked())
		}
		s, err := f()
		if err != nil {
			return nil, fmt.Errorf("build strategy %q: %w", id, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Registered lists known strategy ids, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registeredLocked()
}

func registeredLocked() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
