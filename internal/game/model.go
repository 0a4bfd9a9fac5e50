package game

import (
	"errors"
	"math"
)

const (
	// CostGrowth is the per-unit price multiplier applied to every producer.
	CostGrowth = 1.15

	// MaxSafeCount is the largest producer count that survives a round trip through
	// a JSON number on every client (2^53 - 1).
	MaxSafeCount = int64(1<<53 - 1)
)

var (
	ErrOutOfRange        = errors.New("producer index out of range")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLocked            = errors.New("producer is locked")
	ErrInvalidCatalog    = errors.New("invalid catalog")
)

// ProducerState is one owned-producer entry. Index within State.Producers identifies the type.
type ProducerState struct {
	Name      string
	BaseCost  float64
	BaseYield float64
	Owned     int64
}

// Snapshot is a detached copy of the game state, safe to serialize while play continues.
type Snapshot struct {
	Currency     float64
	Producers    []ProducerState
	Achievements []string
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Currency: s.Currency}
	if s.Producers != nil {
		out.Producers = append([]ProducerState(nil), s.Producers...)
	}
	if s.Achievements != nil {
		out.Achievements = append([]string(nil), s.Achievements...)
	}
	return out
}

// Equal reports whether two snapshots carry the same currency, producers and achievement set.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Currency != o.Currency || len(s.Producers) != len(o.Producers) || len(s.Achievements) != len(o.Achievements) {
		return false
	}
	for i := range s.Producers {
		if s.Producers[i] != o.Producers[i] {
			return false
		}
	}
	seen := make(map[string]struct{}, len(s.Achievements))
	for _, id := range s.Achievements {
		seen[id] = struct{}{}
	}
	for _, id := range o.Achievements {
		if _, ok := seen[id]; !ok {
			return false
		}
	}
	return true
}

// Cost returns the price of the next unit of a producer: floor(baseCost × 1.15^owned).
func Cost(baseCost float64, owned int64) float64 {
	if owned < 0 {
		owned = 0
	}
	return math.Floor(baseCost * math.Pow(CostGrowth, float64(owned)))
}

// TotalYield sums baseYield × owned over all producers. The result is currency per second.
func TotalYield(producers []ProducerState) float64 {
	var total float64
	for _, p := range producers {
		total += p.BaseYield * float64(p.Owned)
	}
	return total
}

// UnionAchievements merges b into a, keeping a's order and appending unseen ids from b.
func UnionAchievements(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func sanitizeCurrency(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
