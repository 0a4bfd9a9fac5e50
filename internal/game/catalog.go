package game

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
	defaultCatalogErr  error
)

type ProducerDef struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	BaseCost    float64 `yaml:"base_cost"`
	BaseYield   float64 `yaml:"base_yield"`
	// UnlockAt hides the producer from sale until the player holds this much currency.
	UnlockAt    float64 `yaml:"unlock_at"`
}

// Catalog is the static definition of producer types and achievements.
// It is immutable after LoadCatalog returns.
type Catalog struct {
	Producers    []ProducerDef
	Achievements []*Achievement
}

type catalogFile struct {
	Producers    []ProducerDef `yaml:"producers"`
	Achievements []struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		When        string `yaml:"when"`
	} `yaml:"achievements"`
}

// DefaultCatalog returns the embedded catalog. It panics if the embedded file is broken,
// which is a build defect rather than a runtime condition.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = LoadCatalog(defaultCatalogYAML)
	})
	if defaultCatalogErr != nil {
		panic(fmt.Sprintf("embedded catalog: %v", defaultCatalogErr))
	}
	return defaultCatalog
}

// LoadCatalog parses a YAML catalog and compiles its achievement predicates.
func LoadCatalog(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidCatalog, err)
	}
	if len(file.Producers) == 0 {
		return nil, fmt.Errorf("%w: no producers", ErrInvalidCatalog)
	}

	c := &Catalog{}
	names := make(map[string]struct{}, len(file.Producers))
	for i, p := range file.Producers {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("%w: producer %d has no name", ErrInvalidCatalog, i)
		}
		if _, dup := names[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate producer %q", ErrInvalidCatalog, p.Name)
		}
		if p.BaseCost <= 0 {
			return nil, fmt.Errorf("%w: producer %q base_cost must be > 0", ErrInvalidCatalog, p.Name)
		}
		if p.BaseYield < 0 {
			return nil, fmt.Errorf("%w: producer %q base_yield must be >= 0", ErrInvalidCatalog, p.Name)
		}
		if p.UnlockAt < 0 {
			return nil, fmt.Errorf("%w: producer %q unlock_at must be >= 0", ErrInvalidCatalog, p.Name)
		}
		names[p.Name] = struct{}{}
		c.Producers = append(c.Producers, p)
	}

	ids := make(map[string]struct{}, len(file.Achievements))
	for _, a := range file.Achievements {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: achievement %q has no id", ErrInvalidCatalog, a.Name)
		}
		if _, dup := ids[id]; dup {
			return nil, fmt.Errorf("%w: duplicate achievement id %q", ErrInvalidCatalog, id)
		}
		ach, err := compileAchievement(id, a.Name, a.Description, a.When)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		ids[id] = struct{}{}
		c.Achievements = append(c.Achievements, ach)
	}
	return c, nil
}

// DefaultProducers returns a fresh producer list with nothing owned.
func (c *Catalog) DefaultProducers() []ProducerState {
	out := make([]ProducerState, len(c.Producers))
	for i, p := range c.Producers {
		out[i] = ProducerState{Name: p.Name, BaseCost: p.BaseCost, BaseYield: p.BaseYield}
	}
	return out
}

// DefaultSnapshot is the state of a player with no persisted record.
func (c *Catalog) DefaultSnapshot() Snapshot {
	return Snapshot{Producers: c.DefaultProducers(), Achievements: []string{}}
}

// UnlockAt is the unlock threshold of producer i, 0 when it is always available.
func (c *Catalog) UnlockAt(i int) float64 {
	if i < 0 || i >= len(c.Producers) {
		return 0
	}
	return c.Producers[i].UnlockAt
}

// Achievement looks up a definition by id.
func (c *Catalog) Achievement(id string) (*Achievement, bool) {
	for _, a := range c.Achievements {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// mergeProducers lays a loaded producer list over the catalog by index. Catalog definitions
// win; the loaded list supplies counts. Entries past the catalog are kept only when they carry
// a usable definition of their own.
func (c *Catalog) mergeProducers(loaded []ProducerState) []ProducerState {
	out := c.DefaultProducers()
	for i, p := range loaded {
		owned := p.Owned
		if owned < 0 {
			owned = 0
		}
		if owned > MaxSafeCount {
			owned = MaxSafeCount
		}
		if i < len(out) {
			out[i].Owned = owned
			continue
		}
		if strings.TrimSpace(p.Name) == "" || p.BaseCost <= 0 || p.BaseYield < 0 {
			continue
		}
		out = append(out, ProducerState{Name: p.Name, BaseCost: p.BaseCost, BaseYield: p.BaseYield, Owned: owned})
	}
	return out
}
