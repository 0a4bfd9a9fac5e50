package game

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Achievement is a catalog entry whose predicate is an expr program over AchievementEnv.
type Achievement struct {
	ID          string
	Name        string
	Description string
	When        string

	program *vm.Program
}

// AchievementEnv is the view of the game state that predicates can read.
//
//	Cookies >= 100
//	any(Buildings, .Count >= 10)
//	Owned("Farm") >= 1
type AchievementEnv struct {
	Cookies   float64
	Cps       float64
	Buildings []BuildingView
}

type BuildingView struct {
	Name  string
	Count int64
}

// Owned returns the count of the named building, or 0.
func (e AchievementEnv) Owned(name string) int64 {
	for _, b := range e.Buildings {
		if b.Name == name {
			return b.Count
		}
	}
	return 0
}

func compileAchievement(id, name, description, when string) (*Achievement, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return nil, fmt.Errorf("achievement %q has no predicate", id)
	}
	program, err := expr.Compile(when, expr.Env(AchievementEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("achievement %q: compile %q: %w", id, when, err)
	}
	return &Achievement{
		ID:          id,
		Name:        name,
		Description: description,
		When:        when,
		program:     program,
	}, nil
}

// Met evaluates the predicate. Evaluation errors count as not met.
func (a *Achievement) Met(env AchievementEnv) bool {
	if a == nil || a.program == nil {
		return false
	}
	out, err := expr.Run(a.program, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func newAchievementEnv(currency, cps float64, producers []ProducerState) AchievementEnv {
	env := AchievementEnv{
		Cookies:   currency,
		Cps:       cps,
		Buildings: make([]BuildingView, len(producers)),
	}
	for i, p := range producers {
		env.Buildings[i] = BuildingView{Name: p.Name, Count: p.Owned}
	}
	return env
}
