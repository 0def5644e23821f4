package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/shehryarbajwa/browserplane/pkg/models"
)

// legal lists every state a session may move to from a given state.
var legal = map[models.State][]models.State{
	models.StateCreating: {models.StateActive, models.StateFailed},
	models.StateActive:   {models.StateClosing, models.StateFailed},
	models.StateClosing:  {models.StateClosed},
}

var allStates = []models.State{
	models.StateCreating,
	models.StateActive,
	models.StateClosing,
	models.StateClosed,
	models.StateFailed,
}

type op struct {
	ID   int
	Kind int
	To   int
}

func genOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 4),
		gen.IntRange(0, 2),
		gen.IntRange(0, len(allStates)-1),
	).Map(func(v []interface{}) op {
		return op{ID: v[0].(int), Kind: v[1].(int), To: v[2].(int)}
	})
}

func sources(to models.State) []models.State {
	var from []models.State
	for s, next := range legal {
		for _, n := range next {
			if n == to {
				from = append(from, s)
			}
		}
	}
	return from
}

// TestRegistryMatchesModelProperty applies random insert, transition and
// remove sequences and checks the registry agrees with a plain map after
// every step, and that terminal states are never left.
func TestRegistryMatchesModelProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("registry follows the session state machine", prop.ForAll(
		func(ops []op) bool {
			r := New()
			model := make(map[string]models.State)

			for _, o := range ops {
				id := fmt.Sprintf("s%d", o.ID)
				switch o.Kind {
				case 0:
					err := r.Insert(Entry{ID: id, State: models.StateCreating, CreatedAt: time.Now()})
					if _, exists := model[id]; exists != (err != nil) {
						return false
					}
					if err == nil {
						model[id] = models.StateCreating
					}
				case 1:
					to := allStates[o.To]
					_, err := r.Transition(id, sources(to), to)
					cur, exists := model[id]
					allowed := false
					for _, n := range legal[cur] {
						if n == to {
							allowed = true
						}
					}
					if exists && allowed {
						if err != nil {
							return false
						}
						model[id] = to
					} else if err == nil {
						return false
					}
				case 2:
					_, ok := r.Remove(id)
					if _, exists := model[id]; exists != ok {
						return false
					}
					delete(model, id)
				}

				if r.Len() != len(model) {
					return false
				}
				for mid, state := range model {
					got, ok := r.Get(mid)
					if !ok || got.State != state {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genOp()),
	))

	properties.TestingRun(t)
}
