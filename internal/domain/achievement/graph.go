package achievement

import (
	"fmt"
	"sort"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Order validates a full definition set and returns it sorted so every
// prerequisite precedes its dependants. Ties keep id order, which makes
// evaluation order deterministic. It fails on duplicate ids, unknown
// prerequisites and cycles.
func Order(defs []*Definition) ([]*Definition, error) {
	byID := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[d.ID]; dup {
			return nil, shared.WrapError("achievement", "Order", shared.ErrAlreadyExists,
				fmt.Sprintf("duplicate id %q", d.ID), shared.ErrDuplicateAchievement)
		}
		byID[d.ID] = d
	}

	ids := make([]string, 0, len(byID))
	for id, d := range byID {
		if d.Prerequisite != "" {
			if _, ok := byID[d.Prerequisite]; !ok {
				return nil, shared.WrapError("achievement", "Order", shared.ErrNotFound,
					fmt.Sprintf("%s requires unknown %q", d.ID, d.Prerequisite), shared.ErrUnknownPrerequisite)
			}
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(ids))
	out := make([]*Definition, 0, len(ids))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return shared.WrapError("achievement", "Order", shared.ErrInvalidInput,
				fmt.Sprintf("cycle through %v", append(path, id)), shared.ErrPrerequisiteCycle)
		}
		state[id] = visiting
		if pre := byID[id].Prerequisite; pre != "" {
			if err := visit(pre, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		out = append(out, byID[id])
		return nil
	}

	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}
