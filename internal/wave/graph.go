package wave

import (
	"sort"

	"foreman/internal/faults"
)

// storyGroup is one serially-ordered batch of stories: a topological layer
// further partitioned by parallel group. Stories inside a group may run
// concurrently; groups run one after another.
type storyGroup struct {
	layer    int
	group    int
	storyIDs []string
}

// layerStories turns a wave's story DAG into an ordered list of groups.
// Returns CIRCULAR_DEPENDENCY when the declared dependencies form a cycle.
func layerStories(w *Wave) ([]storyGroup, error) {
	byID := make(map[string]*Story, len(w.Stories))
	indegree := make(map[string]int, len(w.Stories))
	dependents := make(map[string][]string)
	for i := range w.Stories {
		s := &w.Stories[i]
		byID[s.ID] = s
		indegree[s.ID] = len(s.Dependencies)
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	// Kahn's algorithm by levels: each pass peels every currently
	// dependency-free story into one topological layer.
	layerOf := make(map[string]int, len(w.Stories))
	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	placed := 0
	for layer := 0; len(frontier) > 0; layer++ {
		var next []string
		for _, id := range frontier {
			layerOf[id] = layer
			placed++
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}
	if placed != len(w.Stories) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, faults.Newf(faults.CodeCircularDependency, "stories form a dependency cycle: %v", stuck).
			With("wave", w.ID)
	}

	// Partition each layer by parallel group; groups run in ascending
	// group order within their layer.
	grouped := make(map[[2]int][]string)
	for id, layer := range layerOf {
		key := [2]int{layer, byID[id].ParallelGroup}
		grouped[key] = append(grouped[key], id)
	}

	var out []storyGroup
	for key, ids := range grouped {
		sort.Strings(ids)
		out = append(out, storyGroup{layer: key[0], group: key[1], storyIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].layer != out[j].layer {
			return out[i].layer < out[j].layer
		}
		return out[i].group < out[j].group
	})
	return out, nil
}
