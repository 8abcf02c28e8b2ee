package graph

import (
	"errors"
	"slices"
)

// Graph is a validated, immutable set of tasks. It is safe for concurrent reads.
type Graph struct {
	tasks      []Task
	index      map[string]int
	dependents map[string][]string // source -> tasks that depend on it
}

// Build validates tasks and returns the graph. All structural problems are reported
// together, joined with errors.Join.
func Build(tasks []Task) (*Graph, error) {
	if errs := Validate(tasks); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	g := &Graph{
		tasks:      slices.Clone(tasks),
		index:      make(map[string]int, len(tasks)),
		dependents: make(map[string][]string),
	}
	for i, t := range g.tasks {
		g.index[t.Name] = i
		g.tasks[i].Dependencies = slices.Clone(t.Dependencies)
	}
	for _, t := range g.tasks {
		for _, src := range t.Sources() {
			g.dependents[src] = append(g.dependents[src], t.Name)
		}
	}
	return g, nil
}

// Validate checks names, result keys, dependency references and acyclicity.
func Validate(tasks []Task) []error {
	var errs []error

	byName := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			errs = append(errs, invalidf("task with empty name"))
			continue
		}
		if _, dup := byName[t.Name]; dup {
			errs = append(errs, invalidf("duplicate task name %q", t.Name))
			continue
		}
		if t.Agent == "" {
			errs = append(errs, invalidf("task %q has no agent", t.Name))
		}
		byName[t.Name] = t
	}

	keyOwners := make(map[string][]string)
	var keyOrder []string
	for _, t := range tasks {
		if t.Name == "" {
			continue
		}
		k := t.Key()
		if _, ok := keyOwners[k]; !ok {
			keyOrder = append(keyOrder, k)
		}
		if !slices.Contains(keyOwners[k], t.Name) {
			keyOwners[k] = append(keyOwners[k], t.Name)
		}
	}
	for _, k := range keyOrder {
		if owners := keyOwners[k]; len(owners) > 1 {
			errs = append(errs, &DuplicateResultKeyError{Key: k, Tasks: owners})
		}
	}

	for _, t := range tasks {
		for _, d := range t.Dependencies {
			if d.Task == t.Name {
				errs = append(errs, &CycleError{Path: []string{t.Name, t.Name}})
				continue
			}
			src, ok := byName[d.Task]
			if !ok {
				errs = append(errs, &UnknownDependencyError{Task: t.Name, Source: d.Task})
				continue
			}
			if d.Key != "" && d.Key != src.Key() {
				errs = append(errs, &UnknownDependencyError{Task: t.Name, Source: d.Task, Key: d.Key})
			}
		}
	}

	for _, cycle := range findCycles(tasks, byName) {
		errs = append(errs, &CycleError{Path: cycle})
	}
	return errs
}

// findCycles walks task -> upstream edges depth first and returns one path per back edge.
// Self edges are reported by Validate directly.
func findCycles(tasks []Task, byName map[string]Task) [][]string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(byName))
	var stack []string
	var cycles [][]string

	var visit func(name string)
	visit = func(name string) {
		color[name] = gray
		stack = append(stack, name)
		for _, src := range byName[name].Sources() {
			if src == name {
				continue
			}
			if _, ok := byName[src]; !ok {
				continue
			}
			switch color[src] {
			case white:
				visit(src)
			case gray:
				start := slices.Index(stack, src)
				path := slices.Clone(stack[start:])
				cycles = append(cycles, append(path, src))
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
	}

	for _, t := range tasks {
		if _, ok := byName[t.Name]; !ok || color[t.Name] != white {
			continue
		}
		visit(t.Name)
	}
	return cycles
}

// ReadyTasks returns, in declaration order, every task not in completed whose upstream
// tasks are all in completed. Callers subtract tasks they have already started.
func (g *Graph) ReadyTasks(completed map[string]bool) []string {
	var ready []string
	for _, t := range g.tasks {
		if completed[t.Name] {
			continue
		}
		ok := true
		for _, d := range t.Dependencies {
			if !completed[d.Task] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t.Name)
		}
	}
	return ready
}

// Dependents returns the tasks that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return slices.Clone(g.dependents[name])
}

// Descendants returns every task that depends on name directly or transitively,
// in breadth-first order.
func (g *Graph) Descendants(name string) []string {
	seen := map[string]bool{name: true}
	queue := []string{name}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[cur] {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	return out
}

// Task looks up a task by name.
func (g *Graph) Task(name string) (Task, bool) {
	i, ok := g.index[name]
	if !ok {
		return Task{}, false
	}
	return g.tasks[i], true
}

// Tasks returns the tasks in declaration order.
func (g *Graph) Tasks() []Task {
	return slices.Clone(g.tasks)
}

func (g *Graph) Len() int {
	return len(g.tasks)
}

// Agents returns the distinct agent names referenced by the graph.
func (g *Graph) Agents() []string {
	var out []string
	for _, t := range g.tasks {
		if !slices.Contains(out, t.Agent) {
			out = append(out, t.Agent)
		}
	}
	return out
}
