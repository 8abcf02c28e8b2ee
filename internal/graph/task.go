package graph

// Task is a unit of work executed by the agent named in Agent. Prompt may reference
// context keys as {placeholder} tokens.
type Task struct {
	Name         string       `json:"name" yaml:"name"`
	Agent        string       `json:"agent" yaml:"agent"`
	Prompt       string       `json:"prompt" yaml:"prompt"`
	ResultKey    string       `json:"result_key,omitempty" yaml:"result_key"`
	Dependencies []Dependency `json:"depends_on,omitempty" yaml:"depends_on"`
}

// Dependency is an edge from an upstream task. Key names the context key the upstream
// task publishes; an empty Key only orders execution.
type Dependency struct {
	Task string `json:"task" yaml:"task"`
	Key  string `json:"key,omitempty" yaml:"key"`
}

// Key returns the context key the task publishes its result under.
func (t Task) Key() string {
	if t.ResultKey != "" {
		return t.ResultKey
	}
	return t.Name
}

// Sources returns the names of the upstream tasks in declaration order.
func (t Task) Sources() []string {
	out := make([]string, 0, len(t.Dependencies))
	seen := make(map[string]bool, len(t.Dependencies))
	for _, d := range t.Dependencies {
		if seen[d.Task] {
			continue
		}
		seen[d.Task] = true
		out = append(out, d.Task)
	}
	return out
}
