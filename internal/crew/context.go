package crew

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Context accumulates seed inputs and task results for a single execution. Keys are
// write-once; all methods are safe for concurrent use.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewContext(seed map[string]any) *Context {
	values := make(map[string]any, len(seed))
	maps.Copy(values, seed)
	return &Context{values: values}
}

// Set publishes value under key. A key can only be written once.
func (c *Context) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; ok {
		return &DuplicateKeyError{Key: key}
	}
	c.values[key] = value
	return nil
}

func (c *Context) Get(key string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	if !ok {
		return nil, &MissingKeyError{Key: key}
	}
	return v, nil
}

func (c *Context) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok
}

// Keys returns the bound keys in sorted order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.values))
}

// Snapshot returns a copy of every binding.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

// Render substitutes {name} tokens with context values, falling back to locals.
// "{{" and "}}" produce literal braces. All placeholders are resolved under a single
// read lock so the result reflects one consistent view of the context.
func (c *Context) Render(template string, locals map[string]any) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return render(template, func(name string) (any, bool) {
		if v, ok := c.values[name]; ok {
			return v, true
		}
		v, ok := locals[name]
		return v, ok
	})
}

func render(template string, lookup func(string) (any, bool)) (string, error) {
	var sb strings.Builder
	sb.Grow(len(template))
	var missing []string

	for i := 0; i < len(template); {
		switch ch := template[i]; ch {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				sb.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unclosed '{' at offset %d", ErrTemplateSyntax, i)
			}
			name := strings.TrimSpace(template[i+1 : i+1+end])
			if name == "" || strings.ContainsRune(name, '{') {
				return "", fmt.Errorf("%w: bad placeholder at offset %d", ErrTemplateSyntax, i)
			}
			if v, ok := lookup(name); ok {
				sb.WriteString(stringify(v))
			} else if !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
			i += end + 2
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				sb.WriteByte('}')
				i += 2
				continue
			}
			return "", fmt.Errorf("%w: single '}' at offset %d", ErrTemplateSyntax, i)
		default:
			sb.WriteByte(ch)
			i++
		}
	}

	if len(missing) > 0 {
		return "", &UnresolvedPlaceholderError{Names: missing}
	}
	return sb.String(), nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
