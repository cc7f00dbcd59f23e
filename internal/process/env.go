package process

import (
	"sort"
	"strings"
)

// Env is an ordered set of variables layered over an inherited environment.
// The orchestrator owns one; stages add to it (DISPLAY after the display
// stage) and every later child is started with Merge(os.Environ()).
type Env struct {
	vars  map[string]string
	order []string
}

// NewEnv returns an empty overlay.
func NewEnv() *Env {
	return &Env{vars: make(map[string]string)}
}

// Set adds or replaces a variable.
func (e *Env) Set(key, value string) {
	if _, ok := e.vars[key]; !ok {
		e.order = append(e.order, key)
	}
	e.vars[key] = value
}

// SetAll adds every entry of m in key order.
func (e *Env) SetAll(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.Set(k, m[k])
	}
}

// Get returns the overlay value for key.
func (e *Env) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Keys returns overlay keys in insertion order.
func (e *Env) Keys() []string {
	return append([]string(nil), e.order...)
}

// Clone returns an independent copy.
func (e *Env) Clone() *Env {
	c := NewEnv()
	for _, k := range e.order {
		c.Set(k, e.vars[k])
	}
	return c
}

// Merge returns base with overlay variables replacing or appended to it.
func (e *Env) Merge(base []string) []string {
	out := make([]string, 0, len(base)+len(e.order))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := e.vars[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range e.order {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}
