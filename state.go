package agentic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type stateCtxKey struct{}

// ContextWithState attaches a State to ctx so tools can reach the shared
// execution context of the run that invoked them.
func ContextWithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, stateCtxKey{}, s)
}

// StateFromContext returns the State attached to ctx, or nil.
func StateFromContext(ctx context.Context) *State {
	s, _ := ctx.Value(stateCtxKey{}).(*State)
	return s
}

// State is the shared execution context passed by reference through a whole
// delegation tree. Reads and writes are mutex-guarded; the convention is that
// each key has a single writer (the agent that owns it) while everyone may read.
type State struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewState creates an empty State.
func NewState() *State {
	return &State{values: make(map[string]string)}
}

// Set stores a value under key, replacing any previous value.
func (s *State) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value for key and whether it exists.
func (s *State) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Delete removes key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Keys returns all keys, sorted for deterministic iteration.
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Summary renders the state as "key: value" lines, sorted by key. Long values
// are truncated so the summary stays prompt-sized.
func (s *State) Summary() string {
	const maxValueLen = 200
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		v := s.values[k]
		if len(v) > maxValueLen {
			v = v[:maxValueLen] + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
