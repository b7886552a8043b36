// Package resolve decides what a record becomes when two writers
// modified it between one client's read and write. It is only invoked
// at the boundary with the non-CRDT record store, where a version
// mismatch signals the conflict; document-internal merges are always
// automatic and never come here.
package resolve

import (
	"fmt"
	"log"
)

// Strategy selects how a record-store conflict is resolved.
type Strategy string

const (
	// ClientWins keeps the local value unconditionally.
	ClientWins Strategy = "client-wins"

	// ServerWins keeps the remote value unconditionally.
	ServerWins Strategy = "server-wins"

	// Merge keeps the remote value for every conflicting field but
	// carries over fields only the client set. Deterministic.
	Merge Strategy = "merge"

	// Prompt defers to an external collaborator, typically the UI.
	// When no prompt handler is wired, Prompt falls back to Merge
	// rather than blocking.
	Prompt Strategy = "prompt"
)

// Source identifies where a resolved value came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceMerged Source = "merged"
	SourcePrompt Source = "prompt"
)

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Resolved map[string]any
	Source   Source
}

// Func is a pluggable resolution strategy.
type Func func(local, remote map[string]any) (Resolution, error)

// PromptFunc supplies a resolved value from outside the engine. It may
// return an error or a nil map to decline, in which case the resolver
// falls back to Merge.
type PromptFunc func(local, remote map[string]any) (map[string]any, error)

// Resolver maps strategies to resolution functions. Custom strategies
// can be registered per instance; the four built-ins are always
// available. A Resolver is safe to share once constructed.
type Resolver struct {
	custom          map[Strategy]Func
	prompt          PromptFunc
	defaultStrategy Strategy
	logger          *log.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPromptFunc wires the external handler used by the Prompt
// strategy.
func WithPromptFunc(fn PromptFunc) Option {
	return func(r *Resolver) { r.prompt = fn }
}

// WithDefaultStrategy sets the strategy used when Resolve is called
// with an empty one.
func WithDefaultStrategy(s Strategy) Option {
	return func(r *Resolver) { r.defaultStrategy = s }
}

// WithStrategy registers a custom strategy under the given name.
func WithStrategy(name Strategy, fn Func) Option {
	return func(r *Resolver) { r.custom[name] = fn }
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(logger *log.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a resolver. The default strategy is Merge.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		custom:          make(map[Strategy]Func),
		defaultStrategy: Merge,
		logger:          log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Valid reports whether s names a built-in strategy.
func Valid(s Strategy) bool {
	switch s {
	case ClientWins, ServerWins, Merge, Prompt:
		return true
	}
	return false
}

// Known reports whether s names a strategy this resolver can run:
// built-in or registered on it.
func (r *Resolver) Known(s Strategy) bool {
	if Valid(s) {
		return true
	}
	_, ok := r.custom[s]
	return ok
}

// Resolve maps a local and a remote version of a record onto the value
// to write back. An empty strategy uses the resolver's default.
func (r *Resolver) Resolve(local, remote map[string]any, strategy Strategy) (Resolution, error) {
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	switch strategy {
	case ClientWins:
		return Resolution{Resolved: cloneFields(local), Source: SourceLocal}, nil
	case ServerWins:
		return Resolution{Resolved: cloneFields(remote), Source: SourceRemote}, nil
	case Merge:
		return Resolution{Resolved: mergeFields(local, remote), Source: SourceMerged}, nil
	case Prompt:
		return r.resolvePrompt(local, remote), nil
	}

	if fn, ok := r.custom[strategy]; ok {
		return fn(local, remote)
	}
	return Resolution{}, fmt.Errorf("unknown conflict strategy %q", strategy)
}

// resolvePrompt asks the wired handler and falls back to Merge when no
// handler exists or the handler declines. Prompt never blocks conflict
// handling on a missing answer.
func (r *Resolver) resolvePrompt(local, remote map[string]any) Resolution {
	if r.prompt == nil {
		return Resolution{Resolved: mergeFields(local, remote), Source: SourceMerged}
	}
	resolved, err := r.prompt(local, remote)
	if err != nil || resolved == nil {
		if err != nil {
			r.logger.Printf("Warning: prompt resolution failed, falling back to merge: %v", err)
		}
		return Resolution{Resolved: mergeFields(local, remote), Source: SourceMerged}
	}
	return Resolution{Resolved: resolved, Source: SourcePrompt}
}

// mergeFields keeps remote's value for every field present in both
// versions and adds fields only the client set.
func mergeFields(local, remote map[string]any) map[string]any {
	out := make(map[string]any, len(remote)+len(local))
	for k, v := range remote {
		out[k] = v
	}
	for k, v := range local {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
