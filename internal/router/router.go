// Package router resolves client-facing model names to alias entries and
// orders their upstream targets.
package router

import (
	"strings"
	"sync/atomic"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/unified"
)

// Router indexes every primary and secondary alias id, case-insensitively.
// The index is an immutable snapshot rebuilt on config reload.
type Router struct {
	index atomic.Pointer[aliasIndex]
}

type aliasIndex struct {
	byName  map[string]config.AliasConfig
	ordered []config.AliasConfig
}

// New builds a router for the given config snapshot.
func New(cfg *config.Config) *Router {
	r := &Router{}
	r.Update(cfg)
	return r
}

// Update rebuilds the index from a new snapshot.
func (r *Router) Update(cfg *config.Config) {
	idx := &aliasIndex{byName: make(map[string]config.AliasConfig)}
	for _, a := range cfg.Aliases {
		idx.byName[strings.ToLower(a.ID)] = a
		for _, name := range a.Aliases {
			idx.byName[strings.ToLower(name)] = a
		}
		idx.ordered = append(idx.ordered, a)
	}
	r.index.Store(idx)
}

// Resolve looks up an alias by primary or secondary name. A gemini-style
// "models/" prefix is accepted and ignored.
func (r *Router) Resolve(name string) (config.AliasConfig, bool) {
	name = strings.TrimPrefix(name, "models/")
	a, ok := r.index.Load().byName[strings.ToLower(name)]
	return a, ok
}

// Aliases returns all alias entries in configuration order, for the public
// model listing.
func (r *Router) Aliases() []config.AliasConfig {
	return r.index.Load().ordered
}

// TargetDialect determines the dialect used when calling the target's
// provider: the target's api_type override when set, otherwise the
// provider's first declared dialect.
func TargetDialect(t config.TargetConfig, p config.ProviderConfig) (unified.Dialect, bool) {
	if t.APIType != "" {
		return unified.ParseDialect(t.APIType)
	}
	if len(p.Dialects) > 0 {
		return unified.ParseDialect(p.Dialects[0])
	}
	return 0, false
}

// OrderedTarget pairs a target with its position in the alias
// configuration; the index survives reordering so in_order selection can
// track attempts.
type OrderedTarget struct {
	Index  int
	Target config.TargetConfig
}

// OrderTargets returns the alias targets in selection order. With
// priority=api_match, targets whose provider natively speaks the client's
// dialect move ahead of targets that would require transformation; the
// partition is stable, so configuration order decides within each group.
func OrderTargets(alias config.AliasConfig, cfg *config.Config, client unified.Dialect) []OrderedTarget {
	all := make([]OrderedTarget, len(alias.Targets))
	for i, t := range alias.Targets {
		all[i] = OrderedTarget{Index: i, Target: t}
	}
	if alias.Priority != "api_match" {
		return all
	}
	var native, foreign []OrderedTarget
	for _, ot := range all {
		p, ok := cfg.Provider(ot.Target.Provider)
		if ok {
			if d, ok := TargetDialect(ot.Target, p); ok && d == client {
				native = append(native, ot)
				continue
			}
		}
		foreign = append(foreign, ot)
	}
	return append(native, foreign...)
}
