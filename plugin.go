package orkestra

import (
	"fmt"

	"github.com/ambiyansyah-risyal/orkestra/configbag"
	"github.com/ambiyansyah-risyal/orkestra/endpoint"
)

// RuntimePlugin contributes configuration, components and interceptors.
// Plugins are applied client-default, then service, then operation, then
// per-request, and the config bag is frozen after each scope.
type RuntimePlugin interface {
	ApplyPlugin(cfg *configbag.Bag, rc *RuntimeComponentsBuilder) error
}

// PluginFunc adapts a function to RuntimePlugin.
type PluginFunc func(cfg *configbag.Bag, rc *RuntimeComponentsBuilder) error

// ApplyPlugin implements RuntimePlugin.
func (f PluginFunc) ApplyPlugin(cfg *configbag.Bag, rc *RuntimeComponentsBuilder) error {
	return f(cfg, rc)
}

// Plugin scope names, used as frozen layer names.
const (
	ScopeClient    = "client"
	ScopeService   = "service"
	ScopeOperation = "operation"
	ScopeRequest   = "request"
)

func applyPlugins(scope string, cfg *configbag.Bag, rc *RuntimeComponentsBuilder, plugins []RuntimePlugin) error {
	for i, p := range plugins {
		if p == nil {
			continue
		}
		if err := p.ApplyPlugin(cfg, rc); err != nil {
			return fmt.Errorf("%s plugin %d: %w", scope, i, err)
		}
	}
	cfg.Freeze(scope)
	return nil
}

// ConfigOverride returns a plugin that edits the config bag.
func ConfigOverride(fn func(cfg *configbag.Bag)) RuntimePlugin {
	return PluginFunc(func(cfg *configbag.Bag, _ *RuntimeComponentsBuilder) error {
		fn(cfg)
		return nil
	})
}

// DisableInterceptor returns a plugin that suppresses the named interceptor.
func DisableInterceptor(name, cause string) RuntimePlugin {
	return ConfigOverride(func(cfg *configbag.Bag) {
		configbag.Append(cfg, DisabledInterceptor{Name: name, Cause: cause})
	})
}

// AddInterceptors returns a plugin that registers interceptors.
func AddInterceptors(i ...Interceptor) RuntimePlugin {
	return PluginFunc(func(_ *configbag.Bag, rc *RuntimeComponentsBuilder) error {
		rc.AddInterceptor(i...)
		return nil
	})
}

// OverrideMaxAttempts returns a plugin that changes the attempt limit.
func OverrideMaxAttempts(n int) RuntimePlugin {
	return ConfigOverride(func(cfg *configbag.Bag) {
		rc := configbag.LoadOr(cfg, DefaultRetryConfig())
		rc.MaxAttempts = n
		configbag.Put(cfg, rc)
	})
}

// OverrideTimeouts returns a plugin that replaces the timeout budgets.
func OverrideTimeouts(t TimeoutConfig) RuntimePlugin {
	return ConfigOverride(func(cfg *configbag.Bag) { configbag.Put(cfg, t) })
}

// UseEndpoint returns a plugin that pins the endpoint resolver, e.g. to a
// discovery handle.
func UseEndpoint(r endpoint.Resolver) RuntimePlugin {
	return PluginFunc(func(_ *configbag.Bag, rc *RuntimeComponentsBuilder) error {
		rc.SetEndpointResolver(r)
		return nil
	})
}
