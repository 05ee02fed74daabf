/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"fmt"
	"sync"

	"github.com/blang/semver"

	lc "github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency"
)

// Provider bundles the three keyed collaborators a grain looks up by
// provider name: AddLogConsistencyProvider(name, configure) and
// …AsDefault(configure) register one, and the provider name is used to
// look up keyed policy/storage instances.
type Provider[E, V any] struct {
	APIVersion    string
	Policy        lc.SnapshotPolicy[E, V]
	LogStore      lc.LogStore[E]
	SnapshotStore lc.SnapshotStore[V]
}

// Registry resolves named (or default) providers for one grain shape
// (E, V). Construct one per distinct grain type; the wiring itself
// (dependency injection, option validation) is left to the caller — this
// only fixes the naming and lookup-order contract.
type Registry[E, V any] struct {
	compatible semver.Range

	mu       sync.RWMutex
	named    map[string]Provider[E, V]
	fallback *Provider[E, V]
}

// NewRegistry builds an empty registry. compatibleRange restricts which
// provider API versions AddLogConsistencyProvider will accept; pass
// semver.MustParseRange(">=0.0.0") to accept everything.
func NewRegistry[E, V any](compatibleRange semver.Range) *Registry[E, V] {
	return &Registry[E, V]{
		compatible: compatibleRange,
		named:      make(map[string]Provider[E, V]),
	}
}

// AddLogConsistencyProvider registers p under name, after checking p's
// declared API version against the registry's compatible range.
func (r *Registry[E, V]) AddLogConsistencyProvider(name string, p Provider[E, V]) error {
	if err := r.checkCompatible(p); err != nil {
		return fmt.Errorf("registry: provider %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = p
	return nil
}

// AddLogConsistencyProviderAsDefault registers p as the fallback used when
// Resolve is called with a name that has no keyed registration.
func (r *Registry[E, V]) AddLogConsistencyProviderAsDefault(p Provider[E, V]) error {
	if err := r.checkCompatible(p); err != nil {
		return fmt.Errorf("registry: default provider: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = &p
	return nil
}

// Resolve looks up name, falling back to the registered default. ok is
// false only when neither a keyed nor a default provider exists; the
// caller is then expected to fall back to policy.None{} and its own
// storage wiring, per the resolution order named > default > policy.None.
func (r *Registry[E, V]) Resolve(name string) (Provider[E, V], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.named[name]; ok {
		return p, true
	}
	if r.fallback != nil {
		return *r.fallback, true
	}
	return Provider[E, V]{}, false
}

func (r *Registry[E, V]) checkCompatible(p Provider[E, V]) error {
	if p.APIVersion == "" {
		return nil
	}
	v, err := semver.Parse(p.APIVersion)
	if err != nil {
		return fmt.Errorf("invalid API version %q: %w", p.APIVersion, err)
	}
	if r.compatible != nil && !r.compatible(v) {
		return fmt.Errorf("API version %s is not in the accepted range", p.APIVersion)
	}
	return nil
}
