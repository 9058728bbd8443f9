package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"deployagent/internal/project"
)

// Pool holds one Agent per configured site.
type Pool struct {
	agents map[string]*Agent
	names  []string
}

// NewPool creates an Agent for every project in the registry.
func NewPool(reg *project.Registry, opts Options) (*Pool, error) {
	p := &Pool{agents: make(map[string]*Agent)}
	for _, name := range reg.List() {
		proj, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		a, err := New(proj, opts)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", name, err)
		}
		p.agents[name] = a
		p.names = append(p.names, name)
	}
	sort.Strings(p.names)
	return p, nil
}

// Get returns the agent for the named site.
func (p *Pool) Get(name string) (*Agent, bool) {
	a, ok := p.agents[name]
	return a, ok
}

// Names returns the site names in order.
func (p *Pool) Names() []string {
	return append([]string(nil), p.names...)
}

// Start starts every agent. Agents started before a failure are stopped
// again.
func (p *Pool) Start(ctx context.Context) error {
	for i, name := range p.names {
		if err := p.agents[name].Start(ctx); err != nil {
			for _, started := range p.names[:i] {
				_ = p.agents[started].Stop(ctx)
			}
			return fmt.Errorf("site %s: %w", name, err)
		}
	}
	return nil
}

// Stop stops every agent and reports all failures.
func (p *Pool) Stop(ctx context.Context) error {
	var errs []error
	for _, name := range p.names {
		if err := p.agents[name].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
