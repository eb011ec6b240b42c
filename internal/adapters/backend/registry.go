// Package backend holds the registry of protocol backends. A backend package
// registers itself from init, the way database/sql drivers do, and the daemon
// opens it by name from configuration.
package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mikey-austin/spotd/internal/ports"
	"go.uber.org/zap"
)

// Options are handed to a backend when it is opened.
type Options struct {
	Logger *zap.Logger
	Params map[string]string
}

// Opener builds a backend.
type Opener func(opts Options) (ports.Backend, error)

var (
	mu      sync.RWMutex
	openers = map[string]Opener{}
)

// Register makes a backend available by name. It panics if the name is
// registered twice or the opener is nil.
func Register(name string, open Opener) {
	mu.Lock()
	defer mu.Unlock()
	if open == nil {
		panic("backend: Register opener is nil")
	}
	if _, dup := openers[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	openers[name] = open
}

// Open builds the named backend.
func Open(name string, opts Options) (ports.Backend, error) {
	mu.RLock()
	open, ok := openers[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %v)", name, Names())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b, err := open(opts)
	if err != nil {
		return nil, fmt.Errorf("open backend %s: %w", name, err)
	}
	return b, nil
}

// Names lists registered backends in order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unregister(name string) {
	mu.Lock()
	delete(openers, name)
	mu.Unlock()
}
