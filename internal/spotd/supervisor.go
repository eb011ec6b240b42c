package spotd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ModuleRunner runs a module within the supervisor.
type ModuleRunner struct {
	Name string
	Run  func(ctx context.Context) error
	// Primary modules end the daemon when they return. Other modules are
	// auxiliary; their failures are logged and the rest keep running.
	Primary bool
}

// Supervisor manages module lifecycles.
type Supervisor struct {
	Logger *zap.Logger
}

type moduleExit struct {
	module ModuleRunner
	err    error
}

// Run starts all module runners and waits for a primary module to return or
// ctx to be cancelled. Remaining modules are cancelled and awaited before it
// returns the primary module's error.
func (s Supervisor) Run(ctx context.Context, modules []ModuleRunner) error {
	if len(modules) == 0 {
		return fmt.Errorf("no modules enabled")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	exits := make(chan moduleExit, len(modules))
	for _, module := range modules {
		m := module
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := logger.With(zap.String("module", m.Name))
			log.Info("starting module")
			err := m.Run(runCtx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				log.Error("module exited", zap.Error(err))
			default:
				err = nil
				log.Info("module stopped")
			}
			exits <- moduleExit{module: m, err: err}
		}()
	}

	var result error
	remaining := len(modules)
loop:
	for remaining > 0 {
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested")
			break loop
		case exit := <-exits:
			remaining--
			if exit.module.Primary {
				if exit.err != nil {
					result = fmt.Errorf("%s: %w", exit.module.Name, exit.err)
				}
				break loop
			}
		}
	}

	cancel()
	wg.Wait()
	return result
}
