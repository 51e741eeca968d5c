package rebalance

import (
	"github.com/crossrail-labs/hedged/pkg/logging"
)

// Supervisor owns the engine and monitor lifecycles. The monitor is
// optional; with it disabled the engine still resumes and completes any
// checkpointed rebalance and accepts manual triggers.
type Supervisor struct {
	engine  *Engine
	monitor *Monitor
	log     *logging.Logger
}

// NewSupervisor wires the engine and an optional monitor together.
func NewSupervisor(engine *Engine, monitor *Monitor, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		engine:  engine,
		monitor: monitor,
		log:     logger.Component("supervisor"),
	}
}

// Engine exposes the engine for manual triggers.
func (s *Supervisor) Engine() *Engine {
	return s.engine
}

// Start launches the engine and, if configured, the monitor.
func (s *Supervisor) Start() {
	s.engine.Start()
	if s.monitor != nil {
		s.monitor.Start()
	}
	s.log.Info("Supervisor started", "monitor", s.monitor != nil)
}

// Stop halts the monitor first so no new rebalance triggers while the
// engine winds down.
func (s *Supervisor) Stop() {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.engine.Stop()
	s.log.Info("Supervisor stopped")
}
