//go:build no_automation

package automation

import (
	"errors"
	"log/slog"

	"zwave-go-home/internal/bootstrap"
)

var errDisabled = errors.New("automation disabled")

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, errDisabled }
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(_ string) error           { return errDisabled }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

func NewEngine(_ Controller, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}
func (e *Engine) Running() []string           { return nil }

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}

// Policy is a no-op stub when automation is disabled.
type Policy struct {
	bootstrap.UserCallbacks
}

// LoadPolicy always fails when automation is disabled.
func LoadPolicy(_ string, _ bootstrap.UserCallbacks, _ *slog.Logger) (*Policy, error) {
	return nil, errDisabled
}

func (p *Policy) Close() {}
