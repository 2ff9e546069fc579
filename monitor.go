package main

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Monitor is the boundary to the privileged helper: it opens the flow
// log and re-reads the configuration on behalf of the unprivileged
// worker. Done is closed when the helper goes away, which the
// collector treats as a clean-exit request.
type Monitor interface {
	OpenLog() (*os.File, error)
	Reconfigure() (*Config, error)
	Done() <-chan struct{}
}

// processMonitor is the in-process implementation used when the
// daemon runs without privilege separation.
type processMonitor struct {
	configPath string
	macros     map[string]string

	mu      sync.Mutex
	logPath string
	done    chan struct{}
	closed  bool
}

func NewProcessMonitor(configPath string, macros map[string]string, logPath string) *processMonitor {
	return &processMonitor{
		configPath: configPath,
		macros:     macros,
		logPath:    logPath,
		done:       make(chan struct{}),
	}
}

func (m *processMonitor) OpenLog() (*os.File, error) {
	m.mu.Lock()
	path := m.logPath
	m.mu.Unlock()

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open flow log %s", path)
	}

	return file, nil
}

func (m *processMonitor) Reconfigure() (*Config, error) {
	config, err := LoadConfig(m.configPath, m.macros)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.logPath = config.LogFile
	m.mu.Unlock()

	return config, nil
}

func (m *processMonitor) Done() <-chan struct{} {
	return m.done
}

func (m *processMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.done)
	}
}
