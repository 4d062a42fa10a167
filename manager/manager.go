// Package manager hosts multiple live connections keyed by device path,
// for embedders that drive more than one serial device at a time.
package manager

import (
	"fmt"
	"sort"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/comlink/conn"
)

// Manager is a concurrent registry of connections. All methods are safe
// for use from multiple goroutines.
type Manager struct {
	conns  *hashmap.Map[string, *conn.Connection]
	logger *logrus.Logger
}

// New creates an empty Manager. A nil logger gets a default one.
func New(logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		conns:  hashmap.New[string, *conn.Connection](),
		logger: logger,
	}
}

// Open constructs a connection from cfg, connects it and registers it
// under cfg.Port. Fails if the port is already managed or the connect
// fails; nothing is registered on failure.
func (m *Manager) Open(cfg conn.Config) (*conn.Connection, error) {
	if _, exists := m.conns.Get(cfg.Port); exists {
		return nil, fmt.Errorf("port %s is already managed", cfg.Port)
	}

	cn, err := conn.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := cn.Connect(); err != nil {
		return nil, err
	}

	if !m.conns.Insert(cfg.Port, cn) {
		// Lost the race to a concurrent Open for the same port.
		_ = cn.Disconnect()
		return nil, fmt.Errorf("port %s is already managed", cfg.Port)
	}

	m.logger.WithFields(logrus.Fields{
		"port": cfg.Port,
		"baud": cfg.BaudRate,
	}).Info("Connection registered")
	return cn, nil
}

// Get returns the managed connection for a port, if any.
func (m *Manager) Get(port string) (*conn.Connection, bool) {
	return m.conns.Get(port)
}

// Ports returns the managed port paths in sorted order.
func (m *Manager) Ports() []string {
	var ports []string
	m.conns.Range(func(port string, _ *conn.Connection) bool {
		ports = append(ports, port)
		return true
	})
	sort.Strings(ports)
	return ports
}

// Close disconnects and deregisters one port. No-op for unknown ports.
func (m *Manager) Close(port string) error {
	cn, ok := m.conns.Get(port)
	if !ok {
		return nil
	}
	m.conns.Del(port)
	m.logger.WithField("port", port).Info("Connection deregistered")
	return cn.Disconnect()
}

// CloseAll disconnects and deregisters every managed connection.
func (m *Manager) CloseAll() {
	for _, port := range m.Ports() {
		_ = m.Close(port)
	}
}

// Len returns the number of managed connections.
func (m *Manager) Len() int {
	return m.conns.Len()
}
