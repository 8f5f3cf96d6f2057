package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Monitor reports the current online state
type Monitor interface {
	IsOnline() bool
}

// Notifier is implemented by monitors that can push state changes
type Notifier interface {
	Subscribe(listener func(online bool)) (unsubscribe func())
}

// Switch is a manually driven monitor. Listeners fire only on transitions.
type Switch struct {
	mu        sync.RWMutex
	online    bool
	listeners map[int]func(bool)
	nextID    int
}

// NewSwitch creates a switch in the given state
func NewSwitch(online bool) *Switch {
	return &Switch{
		online:    online,
		listeners: make(map[int]func(bool)),
	}
}

func (s *Switch) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set changes the state and notifies listeners when it differs
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

func (s *Switch) Subscribe(listener func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// ProbeFunc returns nil when the backend is reachable
type ProbeFunc func(ctx context.Context) error

// Prober drives a Switch from a periodic probe
type Prober struct {
	*Switch
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewProber creates a prober starting in the given state
func NewProber(probe ProbeFunc, interval, timeout time.Duration, startOnline bool, logger *logrus.Logger) *Prober {
	return &Prober{
		Switch:   NewSwitch(startOnline),
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Check runs the probe once and updates the state
func (p *Prober) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.probe(probeCtx)
	online := err == nil
	if online != p.IsOnline() {
		entry := p.logger.WithField("online", online)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("Connectivity changed")
	}
	p.Set(online)
	return online
}

// Run probes until ctx is done
func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
