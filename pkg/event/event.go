// Package event carries tunnel and scope changes to the presentation layer.
package event

import (
	"sync"

	"github.com/sammck-go/wsrx/pkg/access"
	"github.com/sammck-go/wsrx/pkg/registry"
	"github.com/sammck-go/wsrx/share"
)

// Notifier receives every change to the tunnel and scope tables, and can be
// asked to bring its window to the front.
type Notifier interface {
	registry.Observer
	access.Observer
	Surface()
}

// LogNotifier logs each event. It stands in for a presentation layer.
type LogNotifier struct {
	share.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger share.Logger) *LogNotifier {
	return &LogNotifier{Logger: logger.Fork("event")}
}

func (n *LogNotifier) TunnelAdded(v registry.View) {
	n.DLogf("tunnel added: %s %s <-wsrx-> %s (%s)", v.Label, v.Local, v.Remote, v.Scope)
}

func (n *LogNotifier) TunnelRemoved(v registry.View) {
	n.DLogf("tunnel removed: %s %s (%s)", v.Label, v.Local, v.Scope)
}

func (n *LogNotifier) TunnelUpdated(v registry.View) {
	n.TLogf("tunnel updated: %s %s latency=%dms", v.Label, v.Local, v.Latency)
}

func (n *LogNotifier) ScopeChanged(r access.Record) {
	n.DLogf("scope %s (%s) is %s with features %s", r.Host, r.Name, r.State, r.Features)
}

func (n *LogNotifier) ScopeRemoved(host string) {
	n.DLogf("scope %s removed", host)
}

func (n *LogNotifier) Surface() {
	n.ILogf("surface requested")
}

// Multi fans every event out to a list of notifiers
type Multi struct {
	lock      sync.RWMutex
	notifiers []Notifier
}

// NewMulti creates a Multi over notifiers
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Add appends a notifier
func (m *Multi) Add(n Notifier) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.notifiers = append(m.notifiers, n)
}

func (m *Multi) each(f func(Notifier)) {
	m.lock.RLock()
	ns := m.notifiers
	m.lock.RUnlock()
	for _, n := range ns {
		f(n)
	}
}

func (m *Multi) TunnelAdded(v registry.View)   { m.each(func(n Notifier) { n.TunnelAdded(v) }) }
func (m *Multi) TunnelRemoved(v registry.View) { m.each(func(n Notifier) { n.TunnelRemoved(v) }) }
func (m *Multi) TunnelUpdated(v registry.View) { m.each(func(n Notifier) { n.TunnelUpdated(v) }) }
func (m *Multi) ScopeChanged(r access.Record)  { m.each(func(n Notifier) { n.ScopeChanged(r) }) }
func (m *Multi) ScopeRemoved(host string)      { m.each(func(n Notifier) { n.ScopeRemoved(host) }) }
func (m *Multi) Surface()                      { m.each(func(n Notifier) { n.Surface() }) }
