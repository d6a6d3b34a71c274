// Package netstatus holds the shared online/offline signal. The value is
// produced outside the engine (platform hooks, a health prober, an admin
// switch); every account connection parks while it reports offline.
package netstatus

import "github.com/simophin/mymail/common/syncutil"

// Monitor is the process-wide network availability observable.
type Monitor struct {
	online *syncutil.Value[bool]
}

// New creates a Monitor with the given initial state.
func New(initiallyOnline bool) *Monitor {
	return &Monitor{online: syncutil.NewValue(initiallyOnline)}
}

// SetOnline publishes a new availability state.
func (m *Monitor) SetOnline(online bool) {
	m.online.Set(online)
}

// Online returns the observable consumed by account connections.
func (m *Monitor) Online() *syncutil.Value[bool] {
	return m.online
}
