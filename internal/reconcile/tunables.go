package reconcile

import (
	"time"

	"github.com/basket/taskbridge/internal/config"
)

// Tunables are read by engines on every use and may be swapped at runtime.
type Tunables struct {
	// Debounce is the quiet window that coalesces mutation notifications.
	Debounce time.Duration
	// MaxDebounce bounds how long a continuous burst can postpone a scan.
	MaxDebounce time.Duration
	NavPoll     time.Duration
	StaleAfter  time.Duration
}

func DefaultTunables() Tunables {
	return Tunables{
		Debounce:    100 * time.Millisecond,
		MaxDebounce: time.Second,
		NavPoll:     time.Second,
		StaleAfter:  30 * time.Second,
	}
}

// TunablesFromConfig maps the reconcile config section. Zero values fall
// back to the defaults.
func TunablesFromConfig(c config.ReconcileConfig) Tunables {
	t := DefaultTunables()
	if d := c.Debounce(); d > 0 {
		t.Debounce = d
		t.MaxDebounce = 10 * d
	}
	if d := c.NavPoll(); d > 0 {
		t.NavPoll = d
	}
	if d := c.StaleAfter(); d > 0 {
		t.StaleAfter = d
	}
	return t
}

func (t Tunables) normalized() Tunables {
	def := DefaultTunables()
	if t.Debounce <= 0 {
		t.Debounce = def.Debounce
	}
	if t.MaxDebounce < t.Debounce {
		t.MaxDebounce = 10 * t.Debounce
	}
	if t.NavPoll <= 0 {
		t.NavPoll = def.NavPoll
	}
	if t.StaleAfter <= 0 {
		t.StaleAfter = def.StaleAfter
	}
	return t
}
