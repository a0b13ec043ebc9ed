// Package kernel implements the process-wide active instance (spec
// §4.13, §5): the oracle bundle plus trust/client-mode/timeout
// configuration every other component takes as a parameter rather than
// reaching for globally. Only the Kernel mutates this state.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bitjig/rund/internal/oracle"
	"github.com/bitjig/rund/pkg/logging"
)

// TrustAll and TrustState are the two trust-list sentinels (spec §9's
// "Trust list — set of txids plus the sentinels"): "*" trusts
// everything. "state" can be added to the list, but IsTrusted gives it
// no special meaning; it checks only "*" and the txid itself.
const (
	TrustAll   = "*"
	TrustState = "state"
)

// Config holds the tunables a Runtime applies uniformly (spec §5's
// "shared resources... trust list, and client/timeout flags").
type Config struct {
	Timeout           time.Duration
	ClientMode        bool
	MinOutputSatoshis uint64
}

// DefaultConfig mirrors the Open Question decisions recorded in
// SPEC_FULL.md: a conservative top-level timeout, client mode off, and
// the default dust floor.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		ClientMode:        false,
		MinOutputSatoshis: 1,
	}
}

// Runtime aggregates the oracles and config spec §5 calls "shared
// resources": blockchain, cache, state, owner, purse, trust list, and
// client/timeout flags. Construct explicitly (New) rather than through a
// package-level global, so tests can run many Runtimes in isolation; use
// Activate/Deactivate only where the at-most-one-active invariant
// actually matters (wiring a single live process).
type Runtime struct {
	mu sync.RWMutex

	Config     Config
	Blockchain oracle.Blockchain
	Cache      oracle.Cache
	State      oracle.State // optional, may be nil
	Owner      oracle.Owner
	Purse      oracle.Purse

	trust map[string]bool

	Log     *logging.Logger
	Metrics *Metrics
}

// Oracles bundles the five collaborators a Runtime aggregates.
type Oracles struct {
	Blockchain oracle.Blockchain
	Cache      oracle.Cache
	State      oracle.State
	Owner      oracle.Owner
	Purse      oracle.Purse
}

// New builds a Runtime from explicit oracles and config. metricsReg may
// be nil to skip Prometheus registration entirely (unit tests that never
// inspect metrics); pass prometheus.NewRegistry() for an isolated
// registry per test, or a shared registerer in production.
func New(cfg Config, o Oracles, metricsReg prometheus.Registerer) *Runtime {
	return &Runtime{
		Config:     cfg,
		Blockchain: o.Blockchain,
		Cache:      o.Cache,
		State:      o.State,
		Owner:      o.Owner,
		Purse:      o.Purse,
		trust:      map[string]bool{},
		Log:        logging.Default().Component("kernel"),
		Metrics:    NewMetrics(metricsReg),
	}
}

// Trust adds txid to the trust list (spec scenario S7: "after
// trust(txid), load(loc whose replay required txid) returns successfully
// on the next attempt"). It does not itself clear any existing ban://
// entry; internal/loader re-checks IsTrusted against a ban's recorded
// untrusted txid on every load attempt, which is what makes a
// since-trusted ban self-heal without an eager cache sweep here.
func (r *Runtime) Trust(txid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trust[txid] = true
}

// Untrust removes txid from the trust list. The sentinels are removed the
// same way: Untrust(TrustAll) revokes blanket trust.
func (r *Runtime) Untrust(txid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trust, txid)
}

// IsTrusted reports whether txid may have its code executed, honoring
// the "*" (trust everything) sentinel.
func (r *Runtime) IsTrusted(txid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trust[TrustAll] || r.trust[txid]
}

// TrustList returns a snapshot of the current trust set (test/debug use).
func (r *Runtime) TrustList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.trust))
	for txid := range r.trust {
		out = append(out, txid)
	}
	return out
}

// WithTimeout derives a context bounded by Config.Timeout from parent,
// the "top-level operation" deadline spec §5 says is checked at every
// cooperative suspension point. A zero Timeout means no deadline.
func (r *Runtime) WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if r.Config.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, r.Config.Timeout)
}

// ErrTimeoutExceeded is returned by CheckDeadline; always wrapped with
// kernel.ErrTimeout so callers can classify it via errors.Is(err, ErrTimeout).
var ErrTimeoutExceeded = errors.New("kernel: operation exceeded its timeout")

// CheckDeadline is the cooperative-suspension-point check spec §5
// describes: call it between steps of a long-running operation (replay's
// action dispatch loop, a load's cache round-trip) and propagate the
// error immediately on non-nil — timeouts are never silently recovered.
func CheckDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Wrap(ErrTimeout, "exceeded operation timeout", ErrTimeoutExceeded)
		}
		return Wrap(ErrTimeout, "context canceled", ctx.Err())
	default:
		return nil
	}
}

var (
	activeMu sync.Mutex
	active   *Runtime
)

// ErrAlreadyActive is returned by Activate when a different Runtime is
// already the process-wide active one (spec §5: "at most one may be active").
var ErrAlreadyActive = fmt.Errorf("kernel: a runtime is already active")

// ErrNotActive is returned by Deactivate when rt isn't the active Runtime.
var ErrNotActive = fmt.Errorf("kernel: runtime is not the active one")

// Activate installs rt as the process-wide active kernel. Most callers
// (tests, and any code that can thread a *Runtime through explicitly)
// should prefer passing rt directly; Activate/Deactivate exist for the
// rare caller that needs ambient access to "the" kernel, per spec §9's
// "process-wide state... explicit Activate/Deactivate".
func Activate(rt *Runtime) error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		return ErrAlreadyActive
	}
	active = rt
	return nil
}

// Deactivate clears rt as the active kernel, or reports ErrNotActive if
// some other Runtime (or none) currently holds that position.
func Deactivate(rt *Runtime) error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active != rt {
		return ErrNotActive
	}
	active = nil
	return nil
}

// Active returns the process-wide active Runtime, if one is activated.
func Active() (*Runtime, bool) {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active, active != nil
}
