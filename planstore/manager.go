package planstore

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oig-battery-planner/planner/types"
)

// recomputeImprovementThreshold is the minimum net_cost improvement
// (currency units) required for Tick to replace the active plan with a
// freshly recomputed one (spec.md §4.8).
const recomputeImprovementThreshold = 1.0

// invalidatedRetention / completedRetention bound how long a terminal
// plan is kept in plans/<id>.json before PruneHistory removes it
// (spec.md §6).
const invalidatedRetention = 24 * time.Hour
const completedRetention = 24 * time.Hour

// Manager is the Plan Manager (spec.md §4.8): the sole owner and
// mutator of Plan state, guarded by a single mutex exactly as
// scheduler.MinerScheduler guards mpcDecisions with its own mu.
type Manager struct {
	mu      sync.RWMutex
	store   *FileStore
	logger  *log.Logger
	active  *types.Plan
	pending map[string]*types.Plan
	history map[string]*types.Plan
	seq     uint64

	// Synthesize produces a fresh automatic Plan for "never leave the
	// system without an active plan" (spec.md §6 Restart). Supplied by
	// the engine, which alone knows how to call the Forecast Aggregator
	// and the Mode Optimizer — the Plan Manager itself never calls the
	// optimizer directly, it only stores what it's given.
	Synthesize func(now time.Time) (types.Plan, error)
}

// NewManager constructs a Manager backed by store. Call LoadOrBootstrap
// once at startup before accepting Propose/Apply/Tick calls.
func NewManager(store *FileStore, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANSTORE] ", log.LstdFlags)
	}
	return &Manager{
		store:   store,
		logger:  logger,
		pending: make(map[string]*types.Plan),
		history: make(map[string]*types.Plan),
	}
}

// priorityOf returns a plan's preemption priority (spec.md §3): emergency
// > balancing-forced > balancing-opportunistic > manual > automatic. For
// PlanBalancing, Locked distinguishes forced (locked) from opportunistic.
func priorityOf(p types.Plan) int {
	if p.Kind == types.PlanBalancing && !p.Locked {
		return types.IntentBalancingOpportunistic.Priority()
	}
	return types.PlanPriority(p.Kind)
}

func (m *Manager) nextID(kind types.PlanKind, now time.Time) string {
	n := atomic.AddUint64(&m.seq, 1)
	return fmt.Sprintf("%s-%d-%d", kind, now.UnixNano(), n)
}

// LoadOrBootstrap restores persisted state on startup. If the persisted
// active plan's deadline has already passed, or none exists, it
// synthesizes and applies a fresh automatic plan — the system must never
// be left without an active plan (spec.md §6 Restart).
func (m *Manager) LoadOrBootstrap(now time.Time) error {
	m.mu.Lock()
	plan, err := m.store.ReadActive()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if plan != nil && !planExpired(*plan, now) {
		m.mu.Lock()
		m.active = plan
		m.mu.Unlock()
		return nil
	}

	if m.Synthesize == nil {
		return fmt.Errorf("planstore: no active plan and no Synthesize hook configured")
	}
	fresh, err := m.Synthesize(now)
	if err != nil {
		return fmt.Errorf("planstore: bootstrap synthesis failed: %w", err)
	}
	id, err := m.Propose(fresh)
	if err != nil {
		return err
	}
	return m.Apply(id, now)
}

func planExpired(p types.Plan, now time.Time) bool {
	if now.Before(p.Deadline) {
		return false
	}
	if p.HoldingEnd != nil && !now.After(*p.HoldingEnd) {
		return false
	}
	return true
}

// Propose stores candidate as a new pending Plan and returns its id.
func (m *Manager) Propose(candidate types.Plan) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := candidate.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	candidate.ID = m.nextID(candidate.Kind, now)
	candidate.Status = types.StatusPending
	candidate.CreatedAt = now

	if err := m.store.WritePlan(candidate); err != nil {
		return "", err
	}
	m.pending[candidate.ID] = &candidate
	return candidate.ID, nil
}

// Apply activates a pending plan (spec.md §4.8): if the current active
// plan is not locked, or the new plan outranks it, the active plan is
// reverted, every other pending plan is invalidated, and the new plan
// becomes active.
func (m *Manager) Apply(id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("planstore: no pending plan %q", id)
	}

	if m.active != nil && m.active.Locked && priorityOf(*plan) <= priorityOf(*m.active) {
		return fmt.Errorf("%w: plan %q (priority %d) cannot preempt locked active plan %q (priority %d)",
			types.ErrInfeasibleTarget, id, priorityOf(*plan), m.active.ID, priorityOf(*m.active))
	}

	if m.active != nil {
		reverted := *m.active
		reverted.Status = types.StatusReverted
		m.history[reverted.ID] = &reverted
		if err := m.store.WritePlan(reverted); err != nil {
			return err
		}
	}

	for otherID, other := range m.pending {
		if otherID == id {
			continue
		}
		invalidated := *other
		invalidated.Status = types.StatusInvalidated
		m.history[otherID] = &invalidated
		if err := m.store.WritePlan(invalidated); err != nil {
			return err
		}
		delete(m.pending, otherID)
	}
	delete(m.pending, id)

	plan.Status = types.StatusActive
	plan.ActivatedAt = now
	m.active = plan

	if err := m.store.WriteActive(*plan); err != nil {
		return err
	}
	return m.store.WritePlan(*plan)
}

// Revert moves the active plan to reverted and replaces it with a freshly
// synthesized automatic plan (spec.md §6 revert()).
func (m *Manager) Revert(now time.Time) error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return fmt.Errorf("planstore: no active plan to revert")
	}
	reverted := *m.active
	reverted.Status = types.StatusReverted
	m.history[reverted.ID] = &reverted
	m.active = nil
	synth := m.Synthesize
	m.mu.Unlock()

	if err := m.store.WritePlan(reverted); err != nil {
		return err
	}
	if synth == nil {
		return fmt.Errorf("planstore: no Synthesize hook configured for revert")
	}
	fresh, err := synth(now)
	if err != nil {
		return fmt.Errorf("planstore: revert synthesis failed: %w", err)
	}
	id, err := m.Propose(fresh)
	if err != nil {
		return err
	}
	return m.Apply(id, now)
}

// Tick runs the periodic Plan Manager check (spec.md §4.8/§6 tick()):
// complete an expired active plan and replace it, or, for an unlocked
// active plan, swap in recompute's candidate if it improves net_cost by
// at least recomputeImprovementThreshold. recompute may be nil (no
// recomputation attempted this tick).
func (m *Manager) Tick(now time.Time, recompute func() (types.Plan, error)) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == nil {
		if m.Synthesize == nil {
			return fmt.Errorf("planstore: no active plan and no Synthesize hook configured")
		}
		fresh, err := m.Synthesize(now)
		if err != nil {
			return fmt.Errorf("planstore: tick synthesis failed: %w", err)
		}
		id, err := m.Propose(fresh)
		if err != nil {
			return err
		}
		return m.Apply(id, now)
	}

	if planExpired(*active, now) {
		m.mu.Lock()
		completed := *m.active
		completed.Status = types.StatusCompleted
		m.history[completed.ID] = &completed
		m.active = nil
		m.mu.Unlock()
		if err := m.store.WritePlan(completed); err != nil {
			return err
		}
		if m.Synthesize == nil {
			return fmt.Errorf("planstore: no Synthesize hook configured for completion replacement")
		}
		fresh, err := m.Synthesize(now)
		if err != nil {
			return fmt.Errorf("planstore: post-completion synthesis failed: %w", err)
		}
		id, err := m.Propose(fresh)
		if err != nil {
			return err
		}
		return m.Apply(id, now)
	}

	if active.Locked || recompute == nil {
		return nil
	}

	candidate, err := recompute()
	if err != nil {
		m.logger.Printf("recompute failed, keeping active plan %s: %v", active.ID, err)
		return nil
	}
	if candidate.Metadata.TotalCost <= active.Metadata.TotalCost-recomputeImprovementThreshold {
		candidate.Kind = active.Kind
		id, err := m.Propose(candidate)
		if err != nil {
			return err
		}
		return m.Apply(id, now)
	}
	return nil
}

// Cancel invalidates a pending plan that has not yet been applied.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("planstore: no pending plan %q to cancel", id)
	}
	plan.Status = types.StatusInvalidated
	m.history[id] = plan
	delete(m.pending, id)
	return m.store.WritePlan(*plan)
}

// GetActivePlan returns the current active plan, if any.
func (m *Manager) GetActivePlan() (types.Plan, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return types.Plan{}, false
	}
	return *m.active, true
}

// ListPlans returns active, pending and historical plans, newest first.
func (m *Manager) ListPlans() []types.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Plan, 0, len(m.pending)+len(m.history)+1)
	if m.active != nil {
		out = append(out, *m.active)
	}
	for _, p := range m.pending {
		out = append(out, *p)
	}
	for _, p := range m.history {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// PruneHistory drops historical plans past their retention window
// (spec.md §6): invalidated plans older than invalidatedRetention,
// completed/reverted plans older than deadline+completedRetention.
func (m *Manager) PruneHistory(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.history {
		var cutoff time.Time
		switch p.Status {
		case types.StatusInvalidated:
			cutoff = p.CreatedAt.Add(invalidatedRetention)
		case types.StatusCompleted, types.StatusReverted:
			cutoff = p.Deadline.Add(completedRetention)
		default:
			continue
		}
		if now.After(cutoff) {
			if err := m.store.DeletePlan(id); err != nil {
				return err
			}
			delete(m.history, id)
		}
	}
	return nil
}
