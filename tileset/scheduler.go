package tileset

import (
	"math"
	"slices"
	"time"
)

// MinimumWeight replaces requester weights that are not positive.
const MinimumWeight = 1e-300

// LoadRequester is a consumer that wants tiles loaded. Tiles are handed out
// one at a time; the scheduler skips tiles that do not need the stage.
type LoadRequester interface {
	Weight() float64
	HasMoreTilesToLoadInWorkerThread() bool
	NextTileToLoadInWorkerThread() *Tile
	HasMoreTilesToLoadInMainThread() bool
	NextTileToLoadInMainThread() *Tile
}

type stage int

const (
	workerStage stage = iota
	mainStage
)

// Registration is a requester registered with a Scheduler.
type Registration struct {
	scheduler *Scheduler
	requester LoadRequester
	active    bool

	// Virtual time of the next grant per stage.
	pass       [2]float64
	backlogged [2]bool
}

func (r *Registration) Requester() LoadRequester { return r.requester }

// Unregister stops grants to the requester, also in the middle of a tick.
func (r *Registration) Unregister() {
	if !r.active {
		return
	}
	r.active = false
	r.scheduler.registrations = slices.DeleteFunc(r.scheduler.registrations, func(other *Registration) bool {
		return other == r
	})
}

func (r *Registration) weight() float64 {
	w := r.requester.Weight()
	if math.IsNaN(w) || w < MinimumWeight {
		return MinimumWeight
	}
	return w
}

func (r *Registration) hasMore(s stage) bool {
	if s == workerStage {
		return r.requester.HasMoreTilesToLoadInWorkerThread()
	}
	return r.requester.HasMoreTilesToLoadInMainThread()
}

func (r *Registration) next(s stage) *Tile {
	if s == workerStage {
		return r.requester.NextTileToLoadInWorkerThread()
	}
	return r.requester.NextTileToLoadInMainThread()
}

// Scheduler grants load slots to requesters in proportion to their weights.
//
// Every registration carries a virtual pass per stage. The requester with
// the smallest pass+1/weight gets the next slot and its pass advances by
// 1/weight, so a requester with k times the weight of another gets k times
// the slots; ties go to the heavier requester, then to the one registered
// first. A requester that starts wanting tiles has its pass moved up to
// the current virtual time: idle requesters do not bank slots.
type Scheduler struct {
	manager       *Manager
	registrations []*Registration
	virtualTime   [2]float64
}

func newScheduler(m *Manager) *Scheduler {
	return &Scheduler{manager: m}
}

func (s *Scheduler) Register(r LoadRequester) *Registration {
	reg := &Registration{
		scheduler: s,
		requester: r,
		active:    true,
		pass:      s.virtualTime,
	}
	s.registrations = append(s.registrations, reg)
	return reg
}

// Unregister removes every registration of r and reports whether there was one.
func (s *Scheduler) Unregister(r LoadRequester) bool {
	found := false
	for _, reg := range slices.Clone(s.registrations) {
		if reg.requester == r {
			reg.Unregister()
			found = true
		}
	}
	return found
}

func (s *Scheduler) clear() {
	for _, reg := range slices.Clone(s.registrations) {
		reg.Unregister()
	}
}

// Tick runs one scheduling round: worker loads up to the manager's limit of
// tiles loading, then main-thread finishing within the time limit, then the
// raster mappings of Done tiles.
func (s *Scheduler) Tick() {
	m := s.manager
	start := time.Now()

	workerGrants := s.runStage(workerStage,
		func() bool { return m.NumberOfTilesLoading() < m.options.MaximumSimultaneousTileLoads },
		func(t *Tile) bool { return t.state == Unloaded || t.state == FailedTemporarily },
		m.LoadTileContent)

	mainStart := time.Now()
	limit := m.options.MainThreadLoadingTimeLimit
	mainGrants := s.runStage(mainStage,
		func() bool { return limit <= 0 || time.Since(mainStart) < limit },
		func(t *Tile) bool { return t.state == ContentLoaded },
		m.FinishLoading)

	m.updatePendingRasterMappings()

	if m.metrics != nil {
		m.metrics.ObserveTick(workerGrants, mainGrants, time.Since(start))
	}
}

func (s *Scheduler) runStage(st stage, hasBudget func() bool, eligible func(*Tile) bool, grant func(*Tile) bool) int {
	regs := slices.Clone(s.registrations)
	granted := make(map[*Tile]struct{})
	offered := make(map[*Registration]map[*Tile]struct{})
	done := make(map[*Registration]bool)
	grants := 0

	for hasBudget() {
		r := s.pick(st, regs, done)
		if r == nil {
			break
		}
		t := r.next(st)
		if !r.active || t == nil {
			done[r] = true
			continue
		}
		seen := offered[r]
		if seen == nil {
			seen = make(map[*Tile]struct{})
			offered[r] = seen
		}
		if _, ok := seen[t]; ok {
			// The requester keeps handing out the same tile.
			done[r] = true
			continue
		}
		seen[t] = struct{}{}

		if _, ok := granted[t]; ok || !eligible(t) {
			continue
		}
		granted[t] = struct{}{}
		startPass := r.pass[st]
		r.pass[st] = startPass + 1/r.weight()
		s.virtualTime[st] = max(s.virtualTime[st], startPass)
		if grant(t) {
			grants++
		}
		// The requester may have been unregistered by the grant.
		if !r.active {
			done[r] = true
		}
	}

	// Keep passes small so that tiny increments stay representable.
	vt := s.virtualTime[st]
	for _, r := range s.registrations {
		r.pass[st] -= vt
	}
	s.virtualTime[st] = 0
	return grants
}

// pick returns the registration with the earliest virtual finish time, or
// nil when no requester wants anything more this tick.
func (s *Scheduler) pick(st stage, regs []*Registration, done map[*Registration]bool) *Registration {
	var best *Registration
	var bestFinish, bestWeight float64
	for _, r := range regs {
		if !r.active || done[r] {
			continue
		}
		if !r.hasMore(st) {
			r.backlogged[st] = false
			done[r] = true
			continue
		}
		if !r.backlogged[st] {
			r.backlogged[st] = true
			r.pass[st] = max(r.pass[st], s.virtualTime[st])
		}
		w := r.weight()
		finish := r.pass[st] + 1/w
		if best == nil || finish < bestFinish || (finish == bestFinish && w > bestWeight) {
			best, bestFinish, bestWeight = r, finish, w
		}
	}
	return best
}
