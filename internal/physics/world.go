package physics

import (
	"sort"
	"sync"
)

// Body is one simulated entity with its own fixed-step accumulator and tick.
type Body struct {
	ID      uint32
	Snap    TransformSnap
	AccumMs float64
	Tick    uint64
}

// Advance runs as many fixed steps as dtMs allows and returns the count.
func (b *Body) Advance(dtMs float64, authoritative bool) int {
	n := StepVehicle(&b.Snap, &b.AccumMs, dtMs, b.Tick, authoritative)
	b.Tick += uint64(n)
	return n
}

// World is the set of replicated bodies held by one peer.
type World struct {
	mu            sync.RWMutex
	bodies        map[uint32]*Body
	authoritative bool
}

// NewWorld creates an empty World. authoritative selects the host integration role.
func NewWorld(authoritative bool) *World {
	return &World{bodies: make(map[uint32]*Body), authoritative: authoritative}
}

// Authoritative reports the integration role of this world.
func (w *World) Authoritative() bool { return w.authoritative }

// Spawn adds or replaces a body starting at tick.
func (w *World) Spawn(id uint32, snap TransformSnap, tick uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bodies[id] = &Body{ID: id, Snap: snap, Tick: tick}
}

// Remove deletes a body. It returns false if the id was unknown.
func (w *World) Remove(id uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.bodies[id]; !ok {
		return false
	}
	delete(w.bodies, id)
	return true
}

// Get returns a copy of a body.
func (w *World) Get(id uint32) (Body, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[id]
	if !ok {
		return Body{}, false
	}
	return *b, true
}

// Len returns the number of bodies.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bodies)
}

// Advance steps every body by dtMs in the world's role.
func (w *World) Advance(dtMs float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range w.bodies {
		b.Advance(dtMs, w.authoritative)
	}
}

// Snapshots returns copies of all bodies ordered by id.
func (w *World) Snapshots() []Body {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Body, 0, len(w.bodies))
	for _, b := range w.bodies {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reconcile adopts an authoritative state observed at authTick and re-predicts it
// forward to the body's current tick. Unknown bodies are spawned at authTick.
// It returns the positional correction applied to the previous prediction.
func (w *World) Reconcile(id uint32, auth TransformSnap, authTick uint64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[id]
	if !ok {
		w.bodies[id] = &Body{ID: id, Snap: auth, Tick: authTick}
		return 0
	}
	if authTick >= b.Tick {
		correction := b.Snap.Pos.Distance(auth.Pos)
		b.Snap = auth
		b.Tick = authTick
		return correction
	}
	snap := auth
	for t := authTick; t < b.Tick; t++ {
		ClientPredict(&snap, VehicleStepMs, t)
	}
	correction := b.Snap.Pos.Distance(snap.Pos)
	b.Snap = snap
	return correction
}
