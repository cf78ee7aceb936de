package registry

import (
	"github.com/teranos/scenesync/scene"
)

// seqWindow tracks which sequence numbers from one origin have been
// applied: everything up to high, plus the numbers that arrived early.
type seqWindow struct {
	high  uint64
	ahead map[uint64]bool
}

func (w *seqWindow) seen(seq uint64) bool {
	return seq <= w.high || w.ahead[seq]
}

func (w *seqWindow) mark(seq uint64) {
	if seq <= w.high {
		return
	}
	if seq != w.high+1 {
		if w.ahead == nil {
			w.ahead = make(map[uint64]bool)
		}
		w.ahead[seq] = true
		return
	}
	w.high = seq
	for w.ahead[w.high+1] {
		delete(w.ahead, w.high+1)
		w.high++
	}
}

func (w *seqWindow) advance(seq uint64) {
	if seq <= w.high {
		return
	}
	w.high = seq
	for s := range w.ahead {
		if s <= seq {
			delete(w.ahead, s)
		}
	}
	for w.ahead[w.high+1] {
		delete(w.ahead, w.high+1)
		w.high++
	}
}

func (r *Registry) windowLocked(origin scene.PeerID) *seqWindow {
	w, ok := r.windows[origin]
	if !ok {
		w = &seqWindow{}
		r.windows[origin] = w
	}
	return w
}

// Watermark returns the highest sequence number from origin below which
// every message has been applied.
func (r *Registry) Watermark(origin scene.PeerID) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.windows[origin]; ok {
		return w.high
	}
	return 0
}

// AdvanceWatermark records that everything from origin up to seq is already
// reflected in local state, as after a join snapshot.
func (r *Registry) AdvanceWatermark(origin scene.PeerID, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windowLocked(origin).advance(seq)
}

// Watermarks returns the contiguous watermark of every origin.
func (r *Registry) Watermarks() map[scene.PeerID]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watermarksLocked()
}

func (r *Registry) watermarksLocked() map[scene.PeerID]uint64 {
	out := make(map[scene.PeerID]uint64, len(r.windows))
	for p, w := range r.windows {
		out[p] = w.high
	}
	return out
}
