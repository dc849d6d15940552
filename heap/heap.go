// Package heap implements the handle-indexed object store and mark-sweep
// collector. Only the VM's ALLOC_STRING/ALLOC_ARRAY/GET_INDEX/SET_INDEX
// opcodes touch it; the compiler never allocates.
package heap

import (
	"fmt"

	"loxvm/value"
)

// Kind discriminates the payload a heap object holds.
type Kind byte

const (
	KindString Kind = iota
	KindArray
)

// Object is a single heap slot. A slot is reused across allocations, so its
// Kind and payload are overwritten in place rather than the slot itself
// being replaced; this is what keeps Handles stable across collections.
type Object struct {
	Kind   Kind
	Bytes  []byte
	Slots  []value.Value
	marked bool
	free   bool
}

// gcThreshold is the allocation count that triggers a collection, per the
// allocation protocol.
const gcThreshold = 50

// Heap owns every object ever allocated during a VM's lifetime, plus the
// free-handle queue and allocation counter the GC protocol requires. These
// were module-level globals in the original source; they're re-hosted here
// as explicit fields, initialized at VM construction.
type Heap struct {
	objects              []Object
	freeList             []value.Handle
	allocatedSinceLastGC int
}

// New returns an empty heap, ready for allocation.
func New() *Heap {
	return &Heap{}
}

// AllocatedSinceLastGC reports the live allocation counter, exposed for the
// gc-stats driver and for tests that assert on GC timing.
func (h *Heap) AllocatedSinceLastGC() int {
	return h.allocatedSinceLastGC
}

// FreeListLen reports how many reclaimed handles are waiting for reuse.
func (h *Heap) FreeListLen() int {
	return len(h.freeList)
}

// Len reports the total number of object slots the heap has ever grown to
// (live, freed, or pending reuse).
func (h *Heap) Len() int {
	return len(h.objects)
}

// Get returns the object at handle h. An out-of-range or freed handle is a
// VM precondition failure, reported to the caller rather than panicking
// here, so the VM can wrap it as a RuntimeError.
func (h *Heap) Get(handle value.Handle) (*Object, error) {
	if handle < 0 || int(handle) >= len(h.objects) {
		return nil, fmt.Errorf("heap handle %d out of range", handle)
	}
	obj := &h.objects[handle]
	if obj.free {
		return nil, fmt.Errorf("heap handle %d refers to a freed object", handle)
	}
	return obj, nil
}

// AllocString allocates (or reuses) a slot holding an immutable string and
// returns its handle. roots is the caller's current root set (operand stack
// + every call frame's locals); it is consulted only if this allocation
// pushes the counter past the threshold.
func (h *Heap) AllocString(s string, roots []value.Value) value.Handle {
	handle := h.alloc(Object{Kind: KindString, Bytes: []byte(s)})
	h.maybeCollect(roots, handle)
	return handle
}

// AllocArray allocates (or reuses) a slot holding a fixed-length array of
// Nil values and returns its handle.
func (h *Heap) AllocArray(length int, roots []value.Value) value.Handle {
	slots := make([]value.Value, length)
	handle := h.alloc(Object{Kind: KindArray, Slots: slots})
	h.maybeCollect(roots, handle)
	return handle
}

// alloc places obj into a reused free slot, or appends a new one, and
// returns its handle. It does not run the GC; callers trigger that
// separately via maybeCollect once the new handle exists, so the fresh
// object can be pinned as an extra root for that one collection.
func (h *Heap) alloc(obj Object) value.Handle {
	if n := len(h.freeList); n > 0 {
		handle := h.freeList[0]
		h.freeList = h.freeList[1:]
		h.objects[handle] = obj
		return handle
	}
	h.objects = append(h.objects, obj)
	return value.Handle(len(h.objects) - 1)
}

// maybeCollect increments the allocation counter and, once it exceeds the
// threshold, runs a collection. fresh is pinned as an additional root for
// that collection: the opcode that just allocated it hasn't pushed it onto
// the operand stack yet, so without pinning it the object it names would
// look unreachable and be swept before it is ever used.
func (h *Heap) maybeCollect(roots []value.Value, fresh value.Handle) {
	h.allocatedSinceLastGC++
	if h.allocatedSinceLastGC <= gcThreshold {
		return
	}
	h.Collect(append(append([]value.Value{}, roots...), value.Object(fresh)))
}

// Collect runs one mark-sweep cycle against the given roots.
func (h *Heap) Collect(roots []value.Value) {
	h.mark(roots)
	h.sweep()
}

func (h *Heap) mark(roots []value.Value) {
	for _, v := range roots {
		if v.Kind == value.KindObject {
			h.markHandle(v.Handle)
		}
	}
}

func (h *Heap) markHandle(handle value.Handle) {
	if handle < 0 || int(handle) >= len(h.objects) {
		return
	}
	obj := &h.objects[handle]
	if obj.free || obj.marked {
		return
	}
	obj.marked = true
	if obj.Kind == KindArray {
		for _, slot := range obj.Slots {
			if slot.Kind == value.KindObject {
				h.markHandle(slot.Handle)
			}
		}
	}
}

func (h *Heap) sweep() {
	for i := range h.objects {
		obj := &h.objects[i]
		if obj.free {
			continue
		}
		if !obj.marked {
			obj.free = true
			obj.Bytes = nil
			obj.Slots = nil
			h.freeList = append(h.freeList, value.Handle(i))
			if h.allocatedSinceLastGC > 0 {
				h.allocatedSinceLastGC--
			}
			continue
		}
		obj.marked = false
	}
}
