package vm

import "loxvm/value"

// CallFrame holds the bookkeeping RET needs to resume the caller, plus the
// callee's local-variable slots. frameBase is the operand stack depth at
// the moment CALL pushed this frame; RET truncates the operand stack back
// to it before re-pushing a captured return value, if any. locals grows
// lazily: SET_LOCAL fills with Nil up to the slot it targets, matching the
// compiler's flat, monotonically-increasing slot numbering.
type CallFrame struct {
	returnIp  int
	frameBase int
	locals    []value.Value
}

// newCallFrame returns a frame with no local slots yet allocated.
func newCallFrame(returnIp int, frameBase int) *CallFrame {
	return &CallFrame{returnIp: returnIp, frameBase: frameBase}
}

// get returns the value at slot n, or Nil if n has never been written —
// the same zero-value-is-Nil rule array slots follow.
func (f *CallFrame) get(n int) value.Value {
	if n < 0 || n >= len(f.locals) {
		return value.Nil()
	}
	return f.locals[n]
}

// set writes v into slot n, growing locals with Nil fill if n is beyond
// the current length.
func (f *CallFrame) set(n int, v value.Value) {
	if n >= len(f.locals) {
		grown := make([]value.Value, n+1)
		copy(grown, f.locals)
		f.locals = grown
	}
	f.locals[n] = v
}
