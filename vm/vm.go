// Package vm implements the stack-based virtual machine: the dispatch loop,
// operand stack, call-frame stack, and the semantics of every opcode the
// compiler emits. Only this package's allocation opcodes (ALLOC_STRING,
// ALLOC_ARRAY) and indexed-access opcodes (GET_INDEX, SET_INDEX) ever touch
// the heap; the compiler never allocates.
package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"loxvm/compiler"
	"loxvm/heap"
	"loxvm/value"
)

// VM is the stack-based runtime environment that executes Nilan bytecode.
// ip is deliberately not reset at the start of Run: a REPL session hands
// the VM the whole accumulated program (the compiler only ever appends,
// stripping and re-adding the trailing HALT), and the VM resumes from the
// byte offset where it last stopped so earlier statements are not
// re-executed. A fresh VM starts at ip 0 with a single sentinel bottom
// frame present before any user call.
type VM struct {
	stack  Stack
	frames []*CallFrame
	ip     int
	heap   *heap.Heap
	// globals backs GET_GLOBAL/SET_GLOBAL, implemented symmetrically to
	// locals against a process-lifetime slot table. The compiler never
	// emits these opcodes; they exist so the VM's opcode set is complete
	// and independently testable.
	globals []value.Value
	out     io.Writer
}

// New returns a VM ready to execute bytecode, writing PRINT output to
// os.Stdout.
func New() *VM {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter returns a VM that writes PRINT output to w, used by tests
// that need to capture output instead of writing to the process's stdout.
func NewWithWriter(w io.Writer) *VM {
	return &VM{
		frames: []*CallFrame{newCallFrame(-1, 0)},
		heap:   heap.New(),
		out:    w,
	}
}

// Heap exposes the VM's heap, read by the gc-stats driver to report
// allocation and free-list counters after a run completes.
func (vm *VM) Heap() *heap.Heap {
	return vm.heap
}

// currentFrame returns the call frame on top of the call stack. It is
// never empty: the sentinel bottom frame pushed by New is only ever
// popped by a RET that has no matching CALL, which is itself a
// precondition failure caught before the pop.
func (vm *VM) currentFrame() *CallFrame {
	return vm.frames[len(vm.frames)-1]
}

// roots returns every live Value of kind Object reachable from the operand
// stack or any call frame's locals — the GC root set. Globals are excluded:
// the compiler never emits GET_GLOBAL/SET_GLOBAL, so no compiled program can
// make an object reachable only through them.
func (vm *VM) roots() []value.Value {
	roots := make([]value.Value, 0, len(vm.stack)+len(vm.frames))
	roots = append(roots, vm.stack...)
	for _, f := range vm.frames {
		roots = append(roots, f.locals...)
	}
	return roots
}

// Run executes bytecode starting from the VM's current instruction
// pointer until HALT or a fatal RuntimeError. It fetches and decodes each
// instruction, executes it, and advances ip past its own operand cells;
// jump-family opcodes overwrite ip directly with the branch target.
func (vm *VM) Run(bytecode compiler.Bytecode) error {
	instructions := bytecode.Instructions

	for {
		if vm.ip < 0 || vm.ip >= len(instructions) {
			return RuntimeError{Ip: vm.ip, Message: "instruction pointer out of bytecode range"}
		}

		op := compiler.Opcode(instructions[vm.ip])
		def, err := compiler.Get(op)
		if err != nil {
			return RuntimeError{Ip: vm.ip, Message: fmt.Sprintf("undefined opcode %d", op)}
		}

		width := 0
		for _, w := range def.OperandWidths {
			width += w
		}
		instrLen := 1 + width

		var operand int
		if width == 2 {
			decoded, rerr := vm.readOperand(instructions, vm.ip)
			if rerr != nil {
				return rerr
			}
			operand = decoded
		}

		switch op {
		case compiler.OP_HALT:
			return nil

		case compiler.OP_PUSH:
			vm.stack.Push(value.Int(int64(operand)))

		case compiler.OP_POP:
			if _, ok := vm.stack.Pop(); !ok {
				return vm.underflow("POP")
			}

		case compiler.OP_NEG:
			v, ok := vm.stack.Pop()
			if !ok {
				return vm.underflow("NEG")
			}
			n, ok := v.ArithInt()
			if !ok {
				return vm.typeError("NEG", "Int or Bool operand")
			}
			vm.stack.Push(value.Int(-n))

		case compiler.OP_ADD, compiler.OP_SUB, compiler.OP_MUL, compiler.OP_DIV, compiler.OP_MOD:
			result, rerr := vm.arith(op)
			if rerr != nil {
				return rerr
			}
			vm.stack.Push(result)

		case compiler.OP_NOT:
			v, ok := vm.stack.Pop()
			if !ok {
				return vm.underflow("NOT")
			}
			if v.Kind != value.KindBool {
				return vm.typeError("NOT", "Bool operand")
			}
			vm.stack.Push(value.Bool(!v.Bool))

		case compiler.OP_EQUAL, compiler.OP_NOTEQUAL, compiler.OP_LESSTHAN,
			compiler.OP_LESSEQUAL, compiler.OP_GRTRTHAN, compiler.OP_GRTREQUAL:
			result, rerr := vm.compare(op)
			if rerr != nil {
				return rerr
			}
			vm.stack.Push(result)

		case compiler.OP_GET_LOCAL:
			vm.stack.Push(vm.currentFrame().get(operand))

		case compiler.OP_SET_LOCAL:
			v, ok := vm.stack.Peek()
			if !ok {
				return vm.underflow("SET_LOCAL")
			}
			vm.currentFrame().set(operand, v)

		case compiler.OP_GET_GLOBAL:
			if operand >= len(vm.globals) {
				vm.stack.Push(value.Nil())
			} else {
				vm.stack.Push(vm.globals[operand])
			}

		case compiler.OP_SET_GLOBAL:
			v, ok := vm.stack.Peek()
			if !ok {
				return vm.underflow("SET_GLOBAL")
			}
			vm.setGlobal(operand, v)

		case compiler.OP_ALLOC_STRING:
			if operand >= len(bytecode.ConstantsPool) {
				return RuntimeError{Ip: vm.ip, Message: fmt.Sprintf("constant pool index %d out of range", operand)}
			}
			handle := vm.heap.AllocString(bytecode.ConstantsPool[operand], vm.roots())
			vm.stack.Push(value.Object(handle))

		case compiler.OP_ALLOC_ARRAY:
			handle := vm.heap.AllocArray(operand, vm.roots())
			vm.stack.Push(value.Object(handle))

		case compiler.OP_GET_INDEX:
			result, rerr := vm.getIndex()
			if rerr != nil {
				return rerr
			}
			vm.stack.Push(result)

		case compiler.OP_SET_INDEX:
			if rerr := vm.setIndex(); rerr != nil {
				return rerr
			}

		case compiler.OP_JUMP:
			vm.ip = operand
			continue

		case compiler.OP_JUMP_IF_FALSE:
			cond, ok := vm.stack.Pop()
			if !ok {
				return vm.underflow("JUMP_IF_FALSE")
			}
			if cond.Kind != value.KindBool {
				return vm.typeError("JUMP_IF_FALSE", "Bool operand")
			}
			if !cond.Bool {
				vm.ip = operand
				continue
			}

		case compiler.OP_CALL:
			vm.frames = append(vm.frames, newCallFrame(vm.ip+instrLen, vm.stack.Len()))
			vm.ip = operand
			continue

		case compiler.OP_RET:
			if rerr := vm.ret(); rerr != nil {
				return rerr
			}
			continue

		case compiler.OP_PRINT:
			v, ok := vm.stack.Pop()
			if !ok {
				return vm.underflow("PRINT")
			}
			fmt.Fprintln(vm.out, v.String())

		default:
			return RuntimeError{Ip: vm.ip, Message: fmt.Sprintf("unhandled opcode %s", def.Name)}
		}

		vm.ip += instrLen
	}
}

// readOperand decodes the big-endian uint16 operand immediately following
// the opcode at ip, bounds-checking against the instruction stream.
func (vm *VM) readOperand(instructions compiler.Instructions, ip int) (int, error) {
	if ip+3 > len(instructions) {
		return 0, RuntimeError{Ip: ip, Message: "truncated instruction operand"}
	}
	return int(binary.BigEndian.Uint16(instructions[ip+1 : ip+3])), nil
}

// setGlobal writes v into global slot n, growing the globals slice with
// Nil fill if necessary, mirroring CallFrame.set.
func (vm *VM) setGlobal(n int, v value.Value) {
	if n >= len(vm.globals) {
		grown := make([]value.Value, n+1)
		copy(grown, vm.globals)
		vm.globals = grown
	}
	vm.globals[n] = v
}

// arith pops two operands, coerces Bool to Int per the arithmetic
// coercion policy, and applies op. The right operand is popped first: it
// was pushed last by the compiler's left-then-right emission order.
func (vm *VM) arith(op compiler.Opcode) (value.Value, error) {
	right, left, ok := vm.popTwo()
	if !ok {
		return value.Nil(), vm.underflow(opName(op))
	}
	l, lok := left.ArithInt()
	r, rok := right.ArithInt()
	if !lok || !rok {
		return value.Nil(), vm.typeError(opName(op), "Int or Bool operands")
	}

	switch op {
	case compiler.OP_ADD:
		return value.Int(l + r), nil
	case compiler.OP_SUB:
		return value.Int(l - r), nil
	case compiler.OP_MUL:
		return value.Int(l * r), nil
	case compiler.OP_DIV:
		if r == 0 {
			return value.Nil(), RuntimeError{Ip: vm.ip, Message: "division by zero"}
		}
		return value.Int(l / r), nil
	case compiler.OP_MOD:
		if r == 0 {
			return value.Nil(), RuntimeError{Ip: vm.ip, Message: "modulo by zero"}
		}
		return value.Int(l % r), nil
	default:
		return value.Nil(), RuntimeError{Ip: vm.ip, Message: fmt.Sprintf("not an arithmetic opcode: %s", opName(op))}
	}
}

// compare pops two operands, requiring both to carry an Int payload (no
// Bool coercion — the recommended policy spec.md §9 documents), and
// applies op.
func (vm *VM) compare(op compiler.Opcode) (value.Value, error) {
	right, left, ok := vm.popTwo()
	if !ok {
		return value.Nil(), vm.underflow(opName(op))
	}
	l, lok := left.CompareInt()
	r, rok := right.CompareInt()
	if !lok || !rok {
		return value.Nil(), vm.typeError(opName(op), "Int operands")
	}

	switch op {
	case compiler.OP_EQUAL:
		return value.Bool(l == r), nil
	case compiler.OP_NOTEQUAL:
		return value.Bool(l != r), nil
	case compiler.OP_LESSTHAN:
		return value.Bool(l < r), nil
	case compiler.OP_LESSEQUAL:
		return value.Bool(l <= r), nil
	case compiler.OP_GRTRTHAN:
		return value.Bool(l > r), nil
	case compiler.OP_GRTREQUAL:
		return value.Bool(l >= r), nil
	default:
		return value.Nil(), RuntimeError{Ip: vm.ip, Message: fmt.Sprintf("not a comparison opcode: %s", opName(op))}
	}
}

// popTwo pops the top two stack values, returning them as (right, left) —
// right was pushed last and is on top.
func (vm *VM) popTwo() (right value.Value, left value.Value, ok bool) {
	right, ok = vm.stack.Pop()
	if !ok {
		return value.Nil(), value.Nil(), false
	}
	left, ok = vm.stack.Pop()
	if !ok {
		return value.Nil(), value.Nil(), false
	}
	return right, left, true
}

// getIndex implements GET_INDEX: pops an Int index then an Array handle,
// and returns the element at that index.
func (vm *VM) getIndex() (value.Value, error) {
	idxVal, ok := vm.stack.Pop()
	if !ok {
		return value.Nil(), vm.underflow("GET_INDEX")
	}
	arrVal, ok := vm.stack.Pop()
	if !ok {
		return value.Nil(), vm.underflow("GET_INDEX")
	}

	obj, idx, rerr := vm.resolveArrayIndex(arrVal, idxVal)
	if rerr != nil {
		return value.Nil(), rerr
	}
	return obj.Slots[idx], nil
}

// setIndex implements SET_INDEX. Operand order (array, index, value, all
// pushed before the opcode, value on top) is a VM-internal convention:
// spec.md's grammar has no array-literal or indexing syntax, so the
// compiler never emits ALLOC_ARRAY/GET_INDEX/SET_INDEX — these opcodes are
// exercised directly by hand-assembled bytecode in tests.
func (vm *VM) setIndex() error {
	newVal, ok := vm.stack.Pop()
	if !ok {
		return vm.underflow("SET_INDEX")
	}
	idxVal, ok := vm.stack.Pop()
	if !ok {
		return vm.underflow("SET_INDEX")
	}
	arrVal, ok := vm.stack.Pop()
	if !ok {
		return vm.underflow("SET_INDEX")
	}

	obj, idx, rerr := vm.resolveArrayIndex(arrVal, idxVal)
	if rerr != nil {
		return rerr
	}
	obj.Slots[idx] = newVal
	return nil
}

// resolveArrayIndex validates that arrVal names a live Array object and
// idxVal is an in-range Int index, per spec.md §4.1's GET_INDEX/SET_INDEX
// preconditions.
func (vm *VM) resolveArrayIndex(arrVal value.Value, idxVal value.Value) (*heap.Object, int, error) {
	if arrVal.Kind != value.KindObject {
		return nil, 0, vm.typeError("GET_INDEX/SET_INDEX", "Array handle")
	}
	idx, ok := idxVal.CompareInt()
	if !ok {
		return nil, 0, vm.typeError("GET_INDEX/SET_INDEX", "Int index")
	}
	obj, err := vm.heap.Get(arrVal.Handle)
	if err != nil {
		return nil, 0, RuntimeError{Ip: vm.ip, Message: err.Error()}
	}
	if obj.Kind != heap.KindArray {
		return nil, 0, vm.typeError("GET_INDEX/SET_INDEX", "Array object")
	}
	if idx < 0 || int(idx) >= len(obj.Slots) {
		return nil, 0, RuntimeError{Ip: vm.ip, Message: fmt.Sprintf("array index %d out of range [0, %d)", idx, len(obj.Slots))}
	}
	return obj, int(idx), nil
}

// ret implements RET per spec.md §4.3: if the operand stack holds more
// than the frame's base depth, the top element is the return value,
// captured before the stack is truncated and re-pushed after.
func (vm *VM) ret() error {
	if len(vm.frames) <= 1 {
		return RuntimeError{Ip: vm.ip, Message: "RET with no active call frame"}
	}
	frame := vm.currentFrame()

	var retVal value.Value
	hasRetVal := vm.stack.Len() > frame.frameBase
	if hasRetVal {
		v, ok := vm.stack.Peek()
		if !ok {
			return vm.underflow("RET")
		}
		retVal = v
	}

	vm.stack.Truncate(frame.frameBase)
	if hasRetVal {
		vm.stack.Push(retVal)
	}

	vm.frames = vm.frames[:len(vm.frames)-1]
	vm.ip = frame.returnIp
	return nil
}

func (vm *VM) underflow(op string) error {
	return RuntimeError{Ip: vm.ip, Message: fmt.Sprintf("%s: operand stack underflow", op)}
}

func (vm *VM) typeError(op string, want string) error {
	return RuntimeError{Ip: vm.ip, Message: fmt.Sprintf("%s: expected %s", op, want)}
}

func opName(op compiler.Opcode) string {
	def, err := compiler.Get(op)
	if err != nil {
		return "UNKNOWN"
	}
	return def.Name
}
