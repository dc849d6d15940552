package vm

import (
	"bytes"
	"strings"
	"testing"

	"loxvm/compiler"
	"loxvm/value"
)

// asm concatenates a sequence of encoded instructions into one instruction
// stream. It does no checking of its own: an invalid opcode is already
// reported by instr, which fails the test when assembly errors.
func asm(t *testing.T, parts ...[]byte) compiler.Instructions {
	t.Helper()
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func instr(t *testing.T, op compiler.Opcode, operands ...int) []byte {
	t.Helper()
	b, err := compiler.AssembleInstruction(op, operands...)
	if err != nil {
		t.Fatalf("assembling %v: %v", op, err)
	}
	return b
}

func TestRunArithmeticAndComparison(t *testing.T) {
	tests := []struct {
		name     string
		bytecode compiler.Bytecode
		want     value.Value
	}{
		{
			// 1 + 2 * 3
			name: "precedence already resolved by compiler",
			bytecode: compiler.Bytecode{Instructions: asm(t,
				instr(t, compiler.OP_PUSH, 2),
				instr(t, compiler.OP_PUSH, 3),
				instr(t, compiler.OP_MUL),
				instr(t, compiler.OP_PUSH, 1),
				instr(t, compiler.OP_ADD),
				instr(t, compiler.OP_HALT),
			)},
			want: value.Int(7),
		},
		{
			name: "subtraction preserves operand order",
			bytecode: compiler.Bytecode{Instructions: asm(t,
				instr(t, compiler.OP_PUSH, 10),
				instr(t, compiler.OP_PUSH, 4),
				instr(t, compiler.OP_SUB),
				instr(t, compiler.OP_HALT),
			)},
			want: value.Int(6),
		},
		{
			name: "division truncates toward zero",
			bytecode: compiler.Bytecode{Instructions: asm(t,
				instr(t, compiler.OP_PUSH, 7),
				instr(t, compiler.OP_PUSH, 2),
				instr(t, compiler.OP_DIV),
				instr(t, compiler.OP_HALT),
			)},
			want: value.Int(3),
		},
		{
			name: "modulo",
			bytecode: compiler.Bytecode{Instructions: asm(t,
				instr(t, compiler.OP_PUSH, 7),
				instr(t, compiler.OP_PUSH, 2),
				instr(t, compiler.OP_MOD),
				instr(t, compiler.OP_HALT),
			)},
			want: value.Int(1),
		},
		{
			name: "negation",
			bytecode: compiler.Bytecode{Instructions: asm(t,
				instr(t, compiler.OP_PUSH, 5),
				instr(t, compiler.OP_NEG),
				instr(t, compiler.OP_HALT),
			)},
			want: value.Int(-5),
		},
		{
			name: "less than",
			bytecode: compiler.Bytecode{Instructions: asm(t,
				instr(t, compiler.OP_PUSH, 1),
				instr(t, compiler.OP_PUSH, 2),
				instr(t, compiler.OP_LESSTHAN),
				instr(t, compiler.OP_HALT),
			)},
			want: value.Bool(true),
		},
		{
			name: "equal",
			bytecode: compiler.Bytecode{Instructions: asm(t,
				instr(t, compiler.OP_PUSH, 3),
				instr(t, compiler.OP_PUSH, 3),
				instr(t, compiler.OP_EQUAL),
				instr(t, compiler.OP_HALT),
			)},
			want: value.Bool(true),
		},
		{
			name: "not",
			bytecode: compiler.Bytecode{Instructions: asm(t,
				instr(t, compiler.OP_PUSH, 0),
				instr(t, compiler.OP_PUSH, 1),
				instr(t, compiler.OP_EQUAL),
				instr(t, compiler.OP_NOT),
				instr(t, compiler.OP_HALT),
			)},
			want: value.Bool(true),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			if err := m.Run(tt.bytecode); err != nil {
				t.Fatalf("Run returned error: %v", err)
			}
			got, ok := m.stack.Peek()
			if !ok {
				t.Fatalf("expected a value on the stack, stack is empty")
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestRunNotEqual checks that NOTEQUAL on two different Ints pushes
// Bool(true).
func TestRunNotEqual(t *testing.T) {
	m := New()
	bytecode := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_PUSH, 5),
		instr(t, compiler.OP_PUSH, 9),
		instr(t, compiler.OP_NOTEQUAL),
		instr(t, compiler.OP_HALT),
	)}
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := m.stack.Peek()
	if got != value.Bool(true) {
		t.Errorf("got %+v, want true", got)
	}
}

func TestRunBoolCoercionInArithmeticButNotComparison(t *testing.T) {
	// true + 1 == 2, since arithmetic coerces Bool to Int.
	m := New()
	bytecode := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_PUSH, 0),
		instr(t, compiler.OP_PUSH, 0),
		instr(t, compiler.OP_EQUAL), // pushes Bool(true): 0 == 0
		instr(t, compiler.OP_PUSH, 1),
		instr(t, compiler.OP_ADD),
		instr(t, compiler.OP_HALT),
	)}
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := m.stack.Peek()
	if got != value.Int(2) {
		t.Errorf("got %+v, want Int(2)", got)
	}

	// A Bool operand to a comparison opcode must fail: comparisons require
	// Int on both sides and never coerce.
	m2 := New()
	bytecode2 := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_PUSH, 0),
		instr(t, compiler.OP_PUSH, 0),
		instr(t, compiler.OP_EQUAL),
		instr(t, compiler.OP_PUSH, 1),
		instr(t, compiler.OP_LESSTHAN),
		instr(t, compiler.OP_HALT),
	)}
	err := m2.Run(bytecode2)
	if err == nil {
		t.Fatalf("expected a RuntimeError comparing a Bool, got nil")
	}
	if _, ok := err.(RuntimeError); !ok {
		t.Fatalf("expected RuntimeError, got %T: %v", err, err)
	}
}

func TestRunDivisionByZero(t *testing.T) {
	m := New()
	bytecode := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_PUSH, 1),
		instr(t, compiler.OP_PUSH, 0),
		instr(t, compiler.OP_DIV),
		instr(t, compiler.OP_HALT),
	)}
	err := m.Run(bytecode)
	if err == nil {
		t.Fatalf("expected a RuntimeError dividing by zero, got nil")
	}
}

func TestRunStackUnderflow(t *testing.T) {
	m := New()
	bytecode := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_ADD),
		instr(t, compiler.OP_HALT),
	)}
	err := m.Run(bytecode)
	if err == nil {
		t.Fatalf("expected a RuntimeError on empty-stack ADD, got nil")
	}
}

func TestRunLocals(t *testing.T) {
	m := New()
	// SET_LOCAL 0 with 7, then GET_LOCAL 0 twice and add.
	bytecode := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_PUSH, 7),
		instr(t, compiler.OP_SET_LOCAL, 0),
		instr(t, compiler.OP_POP),
		instr(t, compiler.OP_GET_LOCAL, 0),
		instr(t, compiler.OP_GET_LOCAL, 0),
		instr(t, compiler.OP_ADD),
		instr(t, compiler.OP_HALT),
	)}
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := m.stack.Peek()
	if got != value.Int(14) {
		t.Errorf("got %+v, want Int(14)", got)
	}
}

func TestRunGlobals(t *testing.T) {
	m := New()
	bytecode := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_PUSH, 42),
		instr(t, compiler.OP_SET_GLOBAL, 3),
		instr(t, compiler.OP_POP),
		instr(t, compiler.OP_GET_GLOBAL, 3),
		instr(t, compiler.OP_HALT),
	)}
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := m.stack.Peek()
	if got != value.Int(42) {
		t.Errorf("got %+v, want Int(42)", got)
	}

	m2 := New()
	// Reading an untouched global slot reads back Nil.
	bytecode2 := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_GET_GLOBAL, 5),
		instr(t, compiler.OP_HALT),
	)}
	if err := m2.Run(bytecode2); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got2, _ := m2.stack.Peek()
	if got2 != value.Nil() {
		t.Errorf("got %+v, want Nil", got2)
	}
}

func TestRunJumpAndJumpIfFalse(t *testing.T) {
	// if (1 < 2) { push 100 } else { push 200 }; HALT
	// ip layout:
	//   0: PUSH 1        (3 bytes)
	//   3: PUSH 2        (3 bytes)
	//   6: LESSTHAN      (1 byte)
	//   7: JUMP_IF_FALSE -> 16 (else arm) (3 bytes)
	//  10: PUSH 100      (3 bytes)
	//  13: JUMP -> 19    (3 bytes)
	//  16: PUSH 200      (3 bytes) -- else arm, skipped since 1 < 2
	//  19: HALT
	//
	// Rather than hand-count offsets (fragile under edits), build the
	// instructions first and patch jump targets from their measured
	// positions.
	push1 := instr(t, compiler.OP_PUSH, 1)
	push2 := instr(t, compiler.OP_PUSH, 2)
	lt := instr(t, compiler.OP_LESSTHAN)
	push100 := instr(t, compiler.OP_PUSH, 100)
	push200 := instr(t, compiler.OP_PUSH, 200)
	haltI := instr(t, compiler.OP_HALT)

	condEnd := len(push1) + len(push2) + len(lt)
	thenStart := condEnd + 3 // past JUMP_IF_FALSE
	thenEnd := thenStart + len(push100)
	jumpEnd := thenEnd + 3 // past the unconditional JUMP
	elseStart := jumpEnd
	haltStart := elseStart + len(push200)

	jumpIfFalse := instr(t, compiler.OP_JUMP_IF_FALSE, elseStart)
	jump := instr(t, compiler.OP_JUMP, haltStart)

	bytecode := compiler.Bytecode{Instructions: asm(t,
		push1, push2, lt, jumpIfFalse, push100, jump, push200, haltI,
	)}

	m := New()
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := m.stack.Peek()
	if got != value.Int(100) {
		t.Errorf("got %+v, want Int(100) (then-arm taken)", got)
	}
}

func TestRunCallAndRet(t *testing.T) {
	// CALL a function at a known offset that doubles its single argument
	// (passed via local slot 0) and returns the result, then HALT.
	//
	//   0: PUSH 21            (3)
	//   3: CALL <funcStart>   (3)
	//   6: HALT               (1)
	//   7: SET_LOCAL 0        (funcStart) (3)
	//  10: GET_LOCAL 0                     (3)
	//  13: GET_LOCAL 0                     (3)
	//  16: ADD                             (1)
	//  17: RET                             (1)
	push21 := instr(t, compiler.OP_PUSH, 21)
	callLen := 3
	haltI := instr(t, compiler.OP_HALT)
	funcStart := len(push21) + callLen + len(haltI)

	call := instr(t, compiler.OP_CALL, funcStart)
	setLocal0 := instr(t, compiler.OP_SET_LOCAL, 0)
	getLocal0 := instr(t, compiler.OP_GET_LOCAL, 0)
	add := instr(t, compiler.OP_ADD)
	ret := instr(t, compiler.OP_RET)

	bytecode := compiler.Bytecode{Instructions: asm(t,
		push21, call, haltI, setLocal0, getLocal0, getLocal0, add, ret,
	)}

	m := New()
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := m.stack.Peek()
	if got != value.Int(42) {
		t.Errorf("got %+v, want Int(42)", got)
	}
}

func TestRunPrintWritesCanonicalForm(t *testing.T) {
	var buf bytes.Buffer
	m := NewWithWriter(&buf)
	bytecode := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_PUSH, 9),
		instr(t, compiler.OP_PRINT),
		instr(t, compiler.OP_HALT),
	)}
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "9" {
		t.Errorf("got %q, want %q", got, "9")
	}
}

func TestRunAllocStringAndIndexing(t *testing.T) {
	m := New()
	bytecode := compiler.Bytecode{
		Instructions: asm(t,
			instr(t, compiler.OP_ALLOC_STRING, 0),
			instr(t, compiler.OP_HALT),
		),
		ConstantsPool: []string{"hello"},
	}
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := m.stack.Peek()
	if got.Kind != value.KindObject {
		t.Fatalf("got Kind %v, want KindObject", got.Kind)
	}
	obj, err := m.heap.Get(got.Handle)
	if err != nil {
		t.Fatalf("heap.Get: %v", err)
	}
	if string(obj.Bytes) != "hello" {
		t.Errorf("got %q, want %q", obj.Bytes, "hello")
	}
}

func TestRunArraySetAndGetIndex(t *testing.T) {
	m := New()
	bytecode := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_ALLOC_ARRAY, 3),
		instr(t, compiler.OP_SET_LOCAL, 0),
		instr(t, compiler.OP_POP),
		instr(t, compiler.OP_GET_LOCAL, 0),
		instr(t, compiler.OP_PUSH, 1),
		instr(t, compiler.OP_PUSH, 99),
		instr(t, compiler.OP_SET_INDEX),
		instr(t, compiler.OP_GET_LOCAL, 0),
		instr(t, compiler.OP_PUSH, 1),
		instr(t, compiler.OP_GET_INDEX),
		instr(t, compiler.OP_HALT),
	)}
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := m.stack.Peek()
	if got != value.Int(99) {
		t.Errorf("got %+v, want Int(99)", got)
	}
}

func TestRunArrayIndexOutOfRange(t *testing.T) {
	m := New()
	bytecode := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_ALLOC_ARRAY, 1),
		instr(t, compiler.OP_PUSH, 5),
		instr(t, compiler.OP_GET_INDEX),
		instr(t, compiler.OP_HALT),
	)}
	err := m.Run(bytecode)
	if err == nil {
		t.Fatalf("expected RuntimeError for out-of-range index, got nil")
	}
}

// TestRunResumesFromPriorIp mirrors the REPL's reuse pattern: the compiler
// hands the VM the whole accumulated bytecode on each line, and the VM must
// resume from where it previously halted rather than restart at ip 0.
func TestRunResumesFromPriorIp(t *testing.T) {
	m := New()

	first := compiler.Bytecode{Instructions: asm(t,
		instr(t, compiler.OP_PUSH, 1),
		instr(t, compiler.OP_SET_GLOBAL, 0),
		instr(t, compiler.OP_POP),
		instr(t, compiler.OP_HALT),
	)}
	if err := m.Run(first); err != nil {
		t.Fatalf("first Run returned error: %v", err)
	}

	// Second program: the REPL strips first's trailing HALT and appends
	// more instructions plus a new HALT, so the combined stream is what
	// Run sees; m.ip is already parked at the old HALT's offset.
	firstLen := len(first.Instructions)
	second := compiler.Bytecode{Instructions: asm(t,
		first.Instructions[:firstLen-1], // drop the old HALT byte
		instr(t, compiler.OP_GET_GLOBAL, 0),
		instr(t, compiler.OP_PUSH, 1),
		instr(t, compiler.OP_ADD),
		instr(t, compiler.OP_HALT),
	)}
	if err := m.Run(second); err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	got, _ := m.stack.Peek()
	if got != value.Int(2) {
		t.Errorf("got %+v, want Int(2) — global set by the first Run plus 1", got)
	}
}

func TestRunHeapCollectsUnreachableAllocations(t *testing.T) {
	m := New()
	var parts [][]byte
	// Allocate past the GC threshold without ever keeping a string live:
	// ALLOC_STRING followed by POP on each iteration, so nothing but the
	// fresh handle itself (pinned during its own triggering collection) is
	// ever a root.
	for i := 0; i < 60; i++ {
		parts = append(parts, instr(t, compiler.OP_ALLOC_STRING, 0), instr(t, compiler.OP_POP))
	}
	parts = append(parts, instr(t, compiler.OP_HALT))
	bytecode := compiler.Bytecode{
		Instructions:  asm(t, parts...),
		ConstantsPool: []string{"x"},
	}
	if err := m.Run(bytecode); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if m.heap.FreeListLen() == 0 {
		t.Errorf("expected some allocations to have been collected and reused, free list is empty")
	}
	if m.heap.Len() >= 60 {
		t.Errorf("expected the heap to reuse freed slots instead of growing without bound, got Len()=%d", m.heap.Len())
	}
}
