package compiler

import (
	"encoding/binary"
	"fmt"
)

// Bytecode is the artifact the compiler produces and the VM executes.
//
// Fields:
//   - Instructions: the flat encoded instruction stream (opcode bytes
//     interleaved with big-endian operand bytes).
//   - ConstantsPool: the ordered sequence of strings referenced by
//     ALLOC_STRING via index. Unlike the source's earlier prototype, the
//     pool holds only strings; integer literals are pushed inline via
//     PUSH and never touch the pool.
type Bytecode struct {
	Instructions  Instructions
	ConstantsPool []string
}

type Opcode byte

type Instructions []byte

// opcodes
// iota generates a distinct byte for each bytecode.
const (
	// Stack
	OP_PUSH Opcode = iota // PUSH <int>, pushes a literal integer
	OP_POP                // POP

	// Arithmetic
	OP_NEG // NEG
	OP_ADD // ADD
	OP_SUB // SUB
	OP_MUL // MUL
	OP_DIV // DIV
	OP_MOD // MOD

	// Logical / compare
	OP_NOT        // NOT
	OP_EQUAL      // EQUAL
	OP_NOTEQUAL   // NOTEQUAL
	OP_LESSTHAN   // LESSTHAN
	OP_LESSEQUAL  // LESSEQUAL
	OP_GRTRTHAN   // GRTRTHAN
	OP_GRTREQUAL  // GRTREQUAL

	// Locals
	OP_GET_LOCAL // GET_LOCAL <slot>
	OP_SET_LOCAL // SET_LOCAL <slot>

	// Globals (reserved, never emitted by the compiler)
	OP_GET_GLOBAL // GET_GLOBAL <slot>
	OP_SET_GLOBAL // SET_GLOBAL <slot>

	// Heap
	OP_ALLOC_STRING // ALLOC_STRING <const_idx>
	OP_ALLOC_ARRAY  // ALLOC_ARRAY <len>
	OP_GET_INDEX    // GET_INDEX
	OP_SET_INDEX    // SET_INDEX

	// Control
	OP_JUMP          // JUMP <target>
	OP_JUMP_IF_FALSE // JUMP_IF_FALSE <target>

	// Calls
	OP_CALL // CALL <target>
	OP_RET  // RET

	// I/O
	OP_PRINT // PRINT

	// Terminate
	OP_HALT // HALT
)

// OpCodeDefinition describes an opcode's textual name and the width, in
// bytes, of each of its operands.
type OpCodeDefinition struct {
	Name          string
	OperandWidths []int
}

var definitions = map[Opcode]*OpCodeDefinition{
	OP_PUSH: {Name: "OP_PUSH", OperandWidths: []int{2}},
	OP_POP:  {Name: "OP_POP", OperandWidths: []int{}},

	OP_NEG: {Name: "OP_NEG", OperandWidths: []int{}},
	OP_ADD: {Name: "OP_ADD", OperandWidths: []int{}},
	OP_SUB: {Name: "OP_SUB", OperandWidths: []int{}},
	OP_MUL: {Name: "OP_MUL", OperandWidths: []int{}},
	OP_DIV: {Name: "OP_DIV", OperandWidths: []int{}},
	OP_MOD: {Name: "OP_MOD", OperandWidths: []int{}},

	OP_NOT:       {Name: "OP_NOT", OperandWidths: []int{}},
	OP_EQUAL:     {Name: "OP_EQUAL", OperandWidths: []int{}},
	OP_NOTEQUAL:  {Name: "OP_NOTEQUAL", OperandWidths: []int{}},
	OP_LESSTHAN:  {Name: "OP_LESSTHAN", OperandWidths: []int{}},
	OP_LESSEQUAL: {Name: "OP_LESSEQUAL", OperandWidths: []int{}},
	OP_GRTRTHAN:  {Name: "OP_GRTRTHAN", OperandWidths: []int{}},
	OP_GRTREQUAL: {Name: "OP_GRTREQUAL", OperandWidths: []int{}},

	OP_GET_LOCAL: {Name: "OP_GET_LOCAL", OperandWidths: []int{2}},
	OP_SET_LOCAL: {Name: "OP_SET_LOCAL", OperandWidths: []int{2}},

	OP_GET_GLOBAL: {Name: "OP_GET_GLOBAL", OperandWidths: []int{2}},
	OP_SET_GLOBAL: {Name: "OP_SET_GLOBAL", OperandWidths: []int{2}},

	OP_ALLOC_STRING: {Name: "OP_ALLOC_STRING", OperandWidths: []int{2}},
	OP_ALLOC_ARRAY:  {Name: "OP_ALLOC_ARRAY", OperandWidths: []int{2}},
	OP_GET_INDEX:    {Name: "OP_GET_INDEX", OperandWidths: []int{}},
	OP_SET_INDEX:    {Name: "OP_SET_INDEX", OperandWidths: []int{}},

	OP_JUMP:          {Name: "OP_JUMP", OperandWidths: []int{2}},
	OP_JUMP_IF_FALSE: {Name: "OP_JUMP_IF_FALSE", OperandWidths: []int{2}},

	OP_CALL: {Name: "OP_CALL", OperandWidths: []int{2}},
	OP_RET:  {Name: "OP_RET", OperandWidths: []int{}},

	OP_PRINT: {Name: "OP_PRINT", OperandWidths: []int{}},

	OP_HALT: {Name: "OP_HALT", OperandWidths: []int{}},
}

// Get returns the definition for op, or an error if op is not a recognized
// opcode.
func Get(op Opcode) (*OpCodeDefinition, error) {
	def, ok := definitions[op]
	if !ok {
		return nil, fmt.Errorf("opcode: '%d' undefined", op)
	}
	return def, nil
}

// AssembleInstruction encodes an opcode and its operands into a single
// instruction. Operands are encoded in Big-Endian order: a uint16 operand's
// most-significant byte is written first.
//
// Example:
//
//	instr, _ := AssembleInstruction(OP_PUSH, 65000)
//	// instr == []byte{byte(OP_PUSH), 253, 232}
func AssembleInstruction(op Opcode, operands ...int) ([]byte, error) {
	def, err := Get(op)
	if err != nil {
		return nil, err
	}

	instructionLength := 1
	for _, width := range def.OperandWidths {
		instructionLength += width
	}

	instruction := make([]byte, instructionLength)
	instruction[0] = byte(op)

	byteOffset := 1
	for i, operand := range operands {
		width := def.OperandWidths[i]
		switch width {
		case 2:
			binary.BigEndian.PutUint16(instruction[byteOffset:], uint16(operand))
		}
		byteOffset += width
	}
	return instruction, nil
}

// DiassembleInstruction decodes a single encoded instruction and renders it
// as a human-readable string, used by the `emit`/`cRepl -diassemble` drivers.
func DiassembleInstruction(instruction []byte) (string, error) {
	if len(instruction) == 0 {
		return "", fmt.Errorf("cannot diassemble an empty instruction")
	}

	op := Opcode(instruction[0])
	def, err := Get(op)
	if err != nil {
		return "", err
	}

	if len(def.OperandWidths) == 0 {
		return fmt.Sprintf("opcode: %s, operand: None, operand widths: 0 bytes", def.Name), nil
	}

	width := def.OperandWidths[0]
	switch width {
	case 2:
		operand := binary.BigEndian.Uint16(instruction[1:3])
		return fmt.Sprintf("opcode: %s, operand: %d, operand widths: %d bytes", def.Name, operand, width), nil
	default:
		return "", fmt.Errorf("unsupported operand width: %d", width)
	}
}
