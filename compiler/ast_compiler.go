package compiler

// This file implements the ASTCompiler, which compiles the abstract syntax tree (AST) directly to bytecode.

import (
	"encoding/binary"
	"fmt"
	"loxvm/ast"
	"loxvm/token"
	"math"
	"os"
	"strings"
)

// ASTCompiler is a visitor that compiles AST nodes directly to bytecode.
// It implements both ast.ExpressionVisitor and ast.StmtVisitor interfaces
// to traverse and compile the abstract syntax tree to bytecode.
//
// Slots are flat: there is a single lexical environment for the whole
// program, not one nested per block. A block statement therefore compiles
// its children in place, with no scope push/pop and no slot-reclamation
// opcode. Re-declaring a name simply rebinds it to a fresh slot in
// varSlots; the previous slot is never reused, by the compiler or by the
// VM, and simply stops being referenced.
type ASTCompiler struct {
	// The resulting compiled bytecode.
	bytecode Bytecode
	// nextLocalSlot is the monotonically increasing local-slot counter.
	nextLocalSlot int
	// varSlots maps a declared identifier to its local slot index.
	varSlots map[string]int
}

// NewASTCompiler creates a new AST-to-bytecode compiler.
func NewASTCompiler() *ASTCompiler {
	return &ASTCompiler{
		bytecode: Bytecode{
			Instructions:  Instructions{},
			ConstantsPool: []string{},
		},
		varSlots: make(map[string]int),
	}
}

// DumpBytecode writes the compiled bytecode to a file with a `.nic` extension.
// The bytecode is encoded as hexadecimal so it can be viewed in a text editor.
func (ac *ASTCompiler) DumpBytecode(filePath string) error {
	if filePath == "" {
		filePath = "bytecode.nic"
	} else {
		filePath = filePath + ".nic"
	}
	fDescriptor, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("error creating nilan bytecode file: %s", err.Error())
	}

	encoded := fmt.Sprintf("%x", ac.bytecode.Instructions)
	fDescriptor.Write([]byte(encoded))
	defer fDescriptor.Close()
	return nil
}

// DiassembleBytecode disassembles the compiled bytecode to a human readable format
// and optionally saves it to disk.
// It returns the disassembled bytecode as a string or an error if the file could not be created.
func (ac *ASTCompiler) DiassembleBytecode(saveToDisk bool, filePath string) (string, error) {
	var builder strings.Builder
	ip := 0

	for ip < len(ac.bytecode.Instructions) {
		opCode := Opcode(ac.bytecode.Instructions[ip])
		def, err := Get(opCode)
		if err != nil {
			return "", err
		}

		width := 0
		for _, w := range def.OperandWidths {
			width += w
		}
		instructionLength := 1 + width

		switch opCode {
		case OP_ALLOC_STRING:
			operand, dia := ac.diassemble3ByteInstruction(ip)
			value := ac.bytecode.ConstantsPool[operand]
			builder.WriteString(dia + fmt.Sprintf(", value: %q", value))
		case OP_GET_LOCAL, OP_SET_LOCAL, OP_GET_GLOBAL, OP_SET_GLOBAL:
			operand, dia := ac.diassemble3ByteInstruction(ip)
			builder.WriteString(dia + fmt.Sprintf(", slot: %d", operand))
		case OP_JUMP, OP_JUMP_IF_FALSE, OP_CALL:
			operand, dia := ac.diassemble3ByteInstruction(ip)
			builder.WriteString(dia + fmt.Sprintf(", byte index in instruction array: %d", operand))
		case OP_PUSH, OP_ALLOC_ARRAY:
			operand, dia := ac.diassemble3ByteInstruction(ip)
			builder.WriteString(dia + fmt.Sprintf(", value: %d", operand))
		default:
			result, err := DiassembleInstruction([]byte{ac.bytecode.Instructions[ip]})
			if err != nil {
				return "", err
			}
			builder.WriteString(result)
		}
		builder.WriteString("\n")
		ip += instructionLength
	}

	diassembledBytecode := builder.String()
	if saveToDisk {
		if filePath == "" {
			filePath = "bytecode.dnic"
		} else {
			filePath = filePath + ".dnic"
		}
		fDescriptor, err := os.Create(filePath)
		if err != nil {
			return "", fmt.Errorf("error creating diassembled bytecode file: %s", err.Error())
		}
		fDescriptor.WriteString(diassembledBytecode)
		defer fDescriptor.Close()
	}
	return diassembledBytecode, nil
}

// CompileAST compiles a sequence of statements into Bytecode, appending a
// terminating HALT. Compilation errors surface as a panic of type
// SemanticError or DeveloperError, recovered here and returned as err.
func (ac *ASTCompiler) CompileAST(statements []ast.Stmt) (b Bytecode, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case SemanticError:
				err = v
			case DeveloperError:
				err = v
			default:
				panic(r)
			}
		}
	}()

	// If a previous compilation left a trailing HALT, drop it so statements
	// compiled in a later call (e.g. a REPL session reusing the compiler)
	// append after the prior program rather than after its terminator.
	if n := len(ac.bytecode.Instructions); n > 0 && ac.bytecode.Instructions[n-1] == byte(OP_HALT) {
		ac.bytecode.Instructions = ac.bytecode.Instructions[:n-1]
	}

	for _, stmt := range statements {
		stmt.Accept(ac)
	}

	ac.emit(OP_HALT)
	return ac.bytecode, nil
}

// VisitBinary handles binary expressions (arithmetic and comparison operators).
func (ac *ASTCompiler) VisitBinary(binary ast.Binary) any {
	binary.Left.Accept(ac)
	binary.Right.Accept(ac)

	switch binary.Operator.TokenType {
	case token.ADD:
		ac.emit(OP_ADD)
	case token.SUB:
		ac.emit(OP_SUB)
	case token.MULT:
		ac.emit(OP_MUL)
	case token.DIV:
		ac.emit(OP_DIV)
	case token.MOD:
		ac.emit(OP_MOD)
	case token.EQUAL_EQUAL:
		ac.emit(OP_EQUAL)
	case token.LARGER:
		ac.emit(OP_GRTRTHAN)
	case token.LESS:
		ac.emit(OP_LESSTHAN)
	case token.LESS_EQUAL:
		ac.emit(OP_LESSEQUAL)
	case token.LARGER_EQUAL:
		ac.emit(OP_GRTREQUAL)
	case token.NOT_EQUAL:
		ac.emit(OP_NOTEQUAL)
	default:
		panic(DeveloperError{Message: fmt.Sprintf("unhandled binary operator '%s'", binary.Operator.Lexeme)})
	}

	return nil
}

// VisitUnary handles unary expressions (operators: -, !).
func (ac *ASTCompiler) VisitUnary(unary ast.Unary) any {
	unary.Right.Accept(ac)

	switch unary.Operator.TokenType {
	case token.SUB:
		ac.emit(OP_NEG)
	case token.BANG:
		ac.emit(OP_NOT)
	default:
		panic(DeveloperError{Message: fmt.Sprintf("unhandled unary operator '%s'", unary.Operator.Lexeme)})
	}
	return nil
}

// VisitLiteral handles integer literal values by emitting PUSH with the
// literal inlined as the instruction's operand. Integer literals larger
// than a uint16 cannot be represented by the 2-byte operand encoding this
// compiler shares with every other arity-1 opcode; such a literal is a
// semantic error rather than silently truncated.
func (ac *ASTCompiler) VisitLiteral(literal ast.Literal) any {
	value, ok := literal.Value.(int64)
	if !ok {
		panic(DeveloperError{Message: fmt.Sprintf("literal of unexpected type %T", literal.Value)})
	}
	if value < 0 || value > math.MaxUint16 {
		panic(SemanticError{Message: fmt.Sprintf("integer literal %d out of range [0, %d]", value, math.MaxUint16)})
	}
	ac.emit(OP_PUSH, int(value))
	return nil
}

// VisitGrouping handles parenthesized expressions.
func (ac *ASTCompiler) VisitGrouping(grouping ast.Grouping) any {
	grouping.Expression.Accept(ac)
	return nil
}

// VisitVariableExpression compiles variable access by emitting GET_LOCAL
// with the variable's slot index as the operand.
func (ac *ASTCompiler) VisitVariableExpression(variable ast.Variable) any {
	identifier := variable.Name.Lexeme

	slot, ok := ac.varSlots[identifier]
	if !ok {
		panic(SemanticError{
			Message: fmt.Sprintf("name '%s' is not defined", identifier),
		})
	}
	ac.emit(OP_GET_LOCAL, slot)
	return nil
}

// VisitAssignExpression compiles an assignment expression: the right-hand
// side is compiled, then SET_LOCAL stores it. Unlike a VarStmt or an
// assignment statement, no POP follows — the assigned value is left on the
// stack as the expression's result, per spec.md §4.2.
func (ac *ASTCompiler) VisitAssignExpression(assign ast.Assign) any {
	name := assign.Name.Lexeme

	assign.Value.Accept(ac)

	slot, ok := ac.varSlots[name]
	if !ok {
		panic(SemanticError{
			Message: fmt.Sprintf("name '%s' is not defined", name),
		})
	}
	ac.emit(OP_SET_LOCAL, slot)
	return nil
}

// VisitVarStmt compiles a `let` declaration: the initializer is compiled,
// the name is bound to a fresh slot, then SET_LOCAL/POP store and discard
// it from the operand stack. Re-declaring an existing name simply rebinds
// it to a new slot; the grammar requires an initializer on every `let`.
func (ac *ASTCompiler) VisitVarStmt(varStmt ast.VarStmt) any {
	if varStmt.Initializer == nil {
		panic(SemanticError{
			Message: fmt.Sprintf("variable '%s' must be initialized", varStmt.Name.Lexeme),
		})
	}

	varStmt.Initializer.Accept(ac)

	slot := ac.declareLocal(varStmt.Name.Lexeme)
	ac.emit(OP_SET_LOCAL, slot)
	ac.emit(OP_POP)
	return nil
}

// VisitLogicalExpression compiles logical expressions (and, or) by emitting
// bytecode that implements short-circuiting behaviour.
func (ac *ASTCompiler) VisitLogicalExpression(logical ast.Logical) any {
	logical.Left.Accept(ac)

	switch logical.Operator.TokenType {
	case token.OR:
		// If the left operand is truthy, short-circuit past the right operand.
		// JUMP_IF_FALSE pops the left operand, so the true result is rebuilt
		// as 0 == 0.
		jumpIfFalsePos := ac.emitPlaceholderJump(OP_JUMP_IF_FALSE)
		ac.emit(OP_PUSH, 0)
		ac.emit(OP_PUSH, 0)
		ac.emit(OP_EQUAL)
		jumpEndPos := ac.emitPlaceholderJump(OP_JUMP)

		ac.patchJump(jumpIfFalsePos, len(ac.bytecode.Instructions))
		logical.Right.Accept(ac)

		ac.patchJump(jumpEndPos, len(ac.bytecode.Instructions))
	case token.AND:
		// If the left operand is falsy, short-circuit past the right operand.
		// JUMP_IF_FALSE pops the left operand, so the false result is rebuilt
		// as 0 == 1.
		jumpIfFalsePos := ac.emitPlaceholderJump(OP_JUMP_IF_FALSE)
		logical.Right.Accept(ac)
		jumpEndPos := ac.emitPlaceholderJump(OP_JUMP)

		ac.patchJump(jumpIfFalsePos, len(ac.bytecode.Instructions))
		ac.emit(OP_PUSH, 0)
		ac.emit(OP_PUSH, 1)
		ac.emit(OP_EQUAL)

		ac.patchJump(jumpEndPos, len(ac.bytecode.Instructions))
	default:
		panic(DeveloperError{Message: fmt.Sprintf("unhandled logical operator '%s'", logical.Operator.Lexeme)})
	}
	return nil
}

// VisitExpressionStmt compiles an expression used as a statement: the
// expression is compiled, then POP discards its result. This also covers
// assignment statements (`x = e;`), which parse as an ExpressionStmt
// wrapping an Assign expression — VisitAssignExpression leaves the value on
// the stack and this POP is what balances it.
func (ac *ASTCompiler) VisitExpressionStmt(exprStmt ast.ExpressionStmt) any {
	exprStmt.Expression.Accept(ac)
	ac.emit(OP_POP)
	return nil
}

func (ac *ASTCompiler) VisitPrintStmt(printStmt ast.PrintStmt) any {
	printStmt.Expression.Accept(ac)
	ac.emit(OP_PRINT)
	return nil
}

// VisitBlockStmt compiles a block statement by sequentially compiling each
// statement it contains. Slots are flat, so a block introduces no new scope
// and emits no scope-exit bookkeeping.
func (ac *ASTCompiler) VisitBlockStmt(blockStmt ast.BlockStmt) any {
	for _, stmt := range blockStmt.Statements {
		stmt.Accept(ac)
	}
	return nil
}

// VisitIfStmt compiles an if or if-else statement using backpatched jumps.
func (ac *ASTCompiler) VisitIfStmt(ifStmt ast.IfStmt) any {
	ifStmt.Condition.Accept(ac)

	jumpIfFalsePatch := ac.emitPlaceholderJump(OP_JUMP_IF_FALSE)

	ifStmt.Then.Accept(ac)

	if ifStmt.Else != nil {
		jumpPatch := ac.emitPlaceholderJump(OP_JUMP)

		ac.patchJump(jumpIfFalsePatch, len(ac.bytecode.Instructions))

		ifStmt.Else.Accept(ac)

		ac.patchJump(jumpPatch, len(ac.bytecode.Instructions))
	} else {
		ac.patchJump(jumpIfFalsePatch, len(ac.bytecode.Instructions))
	}
	return nil
}

// VisitWhileStmt compiles a while loop using backpatched jumps.
func (ac *ASTCompiler) VisitWhileStmt(whileStmt ast.WhileStmt) any {
	loopStart := len(ac.bytecode.Instructions)

	whileStmt.Condition.Accept(ac)

	jumpExitPatch := ac.emitPlaceholderJump(OP_JUMP_IF_FALSE)

	whileStmt.Body.Accept(ac)

	ac.emit(OP_JUMP, loopStart)

	ac.patchJump(jumpExitPatch, len(ac.bytecode.Instructions))
	return nil
}

// patchJump overwrites a jump instruction's operand with the actual byte
// offset to branch to. Jump instructions are emitted with placeholder
// operands before the target position is known; patchJump fixes them up
// once it is.
//
// jumpPos is the byte index of the jump instruction's opcode.
// targetPos is the byte index the jump should branch to.
func (ac *ASTCompiler) patchJump(jumpPos int, targetPos int) {
	operandPos := jumpPos + 1

	operand := make([]byte, 2)
	binary.BigEndian.PutUint16(operand, uint16(targetPos))

	ac.bytecode.Instructions[operandPos] = operand[0]
	ac.bytecode.Instructions[operandPos+1] = operand[1]
}

// emit constructs a bytecode instruction and appends it to the instruction stream.
func (ac *ASTCompiler) emit(opcode Opcode, operands ...int) {
	instruction, err := AssembleInstruction(opcode, operands...)
	if err != nil {
		panic(DeveloperError{Message: err.Error()})
	}
	ac.bytecode.Instructions = append(ac.bytecode.Instructions, instruction...)
}

// emitPlaceholderJump emits a jump instruction with the given opcode and a
// placeholder operand (0), returning the byte position of the jump
// instruction so it can later be passed to patchJump.
func (ac *ASTCompiler) emitPlaceholderJump(opcode Opcode) int {
	position := len(ac.bytecode.Instructions)
	ac.emit(opcode, 0)
	return position
}

// declareLocal binds name to a freshly allocated slot, overwriting any
// previous binding for the same name, and returns the new slot index.
func (ac *ASTCompiler) declareLocal(name string) int {
	slot := ac.nextLocalSlot
	ac.nextLocalSlot++
	ac.varSlots[name] = slot
	return slot
}

// diassemble3ByteInstruction reads a 3-byte instruction starting at the
// instruction pointer(ip), in the bytecode's instruction array. It
// interprets the final two bytes as a big-endian uint16 operand, and
// returns it along with the textual disassembly produced by
// DiassembleInstruction.
func (ac *ASTCompiler) diassemble3ByteInstruction(ip int) (uint16, string) {
	instruction := ac.bytecode.Instructions[ip : ip+3]
	operand := binary.BigEndian.Uint16(instruction[1:])
	dia, err := DiassembleInstruction(instruction)
	if err != nil {
		panic(DeveloperError{Message: err.Error()})
	}
	return operand, dia
}
