// Package compiler implements Sox's single-pass Pratt-parsing compiler
// (component E). It is the hardest part of the system: a Pratt parser
// that emits bytecode directly as it recognises grammar, resolving
// locals, upvalues, and class hierarchies without ever materialising
// an AST (spec §4.E — "No AST is constructed"). This is why the
// teacher's pkg/ast and recursive-descent pkg/parser were not carried
// forward: a tree-building parser cannot be adapted into a tree-less
// one without becoming a different package in every line. See
// DESIGN.md for the deletion rationale.
package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kristofer/sox/pkg/gc"
	"github.com/kristofer/sox/pkg/lexer"
	"github.com/kristofer/sox/pkg/value"
)

// maxLocals and maxUpvalues are the per-function caps: the 257th
// local or upvalue is a compile error.
const (
	maxLocals   = 256
	maxUpvalues = 256
)

// Precedence orders binary operators: each level binds tighter than
// the one above it.
type Precedence int

const (
	PrecNone       Precedence = iota
	PrecAssignment            // =
	PrecOr                    // or
	PrecAnd                   // and
	PrecEquality              // == !=
	PrecComparison            // < > <= >=
	PrecTerm                  // + -
	PrecFactor                // * /
	PrecUnary                 // ! -
	PrecCall                  // . ()
	PrecPrimary
)

type parseFn func(c *Compiler, canAssign bool)

type parseRule struct {
	prefix     parseFn
	infix      parseFn
	precedence Precedence
}

// FunctionKind distinguishes the handful of function compiler records
// that need slightly different codegen (method/initializer slot 0 is
// implicitly `this`; the top-level script never shows up as a callable
// value).
type FunctionKind int

const (
	KindScript FunctionKind = iota
	KindFunction
	KindMethod
	KindInitializer
)

// local is one entry in a function compiler's locals array.
type local struct {
	name       string
	depth      int // -1 means declared but not yet initialised
	isCaptured bool
}

// upvalueRef is one entry in a function compiler's upvalue array.
type upvalueRef struct {
	index   byte
	isLocal bool
}

// funcCompiler holds the per-nested-function compile-time state: a
// record per function being compiled, chained to its enclosing
// compiler so resolveUpvalue can walk outward.
type funcCompiler struct {
	enclosing *funcCompiler
	function  *value.ObjFunction
	kind      FunctionKind

	locals     []local
	upvalues   []upvalueRef
	scopeDepth int
}

// classCompiler tracks nested class bodies for `this`/`super`
// resolution (spec §4.E).
type classCompiler struct {
	enclosing     *classCompiler
	hasSuperclass bool
}

// Compiler is Sox's Pratt parser. One Compiler compiles one top-level
// script or module; nested functions and methods get their own
// funcCompiler record but share the same Compiler (and thus the same
// token stream and error state).
type Compiler struct {
	lexer     *lexer.Lexer
	gc        *gc.Collector
	current   lexer.Token
	previous  lexer.Token
	hadError  bool
	panicMode bool
	errs      []string

	fc *funcCompiler
	cc *classCompiler
}

// Compile compiles source into a top-level function object ready to be
// wrapped in a closure and run, or returns the aggregated compile
// errors (spec's "compile errors are aggregated per compilation unit").
// skipMain does not change compilation itself; it is a hint a VM
// embedder can check before deciding whether to implicitly invoke the
// resulting script function.
func Compile(source string, collector *gc.Collector, skipMain bool) (*value.ObjFunction, error) {
	_ = skipMain
	c := &Compiler{lexer: lexer.New(source), gc: collector}
	c.fc = &funcCompiler{function: value.NewObjFunction(), kind: KindScript}
	collector.Track(c.fc.function)
	// Slot 0 is reserved the same way method slot 0 holds `this` — for
	// a plain function/script it is simply unnamed and unreachable.
	c.fc.locals = append(c.fc.locals, local{name: "", depth: 0})

	collector.AddRoot(c)
	defer collector.RemoveRoot(c)

	c.advance()
	for !c.check(lexer.TokenEOF) {
		c.declaration()
	}
	fn := c.endFunction()

	if c.hadError {
		return nil, fmt.Errorf("compile error:\n%s", strings.Join(c.errs, "\n"))
	}
	return fn, nil
}

// MarkRoots implements gc.RootMarker: while compiling, every function
// object in the enclosing chain must survive collection, since none of
// them are reachable from the VM yet (spec §3's root-set invariant
// explicitly includes "the compiler's in-progress function chain").
func (c *Compiler) MarkRoots(collector *gc.Collector) {
	for fc := c.fc; fc != nil; fc = fc.enclosing {
		collector.MarkObject(fc.function)
	}
}

// ---- token stream plumbing ----------------------------------------

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.lexer.Next()
		if c.current.Type != lexer.TokenError {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *Compiler) check(t lexer.TokenType) bool { return c.current.Type == t }

func (c *Compiler) match(t lexer.TokenType) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) consume(t lexer.TokenType, msg string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(msg)
}

func (c *Compiler) errorAtCurrent(msg string) { c.errorAt(c.current, msg) }
func (c *Compiler) error(msg string)          { c.errorAt(c.previous, msg) }

func (c *Compiler) errorAt(tok lexer.Token, msg string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	c.hadError = true
	where := ""
	switch tok.Type {
	case lexer.TokenEOF:
		where = " at end"
	case lexer.TokenError:
		// lexeme is already the message
	default:
		where = fmt.Sprintf(" at '%s'", tok.Lexeme)
	}
	c.errs = append(c.errs, fmt.Sprintf("[line %d] Error%s: %s", tok.Line, where, msg))
}

// synchronize discards tokens until it reaches a likely statement
// boundary, per spec §4.E / §7.
func (c *Compiler) synchronize() {
	c.panicMode = false
	for c.current.Type != lexer.TokenEOF {
		if c.previous.Type == lexer.TokenSemicolon {
			return
		}
		switch c.current.Type {
		case lexer.TokenClass, lexer.TokenFun, lexer.TokenVar, lexer.TokenFor,
			lexer.TokenIf, lexer.TokenWhile, lexer.TokenPrint, lexer.TokenReturn:
			return
		}
		c.advance()
	}
}

// ---- emission helpers ----------------------------------------------

func (c *Compiler) chunk() *value.Chunk { return c.fc.function.Chunk }

func (c *Compiler) emitByte(b byte)        { c.chunk().WriteByte(b, c.previous.Line) }
func (c *Compiler) emitOp(op value.OpCode) { c.chunk().WriteOp(op, c.previous.Line) }
func (c *Compiler) emitOpByte(op value.OpCode, b byte) {
	c.emitOp(op)
	c.emitByte(b)
}

// emitConstant pushes v, choosing OP_CONSTANT_LONG automatically once
// the pool exceeds the one-byte form's range — Sox never fails here,
// it always has the long form available for plain literals.
func (c *Compiler) emitConstant(v value.Value) {
	idx := c.chunk().AddConstant(v)
	if idx <= value.MaxConstantsOneByte {
		c.emitOpByte(value.OpConstant, byte(idx))
		return
	}
	c.emitOp(value.OpConstantLong)
	c.emitByte(byte(idx))
	c.emitByte(byte(idx >> 8))
	c.emitByte(byte(idx >> 16))
}

// identifierConstant interns name and adds it to the constant pool,
// returning its index for the one-byte global/property/class opcodes
// (GET/SET_GLOBAL, GET/SET_PROPERTY, METHOD, CLASS, GET_SUPER), none
// of which have a long form. Exceeding the one-byte range is a compile
// error rather than a silently truncated, wrong index.
func (c *Compiler) identifierConstant(name string) byte {
	s := c.gc.Intern(name)
	idx := c.chunk().AddConstant(value.ObjValue(s))
	if idx > value.MaxConstantsOneByte {
		c.error("Too many constants in one chunk.")
		return 0
	}
	return byte(idx)
}

func (c *Compiler) emitJump(op value.OpCode) int {
	c.emitOp(op)
	c.emitByte(0xff)
	c.emitByte(0xff)
	return len(c.chunk().Code) - 2
}

func (c *Compiler) patchJump(offset int) {
	jump := len(c.chunk().Code) - offset - 2
	if jump > 0xffff {
		c.error("Too much code to jump over.")
	}
	c.chunk().Code[offset] = byte(jump >> 8)
	c.chunk().Code[offset+1] = byte(jump)
}

func (c *Compiler) emitLoop(loopStart int) {
	c.emitOp(value.OpLoop)
	offset := len(c.chunk().Code) - loopStart + 2
	if offset > 0xffff {
		c.error("Loop body too large.")
	}
	c.emitByte(byte(offset >> 8))
	c.emitByte(byte(offset))
}

func (c *Compiler) emitReturn() {
	if c.fc.kind == KindInitializer {
		// initializers implicitly return the receiver (spec §4.E).
		c.emitOpByte(value.OpGetLocal, 0)
	} else {
		c.emitOp(value.OpNil)
	}
	c.emitOp(value.OpReturn)
}

// endFunction finalises the current funcCompiler and pops back to the
// enclosing one, returning the finished function object.
func (c *Compiler) endFunction() *value.ObjFunction {
	c.emitReturn()
	fn := c.fc.function
	c.fc = c.fc.enclosing
	return fn
}

// ---- scopes and variables -------------------------------------------

func (c *Compiler) beginScope() { c.fc.scopeDepth++ }

func (c *Compiler) endScope() {
	c.fc.scopeDepth--
	locals := c.fc.locals
	for len(locals) > 0 && locals[len(locals)-1].depth > c.fc.scopeDepth {
		if locals[len(locals)-1].isCaptured {
			c.emitOp(value.OpCloseUpvalue)
		} else {
			c.emitOp(value.OpPop)
		}
		locals = locals[:len(locals)-1]
	}
	c.fc.locals = locals
}

func (c *Compiler) declareVariable(name string) {
	if c.fc.scopeDepth == 0 {
		return
	}
	for i := len(c.fc.locals) - 1; i >= 0; i-- {
		l := c.fc.locals[i]
		if l.depth != -1 && l.depth < c.fc.scopeDepth {
			break
		}
		if l.name == name {
			c.error("Already a variable with this name in this scope.")
		}
	}
	c.addLocal(name)
}

func (c *Compiler) addLocal(name string) {
	if len(c.fc.locals) >= maxLocals {
		c.error("Too many local variables in function.")
		return
	}
	c.fc.locals = append(c.fc.locals, local{name: name, depth: -1})
}

func (c *Compiler) markInitialized() {
	if c.fc.scopeDepth == 0 {
		return
	}
	c.fc.locals[len(c.fc.locals)-1].depth = c.fc.scopeDepth
}

// parseVariable consumes an identifier, declares it if local, and
// returns the constant-pool index to use with DEFINE_GLOBAL (0 if the
// variable ends up local, where the index is unused).
func (c *Compiler) parseVariable(errMsg string) byte {
	c.consume(lexer.TokenIdentifier, errMsg)
	name := c.previous.Lexeme
	c.declareVariable(name)
	if c.fc.scopeDepth > 0 {
		return 0
	}
	return c.identifierConstant(name)
}

func (c *Compiler) defineVariable(global byte) {
	if c.fc.scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emitOpByte(value.OpDefineGlobal, global)
}

// resolveLocal walks fc's locals from the top looking for name;
// referencing a local mid-initialisation (depth == -1) is a compile
// error (self-reference in its own initializer).
func resolveLocal(c *Compiler, fc *funcCompiler, name string) int {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		if fc.locals[i].name == name {
			if fc.locals[i].depth == -1 {
				c.error("Can't read local variable in its own initializer.")
			}
			return i
		}
	}
	return -1
}

// resolveUpvalue walks enclosing funcCompilers: a local match is
// captured (marked isCaptured) and recorded as an upvalue in every
// function between the defining scope and fc; a non-local match
// recurses and is re-exported as a non-local upvalue, per spec §4.E.
func resolveUpvalue(c *Compiler, fc *funcCompiler, name string) int {
	if fc.enclosing == nil {
		return -1
	}
	if local := resolveLocal(c, fc.enclosing, name); local != -1 {
		fc.enclosing.locals[local].isCaptured = true
		return addUpvalue(c, fc, byte(local), true)
	}
	if up := resolveUpvalue(c, fc.enclosing, name); up != -1 {
		return addUpvalue(c, fc, byte(up), false)
	}
	return -1
}

func addUpvalue(c *Compiler, fc *funcCompiler, index byte, isLocal bool) int {
	for i, up := range fc.upvalues {
		if up.index == index && up.isLocal == isLocal {
			return i
		}
	}
	if len(fc.upvalues) >= maxUpvalues {
		c.error("Too many closure variables in function.")
		return 0
	}
	fc.upvalues = append(fc.upvalues, upvalueRef{index: index, isLocal: isLocal})
	fc.function.UpvalueCount = len(fc.upvalues)
	return len(fc.upvalues) - 1
}

// ---- declarations -----------------------------------------------------

func (c *Compiler) declaration() {
	switch {
	case c.match(lexer.TokenClass):
		c.classDeclaration()
	case c.match(lexer.TokenFun):
		c.funDeclaration()
	case c.match(lexer.TokenVar):
		c.varDeclaration()
	default:
		c.statement()
	}
	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.")
	c.markInitialized()
	c.function(KindFunction)
	c.defineVariable(global)
}

func (c *Compiler) function(kind FunctionKind) {
	name := c.previous.Lexeme
	nameObj := c.gc.Intern(name)
	fn := value.NewObjFunction()
	fn.Name = nameObj
	c.gc.Track(fn)

	fc := &funcCompiler{enclosing: c.fc, function: fn, kind: kind}
	// Slot 0: `this` for methods/initializers, unnamed otherwise.
	if kind == KindMethod || kind == KindInitializer {
		fc.locals = append(fc.locals, local{name: "this", depth: 0})
	} else {
		fc.locals = append(fc.locals, local{name: "", depth: 0})
	}
	c.fc = fc

	c.beginScope()
	c.consume(lexer.TokenLeftParen, "Expect '(' after function name.")
	if !c.check(lexer.TokenRightParen) {
		for {
			c.fc.function.Arity++
			if c.fc.function.Arity > 255 {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			paramConst := c.parseVariable("Expect parameter name.")
			c.defineVariable(paramConst)
			if !c.match(lexer.TokenComma) {
				break
			}
		}
	}
	c.consume(lexer.TokenRightParen, "Expect ')' after parameters.")
	c.consume(lexer.TokenLeftBrace, "Expect '{' before function body.")
	c.block()

	finishedFC := c.fc
	compiled := c.endFunction()

	idx := c.chunk().AddConstant(value.ObjValue(compiled))
	c.emitOpByte(value.OpClosure, byte(idx))
	for _, up := range finishedFC.upvalues {
		if up.isLocal {
			c.emitByte(1)
		} else {
			c.emitByte(0)
		}
		c.emitByte(up.index)
	}
}

func (c *Compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")
	if c.match(lexer.TokenEqual) {
		c.expression()
	} else {
		c.emitOp(value.OpNil)
	}
	c.consume(lexer.TokenSemicolon, "Expect ';' after variable declaration.")
	c.defineVariable(global)
}

func (c *Compiler) classDeclaration() {
	c.consume(lexer.TokenIdentifier, "Expect class name.")
	className := c.previous.Lexeme
	nameConst := c.identifierConstant(className)
	c.declareVariable(className)

	c.emitOpByte(value.OpClass, nameConst)
	c.defineVariable(nameConst)

	cc := &classCompiler{enclosing: c.cc}
	c.cc = cc

	if c.match(lexer.TokenLess) {
		c.consume(lexer.TokenIdentifier, "Expect superclass name.")
		if c.previous.Lexeme == className {
			c.error("A class can't inherit from itself.")
		}
		c.namedVariable(c.previous.Lexeme, false) // push superclass value

		c.beginScope()
		c.addLocal("super")
		c.markInitialized()

		c.namedVariable(className, false) // push subclass
		c.emitOp(value.OpInherit)
		cc.hasSuperclass = true
	}

	c.namedVariable(className, false) // push class for METHOD targets
	c.consume(lexer.TokenLeftBrace, "Expect '{' before class body.")
	for !c.check(lexer.TokenRightBrace) && !c.check(lexer.TokenEOF) {
		c.method()
	}
	c.consume(lexer.TokenRightBrace, "Expect '}' after class body.")
	c.emitOp(value.OpPop) // pop the class pushed for METHOD targets

	if cc.hasSuperclass {
		c.endScope()
	}
	c.cc = cc.enclosing
}

func (c *Compiler) method() {
	c.consume(lexer.TokenIdentifier, "Expect method name.")
	name := c.previous.Lexeme
	nameConst := c.identifierConstant(name)

	kind := KindMethod
	if name == "init" {
		kind = KindInitializer
	}
	c.function(kind)
	c.emitOpByte(value.OpMethod, nameConst)
}

// ---- statements --------------------------------------------------------

func (c *Compiler) statement() {
	switch {
	case c.match(lexer.TokenPrint):
		c.printStatement()
	case c.match(lexer.TokenIf):
		c.ifStatement()
	case c.match(lexer.TokenWhile):
		c.whileStatement()
	case c.match(lexer.TokenFor):
		c.forStatement()
	case c.match(lexer.TokenReturn):
		c.returnStatement()
	case c.match(lexer.TokenLeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) block() {
	for !c.check(lexer.TokenRightBrace) && !c.check(lexer.TokenEOF) {
		c.declaration()
	}
	c.consume(lexer.TokenRightBrace, "Expect '}' after block.")
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(lexer.TokenSemicolon, "Expect ';' after value.")
	c.emitOp(value.OpPrint)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(lexer.TokenSemicolon, "Expect ';' after expression.")
	c.emitOp(value.OpPop)
}

func (c *Compiler) ifStatement() {
	c.consume(lexer.TokenLeftParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(lexer.TokenRightParen, "Expect ')' after condition.")

	thenJump := c.emitJump(value.OpJumpIfFalse)
	c.emitOp(value.OpPop)
	c.statement()

	elseJump := c.emitJump(value.OpJump)
	c.patchJump(thenJump)
	c.emitOp(value.OpPop)

	if c.match(lexer.TokenElse) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := len(c.chunk().Code)
	c.consume(lexer.TokenLeftParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(lexer.TokenRightParen, "Expect ')' after condition.")

	exitJump := c.emitJump(value.OpJumpIfFalse)
	c.emitOp(value.OpPop)
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitOp(value.OpPop)
}

// forStatement desugars into an initialiser, a condition jump, a body,
// and an increment threaded via an extra jump/loop pair — no dedicated
// opcode, per spec §4.E.
func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(lexer.TokenLeftParen, "Expect '(' after 'for'.")

	switch {
	case c.match(lexer.TokenSemicolon):
		// no initializer
	case c.match(lexer.TokenVar):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := len(c.chunk().Code)
	exitJump := -1
	if !c.match(lexer.TokenSemicolon) {
		c.expression()
		c.consume(lexer.TokenSemicolon, "Expect ';' after loop condition.")
		exitJump = c.emitJump(value.OpJumpIfFalse)
		c.emitOp(value.OpPop)
	}

	if !c.match(lexer.TokenRightParen) {
		bodyJump := c.emitJump(value.OpJump)
		incrementStart := len(c.chunk().Code)
		c.expression()
		c.emitOp(value.OpPop)
		c.consume(lexer.TokenRightParen, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(value.OpPop)
	}
	c.endScope()
}

func (c *Compiler) returnStatement() {
	if c.fc.kind == KindScript {
		c.error("Can't return from top-level code.")
	}
	if c.match(lexer.TokenSemicolon) {
		c.emitReturn()
		return
	}
	if c.fc.kind == KindInitializer {
		c.error("Can't return a value from an initializer.")
	}
	c.expression()
	c.consume(lexer.TokenSemicolon, "Expect ';' after return value.")
	c.emitOp(value.OpReturn)
}

// ---- expressions (the Pratt core) --------------------------------------

func (c *Compiler) expression() { c.parsePrecedence(PrecAssignment) }

func (c *Compiler) parsePrecedence(prec Precedence) {
	c.advance()
	rule := getRule(c.previous.Type)
	if rule.prefix == nil {
		c.error("Expect expression.")
		return
	}
	canAssign := prec <= PrecAssignment
	rule.prefix(c, canAssign)

	for prec <= getRule(c.current.Type).precedence {
		c.advance()
		infix := getRule(c.previous.Type).infix
		infix(c, canAssign)
	}

	if canAssign && c.match(lexer.TokenEqual) {
		c.error("Invalid assignment target.")
	}
}

func grouping(c *Compiler, _ bool) {
	c.expression()
	c.consume(lexer.TokenRightParen, "Expect ')' after expression.")
}

func number(c *Compiler, _ bool) {
	n, err := strconv.ParseFloat(c.previous.Lexeme, 64)
	if err != nil {
		c.error("Invalid number literal.")
		return
	}
	c.emitConstant(value.NumberValue(n))
}

func stringLiteral(c *Compiler, _ bool) {
	s := c.gc.Intern(c.previous.Lexeme)
	c.emitConstant(value.ObjValue(s))
}

func literal(c *Compiler, _ bool) {
	switch c.previous.Type {
	case lexer.TokenFalse:
		c.emitOp(value.OpFalse)
	case lexer.TokenTrue:
		c.emitOp(value.OpTrue)
	case lexer.TokenNil:
		c.emitOp(value.OpNil)
	}
}

func unary(c *Compiler, _ bool) {
	opType := c.previous.Type
	c.parsePrecedence(PrecUnary)
	switch opType {
	case lexer.TokenBang:
		c.emitOp(value.OpNot)
	case lexer.TokenMinus:
		c.emitOp(value.OpNegate)
	}
}

func binary(c *Compiler, _ bool) {
	opType := c.previous.Type
	rule := getRule(opType)
	c.parsePrecedence(rule.precedence + 1)

	switch opType {
	case lexer.TokenBangEqual:
		c.emitOp(value.OpEqual)
		c.emitOp(value.OpNot)
	case lexer.TokenEqualEqual:
		c.emitOp(value.OpEqual)
	case lexer.TokenGreater:
		c.emitOp(value.OpGreater)
	case lexer.TokenGreaterEqual:
		c.emitOp(value.OpLess)
		c.emitOp(value.OpNot)
	case lexer.TokenLess:
		c.emitOp(value.OpLess)
	case lexer.TokenLessEqual:
		c.emitOp(value.OpGreater)
		c.emitOp(value.OpNot)
	case lexer.TokenPlus:
		c.emitOp(value.OpAdd)
	case lexer.TokenMinus:
		c.emitOp(value.OpSubtract)
	case lexer.TokenStar:
		c.emitOp(value.OpMultiply)
	case lexer.TokenSlash:
		c.emitOp(value.OpDivide)
	}
}

func and_(c *Compiler, _ bool) {
	endJump := c.emitJump(value.OpJumpIfFalse)
	c.emitOp(value.OpPop)
	c.parsePrecedence(PrecAnd)
	c.patchJump(endJump)
}

func or_(c *Compiler, _ bool) {
	elseJump := c.emitJump(value.OpJumpIfFalse)
	endJump := c.emitJump(value.OpJump)
	c.patchJump(elseJump)
	c.emitOp(value.OpPop)
	c.parsePrecedence(PrecOr)
	c.patchJump(endJump)
}

func call(c *Compiler, _ bool) {
	argCount := c.argumentList()
	c.emitOpByte(value.OpCall, argCount)
}

func (c *Compiler) argumentList() byte {
	var count int
	if !c.check(lexer.TokenRightParen) {
		for {
			c.expression()
			if count == 255 {
				c.error("Can't have more than 255 arguments.")
			}
			count++
			if !c.match(lexer.TokenComma) {
				break
			}
		}
	}
	c.consume(lexer.TokenRightParen, "Expect ')' after arguments.")
	return byte(count)
}

func dot(c *Compiler, canAssign bool) {
	c.consume(lexer.TokenIdentifier, "Expect property name after '.'.")
	name := c.identifierConstant(c.previous.Lexeme)

	switch {
	case canAssign && c.match(lexer.TokenEqual):
		c.expression()
		c.emitOpByte(value.OpSetProperty, name)
	case c.match(lexer.TokenLeftParen):
		argCount := c.argumentList()
		c.emitOpByte(value.OpInvoke, name)
		c.emitByte(argCount)
	default:
		c.emitOpByte(value.OpGetProperty, name)
	}
}

func variable(c *Compiler, canAssign bool) {
	c.namedVariable(c.previous.Lexeme, canAssign)
}

func (c *Compiler) namedVariable(name string, canAssign bool) {
	var getOp, setOp value.OpCode
	arg := resolveLocal(c, c.fc, name)
	if arg != -1 {
		getOp, setOp = value.OpGetLocal, value.OpSetLocal
	} else if up := resolveUpvalue(c, c.fc, name); up != -1 {
		arg = up
		getOp, setOp = value.OpGetUpvalue, value.OpSetUpvalue
	} else {
		arg = int(c.identifierConstant(name))
		getOp, setOp = value.OpGetGlobal, value.OpSetGlobal
	}

	if canAssign && c.match(lexer.TokenEqual) {
		c.expression()
		c.emitOpByte(setOp, byte(arg))
	} else {
		c.emitOpByte(getOp, byte(arg))
	}
}

func this_(c *Compiler, _ bool) {
	if c.cc == nil {
		c.error("Can't use 'this' outside of a class.")
		return
	}
	variable(c, false)
}

func super_(c *Compiler, _ bool) {
	if c.cc == nil {
		c.error("Can't use 'super' outside of a class.")
	} else if !c.cc.hasSuperclass {
		c.error("Can't use 'super' in a class with no superclass.")
	}

	c.consume(lexer.TokenDot, "Expect '.' after 'super'.")
	c.consume(lexer.TokenIdentifier, "Expect superclass method name.")
	name := c.identifierConstant(c.previous.Lexeme)

	c.namedVariable("this", false)
	if c.match(lexer.TokenLeftParen) {
		argCount := c.argumentList()
		c.namedVariable("super", false)
		c.emitOpByte(value.OpSuperInvoke, name)
		c.emitByte(argCount)
	} else {
		c.namedVariable("super", false)
		c.emitOpByte(value.OpGetSuper, name)
	}
}

// rules is the static Pratt table: token kind -> (prefix, infix, prec).
var rules map[lexer.TokenType]parseRule

func init() {
	rules = map[lexer.TokenType]parseRule{
		lexer.TokenLeftParen:    {grouping, call, PrecCall},
		lexer.TokenDot:          {nil, dot, PrecCall},
		lexer.TokenMinus:        {unary, binary, PrecTerm},
		lexer.TokenPlus:         {nil, binary, PrecTerm},
		lexer.TokenSlash:        {nil, binary, PrecFactor},
		lexer.TokenStar:         {nil, binary, PrecFactor},
		lexer.TokenBang:         {unary, nil, PrecNone},
		lexer.TokenBangEqual:    {nil, binary, PrecEquality},
		lexer.TokenEqualEqual:   {nil, binary, PrecEquality},
		lexer.TokenGreater:      {nil, binary, PrecComparison},
		lexer.TokenGreaterEqual: {nil, binary, PrecComparison},
		lexer.TokenLess:         {nil, binary, PrecComparison},
		lexer.TokenLessEqual:    {nil, binary, PrecComparison},
		lexer.TokenIdentifier:   {variable, nil, PrecNone},
		lexer.TokenString:       {stringLiteral, nil, PrecNone},
		lexer.TokenNumber:       {number, nil, PrecNone},
		lexer.TokenAnd:          {nil, and_, PrecAnd},
		lexer.TokenOr:           {nil, or_, PrecOr},
		lexer.TokenFalse:        {literal, nil, PrecNone},
		lexer.TokenTrue:         {literal, nil, PrecNone},
		lexer.TokenNil:          {literal, nil, PrecNone},
		lexer.TokenThis:         {this_, nil, PrecNone},
		lexer.TokenSuper:        {super_, nil, PrecNone},
	}
}

func getRule(t lexer.TokenType) parseRule {
	if r, ok := rules[t]; ok {
		return r
	}
	return parseRule{precedence: PrecNone}
}
