package ir

import (
	"fmt"

	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/effects/compiler/set"
)

type (
	Expr    int
	BlockID int
	Op      uint8

	Node struct {
		Op    Op
		Args  []Expr
		Imm   int64
		Block BlockID
	}

	Block struct {
		Name string

		Code  []Expr
		Preds []BlockID
		Succs []BlockID
	}

	Func struct {
		Name   string
		Params []Expr
		Entry  BlockID

		Exprs  []Node
		Blocks []Block

		uses     [][]Expr
		alive    set.Bits[Expr]
		attached set.Bits[Expr]
		live     set.Bits[BlockID]
	}

	Package struct {
		Path string

		Funcs []*Func
	}
)

const (
	Nil     Expr    = -1
	NoBlock BlockID = -1
)

const (
	OpInvalid Op = iota

	OpParam
	OpConst
	OpBool
	OpOpaque
	OpVirtual

	OpAdd
	OpSub
	OpMul
	OpEq
	OpLt

	OpPhi
	OpLoopExit
	OpProxy

	OpCall

	OpJump
	OpIf
	OpReturn

	opLast
)

var opNames = [...]string{
	OpInvalid:  "invalid",
	OpParam:    "param",
	OpConst:    "const",
	OpBool:     "bool",
	OpOpaque:   "opaque",
	OpVirtual:  "virtual",
	OpAdd:      "add",
	OpSub:      "sub",
	OpMul:      "mul",
	OpEq:       "eq",
	OpLt:       "lt",
	OpPhi:      "phi",
	OpLoopExit: "loopexit",
	OpProxy:    "proxy",
	OpCall:     "call",
	OpJump:     "jump",
	OpIf:       "if",
	OpReturn:   "return",
}

func ParseOp(s string) (Op, bool) {
	for op, n := range opNames {
		if n == s && Op(op) != OpInvalid {
			return Op(op), true
		}
	}

	return OpInvalid, false
}

func (op Op) String() string {
	if op < opLast {
		return opNames[op]
	}

	return fmt.Sprintf("op(%d)", int(op))
}

func (op Op) IsTerminator() bool {
	return op == OpJump || op == OpIf || op == OpReturn
}

// IsFloating reports whether the node has no side effects and can be dropped
// once nothing uses it.
func (op Op) IsFloating() bool {
	switch op {
	case OpConst, OpBool, OpOpaque, OpVirtual, OpAdd, OpSub, OpMul, OpEq, OpLt, OpPhi, OpProxy:
		return true
	}

	return false
}

func (op Op) IsLogic() bool {
	return op == OpBool || op == OpEq || op == OpLt
}

func NewFunc(name string) *Func {
	f := &Func{
		Name:  name,
		Entry: NoBlock,
	}

	return f
}

func (f *Func) NewBlock(name string) BlockID {
	id := BlockID(len(f.Blocks))

	if name == "" {
		name = fmt.Sprintf("b%d", id)
	}

	f.Blocks = append(f.Blocks, Block{Name: name})
	f.live.Set(id)

	if f.Entry == NoBlock {
		f.Entry = id
	}

	return id
}

// NewNode allocates a detached node.
// It's not scheduled in any block and its inputs are not registered as uses
// until it's attached.
func (f *Func) NewNode(op Op, b BlockID, imm int64, args ...Expr) Expr {
	id := Expr(len(f.Exprs))

	f.Exprs = append(f.Exprs, Node{
		Op:    op,
		Args:  append([]Expr{}, args...),
		Imm:   imm,
		Block: b,
	})
	f.uses = append(f.uses, nil)
	f.alive.Set(id)

	return id
}

// Add allocates a node and appends it to the end of the block.
func (f *Func) Add(b BlockID, op Op, imm int64, args ...Expr) Expr {
	x := f.NewNode(op, b, imm, args...)

	f.Append(x)

	return x
}

// Append schedules the detached node at the end of its block.
// Nodes it uses must already exist.
func (f *Func) Append(x Expr) {
	n := &f.Exprs[x]

	f.Blocks[n.Block].Code = append(f.Blocks[n.Block].Code, x)
	f.register(x)

	if n.Op == OpParam {
		f.Params = append(f.Params, x)
	}
}

// Link adds control edge from -> to.
func (f *Func) Link(from, to BlockID) {
	f.Blocks[from].Succs = append(f.Blocks[from].Succs, to)
	f.Blocks[to].Preds = append(f.Blocks[to].Preds, from)
}

func (f *Func) Node(x Expr) *Node { return &f.Exprs[x] }

func (f *Func) Op(x Expr) Op {
	if x < 0 || int(x) >= len(f.Exprs) {
		return OpInvalid
	}

	return f.Exprs[x].Op
}

func (f *Func) Len() int { return len(f.Exprs) }

func (f *Func) Alive(x Expr) bool { return x >= 0 && f.alive.IsSet(x) }

func (f *Func) Attached(x Expr) bool { return x >= 0 && f.attached.IsSet(x) }

func (f *Func) BlockAlive(b BlockID) bool { return b >= 0 && f.live.IsSet(b) }

func (f *Func) Uses(x Expr) []Expr {
	if x < 0 || int(x) >= len(f.uses) {
		return nil
	}

	return f.uses[x]
}

// Terminator returns the last node of the block if it's a terminator.
func (f *Func) Terminator(b BlockID) Expr {
	code := f.Blocks[b].Code
	if len(code) == 0 {
		return Nil
	}

	x := code[len(code)-1]
	if !f.Exprs[x].Op.IsTerminator() {
		return Nil
	}

	return x
}

func (f *Func) Phis(b BlockID) (r []Expr) {
	for _, x := range f.Blocks[b].Code {
		if f.Exprs[x].Op != OpPhi {
			break
		}

		r = append(r, x)
	}

	return r
}

// LoopExit returns the loop exit node the block begins with.
func (f *Func) LoopExit(b BlockID) Expr {
	code := f.Blocks[b].Code
	if len(code) == 0 || f.Exprs[code[0]].Op != OpLoopExit {
		return Nil
	}

	return code[0]
}

// Proxies returns proxy nodes attached to the loop exit node.
func (f *Func) Proxies(exit Expr) (r []Expr) {
	for _, u := range f.uses[exit] {
		n := &f.Exprs[u]

		if n.Op == OpProxy && len(n.Args) == 2 && n.Args[1] == exit {
			r = append(r, u)
		}
	}

	return r
}

func (f *Func) PredIndex(b, pred BlockID) int {
	for i, p := range f.Blocks[b].Preds {
		if p == pred {
			return i
		}
	}

	return -1
}

func (f *Func) LiveBlocks() (r []BlockID) {
	f.live.Range(func(b BlockID) bool {
		r = append(r, b)
		return true
	})

	return r
}

func (f *Func) register(x Expr) {
	f.attached.Set(x)

	for _, a := range f.Exprs[x].Args {
		if a != Nil {
			f.uses[a] = append(f.uses[a], x)
		}
	}
}

func (f *Func) unregister(x Expr) {
	for _, a := range f.Exprs[x].Args {
		if a != Nil {
			f.dropUse(a, x)
		}
	}

	f.attached.Clear(x)
}

func (f *Func) dropUse(x, user Expr) {
	u := f.uses[x]

	for i, y := range u {
		if y == user {
			f.uses[x] = append(u[:i], u[i+1:]...)
			return
		}
	}
}

func (x Expr) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if x == Nil {
		return e.AppendNil(b)
	}

	return e.AppendFormat(b, "v%d", int(x))
}

func (op Op) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendFormat(b, "%v", op)
}

func (n Node) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 4)

	b = e.AppendString(b, "op")
	b = n.Op.TlogAppend(b)

	b = e.AppendKeyInt64(b, "imm", n.Imm)
	b = e.AppendKeyInt(b, "block", int(n.Block))

	b = e.AppendString(b, "args")
	b = e.AppendFormat(b, "%v", n.Args)

	return b
}

func (x Expr) String() string {
	if x == Nil {
		return "nil"
	}

	return fmt.Sprintf("v%d", int(x))
}

func (b BlockID) String() string {
	if b == NoBlock {
		return "nowhere"
	}

	return fmt.Sprintf("b%d", int(b))
}
