package effect

import (
	"slices"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/effects/compiler/ir"
)

type (
	// Func mutates the graph. Nodes removed from the graph are added to obsolete
	// and get disconnected after all the effects are applied.
	Func func(f *ir.Func, obsolete *[]ir.Expr) error

	// Effect is a deferred graph mutation.
	Effect struct {
		Name string
		Kill bool // applied in the second pass
		Args []ir.Expr
		PC   loc.PC // where it was recorded

		Apply Func
	}

	// List is an ordered effect log.
	List struct {
		l []Effect
	}
)

func New() *List { return &List{} }

// Add records a custom effect.
func (l *List) Add(name string, kill bool, apply Func, args ...ir.Expr) {
	l.l = append(l.l, Effect{
		Name:  name,
		Kill:  kill,
		Args:  args,
		PC:    loc.Caller(1),
		Apply: apply,
	})
}

func (l *List) add(name string, kill bool, apply Func, args ...ir.Expr) {
	l.l = append(l.l, Effect{
		Name:  name,
		Kill:  kill,
		Args:  args,
		PC:    loc.Caller(2),
		Apply: apply,
	})
}

func (l *List) AddAll(x *List) {
	if x == nil {
		return
	}

	l.l = append(l.l, x.l...)
}

// InsertAll inserts x effects at position pos.
func (l *List) InsertAll(x *List, pos int) {
	if x == nil {
		return
	}

	l.l = slices.Insert(l.l, pos, x.l...)
}

// Clear drops all the effects.
// The underlying storage is not reused, so lists previously appended
// from this one are not affected.
func (l *List) Clear() {
	l.l = nil
}

func (l *List) Len() int {
	if l == nil {
		return 0
	}

	return len(l.l)
}

func (l *List) IsEmpty() bool { return l.Len() == 0 }

func (l *List) Effects() []Effect {
	if l == nil {
		return nil
	}

	return l.l
}

func (l *List) Names() []string {
	if l == nil {
		return nil
	}

	r := make([]string, len(l.l))

	for i, e := range l.l {
		r[i] = e.Name
	}

	return r
}

// Apply applies effects having Kill == kills in the recorded order.
func (l *List) Apply(f *ir.Func, obsolete *[]ir.Expr, kills bool) error {
	if l == nil {
		return nil
	}

	for _, e := range l.l {
		if e.Kill != kills {
			continue
		}

		tlog.V("effect").Printw("apply effect", "name", e.Name, "args", e.Args, "kill", e.Kill, "recorded_at", e.PC)

		err := e.Apply(f, obsolete)
		if err != nil {
			return errors.Wrap(err, "%v %v (recorded at %v)", e.Name, e.Args, e.PC)
		}
	}

	return nil
}

func (e Effect) TlogAppend(b []byte) []byte {
	var enc tlwire.Encoder

	return enc.AppendFormat(b, "%s%v", e.Name, e.Args)
}

func (l *List) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if l == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, len(l.l))

	for _, x := range l.l {
		b = x.TlogAppend(b)
	}

	return b
}
