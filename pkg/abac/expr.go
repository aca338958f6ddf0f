package abac

import "fmt"

// Expr is the tiny policy-expression AST evaluated against an Env. It
// mirrors the shape of Ockam's ABAC expressions: and/or/not, equality,
// set membership, and attribute lookups — nothing more, deliberately.
type Expr interface {
	Eval(env Env) (bool, error)
}

// Env is the evaluation environment an Expr is checked against:
// subject attributes (from a verified credential), the resource being
// acted on, and the action being attempted.
type Env struct {
	Subject  map[string]string
	Resource map[string]string
	Action   string
}

// Attr resolves subject.<key>, resource.<key>, or the bare "action"
// keyword against env. Unknown scopes or keys resolve to "".
type Attr struct {
	Scope string // "subject" or "resource"
	Key   string
}

func (a Attr) value(env Env) string {
	if a.Scope == "action" {
		return env.Action
	}
	var m map[string]string
	switch a.Scope {
	case "subject":
		m = env.Subject
	case "resource":
		m = env.Resource
	default:
		return ""
	}
	return m[a.Key]
}

// Eq is Attr == literal.
type Eq struct {
	Attr  Attr
	Value string
}

func (e Eq) Eval(env Env) (bool, error) {
	return e.Attr.value(env) == e.Value, nil
}

// Member tests Attr's value against a fixed set of literals.
type Member struct {
	Attr   Attr
	Values []string
}

func (m Member) Eval(env Env) (bool, error) {
	v := m.Attr.value(env)
	for _, want := range m.Values {
		if v == want {
			return true, nil
		}
	}
	return false, nil
}

// And is a conjunction; an empty And is vacuously true.
type And []Expr

func (a And) Eval(env Env) (bool, error) {
	for _, e := range a {
		ok, err := e.Eval(env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Or is a disjunction; an empty Or is vacuously false.
type Or []Expr

func (o Or) Eval(env Env) (bool, error) {
	for _, e := range o {
		ok, err := e.Eval(env)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Not negates its operand.
type Not struct{ Expr Expr }

func (n Not) Eval(env Env) (bool, error) {
	ok, err := n.Expr.Eval(env)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// ActionIs tests the action keyword directly; sugar for Eq{Attr{Scope:"action"}, ...}.
func ActionIs(action string) Expr {
	return Eq{Attr: Attr{Scope: "action"}, Value: action}
}

func (e Eq) String() string {
	return fmt.Sprintf("%s.%s == %q", e.Attr.Scope, e.Attr.Key, e.Value)
}
