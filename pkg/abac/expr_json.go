package abac

import (
	"encoding/json"
	"fmt"
)

// exprDoc is the on-the-wire (and on-disk) shape of an Expr: a
// discriminated union tagged by Op, storing only the fields that
// operator needs. Repositories persist policies as this JSON shape
// rather than serializing the Expr interface directly.
type exprDoc struct {
	Op       string     `json:"op"`
	Scope    string     `json:"scope,omitempty"`
	Key      string     `json:"key,omitempty"`
	Value    string     `json:"value,omitempty"`
	Values   []string   `json:"values,omitempty"`
	Operand  *exprDoc   `json:"operand,omitempty"`
	Operands []*exprDoc `json:"operands,omitempty"`
}

// MarshalExpr encodes an Expr tree to its JSON document form.
func MarshalExpr(e Expr) ([]byte, error) {
	doc, err := toDoc(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// UnmarshalExpr decodes a policy expression previously produced by
// MarshalExpr.
func UnmarshalExpr(data []byte) (Expr, error) {
	var doc exprDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return fromDoc(&doc)
}

func toDoc(e Expr) (*exprDoc, error) {
	switch v := e.(type) {
	case Eq:
		return &exprDoc{Op: "eq", Scope: v.Attr.Scope, Key: v.Attr.Key, Value: v.Value}, nil
	case Member:
		return &exprDoc{Op: "member", Scope: v.Attr.Scope, Key: v.Attr.Key, Values: v.Values}, nil
	case Not:
		inner, err := toDoc(v.Expr)
		if err != nil {
			return nil, err
		}
		return &exprDoc{Op: "not", Operand: inner}, nil
	case And:
		operands, err := toDocs([]Expr(v))
		if err != nil {
			return nil, err
		}
		return &exprDoc{Op: "and", Operands: operands}, nil
	case Or:
		operands, err := toDocs([]Expr(v))
		if err != nil {
			return nil, err
		}
		return &exprDoc{Op: "or", Operands: operands}, nil
	default:
		return nil, fmt.Errorf("abac: cannot marshal expr of type %T", e)
	}
}

func toDocs(exprs []Expr) ([]*exprDoc, error) {
	docs := make([]*exprDoc, len(exprs))
	for i, e := range exprs {
		d, err := toDoc(e)
		if err != nil {
			return nil, err
		}
		docs[i] = d
	}
	return docs, nil
}

func fromDoc(doc *exprDoc) (Expr, error) {
	switch doc.Op {
	case "eq":
		return Eq{Attr: Attr{Scope: doc.Scope, Key: doc.Key}, Value: doc.Value}, nil
	case "member":
		return Member{Attr: Attr{Scope: doc.Scope, Key: doc.Key}, Values: doc.Values}, nil
	case "not":
		if doc.Operand == nil {
			return nil, fmt.Errorf("abac: not expression missing operand")
		}
		inner, err := fromDoc(doc.Operand)
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	case "and":
		exprs, err := fromDocs(doc.Operands)
		if err != nil {
			return nil, err
		}
		return And(exprs), nil
	case "or":
		exprs, err := fromDocs(doc.Operands)
		if err != nil {
			return nil, err
		}
		return Or(exprs), nil
	default:
		return nil, fmt.Errorf("abac: unknown expression op %q", doc.Op)
	}
}

func fromDocs(docs []*exprDoc) ([]Expr, error) {
	exprs := make([]Expr, len(docs))
	for i, d := range docs {
		e, err := fromDoc(d)
		if err != nil {
			return nil, err
		}
		exprs[i] = e
	}
	return exprs, nil
}
