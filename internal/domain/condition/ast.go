// Package condition implements the guard expression language used on edges.
//
// The grammar is deliberately small:
//
//	expr    := term { ("&&" | "and") term }
//	term    := "(" expr ")" | operand [ ("==" | "!=") operand ]
//	operand := ident | string | number | "true" | "false"
//
// A bare operand used as a term is true only when it evaluates to boolean true.
// Identifiers are looked up in the evaluation variables; dotted identifiers
// descend into nested maps. Expressions have no access to host functions.
package condition

import "fmt"

// Expr is a node of a parsed guard expression
type Expr interface {
	fmt.Stringer
	expr()
}

// Op is a comparison operator
type Op string

const (
	OpEq  Op = "=="
	OpNeq Op = "!="
)

// And is the conjunction of two or more terms
type And struct {
	Terms []Expr
}

// Compare compares two operands
type Compare struct {
	Op    Op
	Left  Expr
	Right Expr
}

// Ident references a variable
type Ident struct {
	Name string
}

// Literal is a string, number or boolean constant.
// Numbers are always held as float64.
type Literal struct {
	Value any
}

func (And) expr()     {}
func (Compare) expr() {}
func (Ident) expr()   {}
func (Literal) expr() {}

func (a And) String() string {
	s := ""
	for i, t := range a.Terms {
		if i > 0 {
			s += " && "
		}
		s += t.String()
	}
	return "(" + s + ")"
}

func (c Compare) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}

func (i Ident) String() string {
	return i.Name
}

func (l Literal) String() string {
	if s, ok := l.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(l.Value)
}
