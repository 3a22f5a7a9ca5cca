package main

import (
	"fmt"

	"github.com/shfs-tools/shfsadm/engine"
)

// tokenBuilder accumulates engine.Tokens in command-line order. Flags
// bound to the immediately preceding token (-m/-n binding to the last
// -a) are modeled as pflag.Value implementations that mutate the last
// AddObj token in place, exploiting pflag's left-to-right Set() order
// the same way the original tool's parse_args/args_add_token build an
// ordered, binding-aware token list out of getopt_long.
type tokenBuilder struct {
	tokens     []engine.Token
	lastAddIdx int
	hasLastAdd bool
}

func (b *tokenBuilder) append(tok engine.Token) {
	b.tokens = append(b.tokens, tok)
	if tok.Kind == engine.AddObj {
		b.lastAddIdx = len(b.tokens) - 1
		b.hasLastAdd = true
	}
}

type addObjValue struct{ b *tokenBuilder }

func (v addObjValue) String() string { return "" }
func (v addObjValue) Type() string   { return "add-obj" }
func (v addObjValue) Set(s string) error {
	v.b.append(engine.Token{Kind: engine.AddObj, Path: s})
	return nil
}

type mimeValue struct{ b *tokenBuilder }

func (v mimeValue) String() string { return "" }
func (v mimeValue) Type() string   { return "mime" }
func (v mimeValue) Set(s string) error {
	if !v.b.hasLastAdd {
		return errNoPrecedingAdd("-m/--mime")
	}
	v.b.tokens[v.b.lastAddIdx].Mime = s
	return nil
}

type nameValue struct{ b *tokenBuilder }

func (v nameValue) String() string { return "" }
func (v nameValue) Type() string   { return "name" }
func (v nameValue) Set(s string) error {
	if !v.b.hasLastAdd {
		return errNoPrecedingAdd("-n/--name")
	}
	v.b.tokens[v.b.lastAddIdx].Name = s
	return nil
}

type hashActionValue struct {
	b    *tokenBuilder
	kind engine.ActionKind
}

func (v hashActionValue) String() string { return "" }
func (v hashActionValue) Type() string   { return "hash" }
func (v hashActionValue) Set(s string) error {
	v.b.append(engine.Token{Kind: v.kind, HashHex: s})
	return nil
}

// noArgActionValue models the flags that take no argument but still
// need to land at their exact position in the token sequence
// (-C/--clear-default, -l/--ls, -i/--info). registerNoArg sets their
// NoOptDefVal, so pflag accepts them without an explicit argument.
type noArgActionValue struct {
	b    *tokenBuilder
	kind engine.ActionKind
}

func (v noArgActionValue) String() string { return "false" }
func (v noArgActionValue) Type() string   { return "bool" }
func (v noArgActionValue) IsBoolFlag() bool { return true }
func (v noArgActionValue) Set(s string) error {
	v.b.append(engine.Token{Kind: v.kind})
	return nil
}

func errNoPrecedingAdd(flag string) error {
	return fmt.Errorf("%s given without a preceding -a/--add-obj", flag)
}
