// Package jsonrepair completes truncated JSON documents by closing
// unterminated structural tokens.
//
// Streamed model output is routinely cut off mid-token: a tool-call
// argument payload may end inside a string, an array, or an object.
// Repair produces the smallest valid completion of such a document so
// the caller can at least parse what arrived. The result is an
// approximation for recovery purposes, never authoritative data.
package jsonrepair

import (
	"encoding/json"
	"strings"
)

// Repair returns the smallest valid completion of a possibly truncated
// JSON document. Already-valid input is returned unchanged (Repair is
// idempotent). The core is a single left-to-right pass tracking a stack
// of open structural tokens ('{', '[', '"'); at end of input the open
// tokens are emitted in reverse order, an open string always closed
// before its enclosing structure. Input cut right after a separator or
// inside a bare literal cannot be fixed by closing alone; those tails
// are trimmed back to the last completable prefix.
func Repair(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	if r := closeOpenTokens(s); json.Valid([]byte(r)) {
		return r
	}
	for cut := len(s) - 1; cut > 0; cut-- {
		if r := closeOpenTokens(s[:cut]); json.Valid([]byte(r)) {
			return r
		}
	}
	return closeOpenTokens(s)
}

// RepairBytes is Repair for a byte slice.
func RepairBytes(b []byte) []byte {
	return []byte(Repair(string(b)))
}

// Valid reports whether s parses as JSON without repair.
func Valid(s string) bool {
	return json.Valid([]byte(s))
}

// closeOpenTokens runs the single-pass scan and appends the closing
// tokens for everything left open, LIFO.
func closeOpenTokens(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				stack = stack[:len(stack)-1]
			}
			continue
		}
		switch c {
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		case '"':
			inString = true
			stack = append(stack, '"')
		}
	}

	if inString && escaped {
		// A dangling backslash would swallow the closing quote.
		s = s[:len(s)-1]
	}

	var b strings.Builder
	b.Grow(len(s) + len(stack))
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '"':
			b.WriteByte('"')
		case '{':
			b.WriteByte('}')
		case '[':
			b.WriteByte(']')
		}
	}
	return b.String()
}
