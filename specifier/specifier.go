// Package specifier parses user-supplied package specifier strings of the
// form "name", "name@range", "@scope/name", or "@scope/name@range" into a
// structured request the resolver can act on.
package specifier

import (
	"fmt"
	"strings"
)

// Specifier is a parsed package request: an optional scope, a required
// name, and a range expression that defaults to "latest" when absent.
type Specifier struct {
	Scope string
	Name  string
	Range string
}

// FullName returns the package name including its scope, e.g. "@types/node".
func (s Specifier) FullName() string {
	if s.Scope == "" {
		return s.Name
	}
	return "@" + s.Scope + "/" + s.Name
}

// String re-serialises the specifier as "[@scope/]name@range".
func (s Specifier) String() string {
	return fmt.Sprintf("%s@%s", s.FullName(), s.Range)
}

// ParseError describes why a specifier string failed to parse.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid specifier %q: %s", e.Input, e.Reason)
}

// Parse recognises "name", "name@range", "@scope/name" and
// "@scope/name@range". Whitespace is never trimmed — leading or trailing
// whitespace is a parse error. An empty name is a parse error.
func Parse(input string) (Specifier, error) {
	if input == "" {
		return Specifier{}, &ParseError{Input: input, Reason: "empty specifier"}
	}
	if strings.TrimSpace(input) != input {
		return Specifier{}, &ParseError{Input: input, Reason: "leading or trailing whitespace"}
	}

	name, rng := splitNameRange(input)

	scope := ""
	if strings.HasPrefix(name, "@") {
		scopeAndLeaf := name[1:]
		slash := strings.Index(scopeAndLeaf, "/")
		if slash <= 0 {
			return Specifier{}, &ParseError{Input: input, Reason: "scoped name missing \"/leaf\""}
		}
		scope = scopeAndLeaf[:slash]
		name = scopeAndLeaf[slash+1:]
	}

	if name == "" {
		return Specifier{}, &ParseError{Input: input, Reason: "empty package name"}
	}
	if rng == "" {
		rng = "latest"
	}

	return Specifier{Scope: scope, Name: name, Range: rng}, nil
}

// splitNameRange locates the last '@' that is not at index 0 and splits
// the input there. A leading '@' with no further '@' means there is no
// range segment at all.
func splitNameRange(input string) (name, rng string) {
	at := strings.LastIndex(input, "@")
	if at <= 0 {
		return input, ""
	}
	return input[:at], input[at+1:]
}
