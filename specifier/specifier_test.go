package specifier

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Specifier
	}{
		{"bare name defaults to latest", "left-pad", Specifier{Name: "left-pad", Range: "latest"}},
		{"name with range", "left-pad@1.3.0", Specifier{Name: "left-pad", Range: "1.3.0"}},
		{"name with caret range", "left-pad@^1.0.0", Specifier{Name: "left-pad", Range: "^1.0.0"}},
		{"scoped name defaults to latest", "@types/node", Specifier{Scope: "types", Name: "node", Range: "latest"}},
		{"scoped name with range", "@types/node@20.0.0", Specifier{Scope: "types", Name: "node", Range: "20.0.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty string", ""},
		{"leading whitespace", " left-pad"},
		{"trailing whitespace", "left-pad "},
		{"scope with no leaf", "@types"},
		{"scope with empty leaf", "@types/"},
		{"bare at sign", "@"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.input); err == nil {
				t.Errorf("expected a parse error for %q", tt.input)
			}
		})
	}
}

func TestFullName(t *testing.T) {
	if got := (Specifier{Name: "left-pad"}).FullName(); got != "left-pad" {
		t.Errorf("expected left-pad, got %s", got)
	}
	if got := (Specifier{Scope: "types", Name: "node"}).FullName(); got != "@types/node" {
		t.Errorf("expected @types/node, got %s", got)
	}
}

func TestString(t *testing.T) {
	if got := (Specifier{Name: "left-pad", Range: "1.3.0"}).String(); got != "left-pad@1.3.0" {
		t.Errorf("expected left-pad@1.3.0, got %s", got)
	}
	if got := (Specifier{Scope: "types", Name: "node", Range: "20.0.0"}).String(); got != "@types/node@20.0.0" {
		t.Errorf("expected @types/node@20.0.0, got %s", got)
	}
}
