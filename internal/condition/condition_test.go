package condition

import (
	"errors"
	"strings"
	"testing"
)

type vector struct {
	name  string
	expr  string
	state map[string]any
	want  bool
}

// vectors are shared by the interpreter and the compiled CEL path.
var vectors = []vector{
	{"empty expression", "", nil, true},
	{"whitespace expression", "   \t", map[string]any{"a": true}, true},
	{"bool true match", "has_po_box = true", map[string]any{"has_po_box": true}, true},
	{"bool false match", "has_po_box = false", map[string]any{"has_po_box": false}, true},
	{"bool mismatch", "has_po_box = true", map[string]any{"has_po_box": false}, false},
	{"bool from string", "has_po_box = true", map[string]any{"has_po_box": "true"}, true},
	{"string literal true matches bool", "has_po_box = 'true'", map[string]any{"has_po_box": true}, true},
	{"unknown identifier", "missing = true", map[string]any{"a": true}, false},
	{"unknown identifier false literal", "missing = false", map[string]any{}, false},
	{"nil value is absent", "a = 'x'", map[string]any{"a": nil}, false},
	{"string equality single quote", "entity_type = 'עוסק מורשה'", map[string]any{"entity_type": "עוסק מורשה"}, true},
	{"string equality double quote", `city = "Haifa"`, map[string]any{"city": "Haifa"}, true},
	{"string inequality", "city = 'Haifa'", map[string]any{"city": "Eilat"}, false},
	{"string vs bool", "city = true", map[string]any{"city": "Haifa"}, false},
	{"number literal vs number", "employees = 3", map[string]any{"employees": 3}, true},
	{"number literal vs float", "employees = 3", map[string]any{"employees": 3.0}, true},
	{"quoted number vs number", "employees = '12'", map[string]any{"employees": 12}, true},
	{"includes substring", "notes includes 'fire'", map[string]any{"notes": "fire and theft"}, true},
	{"includes substring miss", "notes includes 'flood'", map[string]any{"notes": "fire and theft"}, false},
	{"includes list", "coverages includes 'contents'", map[string]any{"coverages": []any{"building", "contents"}}, true},
	{"includes string list", "coverages includes 'contents'", map[string]any{"coverages": []string{"contents"}}, true},
	{"includes list miss", "coverages includes 'liability'", map[string]any{"coverages": []any{"building"}}, false},
	{"includes on bool", "flag includes 'true'", map[string]any{"flag": true}, false},
	{"includes missing", "coverages includes 'x'", map[string]any{}, false},
	{"equality against list", "coverages = 'contents'", map[string]any{"coverages": []any{"contents"}}, false},
	{"AND all true", "a = true AND b = 'x'", map[string]any{"a": true, "b": "x"}, true},
	{"AND one false", "a = true AND b = 'x'", map[string]any{"a": true, "b": "y"}, false},
	{"OR one true", "a = true OR b = 'x'", map[string]any{"a": false, "b": "x"}, true},
	{"OR none true", "a = true OR b = 'x'", map[string]any{"a": false}, false},
	{"scenario premises or contents", "(has_physical_premises = true) OR (ch1_contents_selected = true)",
		map[string]any{"has_physical_premises": false, "ch1_contents_selected": true}, true},
	{"scenario premises or contents both false", "(has_physical_premises = true) OR (ch1_contents_selected = true)",
		map[string]any{"has_physical_premises": false, "ch1_contents_selected": false}, false},
	{"nested groups", "(a = true AND b = true) OR (c = 'z')", map[string]any{"a": true, "b": false, "c": "z"}, true},
	{"nested groups false", "(a = true AND b = true) OR (c = 'z')", map[string]any{"a": true, "b": false, "c": "q"}, false},
	{"deep parens", "((a = true))", map[string]any{"a": true}, true},
	{"reserved identifier", "in = true", map[string]any{"in": true}, true},
	{"escaped quote", `name = 'O\'Brien'`, map[string]any{"name": "O'Brien"}, true},
	{"map value not comparable", "a = 'x'", map[string]any{"a": map[string]any{"x": 1}}, false},
}

func TestEvaluateVectors(t *testing.T) {
	for _, tt := range vectors {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, tt.state)
			if err != nil {
				t.Fatalf("Evaluate(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestCompiledAgreesWithInterpreter(t *testing.T) {
	for _, tt := range vectors {
		t.Run(tt.name, func(t *testing.T) {
			src, err := Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error: %v", tt.expr, err)
			}
			got, err := EvaluateCompiled(src, tt.state)
			if err != nil {
				t.Fatalf("EvaluateCompiled(%q) error: %v", src, err)
			}
			interpreted, _ := Evaluate(tt.expr, tt.state)
			if got != interpreted || got != tt.want {
				t.Errorf("compiled %q = %v, interpreted = %v, want %v", src, got, interpreted, tt.want)
			}
		})
	}
}

func TestCompileReferencesStateNamespace(t *testing.T) {
	src, err := Compile("has_po_box = true")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(src, "state.has_po_box") {
		t.Errorf("expected compiled source to reference state.has_po_box, got %s", src)
	}
	src, err = Compile("")
	if err != nil || src != "true" {
		t.Errorf("expected empty expression to compile to true, got %q (%v)", src, err)
	}
}

func TestSyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"missing literal", "a ="},
		{"missing operator", "a true"},
		{"unterminated string", "a = 'x"},
		{"unbalanced paren", "(a = true"},
		{"trailing token", "a = true)"},
		{"lowercase and", "a = true and b = true"},
		{"includes non string", "a includes true"},
		{"bad character", "a = true; b = false"},
		{"dangling AND", "a = true AND"},
		{"no negation operator", "NOT a = true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Check(tt.expr); !errors.Is(err, ErrSyntax) {
				t.Errorf("Check(%q) = %v, want ErrSyntax", tt.expr, err)
			}
			if _, err := Evaluate(tt.expr, map[string]any{}); err == nil {
				t.Errorf("Evaluate(%q) should fail", tt.expr)
			}
			if _, err := Compile(tt.expr); err == nil {
				t.Errorf("Compile(%q) should fail", tt.expr)
			}
		})
	}
}

func TestMixedOperatorsRejected(t *testing.T) {
	err := Check("a = true AND b = true OR c = true")
	if !errors.Is(err, ErrMixedOperators) {
		t.Fatalf("expected ErrMixedOperators, got %v", err)
	}
	if err := Check("(a = true AND b = true) OR c = true"); err != nil {
		t.Errorf("parenthesized mix should parse, got %v", err)
	}
}

func TestIdentifiers(t *testing.T) {
	ids, err := Identifiers("(b = true) OR (a includes 'x') OR b = false")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("unexpected identifiers: %v", ids)
	}
}

func TestNormalizeState(t *testing.T) {
	got := NormalizeState(map[string]any{
		"b":    "FALSE",
		"n":    2.50,
		"list": []any{"true", 7, nil},
		"skip": struct{}{},
	})
	if got["b"] != false {
		t.Errorf("expected b=false, got %v", got["b"])
	}
	if got["n"] != "2.5" {
		t.Errorf("expected n=2.5, got %v", got["n"])
	}
	list, ok := got["list"].([]any)
	if !ok || len(list) != 2 || list[0] != true || list[1] != "7" {
		t.Errorf("unexpected list normalization: %#v", got["list"])
	}
	if _, ok := got["skip"]; ok {
		t.Error("non-comparable value should be dropped")
	}
}
