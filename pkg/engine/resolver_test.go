package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func caps(provides, requires []string) DependencyInfo {
	return DependencyInfo{Provides: provides, Requires: requires}
}

func commitSpecs(t *testing.T, specs ...TaskSpec) (*Dispatcher, error) {
	t.Helper()
	d := NewDispatcher()
	for _, s := range specs {
		if err := d.RegisterTask(s); err != nil {
			t.Fatalf("RegisterTask(%s) failed: %v", s.ID, err)
		}
	}
	return d, d.Commit()
}

func TestResolver_LinearChain(t *testing.T) {
	d, err := commitSpecs(t,
		TaskSpec{ID: "C", DependencyInfo: caps(nil, []string{"b"})},
		TaskSpec{ID: "B", DependencyInfo: caps([]string{"b"}, []string{"a"})},
		TaskSpec{ID: "A", DependencyInfo: caps([]string{"a"}, nil)},
	)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got := d.Resolution().Order("")
	want := []string{"A", "B", "C"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected order %v, got %v", want, got)
	}

	levels := d.Resolution().Scopes[""].Levels
	if len(levels) != 3 {
		t.Errorf("Expected 3 levels, got %d", len(levels))
	}
}

func TestResolver_TieBreakByRegistrationOrder(t *testing.T) {
	d, err := commitSpecs(t,
		TaskSpec{ID: "zeta"},
		TaskSpec{ID: "alpha"},
		TaskSpec{ID: "mid", DependencyInfo: caps(nil, []string{"x"})},
		TaskSpec{ID: "provider", DependencyInfo: caps([]string{"x"}, nil)},
	)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got := d.Resolution().Order("")
	want := []string{"zeta", "alpha", "provider", "mid"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected order %v, got %v", want, got)
	}
}

func TestResolver_ManyToMany(t *testing.T) {
	d, err := commitSpecs(t,
		TaskSpec{ID: "consumer", DependencyInfo: caps(nil, []string{"repo"})},
		TaskSpec{ID: "base-repo", DependencyInfo: caps([]string{"repo"}, nil)},
		TaskSpec{ID: "extra-repo", DependencyInfo: caps([]string{"repo"}, nil)},
	)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	scope := d.Resolution().Scopes[""]
	if len(scope.Edges) != 2 {
		t.Fatalf("Expected 2 edges, got %d: %+v", len(scope.Edges), scope.Edges)
	}
	for _, e := range scope.Edges {
		if e.To != "consumer" {
			t.Errorf("Expected edge into consumer, got %+v", e)
		}
	}
	order := scope.Order
	if order[len(order)-1] != "consumer" {
		t.Errorf("Expected consumer last, got %v", order)
	}
}

func TestResolver_SelfProvideIsDropped(t *testing.T) {
	d, err := commitSpecs(t,
		TaskSpec{ID: "self", DependencyInfo: caps([]string{"x"}, []string{"x"})},
	)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if n := len(d.Resolution().Scopes[""].Edges); n != 0 {
		t.Errorf("Expected no edges, got %d", n)
	}
}

func TestResolver_ConditionalRequires(t *testing.T) {
	d, err := commitSpecs(t,
		TaskSpec{ID: "iso", DependencyInfo: DependencyInfo{ConditionalRequires: []string{"splash", "never"}}},
		TaskSpec{ID: "splash", DependencyInfo: caps([]string{"splash"}, nil)},
	)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got := d.Resolution().Order("")
	want := []string{"splash", "iso"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected order %v, got %v", want, got)
	}
}

func TestResolver_Unresolvable(t *testing.T) {
	_, err := commitSpecs(t,
		TaskSpec{ID: "A", DependencyInfo: caps([]string{"a"}, nil)},
		TaskSpec{ID: "B", DependencyInfo: caps(nil, []string{"a", "missing"})},
	)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !IsUnresolvableDependency(err) {
		t.Fatalf("Expected unresolvable dependency error, got %v", err)
	}

	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected *EngineError, got %T", err)
	}
	if len(ee.Demands) != 1 {
		t.Fatalf("Expected 1 demand, got %d: %v", len(ee.Demands), ee.Demands)
	}
	if ee.Demands[0].TaskID != "B" || ee.Demands[0].Capability != "missing" {
		t.Errorf("Unexpected demand: %+v", ee.Demands[0])
	}
	if !strings.Contains(err.Error(), `B requires "missing"`) {
		t.Errorf("Expected demand in message, got %q", err.Error())
	}
}

func TestResolver_Cycle(t *testing.T) {
	_, err := commitSpecs(t,
		TaskSpec{ID: "A", DependencyInfo: caps([]string{"a"}, []string{"b"})},
		TaskSpec{ID: "B", DependencyInfo: caps([]string{"b"}, []string{"a"})},
	)
	if !IsUnresolvableDependency(err) {
		t.Fatalf("Expected unresolvable dependency error, got %v", err)
	}

	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected *EngineError, got %T", err)
	}
	if ee.Code != ErrCodeCycle {
		t.Errorf("Expected code %s, got %s", ErrCodeCycle, ee.Code)
	}
	if len(ee.Demands) != 2 {
		t.Errorf("Expected both demands of the cycle, got %v", ee.Demands)
	}
}

func TestResolver_TieredScoping(t *testing.T) {
	d, err := commitSpecs(t,
		TaskSpec{ID: "installer", DependencyInfo: caps(nil, []string{"stage2"})},
		TaskSpec{ID: "images", Properties: Properties{IsGroup: true}},
		TaskSpec{ID: "stage2", ParentID: "images", DependencyInfo: caps([]string{"stage2"}, []string{"runtime"})},
		TaskSpec{ID: "runtime", ParentID: "images", DependencyInfo: caps([]string{"runtime"}, []string{"tree"})},
		TaskSpec{ID: "compose", DependencyInfo: caps([]string{"tree"}, nil)},
	)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	res := d.Resolution()
	if got, want := res.Order(""), []string{"compose", "images", "installer"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected root order %v, got %v", want, got)
	}
	if got, want := res.Order("images"), []string{"runtime", "stage2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected child order %v, got %v", want, got)
	}
	if got, want := res.Flatten(), []string{"compose", "images", "runtime", "stage2", "installer"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected flattened order %v, got %v", want, got)
	}

	// The child's demand for "tree" surfaced as an edge into the group.
	found := false
	for _, e := range res.Scopes[""].Edges {
		if e.From == "compose" && e.To == "images" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected edge compose -> images, got %+v", res.Scopes[""].Edges)
	}
}

func TestResolver_ChildRequiresParentCapability(t *testing.T) {
	_, err := commitSpecs(t,
		TaskSpec{ID: "group", Properties: Properties{IsGroup: true}, DependencyInfo: caps([]string{"cfg"}, nil)},
		TaskSpec{ID: "child", ParentID: "group", DependencyInfo: caps(nil, []string{"cfg"})},
	)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestResolver_ChildUnresolvable(t *testing.T) {
	_, err := commitSpecs(t,
		TaskSpec{ID: "group", Properties: Properties{IsGroup: true}},
		TaskSpec{ID: "child", ParentID: "group", DependencyInfo: caps(nil, []string{"nowhere"})},
	)
	if !IsUnresolvableDependency(err) {
		t.Fatalf("Expected unresolvable dependency error, got %v", err)
	}
}

func TestResolution_ToDOT(t *testing.T) {
	d, err := commitSpecs(t,
		TaskSpec{ID: "A", DependencyInfo: caps([]string{"a"}, nil)},
		TaskSpec{ID: "B", DependencyInfo: caps(nil, []string{"a"})},
	)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	dot := d.Resolution().ToDOT()
	if !strings.HasPrefix(dot, "digraph Build {") {
		t.Errorf("Unexpected DOT header: %q", dot)
	}
	if !strings.Contains(dot, `"A" -> "B" [label="a"]`) {
		t.Errorf("Expected edge in DOT output, got:\n%s", dot)
	}
}
