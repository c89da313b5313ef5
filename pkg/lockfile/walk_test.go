package lockfile

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
)

func names(lf *Lockfile) []string {
	var out []string
	for n := range Walk(lf) {
		out = append(out, n.Name)
	}
	return out
}

func TestWalkPostOrder(t *testing.T) {
	lf, err := Parse([]byte(`{"dependencies": {
		"A": {"version": "1.0.0", "dependencies": {"A1": {"version": "1.0.0"}}},
		"B": {"version": "1.0.0"}
	}}`))
	if err != nil {
		t.Fatal(err)
	}

	if got := names(lf); !slices.Equal(got, []string{"A1", "A", "B"}) {
		t.Errorf("Walk() = %v, want [A1 A B]", got)
	}
}

func TestWalkDeepTree(t *testing.T) {
	lf, err := Parse([]byte(shrinkwrap))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"yankee", "alpha", "zeta", "@scope/beta"}
	if got := names(lf); !slices.Equal(got, want) {
		t.Errorf("Walk() = %v, want %v", got, want)
	}
}

func TestWalkRestartable(t *testing.T) {
	lf, _ := Parse([]byte(shrinkwrap))
	seq := Walk(lf)

	var first, second []string
	for n := range seq {
		first = append(first, n.String())
	}
	for n := range seq {
		second = append(second, n.String())
	}
	if !slices.Equal(first, second) {
		t.Errorf("second iteration = %v, want %v", second, first)
	}
}

func TestWalkEarlyStop(t *testing.T) {
	lf, _ := Parse([]byte(shrinkwrap))
	count := 0
	for range Walk(lf) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("visited %d nodes, want 2", count)
	}
}

func TestWalkVeryDeepTree(t *testing.T) {
	const depth = 1000

	var b strings.Builder
	b.WriteString(`{"dependencies": `)
	for i := range depth {
		fmt.Fprintf(&b, `{"p%d": {"version": "1.0.0", "dependencies": `, i)
	}
	b.WriteString(`{}`)
	for range depth {
		b.WriteString(`}}`)
	}
	b.WriteString(`}`)

	lf, err := Parse([]byte(b.String()))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got := names(lf)
	if len(got) != depth || got[0] != fmt.Sprintf("p%d", depth-1) || got[depth-1] != "p0" {
		t.Errorf("Walk() visited %d nodes, first %q last %q", len(got), got[0], got[len(got)-1])
	}
}

func TestWalkNil(t *testing.T) {
	for range Walk(nil) {
		t.Fatal("Walk(nil) should yield nothing")
	}
}

func TestForEach(t *testing.T) {
	lf, _ := Parse([]byte(shrinkwrap))

	got, err := ForEach(lf, func(n *Node) (string, error) {
		return n.Name + "@" + n.Version, nil
	})
	if err != nil {
		t.Fatalf("ForEach() error = %v", err)
	}
	want := []string{"yankee@1.0.0", "alpha@0.1.0", "zeta@2.0.0", "@scope/beta@3.1.4"}
	if !slices.Equal(got, want) {
		t.Errorf("ForEach() = %v, want %v", got, want)
	}
}

func TestForEachStopsAtFirstError(t *testing.T) {
	lf, _ := Parse([]byte(shrinkwrap))
	boom := errors.New("boom")

	var visited []string
	got, err := ForEach(lf, func(n *Node) (int, error) {
		visited = append(visited, n.Name)
		if n.Name == "alpha" {
			return 0, boom
		}
		return len(visited), nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ForEach() error = %v, want boom", err)
	}
	if !slices.Equal(visited, []string{"yankee", "alpha"}) {
		t.Errorf("visited = %v, want [yankee alpha]", visited)
	}
	if !slices.Equal(got, []int{1}) {
		t.Errorf("results = %v, want [1]", got)
	}
}
