package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/rcassidy/verity/internal/model"
)

// stubExecutor is a minimal executor for registry tests.
type stubExecutor struct {
	name   string
	types  []string
	result Result
}

func (s *stubExecutor) Execute(_ context.Context, _ *model.TestCase) (Result, error) {
	return s.result, nil
}

func (s *stubExecutor) Capabilities() Capabilities {
	return Capabilities{Name: s.name, Types: s.types}
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	e2e := &stubExecutor{name: "browser", types: []string{model.TypeE2E}}
	r.Register(model.TypeE2E, e2e)

	got, err := r.Resolve(model.TypeE2E)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != Executor(e2e) {
		t.Error("Resolve returned a different executor")
	}
}

func TestResolveUnknownType(t *testing.T) {
	r := NewRegistry()
	r.Register(model.TypeAPI, &stubExecutor{name: "apicheck", types: []string{model.TypeAPI}})

	_, err := r.Resolve("teleportation")
	if err == nil {
		t.Fatal("Resolve(teleportation) succeeded, want error")
	}
	// The error names the known tags so callers get a useful message.
	if !strings.Contains(err.Error(), model.TypeAPI) {
		t.Errorf("error %q does not list known types", err)
	}
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	first := &stubExecutor{name: "first"}
	second := &stubExecutor{name: "second"}
	r.Register(model.TypeLoad, first)
	r.Register(model.TypeLoad, second)

	got, err := r.Resolve(model.TypeLoad)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Capabilities().Name != "second" {
		t.Errorf("resolved %q, want second", got.Capabilities().Name)
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(model.TypeLoad, &stubExecutor{name: "loadgen", types: []string{model.TypeLoad}})
	r.Register(model.TypeAPI, &stubExecutor{name: "apicheck", types: []string{model.TypeAPI}})
	r.Register(model.TypeE2E, &stubExecutor{name: "browser", types: []string{model.TypeE2E}})

	infos := r.List()
	if len(infos) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(infos))
	}
	want := []string{model.TypeAPI, model.TypeE2E, model.TypeLoad}
	for i, w := range want {
		if infos[i].Name != w {
			t.Errorf("List()[%d].Name = %q, want %q", i, infos[i].Name, w)
		}
	}
}
