package executor

import (
	"context"
	"testing"

	"loom/internal/errs"
)

// stubExecutor is a minimal executor for registry tests.
type stubExecutor struct {
	name    string
	version string
	health  Health
}

func (s *stubExecutor) Name() string    { return s.name }
func (s *stubExecutor) Version() string { return s.version }

func (s *stubExecutor) Validate(map[string]any) Validation {
	return Validation{Valid: true}
}

func (s *stubExecutor) Execute(context.Context, *Context) Result {
	return Result{Success: true}
}

func (s *stubExecutor) HealthCheck() Health { return s.health }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(&stubExecutor{name: "echo", version: "1.0.0"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ex, err := reg.Lookup("echo", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ex.Version() != "1.0.0" {
		t.Errorf("version = %s", ex.Version())
	}
}

func TestRegistry_HighestVersionWins(t *testing.T) {
	reg := NewRegistry(nil)
	for _, v := range []string{"1.0.0", "1.2.0", "1.1.0"} {
		if err := reg.Register(&stubExecutor{name: "echo", version: v}); err != nil {
			t.Fatalf("Register %s: %v", v, err)
		}
	}

	ex, err := reg.Lookup("echo", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ex.Version() != "1.2.0" {
		t.Errorf("unconstrained lookup = %s, want 1.2.0", ex.Version())
	}

	ex, err = reg.Lookup("echo", "~1.1")
	if err != nil {
		t.Fatalf("Lookup ~1.1: %v", err)
	}
	if ex.Version() != "1.1.0" {
		t.Errorf("constrained lookup = %s, want 1.1.0", ex.Version())
	}
}

func TestRegistry_ConstraintMismatch(t *testing.T) {
	reg := NewRegistry(nil)
	_ = reg.Register(&stubExecutor{name: "echo", version: "1.0.0"})

	_, err := reg.Lookup("echo", ">=2.0.0")
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestRegistry_MissingExecutor(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Lookup("ghost", "")
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestRegistry_DuplicateVersionRejected(t *testing.T) {
	reg := NewRegistry(nil)
	_ = reg.Register(&stubExecutor{name: "echo", version: "1.0.0"})
	err := reg.Register(&stubExecutor{name: "echo", version: "1.0.0"})
	if !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRegistry_InvalidVersionRejected(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(&stubExecutor{name: "echo", version: "not-semver"})
	if !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRegistry_HealthReport(t *testing.T) {
	reg := NewRegistry(nil)
	_ = reg.Register(&stubExecutor{name: "echo", version: "1.0.0", health: Healthy})

	report := reg.HealthReport()
	if report["echo@1.0.0"] != Healthy {
		t.Errorf("health = %v", report)
	}
}
