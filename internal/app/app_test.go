package app_test

import (
	"context"
	"os"
	"testing"

	"stagegate/internal/app"
	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

func TestBootstrapWithoutConfigFile(t *testing.T) {
	ctx := context.Background()
	a, err := app.Bootstrap(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()

	// no stagegate.yml means the built-in defaults
	if a.Config == nil {
		t.Fatalf("config not defaulted")
	}
	if a.Config.Routing.Fallback != "generic-single-stage" {
		t.Fatalf("unexpected fallback %q", a.Config.Routing.Fallback)
	}

	def, err := a.Engine.Registry.Get(ctx, "eco-standard", 0)
	if err != nil {
		t.Fatalf("seeded definition: %v", err)
	}
	if def.Version != 1 || len(def.Stages) != 3 {
		t.Fatalf("unexpected eco-standard v%d with %d stages", def.Version, len(def.Stages))
	}

	// the defaulted engine is usable end to end
	if err := a.Engine.Repo.AddRoleMember(ctx, "supervisor", "sam"); err != nil {
		t.Fatalf("add role member: %v", err)
	}
	res, err := a.Engine.Initiate(ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "time_entry", EntityID: "TS-1"},
		ActorID: "worker",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.Instance.Status != domain.InstanceInProgress {
		t.Fatalf("unexpected status %s", res.Instance.Status)
	}
}

func TestBootstrapReadsConfigFile(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := app.Bootstrap(ctx, workspace)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()
	if a.Config.SystemActor() != "system" {
		t.Fatalf("unexpected system actor %q", a.Config.SystemActor())
	}
}
