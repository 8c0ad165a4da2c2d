package sweep_test

import (
	"context"
	"testing"
	"time"

	"stagegate/internal/adapter"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/events"
	"stagegate/internal/migrate"
	"stagegate/internal/sweep"
)

type testEnv struct {
	Engine  engine.Engine
	Sweeper *sweep.Sweeper
	Ctx     context.Context
	now     *time.Time
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	adapters := adapter.NewRegistry()
	adapter.RegisterDefaults(adapters, conn)
	eng := engine.New(conn, cfg, adapters)
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	env := &testEnv{Engine: eng, Ctx: context.Background(), now: &now}
	env.Engine.Now = func() time.Time { return *env.now }
	env.Sweeper = sweep.New(env.Engine)
	if err := env.Engine.Registry.Seed(env.Ctx, "system"); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}
	for role, actors := range map[string][]string{
		"engineer":            {"erin", "evan"},
		"engineering-manager": {"mara"},
		"document-control":    {"dana"},
	} {
		for _, a := range actors {
			if err := env.Engine.Repo.AddRoleMember(env.Ctx, role, a); err != nil {
				t.Fatalf("add role member: %v", err)
			}
		}
	}
	return env
}

func initiate(t *testing.T, env *testEnv, entityType, entityID, priority string) domain.WorkflowInstance {
	t.Helper()
	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: entityType, EntityID: entityID, Priority: priority},
		ActorID: "originator",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return res.Instance
}

func TestSweepNoopBeforeDeadline(t *testing.T) {
	env := newTestEnv(t)
	initiate(t, env, "eco", "ECO-1", "")

	res, err := env.Sweeper.SweepOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Scanned != 1 || res.Escalated != 0 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEscalateToRoleReassignsStage(t *testing.T) {
	env := newTestEnv(t)
	inst := initiate(t, env, "eco", "ECO-2", "")

	// engineering-review escalates to engineering-manager after 48h
	env.advance(49 * time.Hour)
	res, err := env.Sweeper.SweepOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("expected one escalation, got %+v", res)
	}

	assignments, err := env.Engine.Repo.ListStageAssignments(env.Ctx, inst.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	byAssignee := map[string]string{}
	for _, a := range assignments {
		byAssignee[a.AssigneeID] = a.Status
	}
	if byAssignee["erin"] != domain.AssignmentEscalated || byAssignee["evan"] != domain.AssignmentEscalated {
		t.Fatalf("originals not escalated: %v", byAssignee)
	}
	if byAssignee["mara"] != domain.AssignmentPending {
		t.Fatalf("escalation role not assigned: %v", byAssignee)
	}

	// the stage clock restarted, so an immediate second pass does nothing
	res, err = env.Sweeper.SweepOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 0 {
		t.Fatalf("expected no further escalation, got %+v", res)
	}

	after, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	entered, err := time.Parse(time.RFC3339, after.StageEnteredAt)
	if err != nil {
		t.Fatal(err)
	}
	if !entered.Equal(*env.now) {
		t.Fatalf("stage clock not restarted: %s", after.StageEnteredAt)
	}
}

func TestAutoApproveOnTimeout(t *testing.T) {
	env := newTestEnv(t)
	// urgent priority routes to the emergency definition with a 4h window
	inst := initiate(t, env, "eco", "ECO-3", "urgent")
	if inst.DefinitionID != "eco-emergency" {
		t.Fatalf("expected eco-emergency, got %s", inst.DefinitionID)
	}

	env.advance(5 * time.Hour)
	res, err := env.Sweeper.SweepOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("expected auto-approval, got %+v", res)
	}

	after, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.InstanceCompleted {
		t.Fatalf("expected completed, got %s", after.Status)
	}

	// the synthesized decision carries the system actor, not the assignee
	evts, err := env.Engine.History(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range evts {
		if ev.Type == events.DecisionRecorded {
			found = true
			if ev.ActorID != "system" {
				t.Fatalf("expected system actor, got %s", ev.ActorID)
			}
		}
	}
	if !found {
		t.Fatalf("no decision.recorded event after auto-approval")
	}
}

func TestAutoRejectOnTimeout(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.UpsertEntityRecord(env.Ctx, domain.EntityRecord{
		EntityType: "document", EntityID: "SOP-12", Status: "in_review",
		AttrsJSON: "{}", UpdatedAt: "2024-03-01T08:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	inst := initiate(t, env, "document", "SOP-12", "")

	env.advance(6 * 24 * time.Hour)
	res, err := env.Sweeper.SweepOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("expected auto-rejection, got %+v", res)
	}

	after, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.InstanceRejected {
		t.Fatalf("expected rejected, got %s", after.Status)
	}
	// the document adapter sends a rejected release back to draft
	rec, err := env.Engine.Repo.GetEntityRecord(env.Ctx, "document", "SOP-12")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "draft" {
		t.Fatalf("expected draft, got %s", rec.Status)
	}
}

func TestHeldInstancesAreNotSwept(t *testing.T) {
	env := newTestEnv(t)
	inst := initiate(t, env, "eco", "ECO-4", "")
	if _, err := env.Engine.Hold(env.Ctx, inst.ID, "audit freeze", "admin"); err != nil {
		t.Fatal(err)
	}

	env.advance(72 * time.Hour)
	res, err := env.Sweeper.SweepOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 0 {
		t.Fatalf("held instance escalated: %+v", res)
	}
	after, _ := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if after.Status != domain.InstanceOnHold {
		t.Fatalf("expected on_hold, got %s", after.Status)
	}
}

func TestRepeatedOverdueSweepKeepsEscalationAssignee(t *testing.T) {
	env := newTestEnv(t)
	inst := initiate(t, env, "eco", "ECO-5", "")

	env.advance(49 * time.Hour)
	res, err := env.Sweeper.SweepOnce(env.Ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("expected first sweep to escalate, got %+v", res)
	}

	// the escalation role lets its own window lapse too
	env.advance(49 * time.Hour)
	res, err = env.Sweeper.SweepOnce(env.Ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.Escalated != 0 || res.Failed != 0 {
		t.Fatalf("unexpected second sweep result %+v", res)
	}

	// mara keeps her assignment instead of being escalated out of it
	assignments, err := env.Engine.Repo.ListStageAssignments(env.Ctx, inst.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range assignments {
		if a.AssigneeID == "mara" && a.Status != domain.AssignmentPending {
			t.Fatalf("escalation assignee lost: %s", a.Status)
		}
	}

	// the window restarted again
	after, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	entered, err := time.Parse(time.RFC3339, after.StageEnteredAt)
	if err != nil {
		t.Fatal(err)
	}
	if !entered.Equal(*env.now) {
		t.Fatalf("stage clock not restarted: %s", after.StageEnteredAt)
	}

	// and the stage is still decidable
	dec, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID, StageIndex: 0, AssigneeID: "mara", Outcome: "approved",
	})
	if err != nil {
		t.Fatalf("decision after repeated sweeps: %v", err)
	}
	if !dec.StageConcluded {
		t.Fatalf("stage did not conclude: %+v", dec)
	}
}
