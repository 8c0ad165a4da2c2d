package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"stagegate/internal/adapter"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/events"
	"stagegate/internal/migrate"
	"stagegate/internal/registry"
)

type testEnv struct {
	Engine   engine.Engine
	Adapters *adapter.Registry
	Ctx      context.Context
	now      *time.Time
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
	env := &testEnv{Engine: eng, Adapters: adapters, Ctx: context.Background(), now: &now}
	env.Engine.Now = func() time.Time { return *env.now }
	if err := env.Engine.Registry.Seed(env.Ctx, "system"); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}
	seedRoles(t, env)
	return env
}

func seedRoles(t *testing.T, env *testEnv) {
	t.Helper()
	members := map[string][]string{
		"engineer":            {"erin", "evan"},
		"quality":             {"quinn"},
		"engineering-manager": {"mara"},
		"quality-manager":     {"quincy"},
		"supervisor":          {"sam", "sal", "sue"},
		"document-control":    {"dana"},
	}
	for role, actors := range members {
		for _, a := range actors {
			if err := env.Engine.Repo.AddRoleMember(env.Ctx, role, a); err != nil {
				t.Fatalf("add role member %s/%s: %v", role, a, err)
			}
		}
	}
}

func initiateECO(t *testing.T, env *testEnv, entityID string, critical bool) domain.WorkflowInstance {
	t.Helper()
	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{
			EntityType: "eco",
			EntityID:   entityID,
			Metadata:   map[string]any{"critical": critical},
		},
		ActorID: "originator",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return res.Instance
}

func decide(t *testing.T, env *testEnv, instanceID string, stage int, who, outcome, comments string) engine.DecisionResult {
	t.Helper()
	res, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: instanceID,
		StageIndex: stage,
		AssigneeID: who,
		Outcome:    outcome,
		Comments:   comments,
	})
	if err != nil {
		t.Fatalf("decision %s/%s stage %d: %v", who, outcome, stage, err)
	}
	return res
}

func TestEcoStandardApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.UpsertEntityRecord(env.Ctx, domain.EntityRecord{
		EntityType: "eco", EntityID: "ECO-100", Status: "in_review",
		AttrsJSON: `{"part_number":"PN-42"}`, UpdatedAt: "2024-03-01T08:00:00Z",
	}); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	inst := initiateECO(t, env, "ECO-100", true)
	if inst.DefinitionID != "eco-standard" {
		t.Fatalf("expected eco-standard, got %s", inst.DefinitionID)
	}
	if inst.Status != domain.InstanceInProgress || inst.CurrentStage != 0 {
		t.Fatalf("unexpected state %s stage %d", inst.Status, inst.CurrentStage)
	}

	// engineering-review is all-mode; one approval leaves the stage open
	res := decide(t, env, inst.ID, 0, "erin", "approved", "checked tolerances")
	if res.StageConcluded {
		t.Fatalf("stage concluded after one of two approvals")
	}
	res = decide(t, env, inst.ID, 0, "evan", "approved", "")
	if !res.StageConcluded || res.StageOutcome != "approved" {
		t.Fatalf("expected stage approved, got %+v", res)
	}
	if res.Instance.CurrentStage != 1 {
		t.Fatalf("expected stage 1, got %d", res.Instance.CurrentStage)
	}

	// quality-signoff runs because metadata.critical is true
	res = decide(t, env, inst.ID, 1, "quinn", "approved", "")
	if !res.StageConcluded || res.Instance.CurrentStage != 2 {
		t.Fatalf("expected advance to final-release, got %+v", res)
	}

	res = decide(t, env, inst.ID, 2, "mara", "approved", "")
	if res.Instance.Status != domain.InstanceCompleted {
		t.Fatalf("expected completed, got %s", res.Instance.Status)
	}

	// adapter propagated the outcome to the owning record
	rec, err := env.Engine.Repo.GetEntityRecord(env.Ctx, "eco", "ECO-100")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if rec.Status != "released" {
		t.Fatalf("expected released, got %s", rec.Status)
	}

	// a retry is a no-op thanks to the applied-outcomes guard
	if err := env.Engine.RetryAdapterSync(env.Ctx, inst.ID, "admin"); err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	rec, _ = env.Engine.Repo.GetEntityRecord(env.Ctx, "eco", "ECO-100")
	if rec.Status != "released" {
		t.Fatalf("retry changed status to %s", rec.Status)
	}
}

func TestRejectionConcludesImmediately(t *testing.T) {
	env := newTestEnv(t)
	inst := initiateECO(t, env, "ECO-200", false)

	res := decide(t, env, inst.ID, 0, "erin", "rejected", "spec deviation in section 3")
	if !res.StageConcluded || res.StageOutcome != "rejected" {
		t.Fatalf("expected stage rejected, got %+v", res)
	}
	if res.Instance.Status != domain.InstanceRejected {
		t.Fatalf("expected rejected instance, got %s", res.Instance.Status)
	}

	// the other engineer's slot was short-circuited, not decided
	assignments, err := env.Engine.Repo.ListStageAssignments(env.Ctx, inst.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range assignments {
		if a.AssigneeID == "evan" && a.Status != domain.AssignmentSkipped {
			t.Fatalf("expected evan skipped, got %s", a.Status)
		}
	}

	// terminal instances accept no further decisions
	_, err = env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID, StageIndex: 0, AssigneeID: "evan", Outcome: "approved",
	})
	var terminated engine.InstanceTerminatedError
	if !errors.As(err, &terminated) {
		t.Fatalf("expected InstanceTerminatedError, got %v", err)
	}
}

func TestConditionalStageSkipped(t *testing.T) {
	env := newTestEnv(t)
	inst := initiateECO(t, env, "ECO-300", false)

	decide(t, env, inst.ID, 0, "erin", "approved", "")
	res := decide(t, env, inst.ID, 0, "evan", "approved", "")
	// quality-signoff's condition is false, so the instance lands on final-release
	if res.Instance.CurrentStage != 2 {
		t.Fatalf("expected stage 2 after skip, got %d", res.Instance.CurrentStage)
	}
	evts, err := env.Engine.History(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	foundSkip := false
	for _, ev := range evts {
		if ev.Type == events.StageCompleted {
			var p map[string]any
			_ = json.Unmarshal([]byte(ev.Payload), &p)
			if p["stage"] == "quality-signoff" && p["outcome"] == "skipped" {
				foundSkip = true
			}
		}
	}
	if !foundSkip {
		t.Fatalf("expected a skipped stage.completed event for quality-signoff")
	}
}

func TestAnyModeShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "time_entry", EntityID: "TS-77"},
		ActorID: "clerk",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.Instance.DefinitionID != "timesheet-weekly" {
		t.Fatalf("expected timesheet-weekly, got %s", res.Instance.DefinitionID)
	}
	if len(res.NextApprovers) != 3 {
		t.Fatalf("expected 3 supervisors assigned, got %v", res.NextApprovers)
	}

	dres := decide(t, env, res.Instance.ID, 0, "sam", "approved", "")
	if !dres.StageConcluded || dres.Instance.Status != domain.InstanceCompleted {
		t.Fatalf("expected any-mode approval to finish the instance, got %+v", dres)
	}
	assignments, _ := env.Engine.Repo.ListStageAssignments(env.Ctx, res.Instance.ID, 0)
	skipped := 0
	for _, a := range assignments {
		if a.Status == domain.AssignmentSkipped {
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("expected 2 skipped assignments, got %d", skipped)
	}
}

func TestQuorumMode(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "deviation", EntityID: "DEV-9"},
		ActorID: "inspector",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	inst := res.Instance
	// mrb-review expands quality+engineer: erin, evan, quinn; quorum 2
	if len(res.NextApprovers) != 3 {
		t.Fatalf("expected 3 approvers, got %v", res.NextApprovers)
	}

	dres := decide(t, env, inst.ID, 0, "quinn", "approved", "")
	if dres.StageConcluded {
		t.Fatalf("one approval should not meet quorum 2")
	}
	// a rejection does not conclude while quorum is still reachable
	dres = decide(t, env, inst.ID, 0, "erin", "rejected", "use as is not acceptable")
	if dres.StageConcluded {
		t.Fatalf("quorum still reachable, stage must stay open")
	}
	dres = decide(t, env, inst.ID, 0, "evan", "approved", "")
	if !dres.StageConcluded || dres.StageOutcome != "approved" {
		t.Fatalf("expected quorum met, got %+v", dres)
	}
	if dres.Instance.Status != domain.InstanceCompleted {
		t.Fatalf("expected completed, got %s", dres.Instance.Status)
	}
}

func TestQuorumUnreachableRejects(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "deviation", EntityID: "DEV-10"},
		ActorID: "inspector",
	})
	if err != nil {
		t.Fatal(err)
	}
	inst := res.Instance
	decide(t, env, inst.ID, 0, "erin", "rejected", "")
	dres := decide(t, env, inst.ID, 0, "evan", "rejected", "")
	// one potential approval left, quorum 2 unreachable
	if !dres.StageConcluded || dres.StageOutcome != "rejected" {
		t.Fatalf("expected early rejection, got %+v", dres)
	}
	if dres.Instance.Status != domain.InstanceRejected {
		t.Fatalf("expected rejected, got %s", dres.Instance.Status)
	}
}

func TestDuplicateActiveInstance(t *testing.T) {
	env := newTestEnv(t)
	inst := initiateECO(t, env, "ECO-400", false)

	_, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "eco", EntityID: "ECO-400"},
		ActorID: "originator",
	})
	var dup engine.DuplicateActiveInstanceError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateActiveInstanceError, got %v", err)
	}
	if dup.InstanceID != inst.ID {
		t.Fatalf("conflict should name the existing instance")
	}

	// a terminal instance releases the entity
	if _, err := env.Engine.Cancel(env.Ctx, inst.ID, "superseded", "admin"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "eco", EntityID: "ECO-400"},
		ActorID: "originator",
	}); err != nil {
		t.Fatalf("initiate after cancel: %v", err)
	}
}

func TestDecisionConflicts(t *testing.T) {
	env := newTestEnv(t)
	inst := initiateECO(t, env, "ECO-500", false)

	decide(t, env, inst.ID, 0, "erin", "approved", "")

	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID, StageIndex: 0, AssigneeID: "erin", Outcome: "rejected",
	})
	var decided engine.AlreadyDecidedError
	if !errors.As(err, &decided) {
		t.Fatalf("expected AlreadyDecidedError, got %v", err)
	}

	_, err = env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID, StageIndex: 0, AssigneeID: "mallory", Outcome: "approved",
	})
	var unauthorized engine.UnauthorizedApproverError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedApproverError, got %v", err)
	}

	_, err = env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID, StageIndex: 2, AssigneeID: "evan", Outcome: "approved",
	})
	var stale engine.StaleStageError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleStageError, got %v", err)
	}
	if stale.Current != 0 {
		t.Fatalf("stale error should report current stage 0, got %d", stale.Current)
	}
}

func TestChangesRequestedHoldsInstance(t *testing.T) {
	env := newTestEnv(t)
	inst := initiateECO(t, env, "ECO-600", false)

	res := decide(t, env, inst.ID, 0, "erin", "changes_requested", "missing stress analysis")
	if !res.StageConcluded || res.StageOutcome != "changes_requested" {
		t.Fatalf("changes_requested should conclude the stage, got %+v", res)
	}
	if res.Instance.Status != domain.InstanceOnHold {
		t.Fatalf("expected on_hold, got %s", res.Instance.Status)
	}

	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID, StageIndex: 0, AssigneeID: "evan", Outcome: "approved",
	})
	var held engine.InstanceOnHoldError
	if !errors.As(err, &held) {
		t.Fatalf("expected InstanceOnHoldError, got %v", err)
	}

	// the stage already concluded, so resume is not the way out
	if _, err := env.Engine.Resume(env.Ctx, inst.ID, "admin"); err == nil {
		t.Fatalf("expected resume to fail on a concluded stage")
	}
	if _, err := env.Engine.Cancel(env.Ctx, inst.ID, "revising", "admin"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestDelegatedDecision(t *testing.T) {
	env := newTestEnv(t)
	inst := initiateECO(t, env, "ECO-700", false)

	// no standing delegation yet
	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID, StageIndex: 0, AssigneeID: "erin", Outcome: "delegated",
	})
	if err == nil {
		t.Fatalf("expected error without a delegate on file")
	}

	if err := env.Engine.Repo.SetDelegation(env.Ctx, "erin", "dave"); err != nil {
		t.Fatal(err)
	}
	res := decide(t, env, inst.ID, 0, "erin", "delegated", "on leave")
	if res.StageConcluded {
		t.Fatalf("delegation must not conclude an all-mode stage")
	}

	// dave inherits the slot; stage completes once dave and evan approve
	decide(t, env, inst.ID, 0, "evan", "approved", "")
	res = decide(t, env, inst.ID, 0, "dave", "approved", "")
	if !res.StageConcluded || res.StageOutcome != "approved" {
		t.Fatalf("expected stage approved via delegate, got %+v", res)
	}
}

func TestDelegationAtAssignmentTime(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.SetDelegation(env.Ctx, "erin", "dave"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "eco", EntityID: "ECO-800"},
		ActorID: "originator",
	})
	if err != nil {
		t.Fatal(err)
	}
	got := append([]string(nil), res.NextApprovers...)
	sort.Strings(got)
	want := []string{"dave", "evan"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNoEligibleApproverHoldsInstance(t *testing.T) {
	env := newTestEnv(t)
	// fai-report's inspector role has no members seeded
	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "fai_report", EntityID: "FAI-1"},
		ActorID: "inspector-lead",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.Instance.Status != domain.InstanceOnHold {
		t.Fatalf("expected on_hold, got %s", res.Instance.Status)
	}

	// resume fails until the directory has someone to assign
	if _, err := env.Engine.Resume(env.Ctx, res.Instance.ID, "admin"); err == nil {
		t.Fatalf("expected resume to fail with an empty role")
	}
	if err := env.Engine.Repo.AddRoleMember(env.Ctx, "inspector", "ivy"); err != nil {
		t.Fatal(err)
	}
	inst, err := env.Engine.Resume(env.Ctx, res.Instance.ID, "admin")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if inst.Status != domain.InstanceInProgress {
		t.Fatalf("expected in_progress, got %s", inst.Status)
	}
	st, err := env.Engine.Status(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Pending) != 1 || st.Pending[0] != "ivy" {
		t.Fatalf("expected ivy pending, got %v", st.Pending)
	}
}

func TestHoldBlocksDecisionsAndResumeRestartsClock(t *testing.T) {
	env := newTestEnv(t)
	inst := initiateECO(t, env, "ECO-900", false)

	if _, err := env.Engine.Hold(env.Ctx, inst.ID, "audit freeze", "admin"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID, StageIndex: 0, AssigneeID: "erin", Outcome: "approved",
	})
	var held engine.InstanceOnHoldError
	if !errors.As(err, &held) {
		t.Fatalf("expected InstanceOnHoldError, got %v", err)
	}

	env.advance(72 * time.Hour)
	resumed, err := env.Engine.Resume(env.Ctx, inst.ID, "admin")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	entered, err := time.Parse(time.RFC3339, resumed.StageEnteredAt)
	if err != nil {
		t.Fatal(err)
	}
	if !entered.Equal(*env.now) {
		t.Fatalf("resume should restart the stage clock, got %s", resumed.StageEnteredAt)
	}
	decide(t, env, inst.ID, 0, "erin", "approved", "")
}

func TestCancelDoesNotTouchEntity(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.UpsertEntityRecord(env.Ctx, domain.EntityRecord{
		EntityType: "eco", EntityID: "ECO-950", Status: "in_review",
		AttrsJSON: "{}", UpdatedAt: "2024-03-01T08:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	inst := initiateECO(t, env, "ECO-950", false)
	if _, err := env.Engine.Cancel(env.Ctx, inst.ID, "withdrawn", "originator"); err != nil {
		t.Fatal(err)
	}
	rec, err := env.Engine.Repo.GetEntityRecord(env.Ctx, "eco", "ECO-950")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "in_review" {
		t.Fatalf("cancel must not change entity status, got %s", rec.Status)
	}
	evts, _ := env.Engine.History(env.Ctx, inst.ID)
	last := evts[len(evts)-1]
	if last.Type != events.InstanceCancelled || last.ToState != domain.InstanceCancelled {
		t.Fatalf("expected instance.cancelled last, got %s -> %s", last.Type, last.ToState)
	}
}

// failingAdapter simulates an unreachable owning system.
type failingAdapter struct {
	fail    bool
	applied map[string]string
}

func (f *failingAdapter) BuildSnapshot(ctx context.Context, entityID string) (map[string]any, error) {
	return nil, nil
}

func (f *failingAdapter) ApplyOutcome(ctx context.Context, entityID, outcome, instanceID string) error {
	if f.fail {
		return errors.New("downstream unavailable")
	}
	if f.applied == nil {
		f.applied = map[string]string{}
	}
	f.applied[entityID] = outcome
	return nil
}

func (f *failingAdapter) CurrentStatus(ctx context.Context, entityID string) (string, error) {
	return "", nil
}

func TestAdapterFailureFlaggedAndRetried(t *testing.T) {
	env := newTestEnv(t)
	fa := &failingAdapter{fail: true}
	env.Adapters.Register("widget", fa)

	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "widget", EntityID: "W-1"},
		ActorID: "originator",
	})
	if err != nil {
		t.Fatal(err)
	}
	dres := decide(t, env, res.Instance.ID, 0, "sam", "approved", "")
	// the instance still completes; the failure is flagged instead
	if dres.Instance.Status != domain.InstanceCompleted {
		t.Fatalf("expected completed, got %s", dres.Instance.Status)
	}
	evts, _ := env.Engine.History(env.Ctx, res.Instance.ID)
	flagged := false
	for _, ev := range evts {
		if ev.Type == events.AdapterSyncFailed {
			var p map[string]any
			_ = json.Unmarshal([]byte(ev.Payload), &p)
			if p["adapter_sync_failed"] == true {
				flagged = true
			}
		}
	}
	if !flagged {
		t.Fatalf("expected an adapter.sync_failed event")
	}

	fa.fail = false
	if err := env.Engine.RetryAdapterSync(env.Ctx, res.Instance.ID, "admin"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if fa.applied["W-1"] != "approved" {
		t.Fatalf("expected retry to apply the outcome, got %v", fa.applied)
	}
}

func TestReplayMatchesLiveStatus(t *testing.T) {
	env := newTestEnv(t)
	inst := initiateECO(t, env, "ECO-999", true)
	decide(t, env, inst.ID, 0, "erin", "approved", "")
	decide(t, env, inst.ID, 0, "evan", "approved", "")

	st, err := env.Engine.Status(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := env.Engine.Replay(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if replayed.Status != st.Instance.Status {
		t.Fatalf("replay status %s != live %s", replayed.Status, st.Instance.Status)
	}
	if replayed.CurrentStage != st.Instance.CurrentStage {
		t.Fatalf("replay stage %d != live %d", replayed.CurrentStage, st.Instance.CurrentStage)
	}
	a := append([]string(nil), replayed.Pending...)
	b := append([]string(nil), st.Pending...)
	sort.Strings(a)
	sort.Strings(b)
	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Fatalf("replay pending %v != live %v", a, b)
	}
}

func TestExplicitDefinitionRef(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping:       domain.EntityMapping{EntityType: "eco", EntityID: "ECO-REF"},
		DefinitionRef: "generic-single-stage",
		ActorID:       "originator",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Instance.DefinitionID != "generic-single-stage" {
		t.Fatalf("explicit ref ignored, got %s", res.Instance.DefinitionID)
	}

	_, err = env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping:       domain.EntityMapping{EntityType: "eco", EntityID: "ECO-REF2"},
		DefinitionRef: "no-such-definition",
		ActorID:       "originator",
	})
	var notFound registry.DefinitionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected DefinitionNotFoundError, got %v", err)
	}
}

func TestPriorityRoutesToEmergency(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Initiate(env.Ctx, engine.InitiateOptions{
		Mapping: domain.EntityMapping{EntityType: "eco", EntityID: "ECO-URGENT", Priority: "urgent"},
		ActorID: "originator",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Instance.DefinitionID != "eco-emergency" {
		t.Fatalf("urgent eco should route to eco-emergency, got %s", res.Instance.DefinitionID)
	}
}

func TestDecisionWithColdDefinitionCache(t *testing.T) {
	env := newTestEnv(t)
	inst := initiateECO(t, env, "ECO-COLD", false)

	// A restarted process sees the instance with an empty definition
	// cache. The decision transaction holds the pool's only connection,
	// so the definition and delegation lookups must read through it.
	fresh := engine.New(env.Engine.DB, env.Engine.Config, env.Adapters)
	fresh.Now = env.Engine.Now
	res, err := fresh.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID,
		StageIndex: 0,
		AssigneeID: "erin",
		Outcome:    "approved",
	})
	if err != nil {
		t.Fatalf("decision on restarted engine: %v", err)
	}
	if res.StageConcluded {
		t.Fatalf("all-mode stage concluded after one of two approvals")
	}
	if res.StageName != "engineering-review" {
		t.Fatalf("unexpected stage name %q", res.StageName)
	}

	if _, err := fresh.RecordDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID,
		StageIndex: 0,
		AssigneeID: "evan",
		Outcome:    "approved",
	}); err != nil {
		t.Fatalf("second decision: %v", err)
	}
}
