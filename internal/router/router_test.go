package router_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"stagegate/internal/domain"
	"stagegate/internal/router"
)

// memDirectory is an in-memory Directory for exercising the router without
// a database.
type memDirectory struct {
	roles       map[string][]string
	delegations map[string]string
}

func (d memDirectory) RoleMembers(ctx context.Context, role string) ([]string, error) {
	return d.roles[role], nil
}

func (d memDirectory) Delegate(ctx context.Context, actorID string) (string, bool, error) {
	delegate, ok := d.delegations[actorID]
	return delegate, ok, nil
}

func strPtr(s string) *string { return &s }

func TestEvalCondition(t *testing.T) {
	snap := router.Snapshot{
		"entity_type":       "eco",
		"priority":          "urgent",
		"required_roles":    []string{"quality", "engineer"},
		"metadata.critical": true,
		"metadata.cost":     float64(1500),
		"metadata.site":     "plant-2",
	}
	cases := []struct {
		name string
		cond domain.StageCondition
		want bool
	}{
		{"eq bool", domain.StageCondition{Field: "metadata.critical", Op: "eq", Value: true}, true},
		{"eq mismatch", domain.StageCondition{Field: "metadata.critical", Op: "eq", Value: false}, false},
		{"eq string", domain.StageCondition{Field: "metadata.site", Op: "eq", Value: "plant-2"}, true},
		{"ne", domain.StageCondition{Field: "metadata.site", Op: "ne", Value: "plant-1"}, true},
		{"gt", domain.StageCondition{Field: "metadata.cost", Op: "gt", Value: 1000}, true},
		{"gte boundary", domain.StageCondition{Field: "metadata.cost", Op: "gte", Value: 1500}, true},
		{"lt false", domain.StageCondition{Field: "metadata.cost", Op: "lt", Value: 1500}, false},
		{"lte boundary", domain.StageCondition{Field: "metadata.cost", Op: "lte", Value: 1500}, true},
		{"numeric coercion int vs float", domain.StageCondition{Field: "metadata.cost", Op: "eq", Value: 1500}, true},
		{"in hit", domain.StageCondition{Field: "priority", Op: "in", Value: []string{"urgent", "emergency"}}, true},
		{"in miss", domain.StageCondition{Field: "priority", Op: "in", Value: []string{"low", "normal"}}, false},
		{"in list field hit", domain.StageCondition{Field: "required_roles", Op: "in", Value: []string{"quality"}}, true},
		{"in list field miss", domain.StageCondition{Field: "required_roles", Op: "in", Value: []string{"supervisor"}}, false},
		{"missing field eq", domain.StageCondition{Field: "metadata.absent", Op: "eq", Value: "x"}, false},
		{"missing field ne", domain.StageCondition{Field: "metadata.absent", Op: "ne", Value: "x"}, true},
		{"missing field numeric", domain.StageCondition{Field: "metadata.absent", Op: "gt", Value: 0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := router.EvalCondition(tc.cond, snap)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvalConditionErrors(t *testing.T) {
	snap := router.Snapshot{"priority": "urgent"}
	if _, err := router.EvalCondition(domain.StageCondition{Field: "priority", Op: "between", Value: "x"}, snap); err == nil {
		t.Fatalf("expected error for unknown op")
	}
	if _, err := router.EvalCondition(domain.StageCondition{Field: "priority", Op: "in", Value: "urgent"}, snap); err == nil {
		t.Fatalf("expected error for non-list in value")
	}
}

func TestSnapshotFromMapping(t *testing.T) {
	m := domain.EntityMapping{
		EntityType:    "eco",
		EntityID:      "ECO-1",
		Priority:      "high",
		RequiredRoles: []string{"quality"},
		Metadata:      map[string]any{"critical": true, "site": "plant-1"},
	}
	snap := router.SnapshotFromMapping(m, map[string]any{"site": "plant-9", "cost": 50})
	if snap["entity_type"] != "eco" || snap["entity_id"] != "ECO-1" || snap["priority"] != "high" {
		t.Fatalf("identity fields wrong: %v", snap)
	}
	// caller metadata wins over adapter attributes
	if snap["metadata.site"] != "plant-1" {
		t.Fatalf("expected mapping metadata to win, got %v", snap["metadata.site"])
	}
	if snap["metadata.cost"] != 50 {
		t.Fatalf("adapter attribute lost: %v", snap["metadata.cost"])
	}

	// requested roles ride in the snapshot so conditions and routing rules
	// can see them
	ok, err := router.EvalCondition(domain.StageCondition{Field: "required_roles", Op: "in", Value: []string{"quality"}}, snap)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("required_roles not evaluable: %v", snap["required_roles"])
	}

	data, err := snap.JSON()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := router.SnapshotFromJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	if restored["metadata.site"] != "plant-1" {
		t.Fatalf("round trip lost metadata: %v", restored)
	}
	ok, err = router.EvalCondition(domain.StageCondition{Field: "required_roles", Op: "in", Value: []string{"quality"}}, restored)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("required_roles lost in round trip: %v", restored["required_roles"])
	}
}

func TestExpandRolesDedupesAndDelegates(t *testing.T) {
	r := router.Router{Directory: memDirectory{
		roles: map[string][]string{
			"quality":  {"quinn", "erin"},
			"engineer": {"erin", "evan"},
		},
		delegations: map[string]string{"evan": "dave"},
	}}
	assignees, err := r.ExpandRoles(context.Background(), []string{"quality", "engineer"})
	if err != nil {
		t.Fatal(err)
	}
	// erin appears in both roles but is assigned once; evan is substituted
	got := map[string]string{}
	for _, a := range assignees {
		got[a.ID] = a.DelegatedFrom
	}
	if len(assignees) != 3 {
		t.Fatalf("expected 3 assignees, got %v", assignees)
	}
	if _, dup := got["evan"]; dup {
		t.Fatalf("delegator should not be assigned: %v", got)
	}
	if got["dave"] != "evan" {
		t.Fatalf("expected dave delegated from evan, got %v", got)
	}
	if got["quinn"] != "" || got["erin"] != "" {
		t.Fatalf("unexpected delegation marks: %v", got)
	}
}

func TestExpandRolesSelfDelegationIgnored(t *testing.T) {
	r := router.Router{Directory: memDirectory{
		roles:       map[string][]string{"quality": {"quinn"}},
		delegations: map[string]string{"quinn": "quinn"},
	}}
	assignees, err := r.ExpandRoles(context.Background(), []string{"quality"})
	if err != nil {
		t.Fatal(err)
	}
	if len(assignees) != 1 || assignees[0].ID != "quinn" || assignees[0].DelegatedFrom != "" {
		t.Fatalf("self delegation should be a no-op, got %v", assignees)
	}
}

func TestResolveSkipsFalseCondition(t *testing.T) {
	r := router.Router{Directory: memDirectory{roles: map[string][]string{"quality": {"quinn"}}}}
	stage := domain.StageTemplate{
		Name:          "quality-signoff",
		RequiredRoles: []string{"quality"},
		ApprovalMode:  domain.ModeAll,
		Condition:     &domain.StageCondition{Field: "metadata.critical", Op: "eq", Value: true},
	}
	res, err := r.Resolve(context.Background(), stage, router.Snapshot{"metadata.critical": false})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || len(res.Assignees) != 0 {
		t.Fatalf("expected skip, got %+v", res)
	}

	res, err = r.Resolve(context.Background(), stage, router.Snapshot{"metadata.critical": true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || len(res.Assignees) != 1 {
		t.Fatalf("expected quinn assigned, got %+v", res)
	}
}

func TestResolveEmptyExpansionErrors(t *testing.T) {
	r := router.Router{Directory: memDirectory{roles: map[string][]string{}}}
	stage := domain.StageTemplate{Name: "inspector-review", RequiredRoles: []string{"inspector"}, ApprovalMode: domain.ModeAll}
	_, err := r.Resolve(context.Background(), stage, router.Snapshot{})
	var noEligible router.NoEligibleApproverError
	if !errors.As(err, &noEligible) {
		t.Fatalf("expected NoEligibleApproverError, got %v", err)
	}
	if noEligible.Stage != "inspector-review" {
		t.Fatalf("error should name the stage, got %+v", noEligible)
	}
}

func TestEvaluateStageModes(t *testing.T) {
	mk := func(spec string) []domain.StageAssignment {
		// spec is a comma list of p (pending), a, r, c, s (skipped), e
		var out []domain.StageAssignment
		for i, ch := range spec {
			a := domain.StageAssignment{AssigneeID: fmt.Sprintf("u%d", i)}
			switch ch {
			case 'p':
				a.Status = domain.AssignmentPending
			case 'a':
				a.Status = domain.AssignmentCompleted
				a.Outcome = strPtr(domain.OutcomeApproved)
			case 'r':
				a.Status = domain.AssignmentCompleted
				a.Outcome = strPtr(domain.OutcomeRejected)
			case 'c':
				a.Status = domain.AssignmentCompleted
				a.Outcome = strPtr(domain.OutcomeChangesRequested)
			case 's':
				a.Status = domain.AssignmentSkipped
			case 'e':
				a.Status = domain.AssignmentEscalated
			}
			out = append(out, a)
		}
		return out
	}

	cases := []struct {
		name      string
		mode      string
		quorum    int
		spec      string
		concluded bool
		outcome   string
	}{
		{"any first approval", domain.ModeAny, 0, "ap", true, domain.OutcomeApproved},
		{"any all pending", domain.ModeAny, 0, "ppp", false, ""},
		{"any everyone declined", domain.ModeAny, 0, "rr", true, domain.OutcomeRejected},
		{"any one declined one pending", domain.ModeAny, 0, "rp", false, ""},
		{"all one rejection concludes", domain.ModeAll, 0, "ar", true, domain.OutcomeRejected},
		{"all changes requested", domain.ModeAll, 0, "cp", true, domain.OutcomeChangesRequested},
		{"all everyone approved", domain.ModeAll, 0, "aa", true, domain.OutcomeApproved},
		{"all still pending", domain.ModeAll, 0, "ap", false, ""},
		{"all escalated rows ignored", domain.ModeAll, 0, "ea", true, domain.OutcomeApproved},
		{"quorum met", domain.ModeQuorum, 2, "aap", true, domain.OutcomeApproved},
		{"quorum reachable", domain.ModeQuorum, 2, "arp", false, ""},
		{"quorum unreachable", domain.ModeQuorum, 2, "arr", true, domain.OutcomeRejected},
		{"quorum skipped excluded", domain.ModeQuorum, 2, "ass", true, domain.OutcomeRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := router.EvaluateStage(tc.mode, tc.quorum, mk(tc.spec))
			if v.Concluded != tc.concluded {
				t.Fatalf("concluded=%v, want %v", v.Concluded, tc.concluded)
			}
			if tc.concluded && v.Outcome != tc.outcome {
				t.Fatalf("outcome=%s, want %s", v.Outcome, tc.outcome)
			}
		})
	}
}
