package config_test

import (
	"strings"
	"testing"

	"stagegate/internal/config"
	"stagegate/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Definitions.Catalog) == 0 {
		t.Fatalf("default catalog empty")
	}
	if cfg.Routing.Fallback != "generic-single-stage" {
		t.Fatalf("unexpected fallback %s", cfg.Routing.Fallback)
	}
	if cfg.SystemActor() != "system" {
		t.Fatalf("unexpected system actor %s", cfg.SystemActor())
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
	eco, ok := cfg.Definitions.Catalog["eco-standard"]
	if !ok {
		t.Fatalf("eco-standard missing from generated catalog")
	}
	if len(eco.Stages) != 3 || eco.Stages[1].Condition == nil {
		t.Fatalf("eco-standard stages malformed: %+v", eco.Stages)
	}
}

func TestValidateStages(t *testing.T) {
	ok := []domain.StageTemplate{{Name: "review", RequiredRoles: []string{"quality"}, ApprovalMode: domain.ModeAll}}
	if err := config.ValidateStages(ok); err != nil {
		t.Fatalf("valid stages rejected: %v", err)
	}

	cases := []struct {
		name   string
		stages []domain.StageTemplate
		want   string
	}{
		{"empty", nil, "at least one stage"},
		{"nameless", []domain.StageTemplate{{RequiredRoles: []string{"q"}, ApprovalMode: "all"}}, "name is required"},
		{"no roles", []domain.StageTemplate{{Name: "x", ApprovalMode: "all"}}, "required_roles"},
		{"bad mode", []domain.StageTemplate{{Name: "x", RequiredRoles: []string{"q"}, ApprovalMode: "majority"}}, "invalid approval_mode"},
		{"quorum without count", []domain.StageTemplate{{Name: "x", RequiredRoles: []string{"q"}, ApprovalMode: "quorum"}}, "quorum must be >= 1"},
		{"quorum on all mode", []domain.StageTemplate{{Name: "x", RequiredRoles: []string{"q"}, ApprovalMode: "all", Quorum: 2}}, "quorum only valid"},
		{"bad condition op", []domain.StageTemplate{{Name: "x", RequiredRoles: []string{"q"}, ApprovalMode: "all",
			Condition: &domain.StageCondition{Field: "priority", Op: "matches", Value: "x"}}}, "invalid condition op"},
		{"zero timeout", []domain.StageTemplate{{Name: "x", RequiredRoles: []string{"q"}, ApprovalMode: "all",
			Escalation: &domain.EscalationPolicy{OnTimeout: domain.AutoApprove}}}, "timeout_seconds"},
		{"escalate without role", []domain.StageTemplate{{Name: "x", RequiredRoles: []string{"q"}, ApprovalMode: "all",
			Escalation: &domain.EscalationPolicy{TimeoutSeconds: 60, OnTimeout: domain.EscalateToRole}}}, "escalate_role required"},
		{"unknown policy", []domain.StageTemplate{{Name: "x", RequiredRoles: []string{"q"}, ApprovalMode: "all",
			Escalation: &domain.EscalationPolicy{TimeoutSeconds: 60, OnTimeout: "page_oncall"}}}, "invalid on_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := config.ValidateStages(tc.stages)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFromYAMLRejectsBadRouting(t *testing.T) {
	raw := `definitions:
  catalog:
    only:
      name: Only
      stages:
        - name: sign-off
          required_roles: [supervisor]
          approval_mode: any
routing:
  rules:
    - entity_type: eco
      definition: missing
  fallback: only
`
	if _, err := config.FromYAML([]byte(raw)); err == nil || !strings.Contains(err.Error(), "unknown definition") {
		t.Fatalf("expected unknown-definition error, got %v", err)
	}
}

func TestPath(t *testing.T) {
	if got := config.Path("/tmp/ws"); got != "/tmp/ws/stagegate.yml" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := config.Path(""); got != "stagegate.yml" {
		t.Fatalf("empty workspace should use cwd, got %s", got)
	}
}
