package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stagegate/internal/domain"
)

// Config models stagegate.yml.
type Config struct {
	Definitions struct {
		Catalog map[string]DefinitionDoc `yaml:"catalog"`
	} `yaml:"definitions"`
	Routing struct {
		Rules    []RoutingRule `yaml:"rules"`
		Fallback string        `yaml:"fallback"`
	} `yaml:"routing"`
	Escalation struct {
		SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
		SystemActor          string `yaml:"system_actor"`
	} `yaml:"escalation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// DefinitionDoc is a workflow definition as declared in the catalog. The map
// key becomes the definition id.
type DefinitionDoc struct {
	Name   string                 `yaml:"name"`
	Stages []domain.StageTemplate `yaml:"stages"`
}

// RoutingRule maps an entity type (optionally narrowed by a snapshot
// condition) to a catalog definition. Rules are evaluated in order.
type RoutingRule struct {
	EntityType string                 `yaml:"entity_type"`
	When       *domain.StageCondition `yaml:"when,omitempty"`
	Definition string                 `yaml:"definition"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// SystemActor returns the actor id used for synthesized escalation decisions.
func (c *Config) SystemActor() string {
	if c.Escalation.SystemActor != "" {
		return c.Escalation.SystemActor
	}
	return "system"
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Definitions.Catalog) == 0 {
		return fmt.Errorf("config.definitions.catalog is required")
	}
	for id, doc := range c.Definitions.Catalog {
		if id == "" {
			return fmt.Errorf("config.definitions.catalog contains empty id")
		}
		if err := ValidateStages(doc.Stages); err != nil {
			return fmt.Errorf("definition %s: %w", id, err)
		}
	}
	if c.Routing.Fallback == "" {
		return fmt.Errorf("config.routing.fallback is required")
	}
	if _, ok := c.Definitions.Catalog[c.Routing.Fallback]; !ok {
		return fmt.Errorf("config.routing.fallback %s not in catalog", c.Routing.Fallback)
	}
	for i, rule := range c.Routing.Rules {
		if rule.EntityType == "" {
			return fmt.Errorf("routing rule %d: entity_type is required", i)
		}
		if rule.Definition == "" {
			return fmt.Errorf("routing rule %d: definition is required", i)
		}
		if _, ok := c.Definitions.Catalog[rule.Definition]; !ok {
			return fmt.Errorf("routing rule %d references unknown definition %s", i, rule.Definition)
		}
		if rule.When != nil {
			if err := validateCondition(rule.When); err != nil {
				return fmt.Errorf("routing rule %d: %w", i, err)
			}
		}
	}
	if c.Escalation.SweepIntervalSeconds < 0 {
		return fmt.Errorf("config.escalation.sweep_interval_seconds must be >= 0")
	}
	return nil
}

// ValidateStages checks a stage list for structural problems. Used both for
// catalog entries and definitions registered at runtime.
func ValidateStages(stages []domain.StageTemplate) error {
	if len(stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	for i, st := range stages {
		if st.Name == "" {
			return fmt.Errorf("stage %d: name is required", i)
		}
		if len(st.RequiredRoles) == 0 {
			return fmt.Errorf("stage %s: required_roles is required", st.Name)
		}
		switch st.ApprovalMode {
		case domain.ModeAny, domain.ModeAll:
			if st.Quorum != 0 {
				return fmt.Errorf("stage %s: quorum only valid with approval_mode quorum", st.Name)
			}
		case domain.ModeQuorum:
			if st.Quorum < 1 {
				return fmt.Errorf("stage %s: quorum must be >= 1", st.Name)
			}
		default:
			return fmt.Errorf("stage %s: invalid approval_mode %q", st.Name, st.ApprovalMode)
		}
		if st.Condition != nil {
			if err := validateCondition(st.Condition); err != nil {
				return fmt.Errorf("stage %s: %w", st.Name, err)
			}
		}
		if st.Escalation != nil {
			if st.Escalation.TimeoutSeconds <= 0 {
				return fmt.Errorf("stage %s: escalation timeout_seconds must be > 0", st.Name)
			}
			switch st.Escalation.OnTimeout {
			case domain.EscalateToRole:
				if st.Escalation.EscalateRole == "" {
					return fmt.Errorf("stage %s: escalate_role required for escalate_to", st.Name)
				}
			case domain.AutoApprove, domain.AutoReject:
			default:
				return fmt.Errorf("stage %s: invalid on_timeout %q", st.Name, st.Escalation.OnTimeout)
			}
		}
	}
	return nil
}

func validateCondition(c *domain.StageCondition) error {
	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	switch c.Op {
	case "eq", "ne", "gt", "gte", "lt", "lte", "in":
		return nil
	default:
		return fmt.Errorf("invalid condition op %q", c.Op)
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in config with the reference MES catalog.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `definitions:
  catalog:
    generic-single-stage:
      name: Generic single sign-off
      stages:
        - name: sign-off
          required_roles: [supervisor]
          approval_mode: any

    eco-standard:
      name: Engineering change order (standard)
      stages:
        - name: engineering-review
          required_roles: [engineer]
          approval_mode: all
          escalation:
            timeout_seconds: 172800
            on_timeout: escalate_to
            escalate_role: engineering-manager
        - name: quality-signoff
          required_roles: [quality]
          approval_mode: all
          condition:
            field: metadata.critical
            op: eq
            value: true
          escalation:
            timeout_seconds: 172800
            on_timeout: escalate_to
            escalate_role: quality-manager
        - name: final-release
          required_roles: [engineering-manager]
          approval_mode: any

    eco-emergency:
      name: Engineering change order (emergency)
      stages:
        - name: emergency-release
          required_roles: [engineering-manager]
          approval_mode: any
          escalation:
            timeout_seconds: 14400
            on_timeout: auto_approve

    timesheet-weekly:
      name: Time entry approval
      stages:
        - name: supervisor-approval
          required_roles: [supervisor]
          approval_mode: any
          escalation:
            timeout_seconds: 604800
            on_timeout: auto_approve

    deviation-review:
      name: Quality deviation disposition
      stages:
        - name: mrb-review
          required_roles: [quality, engineer]
          approval_mode: quorum
          quorum: 2
          escalation:
            timeout_seconds: 259200
            on_timeout: escalate_to
            escalate_role: quality-manager

    fai-report:
      name: First-article inspection approval
      stages:
        - name: inspector-review
          required_roles: [inspector]
          approval_mode: all
        - name: customer-approval
          required_roles: [quality-manager]
          approval_mode: any

    document-release:
      name: Controlled document release
      stages:
        - name: document-review
          required_roles: [document-control]
          approval_mode: all
          escalation:
            timeout_seconds: 432000
            on_timeout: auto_reject

routing:
  rules:
    - entity_type: eco
      when:
        field: priority
        op: in
        value: [urgent, emergency]
      definition: eco-emergency
    - entity_type: eco
      definition: eco-standard
    - entity_type: time_entry
      definition: timesheet-weekly
    - entity_type: deviation
      definition: deviation-review
    - entity_type: fai_report
      definition: fai-report
    - entity_type: document
      definition: document-release
  fallback: generic-single-stage

escalation:
  sweep_interval_seconds: 30
  system_actor: system
`
