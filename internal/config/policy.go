package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/akmatori/escalator/internal/database"
)

// DefaultPolicyName is the escalation policy used when a category has none
const DefaultPolicyName = "default"

// Rotation is how often a schedule hands off
type Rotation string

const (
	RotationDaily  Rotation = "daily"
	RotationWeekly Rotation = "weekly"
)

// Days returns the length of one rotation slot in calendar days
func (r Rotation) Days() int {
	if r == RotationWeekly {
		return 7
	}
	return 1
}

// Threshold holds the SLA deadlines for one severity
type Threshold struct {
	TTA time.Duration `yaml:"tta" json:"tta"`
	TTR time.Duration `yaml:"ttr" json:"ttr"`
}

// EscalationTier is one step of an escalation policy
type EscalationTier struct {
	Role  string        `yaml:"role" json:"role"`
	Delay time.Duration `yaml:"delay" json:"delay"`
}

// EscalationPolicy is an ordered list of tiers
type EscalationPolicy struct {
	Name  string           `yaml:"-" json:"name"`
	Tiers []EscalationTier `yaml:"tiers" json:"tiers"`
}

// LastTier returns the index of the final tier
func (p EscalationPolicy) LastTier() int {
	return len(p.Tiers) - 1
}

// Tier returns tier i, clamped to the last tier
func (p EscalationPolicy) Tier(i int) EscalationTier {
	if i < 0 {
		i = 0
	}
	if i > p.LastTier() {
		i = p.LastTier()
	}
	return p.Tiers[i]
}

// Schedule is a rotation of people through roles
type Schedule struct {
	Name     string              `yaml:"name" json:"name"`
	Rotation Rotation            `yaml:"rotation" json:"rotation"`
	Timezone string              `yaml:"timezone" json:"timezone"`
	Start    string              `yaml:"start" json:"start"`
	Roles    map[string][]string `yaml:"roles" json:"roles"`

	loc   *time.Location
	start time.Time
}

// Location returns the schedule's time zone
func (s *Schedule) Location() *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

// StartLocal returns the first hand-off in the schedule's time zone
func (s *Schedule) StartLocal() time.Time {
	return s.start
}

var scheduleStartLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func (s *Schedule) compile() error {
	if s.Name == "" {
		return errors.New("schedule name is required")
	}
	switch s.Rotation {
	case RotationDaily, RotationWeekly:
	case "":
		s.Rotation = RotationWeekly
	default:
		return fmt.Errorf("schedule %s: unknown rotation %q", s.Name, s.Rotation)
	}

	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid timezone %q: %w", s.Name, s.Timezone, err)
	}
	s.loc = loc

	var start time.Time
	parsed := false
	for _, layout := range scheduleStartLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(s.Start), loc); err == nil {
			start, parsed = t, true
			break
		}
	}
	if !parsed {
		return fmt.Errorf("schedule %s: invalid start %q", s.Name, s.Start)
	}
	s.start = start

	if len(s.Roles) == 0 {
		return fmt.Errorf("schedule %s: no roles", s.Name)
	}
	for role, people := range s.Roles {
		if len(people) == 0 {
			return fmt.Errorf("schedule %s: role %s has no people", s.Name, role)
		}
	}
	return nil
}

// Override is a static on-call override declared in the policy file
type Override struct {
	Role   string    `yaml:"role" json:"role"`
	Person string    `yaml:"person" json:"person"`
	Start  time.Time `yaml:"start" json:"start"`
	End    time.Time `yaml:"end" json:"end"`
}

// Contact holds how to reach a person
type Contact struct {
	Email   string `yaml:"email" json:"email,omitempty"`
	SlackID string `yaml:"slack_id" json:"slack_id,omitempty"`
	Phone   string `yaml:"phone" json:"phone,omitempty"`
}

// Policy is the escalation configuration loaded from the policy file
type Policy struct {
	Thresholds         map[database.Severity]Threshold `yaml:"thresholds" json:"thresholds"`
	EscalationPolicies map[string]EscalationPolicy     `yaml:"escalation_policies" json:"escalation_policies"`
	Schedules          []*Schedule                     `yaml:"schedules" json:"schedules"`
	Overrides          []Override                      `yaml:"overrides" json:"overrides"`
	People             map[string]Contact              `yaml:"people" json:"people"`
}

// DefaultThresholds returns the built-in severity table
func DefaultThresholds() map[database.Severity]Threshold {
	return map[database.Severity]Threshold{
		database.SeverityCritical: {TTA: 5 * time.Minute, TTR: 30 * time.Minute},
		database.SeverityHigh:     {TTA: 15 * time.Minute, TTR: 2 * time.Hour},
		database.SeverityMedium:   {TTA: time.Hour, TTR: 8 * time.Hour},
		database.SeverityLow:      {TTA: 4 * time.Hour, TTR: 24 * time.Hour},
	}
}

// DefaultEscalationPolicy returns primary -> secondary -> manager with no delays
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		Name: DefaultPolicyName,
		Tiers: []EscalationTier{
			{Role: "primary"},
			{Role: "secondary"},
			{Role: "manager"},
		},
	}
}

// NewDefaultPolicy returns a policy with built-in thresholds and tiers and no schedules
func NewDefaultPolicy() *Policy {
	p := &Policy{}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

// ParsePolicy decodes and validates a YAML policy document
func ParsePolicy(data []byte) (*Policy, error) {
	p := &Policy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPolicy reads and validates a policy file
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// Validate fills defaults and checks the policy for consistency
func (p *Policy) Validate() error {
	thresholds := DefaultThresholds()
	for sev, th := range p.Thresholds {
		if !sev.IsValid() {
			return fmt.Errorf("invalid policy: unknown severity %q in thresholds", sev)
		}
		thresholds[sev] = th
	}
	for sev, th := range thresholds {
		if th.TTA <= 0 || th.TTR <= 0 {
			return fmt.Errorf("invalid policy: %s thresholds must be positive", sev)
		}
		if th.TTA >= th.TTR {
			return fmt.Errorf("invalid policy: %s tta (%s) must be shorter than ttr (%s)", sev, th.TTA, th.TTR)
		}
	}
	p.Thresholds = thresholds

	if p.EscalationPolicies == nil {
		p.EscalationPolicies = map[string]EscalationPolicy{}
	}
	if _, ok := p.EscalationPolicies[DefaultPolicyName]; !ok {
		p.EscalationPolicies[DefaultPolicyName] = DefaultEscalationPolicy()
	}
	for name, ep := range p.EscalationPolicies {
		if len(ep.Tiers) == 0 {
			return fmt.Errorf("invalid policy: escalation policy %s has no tiers", name)
		}
		for i, tier := range ep.Tiers {
			if tier.Role == "" {
				return fmt.Errorf("invalid policy: escalation policy %s tier %d has no role", name, i)
			}
			if tier.Delay < 0 {
				return fmt.Errorf("invalid policy: escalation policy %s tier %d has negative delay", name, i)
			}
		}
		ep.Name = name
		p.EscalationPolicies[name] = ep
	}

	seen := map[string]bool{}
	for _, s := range p.Schedules {
		if s == nil {
			return errors.New("invalid policy: empty schedule entry")
		}
		if err := s.compile(); err != nil {
			return fmt.Errorf("invalid policy: %w", err)
		}
		if seen[s.Name] {
			return fmt.Errorf("invalid policy: duplicate schedule %s", s.Name)
		}
		seen[s.Name] = true
	}

	for i, o := range p.Overrides {
		if o.Role == "" || o.Person == "" {
			return fmt.Errorf("invalid policy: override %d needs role and person", i)
		}
		if !o.End.After(o.Start) {
			return fmt.Errorf("invalid policy: override %d ends before it starts", i)
		}
	}

	if p.People == nil {
		p.People = map[string]Contact{}
	}
	return nil
}

// Threshold returns the SLA thresholds for a severity
func (p *Policy) Threshold(sev database.Severity) Threshold {
	if th, ok := p.Thresholds[sev]; ok {
		return th
	}
	return DefaultThresholds()[database.SeverityMedium]
}

// EscalationPolicyFor returns the policy for a category, falling back to default
func (p *Policy) EscalationPolicyFor(category string) EscalationPolicy {
	if ep, ok := p.EscalationPolicies[category]; ok {
		return ep
	}
	if ep, ok := p.EscalationPolicies[DefaultPolicyName]; ok {
		return ep
	}
	return DefaultEscalationPolicy()
}

// Contact returns the directory entry for a person, if any
func (p *Policy) Contact(person string) Contact {
	return p.People[person]
}
