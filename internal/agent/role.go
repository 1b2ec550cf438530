// Package agent routes student requests to specialized prompt agents,
// invokes them through the model gateway and unifies their voice.
package agent

import (
	"fmt"
	"strings"
)

// Role identifies one specialized agent.
type Role string

// Chat roles.
const (
	RoleStudyHelper Role = "study_helper"
	RoleTimeManager Role = "time_manager"
	RoleResearcher  Role = "researcher"
	RoleMotivator   Role = "motivator"
)

// Vision roles. study_helper and researcher are shared with chat.
const (
	RoleTechnicalAnalyzer Role = "technical_analyzer"
	RoleFormulaExtractor  Role = "formula_extractor"
)

// Voice roles.
const (
	RoleAcademicTranscriber Role = "academic_transcriber"
	RoleGeneralTranscriber  Role = "general_transcriber"
	RoleSpeechSynthesizer   Role = "speech_synthesizer"
)

// String returns the wire name of the role.
func (r Role) String() string {
	return string(r)
}

// Profile is the fixed upstream configuration of one role.
type Profile struct {
	Model        string
	Instructions string
	MaxTokens    int
	Temperature  float64
}

// RoleSpec declares a role inside a domain.
type RoleSpec struct {
	Role Role
	// Description is shown to the classifier.
	Description string
	Profile     Profile
}

// KeywordRule maps query terms to a role for the deterministic fallback.
type KeywordRule struct {
	Role  Role
	Terms []string
}

// Domain is a closed set of roles for one pipeline, with its default role and
// keyword fallback table. Every declared role has a profile.
type Domain struct {
	Name     string
	Default  Role
	Roles    []RoleSpec
	Keywords []KeywordRule
	index    map[Role]int
}

// NewDomain validates and indexes a domain. The default role, every keyword
// role and every profile must be declared and complete.
func NewDomain(name string, def Role, roles []RoleSpec, keywords []KeywordRule) (*Domain, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("domain %s: no roles", name)
	}
	d := &Domain{
		Name:     name,
		Default:  def,
		Roles:    roles,
		Keywords: keywords,
		index:    make(map[Role]int, len(roles)),
	}
	for i, spec := range roles {
		if _, dup := d.index[spec.Role]; dup {
			return nil, fmt.Errorf("domain %s: duplicate role %s", name, spec.Role)
		}
		if spec.Profile.Model == "" || strings.TrimSpace(spec.Profile.Instructions) == "" {
			return nil, fmt.Errorf("domain %s: role %s has an incomplete profile", name, spec.Role)
		}
		if spec.Profile.MaxTokens <= 0 {
			return nil, fmt.Errorf("domain %s: role %s needs a positive token budget", name, spec.Role)
		}
		d.index[spec.Role] = i
	}
	if !d.Has(def) {
		return nil, fmt.Errorf("domain %s: default role %s is not declared", name, def)
	}
	for _, rule := range keywords {
		if !d.Has(rule.Role) {
			return nil, fmt.Errorf("domain %s: keyword role %s is not declared", name, rule.Role)
		}
	}
	return d, nil
}

func mustDomain(name string, def Role, roles []RoleSpec, keywords []KeywordRule) *Domain {
	d, err := NewDomain(name, def, roles, keywords)
	if err != nil {
		panic(err)
	}
	return d
}

// Has reports whether role belongs to the domain.
func (d *Domain) Has(role Role) bool {
	_, ok := d.index[role]
	return ok
}

// Spec returns the declaration of role.
func (d *Domain) Spec(role Role) (RoleSpec, bool) {
	i, ok := d.index[role]
	if !ok {
		return RoleSpec{}, false
	}
	return d.Roles[i], true
}

// Profile returns the profile of role. Roles outside the domain resolve to
// the default role's profile.
func (d *Domain) Profile(role Role) Profile {
	if spec, ok := d.Spec(role); ok {
		return spec.Profile
	}
	spec, _ := d.Spec(d.Default)
	return spec.Profile
}

// RoleNames lists the declared roles in order.
func (d *Domain) RoleNames() []string {
	names := make([]string, len(d.Roles))
	for i, spec := range d.Roles {
		names[i] = string(spec.Role)
	}
	return names
}

// ParseRole maps a classifier label onto a declared role.
func (d *Domain) ParseRole(label string) (Role, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.ReplaceAll(label, "-", "_")
	label = strings.ReplaceAll(label, " ", "_")
	role := Role(label)
	return role, d.Has(role)
}
