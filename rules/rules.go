// Package rules holds the static pattern table used to score requests.
package rules

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/caasmo/threatguard/config"
)

type Target string

const (
	TargetPath         Target = config.RuleTargetPath
	TargetUserAgent    Target = config.RuleTargetUserAgent
	TargetTrustedAgent Target = config.RuleTargetTrustedAgent
)

var ErrInvalidRule = errors.New("rules: invalid rule")

// Rule is immutable once the Set is built.
type Rule struct {
	Name     string         `json:"name"`
	Target   Target         `json:"target"`
	Category string         `json:"category"`
	Pattern  *regexp.Regexp `json:"-"`
	Weight   int            `json:"weight"`
}

// Set is the loaded rule table split by target. Order within a target is
// the configured order: the first match wins.
type Set struct {
	all     []Rule
	path    []Rule
	agent   []Rule
	trusted []Rule
}

// New builds a Set from configuration rules.
func New(cfgRules []config.Rule) (*Set, error) {
	s := &Set{}
	for i, cr := range cfgRules {
		if cr.Pattern.Regexp == nil {
			return nil, fmt.Errorf("%w: rule[%d] %q has no pattern", ErrInvalidRule, i, cr.Name)
		}
		r := Rule{
			Name:     cr.Name,
			Target:   Target(cr.Target),
			Category: cr.Category,
			Pattern:  cr.Pattern.Regexp,
			Weight:   cr.Weight,
		}
		switch r.Target {
		case TargetPath:
			s.path = append(s.path, r)
		case TargetUserAgent:
			s.agent = append(s.agent, r)
		case TargetTrustedAgent:
			s.trusted = append(s.trusted, r)
		default:
			return nil, fmt.Errorf("%w: rule[%d] %q has unknown target %q", ErrInvalidRule, i, cr.Name, cr.Target)
		}
		s.all = append(s.all, r)
	}
	return s, nil
}

// MustNew is New for tests and built-in tables.
func MustNew(cfgRules []config.Rule) *Set {
	s, err := New(cfgRules)
	if err != nil {
		panic(err)
	}
	return s
}

// MatchPath returns the first path rule matching path.
func (s *Set) MatchPath(path string) (Rule, bool) {
	return first(s.path, path)
}

// MatchUserAgent returns the first scanner/tooling rule matching ua.
func (s *Set) MatchUserAgent(ua string) (Rule, bool) {
	if ua == "" {
		return Rule{}, false
	}
	return first(s.agent, ua)
}

// IsTrustedAgent reports whether ua belongs to a known monitoring service.
func (s *Set) IsTrustedAgent(ua string) bool {
	if ua == "" {
		return false
	}
	_, ok := first(s.trusted, ua)
	return ok
}

// All returns a copy of the table in configured order.
func (s *Set) All() []Rule {
	out := make([]Rule, len(s.all))
	copy(out, s.all)
	return out
}

func (s *Set) Len() int { return len(s.all) }

func first(rules []Rule, input string) (Rule, bool) {
	for _, r := range rules {
		if r.Pattern.MatchString(input) {
			return r, true
		}
	}
	return Rule{}, false
}
