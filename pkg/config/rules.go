package config

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/nicktill/tinyapm/pkg/model"
)

// Thresholds are the alarm rules of one domain. Error rates are fractions
// (0.5 = 50%); response times are milliseconds.
type Thresholds struct {
	CallerErrorRate           float64 `yaml:"callerErrorRate" json:"caller_error_rate"`
	CalleeErrorRate           float64 `yaml:"calleeErrorRate" json:"callee_error_rate"`
	CallerAverageResponseTime float64 `yaml:"callerAverageResponseTime" json:"caller_average_response_time"`
	CalleeAverageResponseTime float64 `yaml:"calleeAverageResponseTime" json:"callee_average_response_time"`
}

func (t Thresholds) validate(domain string) error {
	for name, v := range map[string]float64{
		"callerErrorRate":           t.CallerErrorRate,
		"calleeErrorRate":           t.CalleeErrorRate,
		"callerAverageResponseTime": t.CallerAverageResponseTime,
		"calleeAverageResponseTime": t.CalleeAverageResponseTime,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("config: rules.%s.%s must be a non-negative number, got %v", domain, name, v)
		}
	}
	if t.CallerErrorRate > 1 || t.CalleeErrorRate > 1 {
		return fmt.Errorf("config: rules.%s error rates are fractions and must not exceed 1", domain)
	}
	return nil
}

// RulesConfig holds the thresholds of every domain.
type RulesConfig struct {
	Instance    Thresholds `yaml:"instance" json:"instance"`
	Service     Thresholds `yaml:"service" json:"service"`
	Application Thresholds `yaml:"application" json:"application"`
}

// DefaultRules returns the built-in thresholds.
func DefaultRules() RulesConfig {
	t := Thresholds{
		CallerErrorRate:           0.1,
		CalleeErrorRate:           0.1,
		CallerAverageResponseTime: 1000,
		CalleeAverageResponseTime: 1000,
	}
	return RulesConfig{Instance: t, Service: t, Application: t}
}

// Validate rejects negative or out of range thresholds.
func (r RulesConfig) Validate() error {
	if err := r.Instance.validate("instance"); err != nil {
		return err
	}
	if err := r.Service.validate("service"); err != nil {
		return err
	}
	return r.Application.validate("application")
}

// For returns the thresholds of domain.
func (r RulesConfig) For(domain model.Domain) Thresholds {
	switch domain {
	case model.ServiceDomain:
		return r.Service
	case model.ApplicationDomain:
		return r.Application
	default:
		return r.Instance
	}
}

// RuleStore holds the active rules. Readers always see a complete rule set;
// Replace swaps it atomically.
type RuleStore struct {
	rules atomic.Pointer[RulesConfig]
}

// NewRuleStore returns a store serving initial.
func NewRuleStore(initial RulesConfig) *RuleStore {
	s := &RuleStore{}
	s.rules.Store(&initial)
	return s
}

// Rules returns the active rule set.
func (s *RuleStore) Rules() RulesConfig { return *s.rules.Load() }

// Replace validates and activates rules.
func (s *RuleStore) Replace(rules RulesConfig) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	s.rules.Store(&rules)
	return nil
}

// Domain returns a live view of one domain's thresholds. Every call on the
// view reads the currently active rules.
func (s *RuleStore) Domain(domain model.Domain) DomainRules {
	return DomainRules{store: s, domain: domain}
}

// DomainRules reads the thresholds of a single domain.
type DomainRules struct {
	store  *RuleStore
	domain model.Domain
}

func (d DomainRules) current() Thresholds { return d.store.Rules().For(d.domain) }

func (d DomainRules) CallerErrorRateThreshold() float64 { return d.current().CallerErrorRate }

func (d DomainRules) CalleeErrorRateThreshold() float64 { return d.current().CalleeErrorRate }

func (d DomainRules) CallerAverageResponseTimeThreshold() float64 {
	return d.current().CallerAverageResponseTime
}

func (d DomainRules) CalleeAverageResponseTimeThreshold() float64 {
	return d.current().CalleeAverageResponseTime
}
