package model

import (
	"fmt"
	"strings"
)

// MetricSource is the side of a call relationship a metric was observed from.
type MetricSource int

const (
	Caller MetricSource = iota
	Callee
)

func (s MetricSource) String() string {
	switch s {
	case Caller:
		return "caller"
	case Callee:
		return "callee"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseSource parses "caller" or "callee".
func ParseSource(name string) (MetricSource, error) {
	switch strings.ToLower(name) {
	case "caller":
		return Caller, nil
	case "callee":
		return Callee, nil
	}
	return 0, fmt.Errorf("unknown metric source %q", name)
}

func (s MetricSource) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MetricSource) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Domain is the entity level a metric or alarm is aggregated at.
type Domain int

const (
	InstanceDomain Domain = iota
	ServiceDomain
	ApplicationDomain
)

var domainNames = map[Domain]string{
	InstanceDomain:    "instance",
	ServiceDomain:     "service",
	ApplicationDomain: "application",
}

// Domains lists every domain in a stable order.
var Domains = []Domain{InstanceDomain, ServiceDomain, ApplicationDomain}

func (d Domain) String() string {
	if name, ok := domainNames[d]; ok {
		return name
	}
	return fmt.Sprintf("domain(%d)", int(d))
}

// ParseDomain parses "instance", "service" or "application".
func ParseDomain(name string) (Domain, error) {
	for _, d := range Domains {
		if strings.EqualFold(domainNames[d], name) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown domain %q", name)
}

func (d Domain) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Domain) UnmarshalText(b []byte) error {
	v, err := ParseDomain(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
