package entities

import (
	"fmt"
)

// RiskLevel represents the security risk level of a permission set.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "NONE"
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// RiskAnalyzer assesses the risk of a set of permissions.
type RiskAnalyzer interface {
	Analyze(perms []Permission) RiskReport
}

// RiskReport contains the risk assessment results.
type RiskReport struct {
	Level       RiskLevel
	RiskFactors []RiskFactor
}

// RiskFactor describes a specific risky permission.
type RiskFactor struct {
	Level       RiskLevel
	Description string
	// Rule is a human-readable rendering of the permission causing this risk
	Rule string
}

// SimpleRiskAnalyzer implements basic heuristic risk analysis.
type SimpleRiskAnalyzer struct{}

func NewSimpleRiskAnalyzer() RiskAnalyzer {
	return &SimpleRiskAnalyzer{}
}

func (a *SimpleRiskAnalyzer) Analyze(perms []Permission) RiskReport {
	report := RiskReport{
		Level: RiskNone,
	}

	addFactor := func(level RiskLevel, desc string, p Permission) {
		if level > RiskNone {
			report.RiskFactors = append(report.RiskFactors, RiskFactor{
				Level:       level,
				Description: desc,
				Rule:        p.String(),
			})
			if level > report.Level {
				report.Level = level
			}
		}
	}

	for _, p := range perms {
		switch p.Kind {
		case KindNetwork:
			if hasPattern(p.Patterns, "*", "0.0.0.0") {
				addFactor(RiskCritical, "Unrestricted network access", p)
			} else if p.Allows(OpListen) {
				addFactor(RiskHigh, "Inbound network access", p)
			} else {
				addFactor(RiskMedium, "Outbound network access", p)
			}

		case KindFS:
			if p.Allows(OpWrite) {
				addFactor(RiskHigh, "Filesystem write access", p)
			}
			if p.Allows(OpRead) {
				addFactor(RiskMedium, "Filesystem read access", p)
			}

		case KindProcess:
			addFactor(RiskCritical, "Arbitrary command execution", p)

		case KindEnv:
			addFactor(RiskLow, "Environment variable access", p)

		case KindHostCall:
			if hasPattern(p.Patterns, "*", "**") {
				addFactor(RiskMedium, fmt.Sprintf("Unrestricted host function access (%d patterns)", len(p.Patterns)), p)
			}
		}
	}

	return report
}

func hasPattern(patterns []string, wanted ...string) bool {
	for _, p := range patterns {
		for _, w := range wanted {
			if p == w {
				return true
			}
		}
	}
	return false
}
