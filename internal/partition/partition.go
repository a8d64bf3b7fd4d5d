// Package partition routes user PII to a storage partition by a trust
// hierarchy: tenant policy, declared residence, custom rules, IP geography,
// then the default. It also implements the two-phase PII write protocol.
package partition

import (
	"time"
)

// Resolution methods, in trust order.
const (
	MethodTenantPolicy      = "tenant_policy"
	MethodDeclaredResidence = "declared_residence"
	MethodCustomRule        = "custom_rule"
	MethodIPRouting         = "ip_routing"
	MethodDefault           = "default"
)

// Rule is one custom routing rule. Rules are evaluated in ascending
// priority; the first enabled rule that matches and names a registered
// partition wins.
type Rule struct {
	Name            string `json:"name"`
	Attribute       string `json:"attribute"`
	Operator        string `json:"operator"` // eq, ne, in, not_in, gt, lt, gte, lte
	Value           any    `json:"value"`
	TargetPartition string `json:"targetPartition"`
	Priority        int    `json:"priority"`
	Enabled         bool   `json:"enabled"`
}

// Settings is the live partition routing configuration.
type Settings struct {
	DefaultPartition    string            `json:"defaultPartition"`
	IPRoutingEnabled    bool              `json:"ipRoutingEnabled"`
	AvailablePartitions []string          `json:"availablePartitions"`
	TenantPartitions    map[string]string `json:"tenantPartitions"`
	PartitionRules      []Rule            `json:"partitionRules"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	UpdatedBy           string            `json:"updatedBy"`
}

// registered reports whether name may receive PII writes: it must be a
// configured partition or the default.
func (s *Settings) registered(name string) bool {
	if name == "" {
		return false
	}
	if name == s.DefaultPartition || name == "default" {
		return true
	}
	for _, p := range s.AvailablePartitions {
		if p == name {
			return true
		}
	}
	return false
}

// Decision is the outcome of one routing resolution.
type Decision struct {
	Partition string
	Method    string
}

// UserContext carries everything known about the user at routing time.
type UserContext struct {
	TenantID string
	// Attributes are the registration attributes, including
	// declared_residence when the user stated one.
	Attributes map[string]any
	// CountryCode is the request's geo country (e.g. from the edge), empty
	// when unknown.
	CountryCode string
}

// countryToPartition maps ISO 3166-1 alpha-2 codes to partitions for
// IP-based routing.
var countryToPartition = map[string]string{
	// EU / EEA
	"AT": "eu", "BE": "eu", "BG": "eu", "HR": "eu", "CY": "eu", "CZ": "eu",
	"DK": "eu", "EE": "eu", "FI": "eu", "FR": "eu", "DE": "eu", "GR": "eu",
	"HU": "eu", "IE": "eu", "IT": "eu", "LV": "eu", "LT": "eu", "LU": "eu",
	"MT": "eu", "NL": "eu", "PL": "eu", "PT": "eu", "RO": "eu", "SK": "eu",
	"SI": "eu", "ES": "eu", "SE": "eu", "IS": "eu", "LI": "eu", "NO": "eu",
	"GB": "eu", "CH": "eu",
	// Asia-Pacific
	"JP": "apac", "KR": "apac", "SG": "apac", "AU": "apac", "NZ": "apac",
	"IN": "apac", "HK": "apac", "TW": "apac",
	// Americas
	"US": "us", "CA": "us", "MX": "us", "BR": "us",
}

// Resolve picks the partition for a new user. Each source is consulted in
// trust order and skipped when it names an unregistered partition.
func Resolve(s *Settings, user UserContext) Decision {
	if p, ok := s.TenantPartitions[user.TenantID]; ok && s.registered(p) {
		return Decision{Partition: p, Method: MethodTenantPolicy}
	}

	if declared, ok := user.Attributes["declared_residence"].(string); ok && s.registered(declared) {
		return Decision{Partition: declared, Method: MethodDeclaredResidence}
	}

	if p, ok := matchRules(s, user.Attributes); ok {
		return Decision{Partition: p, Method: MethodCustomRule}
	}

	if s.IPRoutingEnabled && user.CountryCode != "" {
		if p, ok := countryToPartition[user.CountryCode]; ok && s.registered(p) {
			return Decision{Partition: p, Method: MethodIPRouting}
		}
	}

	return Decision{Partition: s.DefaultPartition, Method: MethodDefault}
}
