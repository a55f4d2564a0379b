package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// FallbackMode selects what happens when a request matches a rule's domain
// but none of its inner rewrite rules.
type FallbackMode string

const (
	// FallbackPrefix prepends the rule's pathPrefix.
	FallbackPrefix FallbackMode = "prefix"
	// FallbackPassthrough forwards the path unchanged.
	FallbackPassthrough FallbackMode = "passthrough"
	// FallbackError rejects the request with 404.
	FallbackError FallbackMode = "error"
)

// RouteRule maps a request domain to an upstream backend with optional
// path rewriting. Rules are evaluated in declaration order.
type RouteRule struct {
	// Domain is an exact hostname or a wildcard pattern like
	// "*.example.com" (the wildcard matches exactly one label).
	Domain string `json:"domain" yaml:"domain"`

	// Backend overrides the default backend for this rule. Empty means
	// the default backend is used.
	Backend string `json:"backend" yaml:"backend"`

	// UseTLS overrides the default backend TLS flag when non-nil.
	UseTLS *bool `json:"useTLS" yaml:"useTLS"`

	// PathPrefix is prepended to the request path by the prefix fallback
	// and by inner prefix rules without an explicit replacement.
	PathPrefix string `json:"pathPrefix" yaml:"pathPrefix"`

	// Rules are inner rewrite rules tried in order; the first match wins.
	Rules []InnerRule `json:"rules" yaml:"rules"`

	// Fallback applies when no inner rule matched. Empty means prefix when
	// PathPrefix is set, passthrough otherwise.
	Fallback FallbackMode `json:"fallback" yaml:"fallback"`
}

// InnerRule rewrites a path within a matched RouteRule.
type InnerRule struct {
	// Methods filters by HTTP method; empty matches all methods.
	Methods []string `json:"methods" yaml:"methods"`

	// Pattern is a regular expression matched against the request path.
	// Capture groups are available to Replacement as $1, $2, ...
	Pattern string `json:"pattern" yaml:"pattern"`

	// Prefix matches when the request path starts with it. Ignored when
	// Pattern is set.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Replacement is the rewritten path (a template when Pattern is used).
	Replacement string `json:"replacement" yaml:"replacement"`

	// Break stops rule evaluation after this rule applies.
	Break bool `json:"break" yaml:"break"`
}

func (r *RouteRule) validate() error {
	if r.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	switch r.Fallback {
	case "", FallbackPrefix, FallbackPassthrough, FallbackError:
	default:
		return fmt.Errorf("invalid fallback %q", r.Fallback)
	}
	if r.Fallback == FallbackPrefix && r.PathPrefix == "" {
		return fmt.Errorf("fallback=prefix requires pathPrefix")
	}
	for i, inner := range r.Rules {
		if inner.Pattern == "" && inner.Prefix == "" {
			return fmt.Errorf("inner rule %d: pattern or prefix is required", i)
		}
		if inner.Pattern != "" {
			if _, err := regexp.Compile(inner.Pattern); err != nil {
				return fmt.Errorf("inner rule %d: invalid pattern: %w", i, err)
			}
		}
		for _, m := range inner.Methods {
			if !validMethods[strings.ToUpper(m)] {
				return fmt.Errorf("inner rule %d: invalid method %q", i, m)
			}
		}
	}
	return nil
}

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// rulesFile is the YAML document shape of the optional rules file.
type rulesFile struct {
	Rules []RouteRule `yaml:"rules"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR_NAME} with environment variable values,
// leaving unset references untouched.
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// LoadRulesFile reads and parses a YAML routing-rules file.
func LoadRulesFile(path string) ([]RouteRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses routing rules from YAML bytes.
func ParseRules(data []byte) ([]RouteRule, error) {
	expanded := expandEnvVars(string(data))

	var doc rulesFile
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}
	for i := range doc.Rules {
		if err := doc.Rules[i].validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, doc.Rules[i].Domain, err)
		}
	}
	return doc.Rules, nil
}
