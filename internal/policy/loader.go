// Package policy decides which audit metadata is too sensitive to be written
// into an immutable chain, and reloads that decision from disk.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMinBlobBytes is the decoded size at which a base64 value is treated
// as embedded document content
const DefaultMinBlobBytes = 1024

// Policy is the on-disk metadata policy
//
//	prohibited_keys: [password, secret, ssn]
//	detectors:
//	  card_numbers: true
//	  private_keys: true
//	  blobs:
//	    enabled: true
//	    min_bytes: 1024
//	rules:
//	  - name: no-cookies
//	    expression: path.startsWith("request.headers.") && key == "cookie"
//	    message: request cookies must not be audited
type Policy struct {
	Version        string    `yaml:"version" json:"version"`
	ProhibitedKeys []string  `yaml:"prohibited_keys" json:"prohibited_keys"`
	Detectors      Detectors `yaml:"detectors" json:"detectors"`
	Rules          []Rule    `yaml:"rules" json:"rules"`
}

// Detectors toggles the built-in content detectors
type Detectors struct {
	CardNumbers bool          `yaml:"card_numbers" json:"card_numbers"`
	PrivateKeys bool          `yaml:"private_keys" json:"private_keys"`
	Blobs       BlobDetection `yaml:"blobs" json:"blobs"`
}

// BlobDetection flags base64 values that decode to at least MinBytes
type BlobDetection struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	MinBytes int  `yaml:"min_bytes" json:"min_bytes"`
}

// Rule is a CEL expression evaluated against every metadata entry. A rule
// that evaluates to true rejects the entry.
type Rule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Message    string `yaml:"message" json:"message"`
}

// DefaultPolicy enables every detector and prohibits common credential keys
func DefaultPolicy() *Policy {
	return &Policy{
		Version:        "v1",
		ProhibitedKeys: []string{"password", "passwd", "secret", "api_key", "access_token", "refresh_token", "private_key"},
		Detectors: Detectors{
			CardNumbers: true,
			PrivateKeys: true,
			Blobs:       BlobDetection{Enabled: true, MinBytes: DefaultMinBlobBytes},
		},
	}
}

// Validate checks the policy for structural errors. CEL compilation happens
// when a Checker is built.
func (p *Policy) Validate() error {
	var errs []error

	if p.Detectors.Blobs.MinBytes < 0 {
		errs = append(errs, fmt.Errorf("detectors.blobs.min_bytes must not be negative"))
	}

	for i, key := range p.ProhibitedKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Errorf("prohibited_keys[%d] is empty", i))
		}
	}

	seen := make(map[string]struct{}, len(p.Rules))
	for i, rule := range p.Rules {
		if rule.Name == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: name is required", i))
		} else if _, dup := seen[rule.Name]; dup {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate rule name %q", i, rule.Name))
		}
		seen[rule.Name] = struct{}{}

		if strings.TrimSpace(rule.Expression) == "" {
			errs = append(errs, fmt.Errorf("rules[%d] (%s): expression is required", i, rule.Name))
		}
	}

	return errors.Join(errs...)
}

// LoadFile reads and validates a policy file. YAML and JSON are both accepted
// since JSON is a subset of YAML.
func LoadFile(path string) (*Policy, error) {
	ext := filepath.Ext(path)
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil, fmt.Errorf("unsupported policy file extension %q", ext)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	p, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a policy document. Unknown fields are rejected
// so a misspelt detector never silently turns into "disabled".
func Parse(content []byte) (*Policy, error) {
	p := &Policy{}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	if p.Detectors.Blobs.Enabled && p.Detectors.Blobs.MinBytes == 0 {
		p.Detectors.Blobs.MinBytes = DefaultMinBlobBytes
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}
