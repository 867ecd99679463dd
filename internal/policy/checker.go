package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	celgo "github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/cel"
)

// Violation is one metadata entry rejected by the policy
type Violation struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ViolationError lists every violation found in a metadata map
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Path + ": " + v.Reason
	}
	return "prohibited metadata: " + strings.Join(parts, "; ")
}

type compiledRule struct {
	Rule
	program celgo.Program
}

// Checker applies a compiled Policy to metadata maps. It is immutable once
// built and safe for concurrent use.
type Checker struct {
	policy     *Policy
	prohibited map[string]struct{}
	rules      []compiledRule
	engine     *cel.Engine
	logger     *zap.Logger
}

// NewChecker compiles every rule in p. A rule that fails to compile fails
// the whole policy.
func NewChecker(p *Policy, engine *cel.Engine, logger *zap.Logger) (*Checker, error) {
	if p == nil {
		return nil, fmt.Errorf("policy is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		var err error
		if engine, err = cel.NewEngine(); err != nil {
			return nil, err
		}
	}

	c := &Checker{
		policy:     p,
		prohibited: make(map[string]struct{}, len(p.ProhibitedKeys)),
		engine:     engine,
		logger:     logger,
	}
	for _, key := range p.ProhibitedKeys {
		c.prohibited[normalizeKey(key)] = struct{}{}
	}

	for _, rule := range p.Rules {
		prog, err := engine.Compile(rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		c.rules = append(c.rules, compiledRule{Rule: rule, program: prog})
	}

	return c, nil
}

// Policy returns the policy the checker was built from
func (c *Checker) Policy() *Policy {
	return c.policy
}

// Check walks metadata depth-first and returns a *ViolationError describing
// every prohibited entry, or nil. A rule that fails to evaluate counts as a
// violation.
func (c *Checker) Check(metadata map[string]interface{}) error {
	var violations []Violation
	c.walkMap("", metadata, &violations)
	if len(violations) == 0 {
		return nil
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Path < violations[j].Path
	})
	return &ViolationError{Violations: violations}
}

func (c *Checker) walkMap(prefix string, m map[string]interface{}, out *[]Violation) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		c.checkEntry(k, path, m[k], out)
	}
}

func (c *Checker) checkEntry(key, path string, raw interface{}, out *[]Violation) {
	value := toCELValue(raw)

	if _, bad := c.prohibited[normalizeKey(key)]; bad {
		*out = append(*out, Violation{Path: path, Reason: "prohibited key"})
		// the value is already rejected; don't report its children too
		return
	}

	switch v := value.(type) {
	case string:
		if reason := c.detect(v); reason != "" {
			*out = append(*out, Violation{Path: path, Reason: reason})
		}
	case int64:
		if c.policy.Detectors.CardNumbers && cel.IsCardNumber(strconv.FormatInt(v, 10)) {
			*out = append(*out, Violation{Path: path, Reason: "looks like a payment card number"})
		}
	}

	for _, rule := range c.rules {
		matched, err := c.engine.Evaluate(rule.program, cel.Entry{Key: key, Path: path, Value: value})
		if err != nil {
			c.logger.Warn("Metadata rule failed to evaluate",
				zap.String("rule", rule.Name),
				zap.String("path", path),
				zap.Error(err),
			)
			*out = append(*out, Violation{Path: path, Reason: fmt.Sprintf("rule %s could not be evaluated", rule.Name)})
			continue
		}
		if matched {
			reason := rule.Message
			if reason == "" {
				reason = "matched rule " + rule.Name
			}
			*out = append(*out, Violation{Path: path, Reason: reason})
		}
	}

	switch v := value.(type) {
	case map[string]interface{}:
		c.walkMap(path, v, out)
	case []interface{}:
		for i, elem := range v {
			c.checkEntry(key, path+"."+strconv.Itoa(i), elem, out)
		}
	}
}

func (c *Checker) detect(s string) string {
	d := c.policy.Detectors
	switch {
	case d.CardNumbers && cel.IsCardNumber(s):
		return "looks like a payment card number"
	case d.PrivateKeys && cel.IsPrivateKey(s):
		return "contains a private key"
	case d.Blobs.Enabled && len(s) >= d.Blobs.MinBytes && cel.DecodedBase64Len(s) >= d.Blobs.MinBytes:
		return "contains an encoded binary blob"
	}
	return ""
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// toCELValue converts decoded JSON and common Go values into the types the
// CEL runtime adapts natively. Anything else is rendered as a string.
func toCELValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, bool, string, int64, float64:
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = toCELValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = toCELValue(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u <= 1<<63-1 {
			return int64(u)
		}
		return float64(u)
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = toCELValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = toCELValue(iter.Value().Interface())
		}
		return out
	}
	return fmt.Sprint(v)
}
