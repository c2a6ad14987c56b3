package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"bassethound/internal/logger"
	"bassethound/pkg/model"
	"bassethound/pkg/traffic"
)

// Kind is the effect a rule has on a matching request.
type Kind string

const (
	KindBlock        Kind = "block"
	KindHeaderAdd    Kind = "headerAdd"
	KindHeaderRemove Kind = "headerRemove"
	KindHeaderModify Kind = "headerModify"
	KindRedirect     Kind = "redirect"
	KindMock         Kind = "mock"
)

// ErrInvalidSpec is returned when a rule spec is structurally wrong
// (unknown kind, missing header name, missing redirect URL).
var ErrInvalidSpec = errors.New("invalid rule spec")

// Spec is the wire-facing description of a rule, as carried by add_rule
// params and list_rules results.
type Spec struct {
	Pattern     string            `json:"pattern"`
	Kind        Kind              `json:"kind"`
	Header      string            `json:"header,omitempty"`
	Value       string            `json:"value,omitempty"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
	MockStatus  int               `json:"mockStatus,omitempty"`
	MockBody    string            `json:"mockBody,omitempty"`
	MockHeaders map[string]string `json:"mockHeaders,omitempty"`
	Methods     []string          `json:"methods,omitempty"`
	Resources   []string          `json:"resources,omitempty"`
}

type rule struct {
	id   model.RuleID
	spec Spec
	re   *regexp.Regexp

	// filter sets, nil means "no filter"
	methods   map[string]struct{}
	resources map[string]struct{}

	matched atomic.Int64
	applied atomic.Int64
}

func (r *rule) filtersAllow(method, resource string) bool {
	if r.methods != nil {
		if _, ok := r.methods[method]; !ok {
			return false
		}
	}
	if r.resources != nil {
		if _, ok := r.resources[resource]; !ok {
			return false
		}
	}
	return true
}

// Snapshot is a point-in-time copy of one rule for list_rules.
type Snapshot struct {
	ID model.RuleID `json:"id"`
	Spec
	Matched int64 `json:"matchedCount"`
	Applied int64 `json:"appliedCount"`
}

// Disposition is the accumulated decision for one request. It lives for
// a single Evaluate call.
type Disposition struct {
	Blocked       bool
	BlockedBy     model.RuleID
	RedirectURL   string
	SetHeaders    traffic.Header
	RemoveHeaders []string
	Mock          *traffic.Response
	MockedBy      model.RuleID
}

// Mutates reports whether the disposition changes the request at all.
func (d *Disposition) Mutates() bool {
	return d.Blocked || d.Mock != nil || d.RedirectURL != "" ||
		len(d.SetHeaders) > 0 || len(d.RemoveHeaders) > 0
}

// Engine owns the ordered rule list. Configuration commands and request
// evaluation run concurrently; the list is guarded by a single RWMutex so
// a rule added mid-flight is either fully visible or fully absent to any
// given evaluation. Counters are atomics so evaluation only needs the
// read lock.
type Engine struct {
	mu        sync.RWMutex
	rules     []*rule
	evaluated atomic.Int64
	log       logger.Logger
}

func New(l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNop()
	}
	return &Engine{log: l}
}

// Add compiles and validates the spec, then appends the rule. Insertion
// order is priority: later registration wins conflicts.
func (e *Engine) Add(spec Spec) (model.RuleID, error) {
	re, err := Compile(spec.Pattern)
	if err != nil {
		return "", err
	}
	if err := validateSpec(spec); err != nil {
		return "", err
	}
	r := &rule{
		id:   model.RuleID(uuid.NewString()),
		spec: spec,
		re:   re,
	}
	if len(spec.Methods) > 0 {
		r.methods = make(map[string]struct{}, len(spec.Methods))
		for _, m := range spec.Methods {
			r.methods[strings.ToUpper(m)] = struct{}{}
		}
	}
	if len(spec.Resources) > 0 {
		r.resources = make(map[string]struct{}, len(spec.Resources))
		for _, t := range spec.Resources {
			r.resources[strings.ToLower(t)] = struct{}{}
		}
	}
	e.mu.Lock()
	e.rules = append(e.rules, r)
	n := len(e.rules)
	e.mu.Unlock()
	e.log.Info("rule added", "rule", string(r.id), "kind", string(spec.Kind), "pattern", spec.Pattern, "total", n)
	return r.id, nil
}

func validateSpec(s Spec) error {
	switch s.Kind {
	case KindBlock:
	case KindHeaderAdd, KindHeaderModify:
		if s.Header == "" {
			return fmt.Errorf("%w: %s requires header", ErrInvalidSpec, s.Kind)
		}
	case KindHeaderRemove:
		if s.Header == "" {
			return fmt.Errorf("%w: headerRemove requires header", ErrInvalidSpec)
		}
	case KindRedirect:
		if s.RedirectURL == "" {
			return fmt.Errorf("%w: redirect requires redirectUrl", ErrInvalidSpec)
		}
	case KindMock:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}
	return nil
}

// Remove deletes the rule with the given ID, reporting whether it existed.
func (e *Engine) Remove(id model.RuleID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.id == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every rule and returns how many were removed.
func (e *Engine) Clear() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.rules)
	e.rules = nil
	return n
}

// List returns rules in evaluation order.
func (e *Engine) List() []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Snapshot, len(e.rules))
	for i, r := range e.rules {
		out[i] = Snapshot{ID: r.id, Spec: r.spec, Matched: r.matched.Load(), Applied: r.applied.Load()}
	}
	return out
}

// Stats returns counters for all rules, or just the one requested.
func (e *Engine) Stats(id model.RuleID) (model.EngineStats, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := model.EngineStats{Evaluated: e.evaluated.Load()}
	for _, r := range e.rules {
		if id != "" && r.id != id {
			continue
		}
		stats.Rules = append(stats.Rules, model.RuleStats{
			RuleID:  r.id,
			Pattern: r.spec.Pattern,
			Kind:    string(r.spec.Kind),
			Matched: r.matched.Load(),
			Applied: r.applied.Load(),
		})
	}
	if id != "" && len(stats.Rules) == 0 {
		return stats, false
	}
	return stats, true
}

type headerEffect struct {
	rule  *rule
	value *string // nil means remove
}

// Evaluate runs the request through the rule list in insertion order and
// returns the final disposition. Synchronous and bounded: it sits on the
// critical path of every outbound request.
//
// Conflict resolution: a matching block rule finalizes immediately and
// later rules are not consulted, so their matchedCount stays untouched
// (strict "observed only when consulted" semantics). Without a block,
// header effects are last-write-wins per header name, and the last
// matching redirect or mock wins, with mock superseding redirect.
func (e *Engine) Evaluate(req *traffic.Request) Disposition {
	e.evaluated.Add(1)
	e.mu.RLock()
	defer e.mu.RUnlock()

	var d Disposition
	method := strings.ToUpper(req.Method)
	resource := strings.ToLower(req.ResourceType)

	headers := make(map[string]headerEffect)
	var redirect, mock *rule

	for _, r := range e.rules {
		if !r.filtersAllow(method, resource) {
			continue
		}
		if !r.re.MatchString(req.URL) {
			continue
		}
		r.matched.Add(1)
		switch r.spec.Kind {
		case KindBlock:
			r.applied.Add(1)
			d.Blocked = true
			d.BlockedBy = r.id
			return d
		case KindHeaderAdd, KindHeaderModify:
			v := r.spec.Value
			headers[strings.ToLower(r.spec.Header)] = headerEffect{rule: r, value: &v}
		case KindHeaderRemove:
			headers[strings.ToLower(r.spec.Header)] = headerEffect{rule: r}
		case KindRedirect:
			redirect = r
		case KindMock:
			mock = r
		}
	}

	if mock != nil {
		mock.applied.Add(1)
		res := traffic.NewResponse()
		if mock.spec.MockStatus != 0 {
			res.StatusCode = mock.spec.MockStatus
		}
		for k, v := range mock.spec.MockHeaders {
			res.Headers.Set(k, v)
		}
		res.Body = []byte(mock.spec.MockBody)
		d.Mock = res
		d.MockedBy = mock.id
		return d
	}

	for name, eff := range headers {
		eff.rule.applied.Add(1)
		if eff.value == nil {
			d.RemoveHeaders = append(d.RemoveHeaders, name)
			continue
		}
		if d.SetHeaders == nil {
			d.SetHeaders = make(traffic.Header)
		}
		d.SetHeaders[name] = *eff.value
	}
	if redirect != nil {
		redirect.applied.Add(1)
		d.RedirectURL = redirect.spec.RedirectURL
	}
	return d
}
