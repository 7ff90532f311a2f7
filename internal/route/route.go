// Package route implements the Route Table (C3): compiling, matching, and
// copy-on-write snapshotting of dispatch rules.
package route

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentmeter/paygate/internal/ssrf"
)

var toolIDSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

var camelBoundaryRe = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// Auth describes the provider authentication header injected by the proxy.
type Auth struct {
	HeaderName string `json:"headerName,omitempty"`
	HeaderValue string `json:"headerValue,omitempty"`
}

// Rule is a single Route Rule (spec §3.1).
type Rule struct {
	Method      string    `json:"method"`
	PathTemplate string   `json:"pathTemplate"`
	ToolID      string    `json:"toolId"`
	PriceUSDC   string    `json:"priceUsdc"`
	ProviderID  string    `json:"providerId"`
	BackendURL  string    `json:"backendUrl"`
	Auth        *Auth     `json:"auth,omitempty"`
	Group       string    `json:"group,omitempty"`
	Description string    `json:"description,omitempty"`
	Restricted  bool      `json:"restricted,omitempty"`
	SkipSSRF    bool      `json:"_skip_ssrf,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	segments []segment
}

type segment struct {
	literal string
	isParam bool
}

// compile parses the path template into matchable segments, requires a
// tool_id, and validates the price invariant (iii) of spec §3.1. SSRF
// validation of BackendURL (invariant ii) is left to ValidateSSRF so callers
// can control the DNS resolver; tool_id uniqueness is checked by Replace.
func (r *Rule) compile() error {
	r.Method = strings.ToUpper(r.Method)
	if r.ToolID == "" {
		return fmt.Errorf("route: tool_id required")
	}
	if err := validatePrice(r.PriceUSDC); err != nil {
		return err
	}

	segs := strings.Split(strings.Trim(r.PathTemplate, "/"), "/")
	compiled := make([]segment, 0, len(segs))
	for _, s := range segs {
		if s == "" {
			continue
		}
		if strings.HasPrefix(s, ":") {
			compiled = append(compiled, segment{literal: s[1:], isParam: true})
		} else {
			compiled = append(compiled, segment{literal: s})
		}
	}
	r.segments = compiled
	return nil
}

func validatePrice(price string) error {
	if price == "" {
		return fmt.Errorf("route: price required")
	}
	f, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return fmt.Errorf("route: invalid price %q: %w", price, err)
	}
	if f < 0 {
		return fmt.Errorf("route: price %q must be non-negative", price)
	}
	dot := strings.IndexByte(price, '.')
	if dot >= 0 && len(price)-dot-1 > 6 {
		return fmt.Errorf("route: price %q has more than 6 fractional digits", price)
	}
	return nil
}

// ValidateSSRF runs the compile-time SSRF pre-check against BackendURL
// unless SkipSSRF is set.
func (r *Rule) ValidateSSRF(resolver func(string) ([]net.IP, error)) error {
	if r.SkipSSRF {
		return nil
	}
	return ssrf.Check(r.BackendURL, resolver)
}

// literalSegmentCount returns the number of non-parameter segments, used for
// disambiguation rule (iv).
func (r *Rule) literalSegmentCount() int {
	n := 0
	for _, s := range r.segments {
		if !s.isParam {
			n++
		}
	}
	return n
}

// Slugify derives a tool_id-safe slug from an arbitrary string, used by the
// OpenAPI importer (C10) when operationId is absent.
func Slugify(s string) string {
	s = camelBoundaryRe.ReplaceAllString(s, "${1}-${2}")
	s = strings.ToLower(s)
	s = toolIDSlugRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Match is the outcome of a successful dispatch: the matched rule plus any
// bound path parameters.
type Match struct {
	Rule   *Rule
	Params map[string]string
}

// Table is a copy-on-write collection of compiled rules. Readers obtain an
// immutable snapshot via Match/List; writers call Replace to atomically swap
// in a newly compiled set.
type Table struct {
	ptr atomic.Pointer[[]*Rule]
}

func (t *Table) load() []*Rule {
	p := t.ptr.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (t *Table) swap(rules []*Rule) {
	t.ptr.Store(&rules)
}

// NewTable compiles and validates rules, returning a ready Table or the
// first compile error encountered.
func NewTable(rules []*Rule) (*Table, error) {
	t := &Table{}
	if err := t.Replace(rules); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace compiles rules, checks tool_id uniqueness, and atomically installs
// the new snapshot. In-flight requests keep using the prior snapshot.
func (t *Table) Replace(rules []*Rule) error {
	seen := make(map[string]bool, len(rules))
	compiled := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		rc := *r
		if err := rc.compile(); err != nil {
			return err
		}
		if seen[rc.ToolID] {
			return fmt.Errorf("route: duplicate tool_id %q", rc.ToolID)
		}
		seen[rc.ToolID] = true
		compiled = append(compiled, &rc)
	}
	t.storeLocked(compiled)
	return nil
}

func (t *Table) storeLocked(rules []*Rule) {
	rulesCopy := make([]*Rule, len(rules))
	copy(rulesCopy, rules)
	t.swap(rulesCopy)
}

// List returns the current snapshot of all rules (including restricted ones),
// for admin introspection.
func (t *Table) List() []*Rule {
	return t.load()
}

// Match dispatches (method, path) against the current snapshot. Restricted
// routes never match here (spec §4.3); admin lookups use ByToolID instead.
func (t *Table) Match(method, path string) (*Match, bool) {
	method = strings.ToUpper(method)
	reqSegs := splitPath(path)

	var best *Rule
	var bestParams map[string]string
	bestPrefixLen := -1
	bestLiteralCount := -1

	for _, r := range t.load() {
		if r.Restricted || r.Method != method {
			continue
		}
		params, prefixLen, ok := matchSegments(r.segments, reqSegs)
		if !ok {
			continue
		}
		lc := r.literalSegmentCount()
		if prefixLen > bestPrefixLen || (prefixLen == bestPrefixLen && lc > bestLiteralCount) {
			best = r
			bestParams = params
			bestPrefixLen = prefixLen
			bestLiteralCount = lc
		}
	}
	if best == nil {
		return nil, false
	}
	return &Match{Rule: best, Params: bestParams}, true
}

// ByToolID finds a rule (restricted or not) by tool_id, for admin CRUD.
func (t *Table) ByToolID(toolID string) (*Rule, bool) {
	for _, r := range t.load() {
		if r.ToolID == toolID {
			return r, true
		}
	}
	return nil, false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchSegments reports whether ruleSegs matches reqSegs exactly (same
// length, literals equal, params bind). It returns the count of leading
// literal segments (those before the first parameter) as the "concrete
// prefix" measure required by the longest-match disambiguation rule.
func matchSegments(ruleSegs []segment, reqSegs []string) (map[string]string, int, bool) {
	if len(ruleSegs) != len(reqSegs) {
		return nil, 0, false
	}
	params := map[string]string{}
	literalPrefix := 0
	matchedLiteralStreak := true
	for i, s := range ruleSegs {
		if s.isParam {
			params[s.literal] = reqSegs[i]
			matchedLiteralStreak = false
			continue
		}
		if s.literal != reqSegs[i] {
			return nil, 0, false
		}
		if matchedLiteralStreak {
			literalPrefix++
		}
	}
	return params, literalPrefix, true
}
