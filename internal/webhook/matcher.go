package webhook

import (
	"context"
	"regexp"
	"time"

	"github.com/agentgw/agentgw/internal/apierr"
)

// Matcher wraps a user-supplied regular expression with a static complexity
// check (rejected at configuration time) and a hard wall-clock evaluation
// budget (enforced at match time), per the ReDoS-safety rule: a matcher that
// cannot be proven safe, or that blows its budget, resolves to "no match" —
// never "match".
type Matcher struct {
	pattern string
	re      *regexp.Regexp
	budget  time.Duration
}

// NewMatcher compiles pattern and rejects it outright if it fails the
// static complexity check. Go's regexp package is RE2-based and therefore
// immune to catastrophic backtracking by construction, but the complexity
// check is still enforced at the source level so that patterns which
// *would* explode under a backtracking engine are rejected up front —
// hook definitions are portable configuration, not Go-specific.
func NewMatcher(pattern string, budget time.Duration) (*Matcher, error) {
	if err := checkComplexity(pattern); err != nil {
		return nil, apierr.Validation("matcher_too_complex", err.Error())
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apierr.Validation("matcher_invalid_regex", err.Error())
	}
	return &Matcher{pattern: pattern, re: re, budget: budget}, nil
}

// Match reports whether input matches, enforcing the wall-clock budget.
// Evaluation runs on a separate goroutine so a budget violation can be
// detected and treated as "no match" without waiting for the match
// evaluation itself to return (defense in depth: RE2 is linear-time, but
// a sufficiently large input can still exceed the budget).
func (m *Matcher) Match(ctx context.Context, input string) (matched bool, timedOut bool) {
	ctx, cancel := context.WithTimeout(ctx, m.budget)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		result <- m.re.MatchString(input)
	}()

	select {
	case r := <-result:
		return r, false
	case <-ctx.Done():
		return false, true
	}
}

// checkComplexity statically rejects the two classic backtracking-explosion
// shapes: nested quantifiers on the same subexpression (`(a+)+`, `(a*)*`,
// `(a+)*`, ...) and overlapping alternations under a quantifier (`(a|a)+`,
// `(a|ab)+`). This is a conservative syntactic scan,
// not a full NFA analysis — it is allowed to reject more than strictly
// necessary, never to accept a genuinely explosive pattern.
func checkComplexity(pattern string) error {
	if nestedQuantifier.MatchString(pattern) {
		return errNestedQuantifier
	}
	if overlappingAlternation.MatchString(pattern) {
		return errOverlappingAlternation
	}
	return nil
}

// nestedQuantifier matches a parenthesized group that is itself quantified
// and whose direct contents end in a quantifier, e.g. "(a+)+", "(a*)*",
// "(x{2,}){3,}".
var nestedQuantifier = regexp.MustCompile(`\([^()]*(?:[+*]|\{\d+,\d*\})\)(?:[+*]|\{\d+,\d*\})`)

// overlappingAlternation matches a quantified alternation group, the most
// common shape behind catastrophic ambiguity (e.g. "(a|a)+", "(a|ab)*").
var overlappingAlternation = regexp.MustCompile(`\([^()]*\|[^()]*\)[+*]`)

var errNestedQuantifier = complexityError("pattern contains a nested quantifier (e.g. \"(a+)+\"), which is rejected regardless of engine")
var errOverlappingAlternation = complexityError("pattern contains a quantified alternation (e.g. \"(a|a)+\"), which is rejected regardless of engine")

type complexityError string

func (e complexityError) Error() string { return string(e) }
