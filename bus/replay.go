package bus

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// maxRegexPatternLen, maxRegexValueLen and regexTimeout are the bounds
// mandated by spec §4.3 ("Replay plan language"): "(i) a pattern-length
// bound (~128), (ii) a value-length bound (~1024), (iii) a per-call
// timeout (~20 ms)".
const (
	maxRegexPatternLen = 128
	maxRegexValueLen   = 1024
	regexTimeout       = 20 * time.Millisecond
)

// NodeKind discriminates the three node shapes of the replay plan tree
// (spec §4.3 "Replay plan language"): `Get{params} | Unary{op, child,
// params} | Binary{op, left, right, params}`.
type NodeKind string

const (
	NodeGet    NodeKind = "get"
	NodeUnary  NodeKind = "unary"
	NodeBinary NodeKind = "binary"
)

// UnaryOp enumerates `Unary.op`.
type UnaryOp string

const (
	OpLimit         UnaryOp = "limit"
	OpSort          UnaryOp = "sort"
	OpFilter        UnaryOp = "filter"
	OpWhereEq       UnaryOp = "where_eq"
	OpWhereIn       UnaryOp = "where_in"
	OpWhereContains UnaryOp = "where_contains"
	OpWhereRegex    UnaryOp = "where_regex"
)

// BinaryOp enumerates `Binary.op`.
type BinaryOp string

const (
	OpMerge        BinaryOp = "merge"
	OpIntersection BinaryOp = "intersection"
	OpDifference   BinaryOp = "difference"
)

// FilterParams is the structured+regex predicate bag accepted by the
// "filter" unary op (spec §4.3: "filter supports structured (plugin_id,
// source, kind, type, priority_min, since_ts, until_ts) and regex
// (plugin_id_re, source_re, kind_re, type_re, content_re) predicates with
// a strict flag").
type FilterParams struct {
	QueryFilter
	PluginIDRe string
	SourceRe   string
	KindRe     string
	TypeRe     string
	ContentRe  string
	Strict     bool
}

// Node is one node of the replay plan tree.
type Node struct {
	Kind NodeKind

	// NodeGet
	GetParams QueryFilter

	// NodeUnary
	UnaryOp     UnaryOp
	Child       *Node
	Limit       int
	SortDesc    bool
	Filter      FilterParams
	WhereField  string
	WhereValue  string
	WhereValues []string

	// NodeBinary
	BinaryOp BinaryOp
	Left     *Node
	Right    *Node
}

// Eval evaluates the plan tree bottom-up against store, returning the
// resulting event list.
func (n *Node) Eval(store *TopicStore) ([]Event, error) {
	if n == nil {
		return nil, errors.New("cannot evaluate a nil replay plan node")
	}
	switch n.Kind {
	case NodeGet:
		return store.Query(n.GetParams, 0), nil
	case NodeUnary:
		return n.evalUnary(store)
	case NodeBinary:
		return n.evalBinary(store)
	default:
		return nil, errors.Newf("unknown replay plan node kind %q", n.Kind)
	}
}

func (n *Node) evalUnary(store *TopicStore) ([]Event, error) {
	children, err := n.Child.Eval(store)
	if err != nil {
		return nil, err
	}

	switch n.UnaryOp {
	case OpLimit:
		if n.Limit > 0 && n.Limit < len(children) {
			return children[:n.Limit], nil
		}
		return children, nil

	case OpSort:
		sorted := append([]Event(nil), children...)
		if n.SortDesc {
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq > sorted[j].Seq })
		} else {
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
		}
		return sorted, nil

	case OpFilter:
		return applyFilter(children, n.Filter)

	case OpWhereEq:
		return whereField(children, n.WhereField, func(v string) bool { return v == n.WhereValue }), nil

	case OpWhereIn:
		set := make(map[string]struct{}, len(n.WhereValues))
		for _, v := range n.WhereValues {
			set[v] = struct{}{}
		}
		return whereField(children, n.WhereField, func(v string) bool {
			_, ok := set[v]
			return ok
		}), nil

	case OpWhereContains:
		return whereField(children, n.WhereField, func(v string) bool {
			return containsSubstr(v, n.WhereValue)
		}), nil

	case OpWhereRegex:
		return whereRegex(children, n.WhereField, n.WhereValue, n.Filter.Strict)

	default:
		return nil, errors.Newf("unknown replay plan unary op %q", n.UnaryOp)
	}
}

func (n *Node) evalBinary(store *TopicStore) ([]Event, error) {
	left, err := n.Left.Eval(store)
	if err != nil {
		return nil, err
	}
	right, err := n.Right.Eval(store)
	if err != nil {
		return nil, err
	}

	var merged []Event
	switch n.BinaryOp {
	case OpMerge:
		merged = append(append([]Event(nil), left...), right...)
	case OpIntersection:
		rightIDs := indexByIdentity(right)
		for _, e := range left {
			if _, ok := rightIDs[identity(e)]; ok {
				merged = append(merged, e)
			}
		}
	case OpDifference:
		rightIDs := indexByIdentity(right)
		for _, e := range left {
			if _, ok := rightIDs[identity(e)]; !ok {
				merged = append(merged, e)
			}
		}
	default:
		return nil, errors.Newf("unknown replay plan binary op %q", n.BinaryOp)
	}

	// Binary ops deduplicate by index.id or seq, sort by seq descending
	// (spec §4.3: "Binary ops deduplicate by index.id or seq, sort by seq
	// descending, and return.").
	deduped := dedupe(merged)
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].Seq > deduped[j].Seq })
	return deduped, nil
}

func identity(e Event) string {
	if e.Index.ID != "" {
		return "id:" + e.Index.ID
	}
	return "seq:" + formatUint(e.Seq)
}

func indexByIdentity(events []Event) map[string]struct{} {
	out := make(map[string]struct{}, len(events))
	for _, e := range events {
		out[identity(e)] = struct{}{}
	}
	return out
}

func dedupe(events []Event) []Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]Event, 0, len(events))
	for _, e := range events {
		id := identity(e)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, e)
	}
	return out
}

func applyFilter(events []Event, f FilterParams) ([]Event, error) {
	structured := make([]Event, 0, len(events))
	for _, e := range events {
		if matchesFilter(e, f.QueryFilter) {
			structured = append(structured, e)
		}
	}

	type regexCheck struct {
		pattern string
		field   func(Event) string
	}
	checks := []regexCheck{
		{f.PluginIDRe, func(e Event) string { return e.Index.PluginID }},
		{f.SourceRe, func(e Event) string { return e.Index.Source }},
		{f.KindRe, func(e Event) string { return e.Index.Kind }},
		{f.TypeRe, func(e Event) string { return e.Index.Type }},
	}

	result := structured
	for _, check := range checks {
		if check.pattern == "" {
			continue
		}
		filtered, err := regexFilter(result, check.pattern, check.field, f.Strict)
		if err != nil {
			return nil, err
		}
		result = filtered
	}

	if f.ContentRe != "" {
		filtered, err := regexFilter(result, f.ContentRe, contentString, f.Strict)
		if err != nil {
			return nil, err
		}
		result = filtered
	}

	return result, nil
}

func contentString(e Event) string {
	if v, ok := e.Payload["content"].(string); ok {
		return v
	}
	return ""
}

// regexFilter applies one regex predicate honoring the strict/non-strict
// semantics of spec §9 Open Question 3: an invalid or over-long pattern
// causes `strict=true` to return an empty set and `strict=false` to pass
// the input through unfiltered. Per event, a value over the length bound
// or a match that exceeds the timeout drops that event under
// `strict=true` and keeps it under `strict=false`.
func regexFilter(events []Event, pattern string, field func(Event) string, strict bool) ([]Event, error) {
	if len(pattern) > maxRegexPatternLen {
		if strict {
			return nil, nil
		}
		return events, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		if strict {
			return nil, nil
		}
		return events, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), regexTimeout)
	defer cancel()

	out := make([]Event, 0, len(events))
	for _, e := range events {
		value := field(e)
		if len(value) > maxRegexValueLen {
			if strict {
				continue
			}
			out = append(out, e)
			continue
		}
		matched, err := matchWithDeadline(ctx, re, value)
		if err != nil {
			if strict {
				continue
			}
			out = append(out, e)
			continue
		}
		if matched {
			out = append(out, e)
		}
	}
	return out, nil
}

// matchWithDeadline runs re.MatchString but bails out if ctx expires
// first, enforcing the per-call timeout bound even against pathological
// patterns on long inputs.
func matchWithDeadline(ctx context.Context, re *regexp.Regexp, value string) (bool, error) {
	done := make(chan bool, 1)
	go func() { done <- re.MatchString(value) }()
	select {
	case matched := <-done:
		return matched, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func whereField(events []Event, field string, pred func(string) bool) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if pred(fieldValue(e, field)) {
			out = append(out, e)
		}
	}
	return out
}

func whereRegex(events []Event, field, pattern string, strict bool) ([]Event, error) {
	return regexFilter(events, pattern, func(e Event) string { return fieldValue(e, field) }, strict)
}

func fieldValue(e Event, field string) string {
	switch field {
	case "plugin_id":
		return e.Index.PluginID
	case "source":
		return e.Index.Source
	case "kind":
		return e.Index.Kind
	case "type":
		return e.Index.Type
	case "id":
		return e.Index.ID
	case "content":
		return contentString(e)
	default:
		if v, ok := e.Payload[field].(string); ok {
			return v
		}
		return ""
	}
}

func containsSubstr(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
