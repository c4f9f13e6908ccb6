// Package locator resolves a QueryInfo against a host-provided candidate scan
// into a filtered, disambiguated object list.
package locator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"tabdriver/internal/selector"
)

// Object is any candidate the engine can filter. Hosts opt into each
// selector type by implementing the matching reader; an object lacking the
// reader for a selector's type simply does not match it.
type Object interface{}

// PropertyReader backs selector.TypeProperty.
type PropertyReader interface {
	Property(name string) (any, bool)
}

// AttributeReader backs selector.TypeAttribute.
type AttributeReader interface {
	Attribute(name string) (string, bool)
}

// FunctionCaller backs selector.TypeFunction. Call invokes a zero-argument
// method; ok is false when no such method exists.
type FunctionCaller interface {
	Call(name string) (any, bool)
}

// TextNode backs selector.TypeText. ok is false for non-text nodes.
type TextNode interface {
	TextContent() (string, bool)
}

// MatchSelector evaluates one selector against one object. Contract
// violations (bad selector, bad regexp) are returned as errors.
func MatchSelector(obj Object, sel selector.Selector) (bool, error) {
	if err := sel.Validate(); err != nil {
		return false, err
	}

	actual, present := extract(obj, sel)
	switch sel.Match {
	case selector.MatchHas:
		return present, nil
	case selector.MatchHasNot:
		return !present, nil
	}
	if !present {
		return false, nil
	}

	want := *sel.Value
	switch sel.Match {
	case selector.MatchExact:
		return strictEqual(actual, want), nil
	case selector.MatchIncludes, selector.MatchStartsWith, selector.MatchEndsWith:
		s, ok := actual.(string)
		if !ok {
			return false, nil
		}
		needle := want.String()
		switch sel.Match {
		case selector.MatchIncludes:
			return strings.Contains(s, needle), nil
		case selector.MatchStartsWith:
			return strings.HasPrefix(s, needle), nil
		default:
			return strings.HasSuffix(s, needle), nil
		}
	case selector.MatchRegex:
		re, err := compile(want)
		if err != nil {
			return false, fmt.Errorf("%w: selector %q: %v", selector.ErrContract, sel.Name, err)
		}
		ok, err := re.MatchString(jsString(actual))
		if err != nil {
			return false, fmt.Errorf("%w: selector %q: %v", selector.ErrContract, sel.Name, err)
		}
		return ok, nil
	}
	return false, fmt.Errorf("%w %q", selector.ErrUnknownMatch, sel.Match)
}

// MatchAll reports whether obj satisfies every selector (logical AND).
func MatchAll(obj Object, sels []selector.Selector) (bool, error) {
	for _, s := range sels {
		ok, err := MatchSelector(obj, s)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func extract(obj Object, sel selector.Selector) (any, bool) {
	switch sel.Type {
	case selector.TypeProperty:
		if r, ok := obj.(PropertyReader); ok {
			return r.Property(sel.Name)
		}
	case selector.TypeAttribute:
		if r, ok := obj.(AttributeReader); ok {
			v, ok := r.Attribute(sel.Name)
			return v, ok
		}
	case selector.TypeFunction:
		if r, ok := obj.(FunctionCaller); ok {
			return r.Call(sel.Name)
		}
	case selector.TypeText:
		if r, ok := obj.(TextNode); ok {
			v, ok := r.TextContent()
			return v, ok
		}
	}
	return nil, false
}

// strictEqual follows ===: no coercion between strings, numbers and booleans.
func strictEqual(actual any, want selector.Value) bool {
	switch want.Kind() {
	case selector.KindString:
		s, ok := actual.(string)
		w, _ := want.Str()
		return ok && s == w
	case selector.KindNumber:
		f, ok := toFloat(actual)
		w, _ := want.Num()
		return ok && f == w
	case selector.KindBool:
		b, ok := actual.(bool)
		w, _ := want.Boolean()
		return ok && b == w
	case selector.KindRegexp:
		// A regexp compared with === only equals itself.
		re, ok := actual.(selector.RegExpSpec)
		w, _ := want.RegExp()
		return ok && re == w
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// jsString converts an actual value the way String(x) would.
func jsString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	}
	if f, ok := toFloat(v); ok {
		return selector.FormatNumber(f)
	}
	return fmt.Sprint(v)
}

// maxCachedRegexps bounds the compiled pattern cache; it is cleared when
// full.
const maxCachedRegexps = 256

// regexpTimeout stops a backtracking match on a pathological pattern.
const regexpTimeout = time.Second

var (
	regexpCacheMu sync.Mutex
	regexpCache   = make(map[selector.RegExpSpec]*regexp2.Regexp)
)

// compile builds an ECMAScript regexp. The i, m and s flags map to engine
// options; g, y, u and d have no effect on a single test().
func compile(v selector.Value) (*regexp2.Regexp, error) {
	spec, ok := v.RegExp()
	if !ok {
		spec = selector.RegExpSpec{Pattern: v.String()}
	}

	regexpCacheMu.Lock()
	defer regexpCacheMu.Unlock()
	if re, ok := regexpCache[spec]; ok {
		return re, nil
	}

	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	for _, f := range spec.Flags {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			opts |= regexp2.Singleline
		case 'g', 'y', 'u', 'd':
		default:
			return nil, fmt.Errorf("unsupported regexp flag %q", f)
		}
	}
	re, err := regexp2.Compile(spec.Pattern, opts)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = regexpTimeout

	if len(regexpCache) >= maxCachedRegexps {
		clear(regexpCache)
	}
	regexpCache[spec] = re
	return re, nil
}

func cachedRegexps() int {
	regexpCacheMu.Lock()
	defer regexpCacheMu.Unlock()
	return len(regexpCache)
}
