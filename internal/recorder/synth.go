package recorder

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tabdriver/internal/locator"
	"tabdriver/internal/logging"
	"tabdriver/internal/selector"
)

const (
	// MaxCandidates caps the candidate pool; the subset search is 2^n.
	MaxCandidates = 10
	// MaxOrdinalSet is the largest result set an ordinal may pick from.
	MaxOrdinalSet = 5
	// MaxTextLength is the longest text content used as a candidate.
	MaxTextLength = 64
)

// Host is a locator host that can also describe its nodes.
type Host interface {
	locator.Host
	locator.Describer
}

// GenerateAODesc synthesizes a descriptor that resolves to exactly target.
// When no candidate verifies, the descriptor has a nil QueryInfo. Errors
// are reserved for host failures.
func GenerateAODesc(ctx context.Context, host Host, target locator.Object) (selector.AODesc, error) {
	desc, err := host.Describe(ctx, target)
	if err != nil {
		return selector.AODesc{}, fmt.Errorf("describe target: %w", err)
	}
	s := &synth{host: host, target: target, desc: desc}

	out := selector.AODesc{Type: selector.ObjectElement}
	if desc.Tag == "#text" {
		out.Type = selector.ObjectText
	}
	if desc.InShadowRoot && desc.ShadowHost == nil {
		logging.RecorderWarn("<%s> is in a shadow root without a reachable host", desc.Tag)
		return out, nil
	}
	if desc.InShadowRoot {
		// The query runs inside the host's shadow root, so the host needs
		// its own unique descriptor.
		hostDesc, err := GenerateAODesc(ctx, host, desc.ShadowHost)
		if err != nil {
			return out, fmt.Errorf("shadow host: %w", err)
		}
		if hostDesc.QueryInfo == nil {
			logging.RecorderWarn("no unique selector for the shadow host of <%s>", desc.Tag)
			return out, nil
		}
		out.ShadowHost = &hostDesc
		s.root = desc.ShadowHost
	}
	qi, err := s.run(ctx)
	if err != nil {
		return out, err
	}
	if qi == nil {
		logging.RecorderWarn("no unique selector for <%s> %s", desc.Tag, desc.CSSPath)
		out.ShadowHost = nil
		return out, nil
	}
	logging.RecorderDebug("synthesized %s for <%s>", qi, desc.Tag)
	out.QueryInfo = qi
	return out, nil
}

type synth struct {
	host   Host
	target locator.Object
	desc   locator.Description
	root   locator.Object
}

func (s *synth) run(ctx context.Context) (*selector.QueryInfo, error) {
	// Primary paths; shadow content is addressed from its host instead.
	if !s.desc.InShadowRoot {
		var primaries []selector.Selector
		if s.desc.CSSPath != "" {
			primaries = append(primaries, selector.CSS(s.desc.CSSPath))
		}
		if s.desc.XPath != "" {
			primaries = append(primaries, selector.XPath(s.desc.XPath))
		}
		for _, p := range primaries {
			qi := selector.QueryInfo{Primary: []selector.Selector{p}}
			if ok, err := s.verify(ctx, qi); err != nil || ok {
				return okQuery(qi, ok, err)
			}
		}
	}

	pool := s.candidates()
	for k := 1; k <= len(pool); k++ {
		for _, combo := range locator.Combinations(pool, k) {
			qi := selector.QueryInfo{Mandatory: combo}
			if ok, err := s.verify(ctx, qi); err != nil || ok {
				return okQuery(qi, ok, err)
			}
		}
	}

	// The whole pool narrows to a small set: pick by position.
	if len(pool) > 0 {
		qi := selector.QueryInfo{Mandatory: pool}
		if got, ok, err := s.ordinal(ctx, qi, MaxOrdinalSet); err != nil || ok {
			return okQuery(got, ok, err)
		}
	}

	// Last resort: position among every node with the same tag.
	anchor := []selector.Selector{s.anchor()}
	if got, ok, err := s.ordinal(ctx, selector.QueryInfo{Mandatory: anchor}, -1); err != nil || ok {
		return okQuery(got, ok, err)
	}
	if len(pool) > 0 {
		qi := selector.QueryInfo{Mandatory: anchor, Assistive: pool}
		if ok, err := s.verify(ctx, qi); err != nil || ok {
			return okQuery(qi, ok, err)
		}
	}
	return nil, nil
}

func okQuery(qi selector.QueryInfo, ok bool, err error) (*selector.QueryInfo, error) {
	if err != nil || !ok {
		return nil, err
	}
	return &qi, nil
}

// verify reports whether qi resolves to exactly the target.
func (s *synth) verify(ctx context.Context, qi selector.QueryInfo) (bool, error) {
	res, err := locator.Resolve(ctx, locator.ScanFrom(s.host, s.root), qi)
	if err != nil {
		return false, err
	}
	obj, ok := res.Unique()
	return ok && locator.SameObject(obj, s.target), nil
}

// ordinal resolves qi without an ordinal, and when the result holds the
// target within limit (negative for no limit) adds the target's index and
// verifies.
func (s *synth) ordinal(ctx context.Context, qi selector.QueryInfo, limit int) (selector.QueryInfo, bool, error) {
	res, err := locator.Resolve(ctx, locator.ScanFrom(s.host, s.root), qi)
	if err != nil {
		return qi, false, err
	}
	if len(res.Objects) < 2 || (limit >= 0 && len(res.Objects) > limit) {
		return qi, false, nil
	}
	for i, obj := range res.Objects {
		if !locator.SameObject(obj, s.target) {
			continue
		}
		qi.Ordinal = &selector.Ordinal{Type: "index", Index: i}
		ok, err := s.verify(ctx, qi)
		return qi, ok, err
	}
	return qi, false, nil
}

// anchor is the selector every node of the target's kind matches.
func (s *synth) anchor() selector.Selector {
	if s.desc.Tag == "#text" {
		return selector.Text(selector.MatchExact, selector.String(s.desc.NodeValue))
	}
	return selector.Property("tagName", selector.MatchExact, selector.String(strings.ToUpper(s.desc.Tag)))
}

// candidates is the ordered pool: tag name, node value, short text, then
// attributes with id first.
func (s *synth) candidates() []selector.Selector {
	pool := []selector.Selector{s.anchor()}
	if s.desc.Tag == "#text" {
		return pool
	}
	if t := s.desc.Text; t != "" && len(t) <= MaxTextLength {
		pool = append(pool, selector.Property("innerText", selector.MatchExact, selector.String(t)))
	}

	attrs := append([]locator.Attr(nil), s.desc.Attributes...)
	sort.SliceStable(attrs, func(i, j int) bool {
		if (attrs[i].Name == "id") != (attrs[j].Name == "id") {
			return attrs[i].Name == "id"
		}
		return attrs[i].Name < attrs[j].Name
	})
	for _, a := range attrs {
		if a.Name == "style" {
			continue
		}
		pool = append(pool, selector.Attribute(a.Name, selector.MatchExact, selector.String(a.Value)))
	}
	if len(pool) > MaxCandidates {
		pool = pool[:MaxCandidates]
	}
	return pool
}
