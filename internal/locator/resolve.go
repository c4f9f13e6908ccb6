package locator

import (
	"context"
	"fmt"

	"tabdriver/internal/selector"
)

// MaxAssistive bounds the assistive combination search, which visits up to
// 2^k - 1 subsets for k assistive selectors.
const MaxAssistive = 16

// ScanFunc is the host's raw candidate scan. With primary selectors it
// evaluates them natively (CSS, XPath); with mandatory selectors it may use
// them to narrow the scan but is not required to, the engine filters again.
// No selectors means every candidate object.
type ScanFunc[T any] func(ctx context.Context, sels []selector.Selector) ([]T, error)

// Result is the resolved object list together with the exact selector
// subset that produced it.
type Result[T any] struct {
	Objects   []T
	QueryInfo selector.QueryInfo
}

// Unique returns the single resolved object, if there is exactly one.
func (r Result[T]) Unique() (T, bool) {
	var zero T
	if len(r.Objects) != 1 {
		return zero, false
	}
	return r.Objects[0], true
}

// Resolve runs the primary, mandatory, assistive and ordinal tiers of qi
// against the candidates produced by scan.
func Resolve[T any](ctx context.Context, scan ScanFunc[T], qi selector.QueryInfo) (Result[T], error) {
	var res Result[T]
	if err := qi.Validate(); err != nil {
		return res, err
	}
	if len(qi.Assistive) > MaxAssistive {
		return res, fmt.Errorf("%w: %d assistive selectors exceeds limit of %d",
			selector.ErrContract, len(qi.Assistive), MaxAssistive)
	}

	var (
		candidates []T
		err        error
	)
	if len(qi.Primary) > 0 {
		candidates, err = scan(ctx, qi.Primary)
		res.QueryInfo.Primary = qi.Primary
	} else {
		candidates, err = scan(ctx, qi.Mandatory)
	}
	if err != nil {
		return res, fmt.Errorf("scan: %w", err)
	}

	if len(candidates) > 0 && len(qi.Mandatory) > 0 {
		candidates, err = Filter(candidates, qi.Mandatory)
		if err != nil {
			return res, err
		}
	}
	res.QueryInfo.Mandatory = qi.Mandatory
	res.Objects = candidates

	if len(candidates) <= 1 {
		return res, nil
	}

	if len(qi.Assistive) > 0 {
		for k := len(qi.Assistive); k >= 1; k-- {
			for _, combo := range Combinations(qi.Assistive, k) {
				if err := ctx.Err(); err != nil {
					return res, err
				}
				matched, err := Filter(candidates, combo)
				if err != nil {
					return res, err
				}
				if len(matched) == 1 {
					res.Objects = matched
					res.QueryInfo.Assistive = combo
					return res, nil
				}
			}
		}
	}

	if qi.Ordinal != nil {
		o := *qi.Ordinal
		res.QueryInfo.Ordinal = &o
		res.Objects = pick(candidates, o)
	}
	return res, nil
}

// Filter keeps the objects matching every selector, preserving order.
func Filter[T any](objs []T, sels []selector.Selector) ([]T, error) {
	out := make([]T, 0, len(objs))
	for _, obj := range objs {
		ok, err := MatchAll(obj, sels)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func pick[T any](objs []T, o selector.Ordinal) []T {
	idx := o.Index
	if o.Reverse {
		idx = len(objs) - 1 - o.Index
	}
	if idx < 0 || idx >= len(objs) {
		return []T{}
	}
	return []T{objs[idx]}
}

// Combinations returns every k-element subset of items in lexicographic
// index order: for [a b c] and k=2 that is [a b], [a c], [b c].
func Combinations[T any](items []T, k int) [][]T {
	n := len(items)
	if k <= 0 || k > n {
		return nil
	}
	var out [][]T
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		combo := make([]T, k)
		for i, j := range idx {
			combo[i] = items[j]
		}
		out = append(out, combo)

		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return out
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}
