package automation

import (
	"context"
	"errors"
	"fmt"

	"tabdriver/internal/logging"
	"tabdriver/internal/message"
	"tabdriver/internal/recorder"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

var (
	ErrNoSelector        = errors.New("step has no selector")
	ErrUnsupportedAction = errors.New("unsupported step action")
)

// Frame returns the frame object for id.
func (rt *Runtime) Frame(id rtid.RTID) *Frame { return rt.frame(id.Scope(rtid.LevelFrame)) }

// Replay performs steps in order, each against the frame it was recorded
// in. It returns how many steps ran and stops at the first failure.
func (rt *Runtime) Replay(ctx context.Context, steps []recorder.Step) (int, error) {
	for i, step := range steps {
		if err := rt.replayStep(ctx, step); err != nil {
			return i, fmt.Errorf("step %d (%s): %w", i+1, step.ID, err)
		}
		logging.DispatchDebug("replayed %s on %s", step.Action, step.Frame)
	}
	return len(steps), nil
}

func (rt *Runtime) replayStep(ctx context.Context, step recorder.Step) error {
	if step.Target.QueryInfo == nil {
		return ErrNoSelector
	}
	if !step.Frame.Has(rtid.LevelFrame) {
		return fmt.Errorf("frame %s: %w", step.Frame, rtid.ErrInvalid)
	}
	el, err := rt.stepTarget(ctx, rt.Frame(step.Frame), step.Target)
	if err != nil {
		return err
	}
	switch step.Action {
	case message.ActionClick:
		return el.Click(ctx)
	case message.ActionSetValue:
		return el.SetValue(ctx, step.Value)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedAction, step.Action)
}

// stepTarget finds the one element desc addresses in frame, entering each
// shadow host of the chain through a nested element query.
func (rt *Runtime) stepTarget(ctx context.Context, frame *Frame, desc selector.AODesc) (*Element, error) {
	var host *Element
	for _, hd := range desc.Hosts() {
		if hd.QueryInfo == nil {
			return nil, fmt.Errorf("shadow host: %w", ErrNoSelector)
		}
		var err error
		if host == nil {
			host, err = frame.Element(ctx, *hd.QueryInfo)
		} else {
			host, err = host.Element(ctx, *hd.QueryInfo)
		}
		if err != nil {
			return nil, fmt.Errorf("shadow host: %w", err)
		}
	}
	if host == nil {
		return frame.Element(ctx, *desc.QueryInfo)
	}
	return host.Element(ctx, *desc.QueryInfo)
}
