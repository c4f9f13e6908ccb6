package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tabdriver/internal/dispatcher"
	"tabdriver/internal/locator"
	"tabdriver/internal/logging"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

// Step is one recorded user action with the selector that replays it.
type Step struct {
	ID      string          `json:"id"`
	Session string          `json:"session"`
	Action  string          `json:"action"`
	Value   string          `json:"value,omitempty"`
	Target  selector.AODesc `json:"target"`
	Frame   rtid.RTID       `json:"frame"`
	Time    time.Time       `json:"time"`
}

// Sink receives committed steps.
type Sink interface {
	Record(ctx context.Context, step Step) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, step Step) error

func (f SinkFunc) Record(ctx context.Context, step Step) error { return f(ctx, step) }

// DispatchSink posts each step as a record message.
type DispatchSink struct {
	Dispatcher *dispatcher.Dispatcher
	Target     rtid.RTID
}

func (s DispatchSink) Record(ctx context.Context, step Step) error {
	return s.Dispatcher.SendRecord(ctx, s.Target, step)
}

// MultiSink records to every sink concurrently and returns the first error.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, step Step) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m {
		g.Go(func() error { return s.Record(ctx, step) })
	}
	return g.Wait()
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSession sets the session id; the default is a random uuid.
func WithSession(id string) Option { return func(r *Recorder) { r.session = id } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// Recorder owns one RecordObject per target in a frame.
type Recorder struct {
	frame   rtid.RTID
	host    Host
	sink    Sink
	session string
	now     func() time.Time

	mu      sync.Mutex
	objects map[any]*RecordObject
	dropped int
}

// New records interactions on host, which lives at frame.
func New(frame rtid.RTID, host Host, sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		frame:   frame,
		host:    host,
		sink:    sink,
		session: uuid.NewString(),
		now:     time.Now,
		objects: make(map[any]*RecordObject),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) Session() string { return r.session }

// Dropped counts actions discarded because no selector could be found.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset forgets every tracked target, as after a navigation.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.objects = make(map[any]*RecordObject)
	r.mu.Unlock()
}

func (r *Recorder) object(ctx context.Context, target locator.Object) (*RecordObject, error) {
	key, keyed := locator.KeyOf(target)
	if keyed {
		r.mu.Lock()
		obj, ok := r.objects[key]
		r.mu.Unlock()
		if ok {
			return obj, nil
		}
	}
	desc, err := r.host.Describe(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("describe event target: %w", err)
	}
	obj := NewRecordObject(target, desc)
	if keyed {
		r.mu.Lock()
		if existing, ok := r.objects[key]; ok {
			obj = existing
		} else {
			r.objects[key] = obj
		}
		r.mu.Unlock()
	}
	return obj, nil
}

// HandleEvent feeds ev to its target's RecordObject. When the event commits
// an action whose target has a verified selector, the step is sent to the
// sink and returned.
func (r *Recorder) HandleEvent(ctx context.Context, ev Event) (Step, bool, error) {
	if ev.Target == nil {
		return Step{}, false, nil
	}
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}
	obj, err := r.object(ctx, ev.Target)
	if err != nil {
		return Step{}, false, err
	}

	r.mu.Lock()
	act, ok := obj.Feed(ev)
	r.mu.Unlock()
	if !ok {
		return Step{}, false, nil
	}

	desc, err := GenerateAODesc(ctx, r.host, ev.Target)
	if err != nil {
		return Step{}, false, err
	}
	if desc.QueryInfo == nil {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		logging.RecorderWarn("dropping %s on <%s>: no unique selector", act.Name, obj.Description().Tag)
		return Step{}, false, nil
	}

	step := Step{
		ID:      uuid.NewString(),
		Session: r.session,
		Action:  act.Name,
		Value:   act.Value,
		Target:  desc,
		Frame:   r.frame,
		Time:    act.Time,
	}
	logging.Recorder("step %s %s %s", step.Action, desc.Query(), step.Value)
	if r.sink != nil {
		if err := r.sink.Record(ctx, step); err != nil {
			return step, true, fmt.Errorf("record step: %w", err)
		}
	}
	return step, true, nil
}
