package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"

	"tabdriver/internal/logging"
	"tabdriver/internal/recorder"
)

// drainJS installs the capture listeners when the document has none yet,
// then moves the buffered events aside and returns them by value. The event
// targets stay in window.__tdDrained so they can be fetched by index.
// "fresh" reports a document that was not hooked before, as after a
// navigation.
const drainJS = `() => {
	const w = window;
	let fresh = false;
	if (!w.__tdHooked) {
		w.__tdHooked = true;
		w.__tdEvents = [];
		fresh = true;
		const push = (type) => (ev) => {
			try {
				const path = ev.composedPath ? ev.composedPath() : [];
				const target = path.length ? path[0] : ev.target;
				if (!target || target.nodeType !== 1) return;
				const value = ('value' in target && typeof target.value === 'string') ? target.value
					: (target.isContentEditable ? target.textContent : '');
				w.__tdEvents.push({ type, value: value || '', ts: Date.now(), target });
			} catch (e) {}
		};
		for (const type of ['focus', 'input', 'change', 'blur', 'click']) {
			document.addEventListener(type, push(type), true);
		}
	}
	const buf = w.__tdEvents;
	w.__tdEvents = [];
	w.__tdDrained = buf.map((e) => e.target);
	return { fresh, events: buf.map((e) => ({ type: e.type, value: e.value, ts: e.ts })) };
}`

const drainedTargetJS = `(i) => (window.__tdDrained || [])[i] || null`

type capturedEvent struct {
	Type  string  `json:"type"`
	Value string  `json:"value"`
	TS    float64 `json:"ts"`
}

// Hooks captures user actions in a tab's main frame and feeds them to a
// recorder. The page buffers events; Run drains the buffer on a ticker.
type Hooks struct {
	host     *PageHost
	rec      *recorder.Recorder
	interval time.Duration
}

// NewHooks records actions on host's page into rec, polling every
// interval. rec must have been built over the same host.
func NewHooks(host *PageHost, rec *recorder.Recorder, interval time.Duration) *Hooks {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Hooks{host: host, rec: rec, interval: interval}
}

// Host returns the page host targets are resolved against.
func (k *Hooks) Host() *PageHost { return k.host }

// Run drains the page until ctx is done. Drain failures are logged and the
// loop continues, since a navigation in flight makes evaluation fail.
func (k *Hooks) Run(ctx context.Context) error {
	if _, err := k.Drain(ctx); err != nil && ctx.Err() == nil {
		logging.BrowserWarn("recorder hooks: %v", err)
	}
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := k.Drain(ctx); err != nil && ctx.Err() == nil {
				logging.BrowserWarn("recorder hooks: %v", err)
			}
		}
	}
}

// Drain installs the listeners if needed, feeds every buffered event to the
// recorder and returns the steps that were committed.
func (k *Hooks) Drain(ctx context.Context) ([]recorder.Step, error) {
	page := k.host.page.Context(ctx)
	res, err := page.Evaluate(&rod.EvalOptions{JS: drainJS, ByValue: true, AwaitPromise: true})
	if err != nil {
		return nil, fmt.Errorf("drain events: %w", err)
	}
	var batch struct {
		Fresh  bool            `json:"fresh"`
		Events []capturedEvent `json:"events"`
	}
	if err := res.Value.Unmarshal(&batch); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	if batch.Fresh {
		logging.BrowserDebug("recorder hooks installed on a new document")
		k.rec.Reset()
	}

	var steps []recorder.Step
	for i, ev := range batch.Events {
		obj, err := page.Evaluate(rod.Eval(drainedTargetJS, i).ByObject())
		if err != nil {
			return steps, fmt.Errorf("event target %d: %w", i, err)
		}
		if obj.ObjectID == "" {
			continue
		}
		target, err := k.host.ElementFromObject(ctx, obj)
		if err != nil {
			logging.BrowserDebug("event target %d detached: %v", i, err)
			continue
		}
		step, ok, err := k.rec.HandleEvent(ctx, recorder.Event{
			Type:   recorder.EventType(ev.Type),
			Target: target,
			Value:  ev.Value,
			Time:   time.UnixMilli(int64(ev.TS)),
		})
		if err != nil {
			logging.BrowserWarn("record %s on %s: %v", ev.Type, target, err)
			continue
		}
		if ok {
			steps = append(steps, step)
		}
	}
	return steps, nil
}
