package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabdriver/internal/automation"
	"tabdriver/internal/browser"
	"tabdriver/internal/channel"
	"tabdriver/internal/dispatcher"
	"tabdriver/internal/recorder"
	"tabdriver/internal/repository"
	"tabdriver/internal/rtid"
	"tabdriver/internal/store"
)

var (
	recordURL     string
	recordSession string
	listSessions  bool
	replayServer  string
)

var recordCmd = &cobra.Command{
	Use:   "record [target-id]",
	Short: "Record user actions in a live tab as replayable steps",
	Long: `Record attaches to the tab with the given DevTools target id (or opens
--url in a new tab), captures clicks and value changes in its main frame,
synthesizes a selector query for each target and stores the steps in the
SQLite step store. Each step is also printed as a JSON line. Stop with
Ctrl+C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecord,
}

var stepsCmd = &cobra.Command{
	Use:   "steps [session]",
	Short: "List recorded steps",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSteps,
}

var replayCmd = &cobra.Command{
	Use:   "replay <session>",
	Short: "Replay a recorded session through a running serve",
	Long: `Replay dials the websocket channel of a running "tabdriver serve" and
performs the session's steps in order, each against the frame it was
recorded in. It stops at the first step that fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	recordCmd.Flags().StringVar(&recordURL, "url", "", "Open this URL in a new tab instead of attaching")
	recordCmd.Flags().StringVar(&recordSession, "session", "", "Recording session name (default: config, then a new uuid)")

	stepsCmd.Flags().BoolVar(&listSessions, "sessions", false, "Summarize sessions instead of listing steps")

	replayCmd.Flags().StringVar(&replayServer, "server", "", "Channel URL of the serve command (default: from channel.listen and channel.path)")
}

// lineSink prints each step as one JSON line.
type lineSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineSink(w io.Writer) *lineSink { return &lineSink{enc: json.NewEncoder(w)} }

func (s *lineSink) Record(_ context.Context, step recorder.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(step)
}

func sessionName() string {
	switch {
	case recordSession != "":
		return recordSession
	case cfg.Recorder.Session != "":
		return cfg.Recorder.Session
	default:
		return uuid.NewString()
	}
}

func runRecord(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && recordURL == "" {
		return fmt.Errorf("need a target id or --url")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	sm := browser.NewSessionManager(cfg.Browser)
	setupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sm.Start(setupCtx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if err := sm.Shutdown(context.Background()); err != nil {
			logger.Warn("Browser shutdown", zap.Error(err))
		}
	}()

	var session *browser.Session
	if len(args) == 1 {
		session, err = sm.Attach(setupCtx, args[0])
	} else {
		session, err = sm.CreateSession(setupCtx, recordURL)
	}
	if err != nil {
		return err
	}
	page, ok := sm.Page(session.Tab)
	if !ok {
		return fmt.Errorf("tab %d went away", session.Tab)
	}

	frame := rtid.New(rtid.Browser(sm.BrowserID()), rtid.Tab(session.Tab), rtid.Frame(0))
	sinks := recorder.MultiSink{st, newLineSink(cmd.OutOrStdout())}
	if url := cfg.Recorder.ForwardURL; url != "" {
		ws, err := channel.Dial(setupCtx, url, cfg.WebSocketOptions("forward"))
		if err != nil {
			return err
		}
		disp := dispatcher.New(dispatcher.Static(ws), dispatcher.WithTimeout(cfg.GetRequestTimeout()))
		if _, err := disp.Attach(ws); err != nil {
			ws.Disconnect(err.Error())
			return err
		}
		defer func() {
			disp.Close()
			ws.Disconnect("recording stopped")
			ws.Wait()
		}()
		sinks = append(sinks, recorder.DispatchSink{Dispatcher: disp, Target: frame})
		logger.Info("Forwarding steps", zap.String("url", url))
	}

	name := sessionName()
	host := browser.NewPageHost(page)
	rec := recorder.New(frame, host, sinks, recorder.WithSession(name))
	hooks := browser.NewHooks(host, rec, cfg.Browser.PollInterval())

	logger.Info("Recording",
		zap.String("session", name),
		zap.Int("tab", session.Tab),
		zap.String("url", session.URL),
		zap.String("store", st.Path()))
	fmt.Fprintf(cmd.ErrOrStderr(), "Recording session %s on tab %d (%s). Press Ctrl+C to stop.\n", name, session.Tab, session.URL)

	if err := hooks.Run(ctx); err != nil {
		return err
	}
	if n := rec.Dropped(); n > 0 {
		logger.Warn("Steps dropped without a unique selector", zap.Int("count", n))
	}
	return nil
}

func runSteps(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	w := cmd.OutOrStdout()
	if listSessions {
		sums, err := st.Sessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range sums {
			fmt.Fprintf(w, "%s\t%d steps\t%s .. %s\n", s.ID, s.Steps, s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
		}
		return nil
	}

	var session string
	if len(args) == 1 {
		session = args[0]
	}
	steps, err := st.List(ctx, session)
	if err != nil {
		return err
	}
	out := newLineSink(w)
	for _, step := range steps {
		if err := out.Record(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	steps, err := st.List(ctx, args[0])
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return fmt.Errorf("session %q has no steps", args[0])
	}
	browserID, ok := steps[0].Frame.BrowserID()
	if !ok {
		return fmt.Errorf("step %s has no browser in its frame %s", steps[0].ID, steps[0].Frame)
	}

	url := replayServer
	if url == "" {
		url = "ws://" + cfg.Channel.Listen + cfg.Channel.Path
	}
	ws, err := channel.Dial(ctx, url, cfg.WebSocketOptions("replay"))
	if err != nil {
		return err
	}
	defer func() {
		ws.Disconnect("replay done")
		ws.Wait()
	}()
	disp := dispatcher.New(dispatcher.Static(ws), dispatcher.WithTimeout(cfg.GetRequestTimeout()))
	defer disp.Close()
	if _, err := disp.Attach(ws); err != nil {
		return err
	}

	rt := automation.NewRuntime(disp, repository.New(), rtid.New(rtid.Browser(browserID)))
	defer rt.Close()

	logger.Info("Replaying", zap.String("session", args[0]), zap.Int("steps", len(steps)), zap.String("server", url))
	n, err := rt.Replay(ctx, steps)
	fmt.Fprintf(cmd.OutOrStdout(), "replayed %d/%d steps\n", n, len(steps))
	return err
}
