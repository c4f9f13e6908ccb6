package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tabdriver/internal/browser"
	"tabdriver/internal/channel"
	"tabdriver/internal/config"
	"tabdriver/internal/dispatcher"
	"tabdriver/internal/logging"
	"tabdriver/internal/rtid"
)

var noBrowser bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept extension channels and drive the live browser",
	Long: `Serve listens for extension websocket channels, attaches each one to a
dispatcher and answers browser, window, page, frame and element requests
from a live Chromium. Tab and navigation events are forwarded to every
connected extension. The config file is watched and logging settings are
reapplied on change.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Route channels without a live browser handler")
}

// server owns the dispatcher and the extension channels attached to it.
type server struct {
	cfg    *config.Config
	routes *dispatcher.RouteTable
	disp   *dispatcher.Dispatcher
	nextID atomic.Int64
}

func newServer(cfg *config.Config) *server {
	routes := dispatcher.NewRouteTable()
	return &server{
		cfg:    cfg,
		routes: routes,
		disp:   dispatcher.New(routes, dispatcher.WithTimeout(cfg.GetRequestTimeout())),
	}
}

// ServeHTTP upgrades one extension connection and serves it until it
// disconnects. Extensions get a catch-all route; the first one connected
// wins ties.
func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := fmt.Sprintf("ext-%d", s.nextID.Add(1))
	ws, err := channel.Accept(w, r, s.cfg.WebSocketOptions(id))
	if err != nil {
		logger.Warn("Rejected extension", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	logger.Info("Extension connected", zap.String("channel", id), zap.String("peer", ws.Peer()))

	s.routes.Add(rtid.RTID{}, ws)
	detach, err := s.disp.Attach(ws)
	if err != nil {
		s.routes.Remove(ws)
		ws.Disconnect(err.Error())
		return
	}
	ws.Wait()
	detach()
	s.routes.Remove(ws)
	logger.Info("Extension disconnected", zap.String("channel", id))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := newServer(cfg)
	defer srv.disp.Close()

	if !noBrowser {
		sm := browser.NewSessionManager(cfg.Browser)
		startCtx, cancel := context.WithTimeout(ctx, timeout)
		err := sm.Start(startCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to start browser: %w", err)
		}
		defer func() {
			if err := sm.Shutdown(context.Background()); err != nil {
				logger.Warn("Browser shutdown", zap.Error(err))
			}
		}()

		h := browser.NewBrowserHandler(sm)
		if _, err := srv.disp.Register(h); err != nil {
			return err
		}
		h.Forward(ctx, srv.disp)
		logger.Info("Browser handler registered", zap.Stringer("rtid", h.RTID()), zap.String("control", sm.ControlURL()))
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Channel.Path, srv)
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", cfg.Channel.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Channel.Listen, err)
	}
	logging.Boot("tabdriver serving on ws://%s%s", ln.Addr(), cfg.Channel.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on ws://%s%s\n", ln.Addr(), cfg.Channel.Path)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := config.Watch(gctx, configPath, func(next *config.Config) {
			if err := setupLogging(next.Logging); err != nil {
				logger.Warn("Reapplying logging config", zap.Error(err))
			}
			if next.GetRequestTimeout() != srv.disp.Timeout() {
				logger.Info("Request timeout change takes effect on restart", zap.Duration("timeout", next.GetRequestTimeout()))
			}
		})
		if err != nil {
			// The config directory may not exist; serving goes on without reload.
			logger.Warn("Config watch disabled", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}
