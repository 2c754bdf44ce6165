// Command relaybrokerd is RelayBroker's long-lived daemon: it owns the
// EventLog, the session registry, every PTY child process, and the two
// HTTP listeners clients attach to — the public gateway/API listener and
// the loopback-only hook listener relayhookctl talks to.
//
// Grounded in the teacher's api/cmd/main.go wiring style: read every
// tunable from the environment with a default, build each subsystem in
// dependency order, wire a Gin router per listener, start both servers in
// goroutines, then block for SIGINT/SIGTERM and shut down gracefully with
// a bounded timeout.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaybroker/relaybroker/internal/auth"
	"github.com/relaybroker/relaybroker/internal/config"
	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/gateway"
	"github.com/relaybroker/relaybroker/internal/hookreceiver"
	"github.com/relaybroker/relaybroker/internal/httpapi"
	"github.com/relaybroker/relaybroker/internal/logger"
	"github.com/relaybroker/relaybroker/internal/metrics"
	"github.com/relaybroker/relaybroker/internal/middleware"
	"github.com/relaybroker/relaybroker/internal/permission"
	"github.com/relaybroker/relaybroker/internal/pluginhost"
	"github.com/relaybroker/relaybroker/internal/ptymanager"
	"github.com/relaybroker/relaybroker/internal/session"

	// Reference plugins self-register via init(); which ones actually load
	// is still gated by plugins.json (internal/pluginhost/discovery.go).
	_ "github.com/relaybroker/relaybroker/plugins/audit"
	_ "github.com/relaybroker/relaybroker/plugins/notify"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)

	log := eventlog.New()

	store := buildSessionStore(cfg)
	registry := session.NewRegistry(store)

	sweeper := session.NewSweeper(registry, log, cfg.SessionOrphanGrace)
	cronSched, err := sweeper.Start()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to start orphan sweeper")
	}
	defer sweeper.Stop()

	ptyMgr := ptymanager.New(log, ptymanager.Config{
		ByteCap:        cfg.PtyOutputByteCap,
		CoalesceWindow: cfg.PtyOutputCoalesceWindow,
	})

	gw := gateway.New(log, registry, ptyMgr, gateway.Config{
		SendQueueSize: cfg.ConnSendQueueSize,
		PageSize:      cfg.EventLogPageSize,
		DefaultArgv:   cfg.DefaultAssistantArgv,
		DefaultCwd:    cfg.DefaultAssistantCwd,
	})
	if cfg.RedisAddr != "" {
		if recorder, err := metrics.NewRedisRecorder(cfg.RedisAddr); err != nil {
			logger.Log.Warn().Err(err).Msg("failed to connect to redis, backpressure drops will not persist across restarts")
		} else {
			defer recorder.Close()
			gw.SetDropRecorder(recorder)
		}
	}

	hooks := hookreceiver.New(log, cfg.HookResponseTimeout)
	permissions := permission.NewTracker(log)

	classifier := buildClassifier(cfg)

	harness := pluginhost.Harness{
		ConfigDir:  projectPluginDir(cfg),
		PluginDir:  projectPluginDir(cfg),
		APIVersion: cfg.APIVersion,
	}
	plugins := pluginhost.New(log, harness, cronSched)
	enablement, err := pluginhost.DiscoverEnabled(userPluginDir(cfg), projectPluginDir(cfg))
	if err != nil {
		logger.Log.Warn().Err(err).Msg("failed to read plugin descriptors, continuing with none enabled")
	} else {
		plugins.LoadAll(enablement)
	}

	api := httpapi.New(log, registry, permissions, cfg.VAPIDPublicKey)

	mainRouter := buildMainRouter(gw, api, plugins, classifier)
	hookRouter := buildHookRouter(hooks)

	mainSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mainRouter}
	hookSrv := &http.Server{Addr: cfg.HookListenAddr, Handler: hookRouter}

	go runServer(mainSrv, "public")
	go runServer(hookSrv, "hook")

	waitForShutdown(mainSrv, hookSrv)
}

func buildClassifier(cfg config.Config) *auth.Classifier {
	opts := []auth.Option{auth.WithAllowAnonymous(cfg.AllowAnonymous)}
	if len(cfg.JWTSecret) > 0 {
		opts = append(opts, auth.WithJWTSecret(cfg.JWTSecret))
	}
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		verifier, err := auth.DiscoverOIDCVerifier(context.Background(), cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			logger.Log.Warn().Err(err).Str("issuer", cfg.OIDCIssuerURL).Msg("failed to discover oidc provider, OIDC identity tokens will be rejected")
		} else {
			opts = append(opts, auth.WithOIDCVerifier(verifier))
		}
	}
	return auth.NewClassifier("", "", opts...)
}

func buildSessionStore(cfg config.Config) session.Store {
	if cfg.PostgresDSN == "" {
		return session.NoopStore{}
	}
	store, err := session.NewPostgresStore(cfg.PostgresDSN)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("failed to connect session store, falling back to in-memory only")
		return session.NoopStore{}
	}
	return store
}

func buildMainRouter(gw *gateway.Gateway, api *httpapi.API, plugins *pluginhost.Host, classifier *auth.Classifier) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(gin.Recovery())
	router.Use(middleware.StructuredLogger())
	router.Use(middleware.NewRateLimiter(20, 40).Middleware())

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.GET("/ws", func(c *gin.Context) {
		authCtx, err := classifier.Classify(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": err.Error()})
			return
		}
		gw.ServeWS(c.Writer, c.Request, authCtx)
	})
	router.GET("/ws/firehose", func(c *gin.Context) {
		authCtx, err := classifier.Classify(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": err.Error()})
			return
		}
		gw.ServeFirehose(c.Writer, c.Request, authCtx)
	})
	router.GET("/ws/assessment", func(c *gin.Context) {
		authCtx, err := classifier.Classify(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": err.Error()})
			return
		}
		gw.ServeFirehose(c.Writer, c.Request, authCtx)
	})

	api.RegisterRoutes(router, plugins)
	return router
}

func buildHookRouter(hooks *hookreceiver.Receiver) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	hookreceiver.RegisterRoutes(router, hooks)
	return router
}

func runServer(srv *http.Server, name string) {
	logger.Log.Info().Str("listener", name).Str("addr", srv.Addr).Msg("starting HTTP listener")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Log.Fatal().Err(err).Str("listener", name).Msg("HTTP listener failed")
	}
}

func waitForShutdown(servers ...*http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Log.Info().Str("signal", sig.String()).Msg("received shutdown signal, draining listeners")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Log.Error().Err(err).Str("addr", srv.Addr).Msg("listener did not shut down cleanly")
		}
	}
	logger.Log.Info().Msg("shutdown complete")
}

func projectPluginDir(cfg config.Config) string {
	if len(cfg.PluginDirs) > 0 {
		return cfg.PluginDirs[0]
	}
	return "./.relaybroker/plugins"
}

func userPluginDir(cfg config.Config) string {
	if len(cfg.PluginDirs) > 1 {
		return cfg.PluginDirs[1]
	}
	return "~/.relaybroker/plugins"
}
