package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atinyakov/GophBroker/internal/config"
	"github.com/atinyakov/GophBroker/internal/db"
	"github.com/atinyakov/GophBroker/internal/identity"
	"github.com/atinyakov/GophBroker/internal/metrics"
	"github.com/atinyakov/GophBroker/internal/notify"
	"github.com/atinyakov/GophBroker/internal/server/handler/http"
	"github.com/atinyakov/GophBroker/internal/service"
	"github.com/atinyakov/GophBroker/internal/vault"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker HTTP API",
	Long: `Start the broker HTTP API.

The server listens on --address and serves HTTPS when both --tls-cert and
--tls-key are set. It stops gracefully on SIGINT or SIGTERM.

Without a database, --dev-admin user:password seeds an administrator into
the in-memory store so the admin routes can be used locally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, opts, devAdmin, log)
	},
}

var devAdmin string

func init() {
	serveCmd.Flags().StringVar(&devAdmin, "dev-admin", "", "seed an in-memory administrator as user:password")
	rootCmd.AddCommand(serveCmd)
}

var errDevAdminWithDatabase = errors.New("--dev-admin only applies to the in-memory store; use 'admin create' with a database")

// seedDevAdmin creates the administrator named by creds ("user:password").
func seedDevAdmin(ctx context.Context, auth *service.AuthService, creds string, log *zap.Logger) error {
	username, pass, ok := strings.Cut(creds, ":")
	if !ok || username == "" || pass == "" {
		return errors.New("--dev-admin must be user:password")
	}
	created, err := auth.EnsureAdmin(ctx, username, pass)
	if err != nil {
		return fmt.Errorf("seed dev admin: %w", err)
	}
	log.Warn("development administrator seeded", zap.String("username", username), zap.Bool("created", created))
	return nil
}

func serve(ctx context.Context, opts *config.Options, devAdmin string, log *zap.Logger) error {
	if devAdmin != "" && opts.DatabaseDSN != "" {
		return errDevAdminWithDatabase
	}

	log.Info("starting gophbroker",
		zap.String("version", version),
		zap.String("build_date", buildDate),
	)

	store, err := openBackend(opts, opts.MigrateOnStart, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	g, ctx := errgroup.WithContext(ctx)

	clock := func() time.Time { return time.Now().UTC() }
	m := metrics.New(prometheus.DefaultRegisterer)

	// Change signals stay in-process unless Redis links the instances.
	local := notify.NewBroadcaster()
	var (
		changeSignal service.ChangeSignal = local
		changeWaiter service.ChangeWaiter = local
	)
	if opts.RedisURL != "" {
		client, err := notify.NewRedisClient(ctx, opts.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		relay := notify.NewRelay(client, local, log)
		changeSignal, changeWaiter = relay, relay
		g.Go(func() error { return relay.Run(ctx) })
	}

	if store.DB != nil {
		db.StartStatsCollector(ctx, store.DB, opts.StatsInterval, clock, m, log)
	}

	kv, err := vault.New(opts.Vault)
	if err != nil {
		return err
	}

	deps := service.Deps{
		Store:   store.Store,
		Tx:      store.Tx,
		Clock:   clock,
		Signal:  changeSignal,
		Metrics: m,
		Log:     log,
	}
	grants := service.NewGrantManager(deps)
	ledger := service.NewLedger(deps, grants, service.LedgerConfig{
		MaxPeriodDays:  opts.MaxAccessPeriodDays,
		ResubmitPolicy: opts.ResubmitPolicy,
	})
	notifier := service.NewNotifier(deps, changeWaiter, service.NotifierConfig{
		PollInterval:   opts.PollInterval,
		DefaultTimeout: opts.PollDefaultTimeout,
		MaxTimeout:     opts.PollMaxTimeout,
	})
	auth := service.NewAuthService(deps, identity.NewJWTService(opts.JWTSigningKey, opts.TokenTTL))
	if devAdmin != "" {
		if err := seedDevAdmin(ctx, auth, devAdmin, log); err != nil {
			return err
		}
	}

	router := http.NewRouter(http.Handlers{
		Auth: &http.AuthHandler{AuthService: auth},
		Secrets: &http.SecretsHandler{
			Gate:    service.NewGate(deps, grants, kv),
			Catalog: service.NewCatalog(deps, kv),
			Now:     clock,
		},
		Requests: &http.RequestsHandler{
			Ledger:   ledger,
			Notifier: notifier,
			Grants:   grants,
		},
	}, http.RouterOptions{
		Authenticator: auth,
		Logger:        log,
		Instrument:    m.Middleware,
		Metrics:       promhttp.Handler(),
		Health:        healthHandler(store.Ping, kv, log),
	})

	server := newHTTPServer(opts.Address, router)
	if opts.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCert, opts.TLSKey)
		if err != nil {
			return err
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	g.Go(func() error {
		log.Info("starting HTTP server",
			zap.String("addr", opts.Address),
			zap.Bool("tls", server.TLSConfig != nil),
		)
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newHTTPServer builds the API server. Request contexts derive from a base
// context that Shutdown cancels, so parked long polls return at once instead
// of holding Shutdown until their timeout.
func newHTTPServer(addr string, handler nethttp.Handler) *nethttp.Server {
	base, cancel := context.WithCancel(context.Background())
	server := &nethttp.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	server.RegisterOnShutdown(cancel)
	return server
}

type healthChecker interface {
	Health(ctx context.Context) error
}

// healthHandler reports the store's reachability. The vault is checked too,
// but an unhealthy vault only degrades secret reads and is logged.
func healthHandler(ping func(context.Context) error, kv healthChecker, log *zap.Logger) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := ping(ctx); err != nil {
			log.Error("health check: store unreachable", zap.Error(err))
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable\n"))
			return
		}
		if err := kv.Health(ctx); err != nil {
			log.Warn("health check: vault unhealthy", zap.Error(err))
		}
		_, _ = w.Write([]byte("ok\n"))
	}
}
