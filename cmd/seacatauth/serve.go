package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/seacat-auth/seacatauth/authz/role"
	"github.com/seacat-auth/seacatauth/client"
	"github.com/seacat-auth/seacatauth/middleware"
	"github.com/seacat-auth/seacatauth/pkg/crypto"
	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/rbac"
	"github.com/seacat-auth/seacatauth/registration"
	"github.com/seacat-auth/seacatauth/session"
	"github.com/seacat-auth/seacatauth/storage"
)

type serveOptions struct {
	// Config file path
	config string

	// Flags
	webHTTPAddr   string
	webHTTPSAddr  string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch seacatauth",
		Example: "seacatauth serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			options.config = args[0]

			return runServe(options)
		},
	}

	flags := cmd.Flags()

	flags.StringVar(&options.webHTTPAddr, "web-http-addr", "", "Web HTTP address")
	flags.StringVar(&options.webHTTPSAddr, "web-https-addr", "", "Web HTTPS address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Telemetry address")

	return cmd
}

// serverRunner wraps an *http.Server with the oklog/run lifecycle contract:
// run starts serving, the second func shuts it down gracefully when any
// member of the group returns.
type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger log.Logger
}

func newServerRunner(name string, srv *http.Server, logger log.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %v", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.Infof("listening (%s) on %s", s.name, s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("graceful shutdown (%s): %v", s.name, err)
		}
	})
	return nil
}

// ticker adds a periodic background job to gr: fn runs every interval until
// the run group winds down. Mirrors the original's Application.tick(60)
// coroutines (session GC, invitation GC) as oklog/run members instead of an
// asyncio task set.
func ticker(gr *run.Group, name string, interval time.Duration, logger log.Logger, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	gr.Add(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn(ctx)
			case <-ctx.Done():
				return nil
			}
		}
	}, func(error) {
		logger.Debugf("stopping ticker (%s)", name)
		cancel()
	})
}

// sessionAdapter bridges a resolved *session.Session to the narrow
// SessionContext capability both authz/role and client's HTTP handlers
// require. session.Session.Authorization is the identical underlying map
// type rbac.Authorization names, so no conversion is needed to satisfy
// either package's SessionContext interface structurally.
type sessionAdapter struct {
	sess *session.Session
}

func (a sessionAdapter) CredentialsID() string { return a.sess.CredentialsID }

func (a sessionAdapter) Authorization() rbac.Authorization { return a.sess.Authorization }

func roleSessionFromContext(r *http.Request) role.SessionContext {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		return nil
	}
	return sessionAdapter{sess: sess}
}

func clientSessionFromContext(r *http.Request) client.SessionContext {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		return nil
	}
	return sessionAdapter{sess: sess}
}

func runServe(options serveOptions) error {
	c, err := loadConfig(options.config)
	if err != nil {
		return err
	}
	applyConfigOverrides(options, c)

	logger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	if c.Logger.Level != "" {
		logger.Infof("config using log level: %s", c.Logger.Level)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	cipher := crypto.NewCipher(c.Session.AESKey)

	store, err := c.Storage.Config.Open(logger, cipher)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %v", err)
	}
	defer store.Close()
	logger.Infof("config storage: %s", c.Storage.Type)

	sessionCfg, err := c.Session.toServiceConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	sessions, err := session.NewService(sessionCfg, store, cipher, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session service: %v", err)
	}

	clientCfg, err := c.Client.toServiceConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	clients := client.NewService(clientCfg, store, cipher, logger)
	if len(c.Client.SeedClients) > 0 {
		seeds := make([]client.SeedClient, len(c.Client.SeedClients))
		for i, s := range c.Client.SeedClients {
			seeds[i] = client.SeedClient{ClientID: s.ClientID, Metadata: s.Metadata}
		}
		if err := clients.LoadSeedClients(context.Background(), seeds); err != nil {
			return fmt.Errorf("failed to load seed clients: %v", err)
		}
	}

	roles := role.NewService(store, logger)

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %v", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %v", err)
	}

	sessionGauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "seacatauth_sessions_active", Help: "Number of sessions currently stored"})
	clientGauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "seacatauth_clients_registered", Help: "Number of registered OIDC clients"})
	registrationDraftsTotal := prometheus.NewCounter(prometheus.CounterOpts{Name: "seacatauth_registration_drafts_issued_total", Help: "Number of registration invitations drafted"})
	registrationCompletedTotal := prometheus.NewCounter(prometheus.CounterOpts{Name: "seacatauth_registration_completed_total", Help: "Number of registrations completed"})
	registrationExpiredTotal := prometheus.NewCounter(prometheus.CounterOpts{Name: "seacatauth_registration_drafts_expired_total", Help: "Number of registration drafts swept out as expired"})
	rbacDecisionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "seacatauth_rbac_decisions_total", Help: "Private-pipeline RBAC decisions"}, []string{"result"})
	prometheusRegistry.MustRegister(sessionGauge, clientGauge, registrationDraftsTotal, registrationCompletedTotal, registrationExpiredTotal, rbacDecisionsTotal)

	registrationCfg, err := c.Registration.toServiceConfig(c.General.AuthWebUIBaseURL)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	registrationProvider := registration.NewStorageProvider(store, logger, true)
	registrationAudit := registrationMetricsAuditSink{drafted: registrationDraftsTotal, completed: registrationCompletedTotal}
	registrations, err := registration.NewService(registrationCfg, []registration.Provider{registrationProvider}, roles, registrationAudit, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize registration service: %v", err)
	}

	evaluator := rbac.Evaluator{}

	mw := middleware.New(c.toMiddlewareConfig(), sessions, evaluator, nil, logger)
	mw.Metrics = rbacMetrics{allowed: rbacDecisionsTotal.WithLabelValues("allow"), denied: rbacDecisionsTotal.WithLabelValues("deny")}

	router := mux.NewRouter()
	role.NewHandler(roles, evaluator, roleSessionFromContext, logger).Register(router)
	client.NewHandler(clients, evaluator, clientSessionFromContext, logger).Register(router)

	var handler http.Handler = mw.Private(router)
	if headers := c.Web.Headers.ToHTTPHeader(); len(headers) > 0 {
		handler = withSecurityHeaders(handler, headers)
	}

	healthChecker := gosundheit.New()
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "storage",
			CheckFunc: storage.NewHealthCheckFunc(store, func() time.Time { return time.Now().UTC() }),
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	{
		healthHandler := gosundheithttp.HandleHealthJSON(healthChecker)
		telemetryRouter.Handle("/healthz", healthHandler)
		telemetryRouter.HandleFunc("/healthz/live", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		telemetryRouter.Handle("/healthz/ready", healthHandler)
	}

	allowedTLSCiphers := []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	}

	var gr run.Group

	if c.Telemetry.HTTP != "" {
		telemetrySrv := &http.Server{Addr: c.Telemetry.HTTP, Handler: telemetryRouter}
		defer telemetrySrv.Close()

		if err := newServerRunner("http/telemetry", telemetrySrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTP != "" {
		httpSrv := &http.Server{Addr: c.Web.HTTP, Handler: handler}
		defer httpSrv.Close()

		if err := newServerRunner("http", httpSrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTPS != "" {
		httpsSrv := &http.Server{
			Addr:    c.Web.HTTPS,
			Handler: handler,
			TLSConfig: &tls.Config{
				CipherSuites:             allowedTLSCiphers,
				PreferServerCipherSuites: true,
				MinVersion:               tls.VersionTLS12,
			},
		}
		defer httpsSrv.Close()

		if err := newServerRunner("https", httpsSrv, logger).WithTLS(c.Web.TLSCert, c.Web.TLSKey).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	ticker(&gr, "session-sweep", 60*time.Second, logger, func(ctx context.Context) {
		n, err := sessions.SweepExpired(ctx)
		if err != nil {
			logger.Errorf("session sweep: %v", err)
			return
		}
		if n > 0 {
			logger.Debugf("session sweep: deleted %d expired session(s)", n)
		}
	})

	ticker(&gr, "invitation-sweep", 60*time.Second, logger, func(ctx context.Context) {
		n, err := registrations.SweepExpired(ctx)
		if err != nil {
			logger.Errorf("invitation sweep: %v", err)
			return
		}
		if n > 0 {
			logger.Debugf("invitation sweep: deleted %d expired invitation(s)", n)
			registrationExpiredTotal.Add(float64(n))
		}
	})

	ticker(&gr, "metrics-sample", 10*time.Second, logger, func(ctx context.Context) {
		if n, err := sessions.Count(ctx); err == nil {
			sessionGauge.Set(float64(n))
		}
		if n, err := clients.Count(ctx); err == nil {
			clientGauge.Set(float64(n))
		}
	})

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}

// rbacMetrics adapts two Prometheus counter values to middleware.Metrics.
type rbacMetrics struct {
	allowed prometheus.Counter
	denied  prometheus.Counter
}

func (m rbacMetrics) RBACDecision(allowed bool) {
	if allowed {
		m.allowed.Inc()
	} else {
		m.denied.Inc()
	}
}

// registrationMetricsAuditSink counts draft/completion events via the
// audit hook, per SPEC_FULL.md §2's registration drafts issued/completed
// counters. It does not persist anything audit-shaped; a richer AuditSink
// can be layered in front of it when an audit store is added.
type registrationMetricsAuditSink struct {
	drafted   prometheus.Counter
	completed prometheus.Counter
}

func (s registrationMetricsAuditSink) Append(_ context.Context, code string, _ map[string]interface{}) error {
	switch code {
	case registration.AuditCredentialsCreated:
		s.drafted.Inc()
	case registration.AuditCredentialsRegisteredNew, registration.AuditCredentialsRegisteredExist:
		s.completed.Inc()
	}
	return nil
}

// withSecurityHeaders merges the configured response headers into every
// response, applied around the whole private pipeline.
func withSecurityHeaders(next http.Handler, headers map[string][]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, values := range headers {
			for _, v := range values {
				w.Header().Add(k, v)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func applyConfigOverrides(options serveOptions, config *Config) {
	if options.webHTTPAddr != "" {
		config.Web.HTTP = options.webHTTPAddr
	}
	if options.webHTTPSAddr != "" {
		config.Web.HTTPS = options.webHTTPSAddr
	}
	if options.telemetryAddr != "" {
		config.Telemetry.HTTP = options.telemetryAddr
	}
}
