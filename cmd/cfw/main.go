package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lz0o0/AI-CFW"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./cfw.yaml, ~/.cfw/config.yaml, /etc/cfw/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (used when no config file)
		addr       = flag.String("addr", "", "relay listen address (overrides config)")
		caCertPath = flag.String("ca-cert", "", "path to CA certificate (overrides config)")
		caKeyPath  = flag.String("ca-key", "", "path to CA private key (overrides config)")
		genCA      = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		caOrg      = flag.String("ca-org", "", "organization name for generated CA (overrides config)")
		adminAddr  = flag.String("admin-addr", "", "admin API and metrics listen address (overrides config)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	// Generate example config mode
	if *genConfig {
		if err := cfw.WriteExampleConfig("cfw.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated cfw.yaml")
		return
	}

	cfg, err := cfw.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// Flags override config when set
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *caCertPath != "" {
		cfg.TLS.CACert = *caCertPath
	}
	if *caKeyPath != "" {
		cfg.TLS.CAKey = *caKeyPath
	}
	if *caOrg != "" {
		cfg.TLS.Organization = *caOrg
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
		cfg.Admin.Enabled = true
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "set up logging:", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	// Generate CA mode
	if *genCA {
		if err := generateCA(cfg.TLS); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *cfw.Config, logger *slog.Logger) error {
	// CA: load from disk, generating a fresh pair on first start.
	cm, err := cfw.EnsureCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization, cfg.TLS.CAValidityDays)
	if err != nil {
		return fmt.Errorf("set up CA: %w", err)
	}
	if cfg.TLS.LeafValidityDays > 0 {
		cm.LeafValidity = time.Duration(cfg.TLS.LeafValidityDays) * 24 * time.Hour
	}
	cm.Organization = cfg.TLS.Organization
	logger.Info("CA ready", "cert", cfg.TLS.CACert,
		"subject", cm.CACert().Subject.CommonName)

	// Inspection pipeline with reloadable rules.
	loader, closeLoader, err := cfg.BuildRuleLoader()
	if err != nil {
		return fmt.Errorf("build rule loader: %w", err)
	}
	defer func() { _ = closeLoader() }()

	metrics := cfw.NewMetrics()
	cm.OnIssue = func(string) { metrics.RecordCertIssued() }

	// No analyzer backend ships in this binary; embedders supply one via
	// cfw.Config.BuildAnalyzerStage.
	analyzer := cfg.BuildAnalyzerStage(nil)
	if cfg.Analyzer.Enabled && analyzer == nil {
		logger.Warn("analyzer enabled in config but no backend is registered; stage disabled")
	}

	pipeline := cfw.NewReloadablePipeline(loader, analyzer)
	pipeline.OnReload = func(count int) {
		metrics.RecordRuleReload()
		metrics.SetRuleCount(count)
	}
	pipeline.OnError = func(err error) {
		metrics.RecordRuleReloadError()
	}
	if err := pipeline.Load(context.Background()); err != nil {
		logger.Warn("initial rule load failed, using built-ins", "error", err)
	}
	logger.Info("detection rules loaded", "count", pipeline.RuleCount(),
		"stages", pipeline.Pipeline().StageNames())

	// Threat log with rotation.
	maxSize, err := cfg.ThreatLogMaxSize()
	if err != nil {
		return fmt.Errorf("threat log max size: %w", err)
	}
	threatLog, err := cfw.NewThreatLog(cfg.ThreatLog.Path, maxSize, cfg.ThreatLog.BackupCount)
	if err != nil {
		return fmt.Errorf("open threat log: %w", err)
	}
	threatLog.RetentionDays = cfg.ThreatLog.RetentionDays
	threatLog.OnRotate = metrics.RecordLogRotation

	// Alerting.
	alerter := cfw.NewAlerter(cfg.Alerts.QueueSize, &cfw.LogSink{Logger: logger})
	alerter.OnDrop = metrics.RecordAlertDropped
	defer alerter.Close()

	// Policy engine.
	policy := cfw.NewPolicyEngine(cfg.BuildPolicyConfig(), threatLog, alerter)
	policy.SetLogger(logger)

	// Relay.
	flowLogger := logger
	if cfg.Logging.FlowLog != "" {
		f, err := os.OpenFile(cfg.Logging.FlowLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open flow log: %w", err)
		}
		defer func() { _ = f.Close() }()
		flowLogger = slog.New(slog.NewJSONHandler(f, nil))
	}

	relay := cfw.NewRelay(cfg.Server.Addr, cm, pipeline, policy)
	relay.Tracker = cfw.NewConnTracker(cfg.Server.MaxConnections)
	relay.FlowLog = cfw.NewFlowLogger(flowLogger)
	relay.Metrics = metrics
	relay.Logger = logger
	relay.ReadTimeout = cfg.Server.ReadTimeout
	relay.DialTimeout = cfg.Server.DialTimeout
	relay.BufferSize = cfg.Server.BufferSize
	relay.InsecureSkipOriginVerify = cfg.Server.InsecureSkipOriginVerify

	// Health probes.
	health := cfw.NewHealthChecker()
	health.ReadinessChecks = []cfw.ReadinessCheck{
		cfw.CACheck(cm),
		cfw.RulesCheck(pipeline),
	}
	health.SetAlive(true)

	// Shutdown and reload signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reloader := &cfw.Reloader{
		Pipeline:   pipeline,
		Certs:      cm,
		CACertPath: cfg.TLS.CACert,
		CAKeyPath:  cfg.TLS.CAKey,
		Logger:     logger,
	}
	reloader.WatchSignals(ctx)
	reloader.WatchInterval(ctx, cfg.Inspection.ReloadInterval)

	// Admin API and metrics listener.
	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		admin := cfw.NewAdminAPI(relay)
		admin.Pipeline = pipeline
		admin.Policy = policy
		admin.ThreatLog = threatLog
		admin.Health = health
		admin.Logger = logger

		mux := http.NewServeMux()
		mux.Handle("/api/", admin.Handler())
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", health.HandleHealthz)
		mux.HandleFunc("/readyz", health.HandleReadyz)

		adminSrv = &http.Server{Addr: cfg.Admin.Addr, Handler: mux}
		go func() {
			logger.Info("admin API listening", "addr", cfg.Admin.Addr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server error", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		health.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if adminSrv != nil {
			_ = adminSrv.Shutdown(shutdownCtx)
		}
		_ = relay.Shutdown(shutdownCtx)
	}()

	health.SetReady(true)
	logger.Info("starting relay", "addr", cfg.Server.Addr,
		"max_connections", cfg.Server.MaxConnections)
	logger.Info("route traffic through this address and trust the CA certificate")

	return relay.ListenAndServe()
}

func buildLogger(cfg cfw.LoggingConfig) (*slog.Logger, error) {
	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

func generateCA(cfg cfw.TLSConfig) error {
	if _, err := os.Stat(cfg.CACert); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", cfg.CACert)
	}
	if _, err := os.Stat(cfg.CAKey); err == nil {
		return fmt.Errorf("CA key already exists at %s", cfg.CAKey)
	}

	slog.Info("generating CA certificate", "org", cfg.Organization)

	certPEM, keyPEM, err := cfw.GenerateCA(cfg.Organization, cfg.CAValidityDays)
	if err != nil {
		return err
	}

	if err := os.WriteFile(cfg.CACert, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(cfg.CAKey, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	slog.Info("CA certificate generated", "cert", cfg.CACert, "key", cfg.CAKey)
	slog.Info("add the CA certificate to your system trust store")

	return nil
}
