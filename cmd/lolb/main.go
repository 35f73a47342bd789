package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/caddyserver/certmagic"

	"github.com/anthropics/lolb/internal/config"
	"github.com/anthropics/lolb/internal/dispatch"
	"github.com/anthropics/lolb/internal/persist"
	"github.com/anthropics/lolb/internal/registry"
	"github.com/anthropics/lolb/internal/server"
	lolbtls "github.com/anthropics/lolb/internal/tls"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	acmeEmail := flag.String("acme-email", "", "Contact email for ACME certificate issuance; when unset, lolb serves self-signed certificates only")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	showCA := flag.Bool("show-ca", false, "Show self-signed dev CA certificate path and exit")
	showHelp := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("lolb %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debugMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	actualConfigPath := *configPath
	if actualConfigPath == "" {
		var pathErr error
		actualConfigPath, pathErr = config.DefaultConfigPath()
		if pathErr != nil {
			printError("Failed to determine config path", pathErr, configLoadFix(""))
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError("Failed to load configuration", err, configLoadFix(*configPath))
	}

	if *listenAddr != "" {
		cfg.Listen.Addr = *listenAddr
	}

	if err := cfg.Save(actualConfigPath); err != nil {
		logger.Warn("failed to persist config (generated preshared keys only live in memory this run)", "path", actualConfigPath, "err", err)
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		printError("Failed to determine config directory", err, configLoadFix(""))
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		printError("Failed to create config directory", err, caPermissionFix(configDir))
	}

	reg := registry.New()
	reg.Configure(cfg.ToRegistryDomains())
	if len(cfg.Domains) == 0 {
		logger.Warn("no domains configured", "fix", noDomainsConfiguredFix(actualConfigPath))
	}

	certsDir := filepath.Join(configDir, "certs")
	ca, err := lolbtls.LoadOrCreateCA(certsDir)
	if err != nil {
		switch {
		case isPermissionError(err):
			printError("Failed to load/create dev CA certificate", err, caPermissionFix(certsDir))
		case isCorruptCert(err):
			printError("Dev CA certificate is corrupted", err, caCorruptFix(certsDir))
		default:
			printError("Failed to load/create dev CA certificate", err, caCorruptFix(certsDir))
		}
	}
	logger.Info("dev CA loaded", "path", filepath.Join(certsDir, "ca.crt"))
	certCache := lolbtls.NewCertCache(ca, 1000, func(host string) bool {
		known := reg.KnownHost(host)
		if !known {
			logger.Debug("tls: rejecting unknown host", "host", host, "fix", unknownHostTLSFix(host))
		}
		return known
	})

	if *showCA {
		fmt.Printf("Self-signed dev CA certificate: %s\n", filepath.Join(certsDir, "ca.crt"))
		fmt.Println("This CA only backs connections for hosts without an ACME-issued certificate.")
		os.Exit(0)
	}

	if cfg.Persistence.DBPath == "" {
		dbPath, err := config.DefaultDBPath()
		if err != nil {
			printError("Failed to determine database path", err, dbPathFix(""))
		}
		cfg.Persistence.DBPath = dbPath
	}

	store, err := persist.Open(cfg.Persistence.DBPath, cfg.Persistence.WorkerCount)
	if err != nil {
		switch {
		case isDBLocked(err):
			printError("Database is locked", err, dbLockedFix(cfg.Persistence.DBPath))
		case isPermissionError(err):
			printError("Cannot access database", err, dbPathFix(cfg.Persistence.DBPath))
		default:
			printError("Failed to open database", err, dbPathFix(cfg.Persistence.DBPath))
		}
	}
	defer store.Close()
	logger.Info("database opened", "path", cfg.Persistence.DBPath)

	d := dispatch.New(reg, store, logger)

	const maxPortAttempts = 10
	ln, actualAddr, err := listenWithFallback(cfg.Listen.Addr, maxPortAttempts)
	if err != nil {
		printError("Failed to bind listener", err, portInUseFix(cfg.Listen.Addr, maxPortAttempts))
	}

	srv := buildServer(actualAddr, d, store, certCache, *acmeEmail, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Listening: %s\n", actualAddr)
	fmt.Fprintf(os.Stderr, "  Dev CA:    %s\n", filepath.Join(certsDir, "ca.crt"))
	fmt.Fprintf(os.Stderr, "  Database:  %s\n", cfg.Persistence.DBPath)
	fmt.Fprintf(os.Stderr, "  Domains:   %d configured\n", len(cfg.Domains))
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info("lolb starting", "addr", actualAddr)
	if err := srv.ServeListener(ctx, ln); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("lolb shutdown complete")
}

// buildServer wires TLS termination: real ACME-issued certificates via
// certmagic (backed by the shared persist.Store) when an ACME contact
// email was supplied, self-signed certificates only otherwise.
func buildServer(addr string, d *dispatch.Dispatcher, store *persist.Store, certCache *lolbtls.CertCache, acmeEmail string, logger *slog.Logger) *server.Server {
	if acmeEmail == "" {
		return server.New(addr, d, logger, server.WithSelfSignedTLS(certCache))
	}

	magic := certmagic.NewDefault()
	magic.Storage = store
	magic.Issuers = []certmagic.Issuer{
		certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
			Email:  acmeEmail,
			Agreed: true,
		}),
	}
	return server.New(addr, d, logger, server.WithACME(magic, certCache))
}

// listenWithFallback attempts to listen on the given address, falling back to
// subsequent ports if the port is already in use. It tries up to maxAttempts ports.
// Returns the listener, the actual address used, and any error.
func listenWithFallback(baseAddr string, maxAttempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(baseAddr)
	if err != nil {
		ln, err := net.Listen("tcp", baseAddr)
		if err != nil {
			return nil, "", err
		}
		return ln, baseAddr, nil
	}

	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		port := basePort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))

		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				slog.Info("port fallback", "requested", baseAddr, "actual", addr)
			}
			return ln, addr, nil
		}

		if isAddrInUse(err) {
			lastErr = err
			continue
		}
		return nil, "", err
	}

	return nil, "", fmt.Errorf("all %d ports starting from %s are in use: %w", maxAttempts, baseAddr, lastErr)
}

// isAddrInUse checks if the error indicates the address is already in use.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "Only one usage of each socket address") ||
		strings.Contains(errStr, "EADDRINUSE")
}

func printHelp() {
	fmt.Printf(`lolb - reverse-topology load balancer

lolb inverts the usual load-balancer topology: services dial out to
lolb and register a route, instead of lolb discovering and dialing
out to services. Clients connect to lolb as they would to any
HTTP/1.1 or HTTP/2 server.

USAGE:
    lolb [OPTIONS]

OPTIONS:
    -config <path>      Path to configuration file
    -listen <addr>      Listen address (default: from config or 0.0.0.0:8443)
    -acme-email <addr>  Contact email for ACME issuance (omit for self-signed only)
    -version            Show version information
    -show-ca             Show the self-signed dev CA certificate path
    -help                Show this help message

CONFIGURATION:
    Config file locations (in order of precedence):
    - Path specified with -config
    - %%APPDATA%%\lolb\config.yaml (Windows)
    - ~/.config/lolb/config.yaml (Unix)

    Environment variables can override config:
    - LOLB_LISTEN       Listen address
    - LOLB_DB_PATH      Database path
`)
}
