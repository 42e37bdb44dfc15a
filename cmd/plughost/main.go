// ABOUTME: Entry point for plughost: the token-broker backend and the headless plugin host.
// ABOUTME: Wires config, store, session claims, image proxy and admin endpoints behind cobra commands.

package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/2389/plughost/internal/admin"
	"github.com/2389/plughost/internal/auth"
	"github.com/2389/plughost/internal/config"
	apierrors "github.com/2389/plughost/internal/errors"
	"github.com/2389/plughost/internal/images"
	"github.com/2389/plughost/internal/logging"
	"github.com/2389/plughost/internal/marketplace"
	"github.com/2389/plughost/internal/session"
	"github.com/2389/plughost/internal/store"
	"github.com/2389/plughost/plugins/samplewidget"
)

var (
	port   int
	dbPath string

	pluginsFile string
	openSlot    string
	apiURL      string
	analyze     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "plughost",
		Short: "Plugin host shell and session-claim backend",
		Long: `plughost runs the backend that plugins fetch medical images through, and a headless
host shell that loads plugins from remote entries and mounts them into slots.

Quick Start:
  plughost serve              # Start the backend on port 3001
  plughost host               # Mount the sample widget from a local remote
  plughost host --open sampleWidget --analyze
  plughost reset              # Delete the request log database`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP backend",
		Long: `Start the backend.

Endpoints:
  GET /health                   Liveness with uptime
  GET /api/images/{identifier}  Claim the bearer ticket, then fetch the image upstream
  GET /admin/logs|claims|stats|routes
  GET /remotes/sampleWidget/remoteEntry.json

Environment Variables:
  PORT                   Listen port (default: 3001)
  ACUITAS_API_BASE_URL   Marketplace base URL
  PLUGIN_ID              Plugin id tickets are claimed for (default: retinalyze)
  CORS_ORIGIN            Comma separated allowed origins
  PLUGHOST_DB_PATH       SQLite database path
  ACUITAS_INSECURE_TLS   Skip upstream certificate verification (default: false)`,
		RunE: runServe,
	}
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides PORT)")
	serveCmd.Flags().StringVarP(&dbPath, "db", "d", "", "Database path (overrides PLUGHOST_DB_PATH)")

	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Run the headless host shell",
		Long: `Load the plugin slot file, resolve and mount every plugin, then print the container tree
and each slot's status.

Without a slot file the sample widget is served from a local remote and mounted.

Environment Variables:
  PLUGHOST_PLUGINS_FILE  Slot file (default: plugins.toml)
  PLUGHOST_PST           Token handed out by the stub broker
  TOKEN_AUTHORITY_URL    Ask this authority for tokens instead of the stub`,
		RunE: runHost,
	}
	hostCmd.Flags().StringVarP(&pluginsFile, "plugins", "f", "", "Slot file (overrides PLUGHOST_PLUGINS_FILE)")
	hostCmd.Flags().StringVar(&openSlot, "open", "", "Show this slot fullscreen after mounting")
	hostCmd.Flags().StringVar(&apiURL, "api", "", "Backend URL the sample widget fetches images from")
	hostCmd.Flags().BoolVar(&analyze, "analyze", false, "Run the sample widget's analysis after mounting")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the database",
		Long: `Delete the SQLite database holding request logs and session claims.
It is recreated empty on the next serve.

Warning: This permanently deletes all logged data!`,
		RunE: runReset,
	}
	resetCmd.Flags().StringVarP(&dbPath, "db", "d", "", "Database path (overrides PLUGHOST_DB_PATH)")

	rootCmd.AddCommand(serveCmd, hostCmd, resetCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// validateAndCleanDBPath validates and cleans a database path.
// Handles Unix/Linux, macOS, and Windows paths (including UNC and drive letters).
func validateAndCleanDBPath(path string) (string, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return "", fmt.Errorf("database path cannot be empty, '.', or '/'")
	}
	cleanPath = filepath.Clean(cleanPath)

	if cleanPath == "." || cleanPath == "/" {
		return "", fmt.Errorf("database path cannot be empty, '.', or '/'")
	}

	// Windows: reject bare drive letters (e.g., "C:", "D:")
	if runtime.GOOS == "windows" && len(cleanPath) == 2 && cleanPath[1] == ':' {
		return "", fmt.Errorf("database path cannot be a bare drive letter")
	}

	if strings.Contains(cleanPath, "..") {
		return "", fmt.Errorf("database path cannot contain '..'")
	}

	badPatterns := []string{
		".git",
		".svn",
		"node_modules",
		".env",
		"credentials",
		"secret",
	}
	lowerPath := strings.ToLower(cleanPath)
	for _, pattern := range badPatterns {
		if strings.Contains(lowerPath, pattern) {
			return "", fmt.Errorf("database path cannot contain '%s' directory", pattern)
		}
	}

	return cleanPath, nil
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if port != 0 {
		cfg.Port = port
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if pluginsFile != "" {
		cfg.PluginsFile = pluginsFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.DBPath, err = validateAndCleanDBPath(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	srv := newServer(cfg, s)

	if cfg.InsecureTLS {
		log.Printf("WARNING: upstream certificate verification is disabled")
	}
	log.Printf("plughost backend listening on %s", cfg.Addr())
	log.Printf("Marketplace: %s (plugin %s)", cfg.APIBaseURL, cfg.PluginID)
	log.Printf("Database: %s", cfg.DBPath)
	return http.ListenAndServe(cfg.Addr(), srv)
}

func newServer(cfg *config.Config, s *store.Store) http.Handler {
	client := marketplace.New(marketplace.Options{
		BaseURL:            cfg.APIBaseURL,
		PluginID:           cfg.PluginID,
		InsecureSkipVerify: cfg.InsecureTLS,
		ClaimTimeout:       cfg.ClaimTimeout,
		FetchTimeout:       cfg.FetchTimeout,
	})
	sessions := session.New(client, s)
	started := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(logging.Middleware(s))
	r.Use(auth.Middleware)

	r.NotFound(apierrors.NotFoundHandler)
	r.MethodNotAllowed(apierrors.MethodNotAllowedHandler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		apierrors.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": apierrors.Now(),
			"uptime":    time.Since(started).Seconds(),
		})
	})

	images.NewHandlers(sessions, client).RegisterRoutes(r)
	admin.NewHandlers(s).RegisterRoutes(r)
	r.Mount(config.SampleRemotePath, samplewidget.Remote().Handler())

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Remove existing database - ignore if file doesn't exist
	if err := os.Remove(cfg.DBPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing database: %w", err)
	}
	log.Printf("Removed %s", cfg.DBPath)
	return nil
}
