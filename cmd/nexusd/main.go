// Command nexusd is the plugin host daemon: it loads installed plugins and
// extensions, reconciles their container state, and serves the aggregated
// MCP gateway over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nexusd/nexus/internal/approval"
	"github.com/nexusd/nexus/internal/audit"
	"github.com/nexusd/nexus/internal/event"
	"github.com/nexusd/nexus/internal/extension"
	"github.com/nexusd/nexus/internal/gateway"
	"github.com/nexusd/nexus/internal/health"
	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/mcpgateway"
	"github.com/nexusd/nexus/internal/oauthstore"
	"github.com/nexusd/nexus/internal/permission"
	"github.com/nexusd/nexus/internal/plugin"
	"github.com/nexusd/nexus/internal/runtime"
	"github.com/nexusd/nexus/internal/runtime/docker"
	"github.com/nexusd/nexus/internal/runtime/memdriver"
	"github.com/nexusd/nexus/internal/store"
)

const (
	defaultBindAddr = "127.0.0.1:7332"
	mcpPath         = "/mcp"
	healthInterval  = 30 * time.Second
)

type options struct {
	dataDir    string
	bindAddr   string
	issuerURL  string
	noDocker   bool
	verbose    bool
	seedTrust  trustEntries
}

// trustEntries is a repeatable --trust-key=id=pubkey flag for pre-pinning an
// extension author's key before its first install, bypassing the
// trust-on-first-use prompt for keys an operator already knows to trust
// (e.g. baking a fleet's approved extensions into a provisioning script).
type trustEntries map[string]string

func (e trustEntries) String() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, 0, len(e))
	for id, key := range e {
		parts = append(parts, id+"="+key)
	}
	return strings.Join(parts, ",")
}

func (e trustEntries) Set(raw string) error {
	id, key, ok := strings.Cut(raw, "=")
	if !ok || id == "" || key == "" {
		return fmt.Errorf("expected id=pubkey, got %q", raw)
	}
	e[id] = key
	return nil
}

func (trustEntries) Type() string { return "id=pubkey" }

var _ pflag.Value = trustEntries{}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	opts := &options{seedTrust: make(trustEntries)}

	root := &cobra.Command{
		Use:   "nexusd",
		Short: "Run the Nexus plugin host daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dataDir, "data-dir", envOrDefault("NEXUS_DATA_DIR", "/var/lib/nexus"), "Directory for plugin/extension state, audit log and OAuth tokens")
	flags.StringVar(&opts.bindAddr, "bind-addr", envOrDefault("NEXUS_BIND_ADDR", defaultBindAddr), "Loopback address the MCP gateway listens on")
	flags.StringVar(&opts.issuerURL, "issuer-url", envOrDefault("NEXUS_ISSUER_URL", ""), "OAuth issuer base URL advertised in protected-resource metadata")
	flags.BoolVar(&opts.noDocker, "no-docker", os.Getenv("NEXUS_NO_DOCKER") == "1", "Use the in-memory runtime driver instead of Docker (testing only)")
	flags.BoolVar(&opts.verbose, "verbose", os.Getenv("NEXUS_VERBOSE") == "1", "Enable verbose logging")
	flags.Var(opts.seedTrust, "trust-key", "Pre-pin an extension author key as id=pubkey (repeatable), bypassing trust-on-first-use")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		hostlog.Errorf("nexusd: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	hostlog.SetVerbose(opts.verbose)

	if err := os.MkdirAll(opts.dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	oauth, err := oauthstore.Open(opts.dataDir)
	if err != nil {
		return fmt.Errorf("opening oauth store: %w", err)
	}
	perms, err := permission.NewService(opts.dataDir)
	if err != nil {
		return fmt.Errorf("opening permission service: %w", err)
	}
	approvalBridge := approval.New()
	sink, err := audit.Open(opts.dataDir)
	if err != nil {
		return fmt.Errorf("opening audit sink: %w", err)
	}

	apiGateway, err := gateway.New(opts.dataDir, oauth, perms, approvalBridge, sink, "nexus", opts.issuerURL)
	if err != nil {
		return fmt.Errorf("constructing auth gateway: %w", err)
	}

	plugins, err := plugin.OpenStorage(opts.dataDir)
	if err != nil {
		return fmt.Errorf("opening plugin storage: %w", err)
	}
	mcpSettings, err := store.OpenMcpSettings(opts.dataDir)
	if err != nil {
		return fmt.Errorf("opening mcp settings: %w", err)
	}

	registry := extension.NewRegistry()
	trusted, err := extension.OpenTrustedKeys(opts.dataDir)
	if err != nil {
		return fmt.Errorf("opening trusted keys: %w", err)
	}
	for id, pubKey := range opts.seedTrust {
		if err := trusted.Trust(id, pubKey); err != nil {
			return fmt.Errorf("seeding trusted key for %q: %w", id, err)
		}
	}
	bus := event.NewBus()
	extLoader, err := extension.NewLoader(opts.dataDir, registry, trusted, bus, versionString)
	if err != nil {
		return fmt.Errorf("constructing extension loader: %w", err)
	}

	driver, err := selectDriver(opts.noDocker)
	if err != nil {
		return fmt.Errorf("selecting runtime driver: %w", err)
	}

	server := mcpgateway.NewServer("nexus", versionString)
	// supervisor is wired in below once constructed, since plugin.New needs
	// mcpGw as its McpConnector and mcpgateway.New needs the supervisor.
	mcpGw := mcpgateway.New(server, apiGateway, registry, extLoader, plugins, nil, driver, mcpSettings, perms, sink)

	supervisor := plugin.New(opts.dataDir, driver, plugins, perms, oauth, mcpSettings, mcpGw, plugin.Settings{}, versionString)
	mcpGw.SetSupervisor(supervisor)

	reconciler := health.New(driver, plugins, sink, mcpGw)
	go reconciler.Run(ctx, healthInterval)

	if err := mcpGw.Rebuild(ctx); err != nil {
		return fmt.Errorf("building initial tool list: %w", err)
	}

	onExternalEdit := func() {
		if err := mcpGw.Rebuild(ctx); err != nil {
			hostlog.Warnf("rebuilding tool list after external settings edit: %v", err)
		}
	}
	if err := mcpSettings.Watch(ctx, onExternalEdit); err != nil {
		hostlog.Warnf("watching mcp_settings.json for external edits: %v", err)
	}
	if err := trusted.Watch(ctx, onExternalEdit); err != nil {
		hostlog.Warnf("watching trusted_keys.json for external edits: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle(mcpPath, authMiddleware(apiGateway, mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server { return server }, nil)))
	mux.HandleFunc("/oauth/callback/", thirdPartyCallbackHandler(supervisor))
	httpServer := &http.Server{
		Handler: mux,
	}

	listener, err := net.Listen("tcp", opts.bindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", opts.bindAddr, err)
	}
	hostlog.Logf("nexusd listening on %s%s", opts.bindAddr, mcpPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func selectDriver(noDocker bool) (runtime.Driver, error) {
	if noDocker {
		return memdriver.New(), nil
	}
	d, err := docker.New()
	if err != nil {
		return nil, err
	}
	return d, nil
}

// thirdPartyCallbackHandler completes a plugin's third-party OAuth grant.
// It is intentionally outside authMiddleware: the redirect arrives from the
// user's browser following the provider's consent screen, carrying no
// bearer credential of its own — the opaque, single-use state parameter is
// the authorization.
func thirdPartyCallbackHandler(supervisor *plugin.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		if state == "" || code == "" {
			http.Error(w, "missing state or code", http.StatusBadRequest)
			return
		}
		pluginID, _, err := supervisor.CompleteThirdPartyAuthorization(r.Context(), state, code)
		if err != nil {
			hostlog.Warnf("completing third-party oauth for callback: %v", err)
			http.Error(w, "authorization failed", http.StatusBadGateway)
			return
		}
		hostlog.Logf("third-party oauth authorized for plugin %q", pluginID)
		fmt.Fprintln(w, "Authorization complete. You may close this window.")
	}
}

// authMiddleware enforces the loopback-API-key / OAuth-bearer authentication
// pipeline in front of the MCP endpoint, issuing an RFC 9728 discovery
// challenge on missing or invalid credentials. Per-call authorization
// (permission/scope/risk) happens later, inside the gateway's own
// Authorize pipeline keyed off the resolved tool's component id.
func authMiddleware(gw *gateway.Gateway, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := gw.Authenticate(r); err != nil {
			w.Header().Set("WWW-Authenticate", gateway.ChallengeHeader("nexus", "", err))
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// versionString is the daemon's reported MCP implementation version.
const versionString = "0.1.0"
