// deathwatch - death-based ban coordination for shared game servers
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/varkas/deathwatch/internal/api"
	"github.com/varkas/deathwatch/internal/audit"
	"github.com/varkas/deathwatch/internal/auth"
	"github.com/varkas/deathwatch/internal/collector"
	"github.com/varkas/deathwatch/internal/config"
	"github.com/varkas/deathwatch/internal/domain"
	"github.com/varkas/deathwatch/internal/engine"
	"github.com/varkas/deathwatch/internal/lists"
	"github.com/varkas/deathwatch/internal/policy"
	"github.com/varkas/deathwatch/internal/presence"
	"github.com/varkas/deathwatch/internal/storage"
	"golang.org/x/term"
)

var version = "dev"

const defaultConfigPath = "/etc/deathwatch/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "leaderboard":
		cmdLeaderboard(os.Args[2:])
	case "operator":
		cmdOperator(os.Args[2:])
	case "wipe":
		cmdWipe(os.Args[2:])
	case "version":
		fmt.Printf("deathwatch %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: deathwatch <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the ban coordinator")
	fmt.Println("  status                              Show engine counters and per-server tail state")
	fmt.Println("  leaderboard [--top N]               Show users ranked by death count (default: 25)")
	fmt.Println("  operator add [--admin] <username>   Add an operator (prompts for password)")
	fmt.Println("  operator remove <username>          Remove an operator")
	fmt.Println("  operator list                       List all operators")
	fmt.Println("  operator reset <username>           Reset an operator's password")
	fmt.Println("  operator admin <username>           Toggle admin status for an operator")
	fmt.Println("  wipe                                Erase all tracked users (prompts for confirmation)")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/deathwatch/config.yml)")
	fmt.Println("  --url <url>        Base URL of the deathwatch server (default: derived from config)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  deathwatch serve --config /etc/deathwatch/config.yml")
	fmt.Println("  deathwatch status")
	fmt.Println("  deathwatch leaderboard --top 10")
	fmt.Println("  deathwatch operator add --admin myadmin")
}

// cmdServe starts the ban coordinator daemon
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	// Determine config path
	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}

	// Load configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Deathwatch %s starting...", version)
	log.Printf("Coordinating %d servers, policy %s", len(cfg.Servers), cfg.Policy.Mode)

	// Initialize storage
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	// Presence bus: an embedded broker, or an external NATS server
	natsURL := cfg.Presence.URL
	if cfg.Presence.Embedded {
		ns, url, err := presence.StartEmbeddedServer(cfg.Presence.Host, cfg.Presence.Port)
		if err != nil {
			log.Fatalf("Failed to start embedded NATS server: %v", err)
		}
		defer ns.Shutdown()
		natsURL = url
		log.Printf("Embedded NATS server listening on %s", url)
	} else if natsURL == "" {
		log.Fatalf("No presence bus configured. Set presence.url or presence.embedded in %s.", cfgPath)
	}
	conn, err := presence.Connect(natsURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS at %s: %v", natsURL, err)
	}
	defer conn.Close()

	// Assemble the coordinator: policy resolver, list files, audit trail,
	// then the engine itself
	resolver := policy.New(cfg.Policy.Mode, cfg.Policy.WhitelistOnValidate, cfg.ServerIDs())
	serverLists := make([]*lists.ServerLists, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		serverLists = append(serverLists, lists.ForServer(srv))
	}

	hub := api.NewWebSocketHub()
	recorder := audit.NewRecorder(store, hub)
	intents := presence.NewIntents(conn)

	eng := engine.New(cfg, store, resolver, serverLists, recorder, intents)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start ban engine: %v", err)
	}

	// Start the log collector
	manager := collector.NewManager(cfg, store, eng)
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start collector: %v", err)
	}
	log.Printf("Collector started, polling every %v", cfg.Collector.PollInterval)

	// Start the voice presence monitor
	monitor := presence.NewMonitor(conn, eng)
	if err := monitor.Start(); err != nil {
		log.Fatalf("Failed to subscribe to presence events: %v", err)
	}

	// Create auth service
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	if cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: No JWT secret configured. Auth tokens will use an empty secret.")
	}

	// Create HTTP router
	router := api.NewRouter(cfg, store, eng, manager, serverLists, hub, authService, cfg.Server.StaticDir)
	router.StartWebSocketHub()
	if cfg.Server.StaticDir != "" {
		log.Printf("Serving static files from %s", cfg.Server.StaticDir)
	}

	// Start HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for signal or error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Fatalf("HTTP server error: %v", err)
	}

	// Sequential shutdown: producers stop before the engine so no new work
	// arrives while the per-user lanes drain
	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	monitor.Stop()
	log.Println("Stopping collector...")
	manager.Stop()
	log.Println("Stopping ban engine...")
	eng.Stop()

	cancel()
	log.Println("Shutdown complete")
}

// CLI helper variables
var (
	baseURL = "http://localhost:8080"
	dbPath  string
)

// loadCLIConfigFromFlags loads config using pre-parsed flag values
func loadCLIConfigFromFlags(configPath, url string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", configPath, err)
		dbPath = "/var/lib/deathwatch/deathwatch.db"
		if url != "" {
			baseURL = url
		}
		return nil
	}
	dbPath = cfg.Database.Path
	// Derive URL from config, but allow --url flag to override
	if url != "" {
		baseURL = url
	} else {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	}
	return cfg
}

func loadCLIConfig(args []string) (*config.Config, []string) {
	fs := flag.NewFlagSet("cli", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the deathwatch server")
	fs.Parse(args)

	cfg := loadCLIConfigFromFlags(*configPath, *url)
	return cfg, fs.Args()
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the deathwatch server")
	fs.Parse(args)

	loadCLIConfigFromFlags(*configPath, *url)

	var status map[string]interface{}
	if err := getJSON("/api/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if eng, ok := status["engine"].(map[string]interface{}); ok {
		fmt.Printf("Users: %d  Dead: %d  Pending validation: %d  Dirty syncs: %d\n",
			int(eng["users"].(float64)), int(eng["dead"].(float64)),
			int(eng["validation_pending"].(float64)), int(eng["dirty_syncs"].(float64)))
	}
	if pol, ok := status["policy"].(map[string]interface{}); ok {
		fmt.Printf("Policy: %v (whitelist: %v)\n", pol["mode"], pol["whitelist_on_validate"])
	}
	fmt.Println()

	var servers []map[string]interface{}
	if err := getJSON("/api/servers", &servers); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tFILE\tDEATHS\tBANS\tWHITELIST\tLAST EVENT")
	fmt.Fprintln(w, "------\t----\t------\t----\t---------\t----------")

	for _, srv := range servers {
		server, _ := srv["server"].(map[string]interface{})
		tail, _ := srv["tail"].(map[string]interface{})

		id, _ := server["id"].(string)

		file := "-"
		if f, ok := tail["file"].(string); ok && f != "" {
			file = f
		}
		deaths := 0
		if d, ok := tail["deaths"].(float64); ok {
			deaths = int(d)
		}
		bans := 0
		if b, ok := srv["ban_count"].(float64); ok {
			bans = int(b)
		}
		whitelisted := 0
		if v, ok := srv["whitelist_count"].(float64); ok {
			whitelisted = int(v)
		}
		lastEvent := "-"
		if le, ok := tail["last_event"].(string); ok && le != "" {
			lastEvent = formatTime(le)
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", id, file, deaths, bans, whitelisted, lastEvent)
	}

	w.Flush()
}

func cmdLeaderboard(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the deathwatch server")
	limit := fs.Int("top", 25, "number of entries to show")
	fs.Parse(args)

	loadCLIConfigFromFlags(*configPath, *url)

	var entries []map[string]interface{}
	if err := getJSON(fmt.Sprintf("/api/deaths/leaderboard?limit=%d", *limit), &entries); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tSTEAM ID\tDEATHS\tLAST SERVER")
	fmt.Fprintln(w, "----\t--------\t------\t-----------")

	for _, e := range entries {
		rank := int(e["rank"].(float64))
		steamID, _ := e["steam_id"].(string)
		deaths := int(e["death_count"].(float64))
		lastServer := "-"
		if s, ok := e["last_death_server"].(string); ok && s != "" {
			lastServer = s
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", rank, steamID, deaths, lastServer)
	}

	w.Flush()
}

// cmdOperator handles operator account subcommands
func cmdOperator(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: operator subcommand required: add, remove, list, reset, admin\n")
		os.Exit(1)
	}

	// For operator commands, we need config but also the subcommand
	subCmd := args[0]
	cfg, remaining := loadCLIConfig(args[1:])
	_ = cfg // cfg may be nil if config loading failed

	// Open database
	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	switch subCmd {
	case "add":
		if err := cmdOperatorAdd(ctx, store, remaining); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "remove":
		if err := cmdOperatorRemove(ctx, store, remaining); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "list":
		if err := cmdOperatorList(ctx, store); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "reset":
		if err := cmdOperatorReset(ctx, store, remaining); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "admin":
		if err := cmdOperatorAdmin(ctx, store, remaining); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown operator command: %s (use: add, remove, list, reset, admin)\n", subCmd)
		os.Exit(1)
	}
}

func cmdOperatorAdd(ctx context.Context, store *storage.Store, args []string) error {
	fs := flag.NewFlagSet("operator add", flag.ExitOnError)
	isAdmin := fs.Bool("admin", false, "create as admin operator")
	fs.Parse(args)

	remaining := fs.Args()
	if len(remaining) < 1 {
		return fmt.Errorf("usage: deathwatch operator add [--admin] <username>")
	}

	username := remaining[0]

	// Check if operator already exists
	if _, err := store.GetOperatorByUsername(ctx, username); err == nil {
		return fmt.Errorf("operator '%s' already exists", username)
	}

	fmt.Print("Enter password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	if string(password) != string(confirm) {
		return fmt.Errorf("passwords do not match")
	}

	hash, err := auth.HashPassword(string(password))
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.CreateOperator(ctx, username, hash, *isAdmin); err != nil {
		return fmt.Errorf("failed to create operator: %w", err)
	}

	roleStr := "operator"
	if *isAdmin {
		roleStr = "admin"
	}
	fmt.Printf("Operator '%s' created successfully (role: %s)\n", username, roleStr)
	return nil
}

func cmdOperatorRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: deathwatch operator remove <username>")
	}
	username := args[0]

	if err := store.DeleteOperator(ctx, username); err != nil {
		return fmt.Errorf("failed to remove operator: %w", err)
	}

	fmt.Printf("Operator '%s' removed\n", username)
	return nil
}

func cmdOperatorList(ctx context.Context, store *storage.Store) error {
	operators, err := store.ListOperators(ctx)
	if err != nil {
		return fmt.Errorf("failed to list operators: %w", err)
	}

	if len(operators) == 0 {
		fmt.Println("No operators configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tPWD_CHANGE\tLAST_LOGIN")
	fmt.Fprintln(w, "--------\t----\t----------\t----------")

	for _, op := range operators {
		role := "operator"
		if op.IsAdmin {
			role = "admin"
		}
		pwdChange := "no"
		if op.PasswordChangeRequired {
			pwdChange = "yes"
		}
		lastLogin := "never"
		if op.LastLogin != nil {
			lastLogin = op.LastLogin.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", op.Username, role, pwdChange, lastLogin)
	}
	return w.Flush()
}

func cmdOperatorReset(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: deathwatch operator reset <username>")
	}
	username := args[0]

	op, err := store.GetOperatorByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("operator not found: %s", username)
	}

	fmt.Print("Enter new password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	if string(password) != string(confirm) {
		return fmt.Errorf("passwords do not match")
	}

	hash, err := auth.HashPassword(string(password))
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.ResetOperatorPassword(ctx, op.ID, hash); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	fmt.Printf("Password reset for '%s' (operator will be required to change it on next login)\n", username)
	return nil
}

func cmdOperatorAdmin(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: deathwatch operator admin <username>")
	}
	username := args[0]

	op, err := store.GetOperatorByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("operator not found: %s", username)
	}

	newAdminStatus := !op.IsAdmin
	if err := store.UpdateOperatorAdmin(ctx, op.ID, newAdminStatus); err != nil {
		return fmt.Errorf("failed to update admin status: %w", err)
	}

	if newAdminStatus {
		fmt.Printf("Operator '%s' is now an admin\n", username)
	} else {
		fmt.Printf("Operator '%s' is no longer an admin\n", username)
	}
	return nil
}

// cmdWipe erases every tracked user from the registry and removes their
// entries from all ban and whitelist files. It operates on the database and
// the list files directly, so the daemon must be stopped first.
func cmdWipe(args []string) {
	fs := flag.NewFlagSet("wipe", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	users, err := store.GetAllUsers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load users: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("This erases all %d tracked users and removes their entries from every ban and whitelist file.\n", len(users))
	fmt.Printf("Type '%s' to confirm: ", engine.WipeConfirmPhrase)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading confirmation: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(line) != engine.WipeConfirmPhrase {
		fmt.Fprintln(os.Stderr, "Confirmation did not match, nothing wiped")
		os.Exit(1)
	}

	owned := make([]string, 0, len(users))
	for _, u := range users {
		owned = append(owned, u.SteamID)
	}

	// List files first, registry second. If a file cleanup fails the
	// registry still knows every id, so a rerun can finish the job.
	for _, srv := range cfg.Servers {
		sl := lists.ForServer(srv)
		if _, removed, err := sl.Bans.Reconcile(ctx, owned, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: cleaning ban file for %s: %v\n", srv.ID, err)
			os.Exit(1)
		} else if removed > 0 {
			fmt.Printf("Server %s: removed %d ban entries\n", srv.ID, removed)
		}
		if _, removed, err := sl.Whitelist.Reconcile(ctx, owned, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: cleaning whitelist for %s: %v\n", srv.ID, err)
			os.Exit(1)
		} else if removed > 0 {
			fmt.Printf("Server %s: removed %d whitelist entries\n", srv.ID, removed)
		}
	}

	count, err := store.WipeUsers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: wiping users: %v\n", err)
		os.Exit(1)
	}

	audit.NewRecorder(store, nil).Record(ctx, domain.AuditEntry{
		Actor:  "cli",
		Action: domain.EventWipe,
		Result: domain.ResultOK,
		Detail: fmt.Sprintf("%d users erased", count),
	})

	fmt.Printf("Wiped %d users\n", count)
}

func getJSON(path string, target interface{}) error {
	url := baseURL + path
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(target)
}

func formatTime(isoTime string) string {
	// Simple formatting - just show time portion
	if idx := strings.Index(isoTime, "T"); idx != -1 {
		time := isoTime[idx+1:]
		if dotIdx := strings.Index(time, "."); dotIdx != -1 {
			time = time[:dotIdx]
		}
		if zIdx := strings.Index(time, "Z"); zIdx != -1 {
			time = time[:zIdx]
		}
		return time
	}
	return isoTime
}
