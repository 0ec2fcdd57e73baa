package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ldi/tasktrack/internal/config"
	"github.com/ldi/tasktrack/internal/coordinator"
	"github.com/ldi/tasktrack/internal/db"
	"github.com/ldi/tasktrack/internal/logging"
	"github.com/ldi/tasktrack/pkg/models"
)

const version = "0.1.0"

var (
	configPath   string
	dbPath       string
	snapshotPath string
	verbose      bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&dbPath, "db-path", "", "Path to database file (overrides storage.path)")
	flag.StringVar(&snapshotPath, "snapshot-path", "", "Path to snapshot file (overrides storage.snapshot_path)")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.Usage = func() { usage(flag.CommandLine.Output()) }
	flag.Parse()

	if flag.NArg() == 0 {
		usage(os.Stderr)
		os.Exit(2)
	}

	if err := execute(flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tasktrack [flags] <command> [arguments]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  init [dir]        Create the .tasktrack directory and database")
	fmt.Fprintln(w, "  serve             Run the request server")
	fmt.Fprintln(w, "  list-projects     List projects")
	fmt.Fprintln(w, "  list-tasks        List the tasks of a project")
	fmt.Fprintln(w, "  status            Show task counts")
	fmt.Fprintln(w, "  export [path]     Write a JSONL snapshot")
	fmt.Fprintln(w, "  import [path]     Load a JSONL snapshot")
	fmt.Fprintln(w, "\nFlags:")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
}

func execute(command string, args []string, out io.Writer) error {
	switch command {
	case "init":
		return runInit(args, out)
	case "serve":
		return runServe(args)
	case "list-projects":
		return runListProjects(args, out)
	case "list-tasks":
		return runListTasks(args, out)
	case "status":
		return runStatus(args, out)
	case "export":
		return runExport(args, out)
	case "import":
		return runImport(args, out)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// loadConfig applies the global flags on top of the loaded configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	if snapshotPath != "" {
		cfg.Storage.SnapshotPath = snapshotPath
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	database, err := db.Open(cfg.Storage.Path,
		db.WithBreaker(cfg.Storage.Breaker.MaxFailures, cfg.Storage.Breaker.Timeout),
		db.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if err := database.Init(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return database, nil
}

func runInit(args []string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	dataDir := filepath.Join(targetDir, ".tasktrack")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create .tasktrack directory: %w", err)
	}
	fmt.Fprintln(out, "✓ Created .tasktrack/ directory")

	gitignorePath := filepath.Join(dataDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte("tasktrack.db*\n"), 0644); err != nil {
		return fmt.Errorf("failed to create .gitignore: %w", err)
	}
	fmt.Fprintln(out, "✓ Created .tasktrack/.gitignore")

	// Paths not set explicitly land in the target directory.
	if dbPath == "" {
		cfg.Storage.Path = filepath.Join(dataDir, "tasktrack.db")
	}
	if snapshotPath == "" {
		cfg.Storage.SnapshotPath = filepath.Join(dataDir, "snapshot.jsonl")
	}

	ctx := context.Background()
	database, err := openDB(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer database.Close()
	fmt.Fprintf(out, "✓ Initialized database at %s\n", cfg.Storage.Path)

	if _, err := os.Stat(cfg.Storage.SnapshotPath); err == nil {
		if err := database.ImportSnapshot(ctx, cfg.Storage.SnapshotPath); err != nil {
			return fmt.Errorf("failed to import snapshot: %w", err)
		}
		fmt.Fprintf(out, "✓ Imported snapshot from %s\n", cfg.Storage.SnapshotPath)
	}

	fmt.Fprintln(out, "✓ tasktrack initialized successfully")
	return nil
}

func runServe(args []string) error {
	serveFlags := flag.NewFlagSet("serve", flag.ContinueOnError)
	transport := serveFlags.String("transport", "", "Transport: jsonl, mcp-http or mcp-stdio")
	host := serveFlags.String("host", "", "Host to listen on")
	port := serveFlags.Int("port", 0, "Port to listen on")
	statusPort := serveFlags.Int("status-port", 0, "Enable the status API on this port")
	if err := serveFlags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *transport != "" {
		cfg.Server.Transport = *transport
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *statusPort != 0 {
		cfg.Status.Enabled = true
		cfg.Status.Port = *statusPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func runListProjects(args []string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	database, err := openDB(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer database.Close()

	projects, err := database.ListProjects(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%-6s %-30s %-20s\n", "ID", "NAME", "LAST ACTIVITY")
	fmt.Fprintln(out, "------------------------------------------------------------")
	for _, p := range projects {
		fmt.Fprintf(out, "%-6d %-30s %-20s\n", p.ID, p.Name, p.LastActivityAt.Format(time.DateTime))
	}
	return nil
}

func runListTasks(args []string, out io.Writer) error {
	taskFlags := flag.NewFlagSet("list-tasks", flag.ContinueOnError)
	projectFilter := taskFlags.String("project", "", "Project id or name (required unless -overdue)")
	statusFilter := taskFlags.String("status", "", "Filter by status (open, completed)")
	overdueOnly := taskFlags.Bool("overdue", false, "Only show overdue tasks")
	if err := taskFlags.Parse(args); err != nil {
		return err
	}

	var status *models.TaskStatus
	if *statusFilter != "" {
		s := models.TaskStatus(*statusFilter)
		if !s.Valid() {
			return fmt.Errorf("invalid status %q: must be open or completed", *statusFilter)
		}
		status = &s
	}
	if *projectFilter == "" && !*overdueOnly {
		return errors.New("list-tasks requires -project or -overdue")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	database, err := openDB(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer database.Close()

	c := coordinator.New(database)

	var projectID *int64
	if *projectFilter != "" {
		id, err := resolveProject(ctx, database, *projectFilter)
		if err != nil {
			return err
		}
		projectID = &id
	}

	var tasks []*models.Task
	if *overdueOnly {
		tasks, err = c.ListOverdueTasks(ctx, projectID)
	} else {
		tasks, err = c.ListTasks(ctx, *projectID, status)
	}
	if err != nil {
		return err
	}

	now := c.Now()
	fmt.Fprintf(out, "%-6s %-40s %-10s %-10s %-12s %-8s\n", "ID", "DESCRIPTION", "STATUS", "PRIORITY", "DUE", "OVERDUE")
	fmt.Fprintln(out, "------------------------------------------------------------------------------------------")
	for _, t := range tasks {
		fmt.Fprintf(out, "%-6d %-40s %-10s %-10s %-12s %-8t\n",
			t.ID, t.Description, t.Status, optional(t.Priority), optional(t.DueDate), t.IsOverdue(now))
	}
	return nil
}

// resolveProject accepts a numeric id or a project name.
func resolveProject(ctx context.Context, database *db.DB, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		p, err := database.GetProject(ctx, id)
		if err != nil {
			return 0, err
		}
		return p.ID, nil
	}
	p, err := database.GetProjectByName(ctx, ref)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

func optional[T any](v *T) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func runStatus(args []string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	database, err := openDB(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer database.Close()

	c := coordinator.New(database)
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return err
	}
	tasks, err := database.ListAllTasks(ctx)
	if err != nil {
		return err
	}
	overdue, err := c.ListOverdueTasks(ctx, nil)
	if err != nil {
		return err
	}

	statusCounts := make(map[models.TaskStatus]int)
	for _, t := range tasks {
		statusCounts[t.Status]++
	}

	fmt.Fprintln(out, "tasktrack Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintf(out, "Projects:      %d\n", len(projects))
	fmt.Fprintf(out, "Total Tasks:   %d\n", len(tasks))
	fmt.Fprintln(out, "\nTask Breakdown:")
	fmt.Fprintf(out, "  Open:      %d\n", statusCounts[models.TaskStatusOpen])
	fmt.Fprintf(out, "  Completed: %d\n", statusCounts[models.TaskStatusCompleted])
	fmt.Fprintf(out, "  Overdue:   %d\n", len(overdue))

	if len(overdue) > 0 {
		fmt.Fprintln(out, "\nOverdue Tasks:")
		for i, t := range overdue {
			if i >= 5 {
				break
			}
			fmt.Fprintf(out, "  - #%d %s (due: %s)\n", t.ID, t.Description, optional(t.DueDate))
		}
	}
	return nil
}

func runExport(args []string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Storage.SnapshotPath
	if len(args) > 0 {
		path = args[0]
	}

	ctx := context.Background()
	database, err := openDB(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.ExportSnapshot(ctx, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Exported snapshot to %s\n", path)
	return nil
}

func runImport(args []string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Storage.SnapshotPath
	if len(args) > 0 {
		path = args[0]
	}

	ctx := context.Background()
	database, err := openDB(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.ImportSnapshot(ctx, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Imported snapshot from %s\n", path)
	return nil
}
