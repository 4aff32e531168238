package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/freightdesk/config"
	"github.com/otherjamesbrown/freightdesk/pkg/credentials"
	"github.com/otherjamesbrown/freightdesk/pkg/db"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
)

// Deps holds the dependencies shared by every command. Tests replace the
// function fields.
type Deps struct {
	LoadConfig  func(path string) (*config.Config, error)
	Credentials func() (*credentials.Resolver, error)
	OpenRuntime func(ctx context.Context, cfg *config.Config, logger logging.Logger, creds *credentials.Resolver, opts OpenOptions) (*Runtime, error)
	ConnectDB   func(ctx context.Context, cfg *db.Config) (*pgxpool.Pool, error)
	// ReadSecret reads a secret from the terminal without echo.
	ReadSecret func(prompt string) (string, error)

	// Set by the root command before any subcommand runs.
	Config *config.Config
	Logger logging.Logger

	configPath string
	output     string
	logLevel   string
}

// DefaultDeps returns the dependencies for production use.
func DefaultDeps() *Deps {
	d := &Deps{
		LoadConfig:  config.Load,
		OpenRuntime: OpenRuntime,
		ConnectDB:   db.Connect,
		ReadSecret:  readSecretFromTerminal,
	}
	d.Credentials = func() (*credentials.Resolver, error) {
		return credentials.Default(credentials.PassphraseFromEnv(func() (string, error) {
			return d.ReadSecret("Vault passphrase: ")
		}))
	}
	return d
}

// readSecretFromTerminal prompts on stderr and reads stdin without echo.
func readSecretFromTerminal(prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("%w: stdin is not a terminal", credentials.ErrUnavailable)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading from terminal: %w", err)
	}
	return string(b), nil
}

// NewRootCommand builds the freightdesk command tree.
func NewRootCommand(deps *Deps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps()
	}

	root := &cobra.Command{
		Use:   "freightdesk",
		Short: "Freight forwarding document resolution engine",
		Long: `freightdesk resolves inbound freight forwarding email into shipments.

Every message runs through five stages: direction (who really sent it),
classification (what document it is), identifier extraction (booking,
container, B/L and reference numbers), shipment resolution (which shipment
it belongs to) and workflow (how far that shipment has progressed).

COMMON WORKFLOWS:
  Set up:        freightdesk migrate  →  freightdesk auth set-ai-key
  Run service:   freightdesk serve
  One message:   freightdesk process <message-id> [--dry-run]
  Catch up:      freightdesk backfill --resume  →  freightdesk sweep orphans
  Human review:  freightdesk review list  →  freightdesk review retry
  Duplicates:    freightdesk duplicates scan  →  freightdesk duplicates merge <flag-id>

Configuration is read from ~/.freightdesk/config.yaml (or --config) and
FREIGHTDESK_* environment variables. Use --output json or yaml for
machine-readable output.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&deps.configPath, "config", "", "Config file (default ~/.freightdesk/config.yaml)")
	root.PersistentFlags().StringVarP(&deps.output, "output", "o", "", "Output format: text, json, yaml")
	root.PersistentFlags().StringVar(&deps.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		newMigrateCommand(deps),
		newProcessCommand(deps),
		newResolveFileCommand(deps),
		newBackfillCommand(deps),
		newSweepCommand(deps),
		newReviewCommand(deps),
		newDuplicatesCommand(deps),
		newAuditCommand(deps),
		newRulesCommand(deps),
		newServeCommand(deps),
		newAuthCommand(deps),
		newVersionCommand(deps),
	)
	return root
}

// Execute runs the CLI with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand(nil).ExecuteContext(ctx)
}

// skipConfig lists commands that run without loading configuration.
var skipConfig = map[string]bool{
	"version":    true,
	"help":       true,
	"completion": true,
}

func (d *Deps) init(cmd *cobra.Command) error {
	if skipConfig[cmd.Name()] {
		d.Config = config.DefaultConfig()
		if d.output != "" {
			d.Config.OutputFormat = config.OutputFormat(d.output)
		}
		d.Logger = logging.NewNopLogger()
		return nil
	}

	cfg, err := d.LoadConfig(d.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if d.output != "" {
		cfg.OutputFormat = config.OutputFormat(d.output)
	}
	if d.logLevel != "" {
		cfg.Log.Level = d.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.Config = cfg

	logger := logging.NewLogger(cfg.Log.Logging())
	logging.SetGlobal(logger)
	d.Logger = logger
	return nil
}

// runtime opens the store-backed runtime. Callers must Close it.
func (d *Deps) runtime(ctx context.Context, opts OpenOptions) (*Runtime, error) {
	creds, err := d.credentials()
	if err != nil {
		return nil, err
	}
	return d.OpenRuntime(ctx, d.Config, d.Logger, creds, opts)
}

// credentials returns nil without error when no resolver is configured.
func (d *Deps) credentials() (*credentials.Resolver, error) {
	if d.Credentials == nil {
		return nil, nil
	}
	creds, err := d.Credentials()
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	return creds, nil
}

// render writes v as JSON or YAML, or calls text for the text format.
func (d *Deps) render(w io.Writer, v any, text func(io.Writer)) error {
	switch d.Config.OutputFormat {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		text(w)
		return nil
	}
}
