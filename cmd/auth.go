package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/freightdesk/pkg/credentials"
)

func newAuthCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored secrets",
		Long: `Manage the secrets freightdesk needs: the AI API key and the database
and Redis passwords.

Secrets are stored in the OS keyring. On hosts without one (containers,
headless servers) they go to an encrypted vault in ~/.freightdesk, unlocked
with a passphrase from FREIGHTDESK_VAULT_PASSPHRASE or a prompt.

Environment variables take precedence over stored secrets:
  FREIGHTDESK_AI_API_KEY, FREIGHTDESK_DATABASE_PASSWORD, FREIGHTDESK_REDIS_PASSWORD

Examples:
  freightdesk auth set-ai-key
  echo "$KEY" | freightdesk auth set database-password --stdin
  freightdesk auth status
  freightdesk auth delete redis-password`,
	}

	cmd.AddCommand(
		newAuthSetCommand(deps, "set", ""),
		newAuthSetCommand(deps, "set-ai-key", credentials.SecretAIAPIKey),
		newAuthStatusCommand(deps),
		newAuthDeleteCommand(deps),
	)
	return cmd
}

// newAuthSetCommand builds "set <secret>", or a shortcut named use that
// always stores fixed.
func newAuthSetCommand(deps *Deps, use string, fixed credentials.Secret) *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   use + " <secret>",
		Short: "Store a secret",
		Long: `Store a secret. The value is read from the terminal without echo, or from
the first line of stdin with --stdin. Known secrets: ` + secretNames() + `.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := fixed
			if secret == "" {
				s, err := credentials.ParseSecret(args[0])
				if err != nil {
					return fmt.Errorf("%w; known secrets: %s", err, secretNames())
				}
				secret = s
			}
			return runAuthSet(cmd, deps, secret, fromStdin)
		},
	}
	if fixed != "" {
		cmd.Use = use
		cmd.Short = "Store the " + strings.ReplaceAll(string(fixed), "-", " ")
		cmd.Args = cobra.NoArgs
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the value from stdin")
	return cmd
}

func secretNames() string {
	names := make([]string, len(credentials.Secrets))
	for i, s := range credentials.Secrets {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func runAuthSet(cmd *cobra.Command, deps *Deps, secret credentials.Secret, fromStdin bool) error {
	creds, err := deps.credentials()
	if err != nil {
		return err
	}
	if creds == nil {
		return fmt.Errorf("%w: no credential store configured", credentials.ErrUnavailable)
	}

	value, err := readValue(cmd.InOrStdin(), deps, secret, fromStdin)
	if err != nil {
		return err
	}
	where, err := creds.Set(secret, value)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s.\n", secret, where)
	return nil
}

// readValue prompts on a terminal and falls back to stdin otherwise.
func readValue(in io.Reader, deps *Deps, secret credentials.Secret, fromStdin bool) (string, error) {
	if !fromStdin && deps.ReadSecret != nil {
		v, err := deps.ReadSecret(fmt.Sprintf("Enter %s: ", secret))
		if err == nil {
			return strings.TrimSpace(v), nil
		}
		if !errors.Is(err, credentials.ErrUnavailable) {
			return "", err
		}
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading %s from stdin: %w", secret, err)
	}
	v := strings.TrimSpace(line)
	if v == "" {
		return "", fmt.Errorf("no value for %s on stdin", secret)
	}
	return v, nil
}

// SecretStatus reports where a secret resolves from.
type SecretStatus struct {
	Secret string `json:"secret" yaml:"secret"`
	Stored bool   `json:"stored" yaml:"stored"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Masked string `json:"masked,omitempty" yaml:"masked,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newAuthStatusCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which secrets are available and where from",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := deps.credentials()
			if err != nil {
				return err
			}
			if creds == nil {
				return fmt.Errorf("%w: no credential store configured", credentials.ErrUnavailable)
			}

			statuses := make([]SecretStatus, 0, len(credentials.Secrets))
			for _, s := range credentials.Secrets {
				st := SecretStatus{Secret: string(s)}
				v, source, err := creds.Get(s)
				switch {
				case err == nil:
					st.Stored, st.Source, st.Masked = true, source, credentials.Mask(v)
				case !errors.Is(err, credentials.ErrNotFound):
					st.Error = err.Error()
				}
				statuses = append(statuses, st)
			}

			return deps.render(cmd.OutOrStdout(), statuses, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SECRET\tVALUE\tSOURCE")
				for _, st := range statuses {
					switch {
					case st.Error != "":
						fmt.Fprintf(tw, "%s\t-\terror: %s\n", st.Secret, st.Error)
					case st.Stored:
						fmt.Fprintf(tw, "%s\t%s\t%s\n", st.Secret, st.Masked, st.Source)
					default:
						fmt.Fprintf(tw, "%s\t-\tnot set\n", st.Secret)
					}
				}
				tw.Flush()
			})
		},
	}
}

func newAuthDeleteCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <secret>",
		Short: "Remove a stored secret from every backend",
		Long: `Remove a secret from the keyring and the vault. Environment variables are
not affected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := credentials.ParseSecret(args[0])
			if err != nil {
				return err
			}
			creds, err := deps.credentials()
			if err != nil {
				return err
			}
			if creds == nil {
				return fmt.Errorf("%w: no credential store configured", credentials.ErrUnavailable)
			}
			if err := creds.Delete(secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", secret)
			return nil
		},
	}
}
