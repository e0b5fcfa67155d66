package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/credentials"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/httpapi"
	"github.com/m4xw311/arbor/rpc"
	"github.com/m4xw311/arbor/session"
	"github.com/m4xw311/arbor/terminal"
	"github.com/m4xw311/arbor/tools"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "arbor",
		Short: "Run coding agents whose tool calls pass a risk policy and your approval",
		Long: `Arbor runs model-driven agents against MCP tool servers. Every tool
call is classified as safe, moderate or dangerous and, depending on the
agent's tool permission, runs at once or waits for approval.

Surfaces:
  run     interactive console with y/n approvals
  serve   JSON-RPC over stdin/stdout
  http    REST API`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Configuration file (default: ~/.arbor/config.yaml then .arbor/config.yaml)")
	pf.StringVarP(&flags.permission, "permission", "p", "", "Tool permission: restricted, standard or autonomous")
	pf.StringVar(&flags.provider, "provider", "", "Model provider: anthropic, openai, gemini, bedrock or mock")
	pf.StringVarP(&flags.model, "model", "m", "", "Model name")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level")

	root.AddCommand(
		newRunCmd(flags),
		newServeCmd(flags),
		newHTTPCmd(flags),
		newServersCmd(flags),
		newCredentialsCmd(flags),
		newSessionsCmd(flags),
		newResumeCmd(flags),
		newTemplatesCmd(),
	)
	return root
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		verbosity string
		dir       string
		persona   string
		template  string
	)
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Start an interactive console session",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := terminal.ParseVerbosity(verbosity)
			if err != nil {
				return err
			}
			var tmpl agent.Template
			if template != "" {
				if tmpl, err = agent.LookupTemplate(template); err != nil {
					return err
				}
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "Arbor is ready. Type your prompt.")
			term := terminal.New(a.log, a.orch, cmd.InOrStdin(), cmd.OutOrStdout(), v, agent.Options{
				PersonaContent:   persona,
				WorkingDirectory: dir,
			})
			if template != "" {
				term.UseTemplate(tmpl)
			}
			return term.Run(ctx, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&verbosity, "tool-verbosity", "", "Tool verbosity: none, info or all")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory watched for file changes")
	cmd.Flags().StringVar(&persona, "persona", "", "Persona text prepended to the system prompt")
	cmd.Flags().StringVar(&template, "template", "", "Built-in agent template for the first prompt (see arbor templates)")
	return cmd
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the built-in agent templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPERMISSION\tDIRECTORY\tDESCRIPTION")
			for _, t := range agent.Templates() {
				dir := "optional"
				if t.RequiresDirectory {
					dir = "required"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Permission, dir, t.Description)
			}
			return w.Flush()
		},
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON-RPC control protocol on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			return rpc.New(a.log, a.orch, a.creds, cmd.InOrStdin(), cmd.OutOrStdout()).Serve(ctx)
		},
	}
}

func newHTTPCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Serve the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			srv := &http.Server{Addr: addr, Handler: httpapi.New(a.log, a.orch, a.creds)}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			a.log.Info("http api listening", zap.String("addr", addr))

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdown, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdown)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from http.addr)")
	return cmd
}

func newServersCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List and configure tool servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			reg, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENABLED\tTRANSPORT\tTOOLS\tDESCRIPTION")
			for _, s := range reg.List() {
				fmt.Fprintf(w, "%s\t%v\t%s\t%d\t%s\n", s.Name, s.Enabled, s.Transport, len(s.Tools), s.Description)
			}
			return w.Flush()
		},
	}

	change := func(use, short string, nargs int, apply func(reg *tools.Registry, args []string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := flags.load()
				if err != nil {
					return err
				}
				reg, err := loadRegistry(cfg)
				if err != nil {
					return err
				}
				if err := apply(reg, args); err != nil {
					return err
				}
				if cfg.RegistryPath == "" {
					return errors.E(errors.Validation, "no registry_path configured")
				}
				if err := reg.Save(cfg.RegistryPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", cfg.RegistryPath)
				return nil
			},
		}
	}
	cmd.AddCommand(
		change("enable <name>", "Enable a tool server", 1, func(reg *tools.Registry, args []string) error {
			return reg.SetEnabled(args[0], true)
		}),
		change("disable <name>", "Disable a tool server", 1, func(reg *tools.Registry, args []string) error {
			return reg.SetEnabled(args[0], false)
		}),
		change("allow-dir <path>", "Set the filesystem server's allowed directory", 1, func(reg *tools.Registry, args []string) error {
			return reg.UpdateAllowedDirectory(args[0])
		}),
	)
	return cmd
}

func newCredentialsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage secrets for tool servers",
		Long: fmt.Sprintf(`Secrets are kept in an encrypted file. The passphrase is read from
%s. Values are never printed.`, passphraseEnv),
	}
	store := func() (credentials.Store, error) {
		cfg, err := flags.load()
		if err != nil {
			return nil, err
		}
		return credentialStore(cfg), nil
	}

	set := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.E(errors.Validation, "no value given for %s", args[0])
				}
				value = strings.TrimRight(line, "\r\n")
			}
			return s.Set(cmd.Context(), args[0], value)
		},
	}
	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			return s.Delete(cmd.Context(), args[0])
		},
	}
	has := &cobra.Command{
		Use:   "has <name>",
		Short: "Report whether a secret is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			ok, err := s.Has(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}

	var scopes []string
	github := &cobra.Command{
		Use:   "github <token>",
		Short: "Store a GitHub personal access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			return credentials.SaveGitHubToken(cmd.Context(), s, args[0], scopes)
		},
	}
	github.Flags().StringSliceVar(&scopes, "scopes", nil, "Token scopes")

	var ssh credentials.SSHCredentials
	var auth string
	sshCmd := &cobra.Command{
		Use:   "ssh",
		Short: "Store SSH connection credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			ssh.AuthType = credentials.SSHAuthType(auth)
			return credentials.SaveSSH(cmd.Context(), s, ssh)
		},
	}
	sf := sshCmd.Flags()
	sf.StringVar(&ssh.Host, "host", "", "Host")
	sf.IntVar(&ssh.Port, "port", 22, "Port")
	sf.StringVar(&ssh.Username, "user", "", "Username")
	sf.StringVar(&auth, "auth", string(credentials.SSHAuthKey), "Auth type: key or password")
	sf.StringVar(&ssh.Password, "password", "", "Password")
	sf.StringVar(&ssh.KeyPath, "key-path", "", "Private key path")

	show := &cobra.Command{
		Use:   "show",
		Short: "Summarize the stored GitHub and SSH accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			return showAccounts(cmd.Context(), cmd.OutOrStdout(), s)
		},
	}

	cmd.AddCommand(set, del, has, show, github, sshCmd)
	return cmd
}

// showAccounts prints which accounts are configured. Secrets are never
// printed.
func showAccounts(ctx context.Context, w io.Writer, s credentials.Store) error {
	gh, err := credentials.GitHubToken(ctx, s)
	switch {
	case err == credentials.ErrNotFound:
		fmt.Fprintln(w, "github: not set")
	case err != nil:
		return err
	default:
		line := "github: token set"
		if len(gh.Scopes) > 0 {
			line += ", scopes " + strings.Join(gh.Scopes, ",")
		}
		if !gh.CreatedAt.IsZero() {
			line += ", saved " + gh.CreatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintln(w, line)
	}

	ssh, err := credentials.LoadSSH(ctx, s)
	switch {
	case err == credentials.ErrNotFound:
		fmt.Fprintln(w, "ssh: not set")
	case err != nil:
		return err
	default:
		fmt.Fprintf(w, "ssh: %s@%s:%d (%s)\n", ssh.Username, ssh.Host, ssh.Port, ssh.AuthType)
	}
	return nil
}

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	store := func() (*session.Store, error) {
		cfg, err := flags.load()
		if err != nil {
			return nil, err
		}
		return session.NewStore(cfg.SessionsDir), nil
	}
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List suspended sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			list, err := s.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tUPDATED\tPROMPT")
			for _, sess := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sess.ID, sess.Status, sess.UpdatedAt.Format(time.DateTime), oneLine(sess.OriginalPrompt, 60))
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a suspended session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			return s.Delete(args[0])
		},
	})
	return cmd
}

func newResumeCmd(flags *globalFlags) *cobra.Command {
	var verbosity string
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a suspended session in the console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := terminal.ParseVerbosity(verbosity)
			if err != nil {
				return err
			}
			var tmpl agent.Template
			if template != "" {
				if tmpl, err = agent.LookupTemplate(template); err != nil {
					return err
				}
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			resumed, err := a.orch.ResumeSaved(args[0], agent.Options{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resuming session: %s\n", resumed.Config().Name)
			term := terminal.New(a.log, a.orch, cmd.InOrStdin(), cmd.OutOrStdout(), v, agent.Options{})
			return term.Attach(ctx, resumed.ID())
		},
	}
	cmd.Flags().StringVar(&verbosity, "tool-verbosity", "", "Tool verbosity: none, info or all")
	return cmd
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
