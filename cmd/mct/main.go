package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/pbaille/mct/internal/api"
	"github.com/pbaille/mct/internal/chat"
	"github.com/pbaille/mct/internal/config"
	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
	"github.com/pbaille/mct/internal/gateway/supabase"
	"github.com/pbaille/mct/internal/store"
)

var (
	configPath string
	localMode  bool
	verbose    bool

	cfg    config.Config
	logger = zap.NewNop()
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mct",
		Short:        "Micro concept tracker with an AI assistant",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if localMode {
				cfg.Local.Enabled = true
			}
			logger, err = newLogger(cmd.Name())
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", filepath.Join(config.Dir(), "config.yaml"), "config file")
	rootCmd.PersistentFlags().BoolVar(&localMode, "local", false, "use the local SQLite backend instead of the hosted one")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tuiCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(signupCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(watchCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// newLogger builds the process logger. Long-running commands log at info,
// one-shot commands only warn. The TUI logs to a file so the screen stays
// clean.
func newLogger(command string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	switch {
	case verbose:
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case command == "serve" || command == "tui" || command == "watch":
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	if command == "tui" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		zcfg.OutputPaths = []string{cfg.LogFile}
		zcfg.ErrorOutputPaths = []string{cfg.LogFile}
	}

	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

// openGateway returns the session's lazily opened backend.
func openGateway() *gateway.Lazy {
	sessions := gateway.SessionFile{Path: cfg.SessionFile}
	return gateway.NewLazy(func() (gateway.Client, error) {
		if cfg.Local.Enabled {
			if err := os.MkdirAll(filepath.Dir(cfg.Local.DBPath), 0755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
			s, err := store.New(cfg.Local.DBPath, sessions, logger.Named("local"))
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		if err := cfg.RequireGateway(); err != nil {
			return nil, err
		}
		return supabase.New(cfg.Gateway, sessions, logger.Named("gateway")), nil
	})
}

// withClient opens the backend for the duration of fn.
func withClient(fn func(client gateway.Client) error) error {
	lazy := openGateway()
	defer lazy.Close()

	client, err := lazy.Get()
	if err != nil {
		return err
	}
	return fn(client)
}

func currentUser(ctx context.Context, client gateway.Identity) (*domain.User, error) {
	user, err := client.CurrentUser(ctx)
	if errors.Is(err, gateway.ErrNotSignedIn) {
		return nil, fmt.Errorf("not signed in, run 'mct login' first")
	}
	return user, err
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireChat(); err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			provider, err := chat.New(cmd.Context(), cfg.Chat, nil)
			if err != nil {
				return err
			}

			logger.Info("chat relay configured",
				zap.String("provider", cfg.Chat.Provider),
				zap.String("model", cfg.Chat.Model))
			fmt.Printf("Starting server on %s\n", addr)

			server := api.New(provider, logger.Named("relay"), addr, cfg.Chat.MaxContextConcepts)
			return server.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (default from config, :8080)")
	return cmd
}

func signupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signup [email]",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			return withClient(func(client gateway.Client) error {
				user, err := client.SignUp(cmd.Context(), args[0], password)
				if err != nil {
					return err
				}

				if _, err := (gateway.SessionFile{Path: cfg.SessionFile}).Load(); err == nil {
					fmt.Printf("Signed up and signed in as %s\n", user.Email)
					return nil
				}
				if cfg.Local.Enabled {
					fmt.Printf("Account created for %s. Run 'mct login %s' to sign in.\n", user.Email, user.Email)
					return nil
				}
				fmt.Printf("Check %s for a confirmation link, then run 'mct login'.\n", user.Email)
				return nil
			})
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [email]",
		Short: "Sign in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			return withClient(func(client gateway.Client) error {
				sess, err := client.SignIn(cmd.Context(), args[0], password)
				if err != nil {
					return err
				}
				fmt.Printf("Signed in as %s\n", sess.User.Email)
				return nil
			})
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client gateway.Client) error {
				if err := client.SignOut(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("Signed out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client gateway.Client) error {
				user, err := currentUser(cmd.Context(), client)
				if err != nil {
					return err
				}
				fmt.Printf("Email: %s\n", user.Email)
				fmt.Printf("ID:    %s\n", user.ID)
				return nil
			})
		},
	}
}

// readPassword prompts without echo on a terminal and reads a line
// otherwise, so passwords can be piped in.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	return password, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
