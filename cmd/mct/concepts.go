package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pbaille/mct/internal/concepts"
	"github.com/pbaille/mct/internal/dashboard"
	"github.com/pbaille/mct/internal/domain"
	"github.com/pbaille/mct/internal/gateway"
	"github.com/pbaille/mct/internal/scheduler"
)

// session is a signed-in user with a seeded concept store.
type session struct {
	client gateway.Client
	user   *domain.User
	store  *concepts.Store
	bus    *dashboard.Bus
}

// openSession resolves the signed-in user and seeds a store with their
// concepts.
func openSession(ctx context.Context, client gateway.Client, sched *scheduler.Scheduler) (*session, error) {
	user, err := currentUser(ctx, client)
	if err != nil {
		return nil, err
	}

	list, err := client.List(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load concepts: %w", err)
	}

	opts := []concepts.Option{
		concepts.WithLogger(logger.Named("concepts")),
		concepts.WithSync(cfg.Sync),
	}
	if sched != nil {
		opts = append(opts, concepts.WithScheduler(sched))
	}
	s := &session{
		client: client,
		user:   user,
		store:  concepts.New(client, client, user.ID, opts...),
		bus:    dashboard.NewBus(),
	}
	s.store.Seed(list)
	return s, nil
}

func (s *session) Close() {
	s.store.Close()
	s.bus.Close()
}

// resolveID finds a concept by ID prefix.
func (s *session) resolveID(prefix string) (string, error) {
	var matches []string
	for _, c := range s.store.Snapshot() {
		if strings.HasPrefix(c.ID, prefix) {
			matches = append(matches, c.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("concept not found: %s", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous concept id %s (%d matches)", prefix, len(matches))
	}
}

func withSession(ctx context.Context, fn func(s *session) error) error {
	return withClient(func(client gateway.Client) error {
		s, err := openSession(ctx, client, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(s)
	})
}

func addCmd() *cobra.Command {
	var (
		description string
		category    string
		priority    string
		due         string
	)

	cmd := &cobra.Command{
		Use:   "add [title]",
		Short: "Create a concept",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				form := dashboard.NewForm(s.client, s.user.ID, s.bus, logger.Named("form"))
				form.Open()
				form.SetTitle(strings.Join(args, " "))
				form.SetDescription(description)

				if category != "" {
					c, err := domain.ParseCategory(category)
					if err != nil {
						return err
					}
					form.SetCategory(c)
				}
				if priority != "" {
					p, err := domain.ParsePriority(priority)
					if err != nil {
						return err
					}
					form.SetPriority(p)
				}
				if due != "" {
					now := time.Now()
					date, err := time.ParseInLocation("2006-01-02", due, now.Location())
					if err != nil {
						return fmt.Errorf("invalid due date %q (want YYYY-MM-DD)", due)
					}
					if err := form.SetDueDate(date, now); err != nil {
						return err
					}
				}

				created, err := form.Submit(cmd.Context())
				if err != nil {
					var fieldErrs dashboard.FieldErrors
					if errors.As(err, &fieldErrs) {
						for _, msg := range fieldErrs {
							fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", msg)
						}
						return fmt.Errorf("concept not created")
					}
					return err
				}

				fmt.Printf("Created concept: %s\n", shortID(created.ID))
				fmt.Printf("Title: %s\n", truncate(created.Title, 80))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "optional details")
	cmd.Flags().StringVarP(&category, "category", "c", "", "one of Work, Personal, Learning, Health, Finance, Creative, Technology, Business, Other")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "one of low, medium, high, urgent")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	return cmd
}

func listCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your concepts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter domain.Status
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				filter = st
			}

			return withSession(cmd.Context(), func(s *session) error {
				list := s.store.Snapshot()
				if filter != "" {
					kept := list[:0]
					for _, c := range list {
						if c.Status == filter {
							kept = append(kept, c)
						}
					}
					list = kept
				}

				if len(list) == 0 {
					fmt.Println(dashboard.Empty.Title + ". Use 'mct add' to create one.")
					return nil
				}
				printRows(os.Stdout, dashboard.FormatRows(list, time.Now()))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "only show concepts with this status")
	return cmd
}

func printRows(w io.Writer, rows []dashboard.Row) {
	writer := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(writer, "ID\tTITLE\tPRIORITY\tSTATUS\tCATEGORY\tDUE\tCREATED")
	for _, r := range rows {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), truncate(r.Title, 48), r.Priority, r.Status.Label(), r.Category,
			strings.TrimPrefix(r.Due, "Due: "), r.Created)
	}
	writer.Flush()
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [id] [status]",
		Short: "Change a concept's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}

			return withSession(cmd.Context(), func(s *session) error {
				id, err := s.resolveID(args[0])
				if err != nil {
					return err
				}
				view := dashboard.NewListView(s.client, s.store, s.bus, nil, logger.Named("list"))
				if err := view.SetStatus(cmd.Context(), id, status); err != nil {
					return err
				}
				fmt.Printf("%s is now %s\n", shortID(id), status.Label())
				return nil
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a concept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				id, err := s.resolveID(args[0])
				if err != nil {
					return err
				}

				var confirm dashboard.Confirmer
				if !yes {
					confirm = promptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
				}
				view := dashboard.NewListView(s.client, s.store, s.bus, confirm, logger.Named("list"))

				deleted, err := view.Delete(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !deleted {
					fmt.Println("Cancelled")
					return nil
				}
				fmt.Printf("Deleted %s\n", shortID(id))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// promptConfirmer asks on out and accepts y or yes from in.
func promptConfirmer(in io.Reader, out io.Writer) dashboard.ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(prompt string) bool {
		fmt.Fprintf(out, "%s [y/N] ", prompt)
		line, _ := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

func statsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show concept statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				stats := dashboard.ComputeStats(s.store.Snapshot())
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(stats)
				}

				fmt.Printf("Total:       %d\n", stats.Total)
				fmt.Printf("Completed:   %d\n", stats.Completed)
				fmt.Printf("In progress: %d\n", stats.InProgress)
				fmt.Printf("Pending:     %d\n", stats.Pending)
				fmt.Printf("Urgent:      %d\n", stats.Urgent)
				fmt.Printf("Completion:  %d%%\n", stats.CompletionRate)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow concept changes as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sched := scheduler.New(time.Local)

			return withClient(func(client gateway.Client) error {
				s, err := openSession(ctx, client, sched)
				if err != nil {
					return err
				}
				defer s.Close()

				updates, cancel := s.store.Subscribe()
				defer cancel()

				sched.Start()
				defer sched.Stop()

				done := make(chan error, 1)
				go func() { done <- s.store.Run(ctx) }()

				fmt.Printf("Watching concepts for %s (ctrl+c to stop)\n", s.user.Email)
				printWatchLine(s.store.Snapshot())
				for {
					select {
					case err := <-done:
						return err
					case list, ok := <-updates:
						if !ok {
							return <-done
						}
						printWatchLine(list)
					}
				}
			})
		},
	}
}

func printWatchLine(list []domain.Concept) {
	stats := dashboard.ComputeStats(list)
	fmt.Printf("[%s] %d concepts, %d completed, %d in progress, %d pending, %d urgent (%d%%)\n",
		time.Now().Format("15:04:05"), stats.Total, stats.Completed, stats.InProgress,
		stats.Pending, stats.Urgent, stats.CompletionRate)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
