package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pbaille/mct/internal/dashboard"
	"github.com/pbaille/mct/internal/gateway"
	"github.com/pbaille/mct/internal/scheduler"
	"github.com/pbaille/mct/internal/tui"
)

func tuiCmd() *cobra.Command {
	var (
		relayURL string
		style    string
	)

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the concept dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if relayURL == "" {
				relayURL = cfg.Chat.RelayURL
			}
			sched := scheduler.New(time.Local)

			return withClient(func(client gateway.Client) error {
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()

				s, err := openSession(ctx, client, sched)
				if err != nil {
					return err
				}
				defer s.Close()

				coordinator := dashboard.NewCoordinator(s.bus, s.store, logger.Named("coordinator"))
				assistant := dashboard.NewAssistant(relayURL, &http.Client{}, s.store, s.user.ID, s.bus, logger.Named("assistant"))
				assistant.SetContextLimit(cfg.Chat.MaxContextConcepts)

				model := tui.New(ctx, tui.Options{
					Concepts:  s.store,
					List:      dashboard.NewListView(s.client, s.store, s.bus, nil, logger.Named("list")),
					Form:      dashboard.NewForm(s.client, s.user.ID, s.bus, logger.Named("form")),
					Assistant: assistant,
					Bus:       s.bus,
					Logger:    logger.Named("tui"),
					Style:     style,
				})
				defer model.Close()

				sched.Start()
				defer sched.Stop()

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return s.store.Run(gctx) })
				g.Go(func() error { return coordinator.Run(gctx) })
				g.Go(func() error {
					defer cancel()
					program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(gctx))
					if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
						return fmt.Errorf("run dashboard: %w", err)
					}
					return nil
				})
				return g.Wait()
			})
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "", "chat relay endpoint (default from config)")
	cmd.Flags().StringVar(&style, "style", "auto", "markdown style for assistant replies (auto, dark, light, notty)")
	return cmd
}

func chatCmd() *cobra.Command {
	var (
		relayURL string
		markdown bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask the assistant about your concepts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if relayURL == "" {
				relayURL = cfg.Chat.RelayURL
			}

			return withSession(cmd.Context(), func(s *session) error {
				assistant := dashboard.NewAssistant(relayURL, &http.Client{Timeout: 2 * time.Minute},
					s.store, s.user.ID, s.bus, logger.Named("assistant"))
				assistant.SetContextLimit(cfg.Chat.MaxContextConcepts)
				assistant.SetInput(strings.Join(args, " "))

				// The reply is the message after the user's.
				reply := len(assistant.Messages()) + 1
				printed := 0
				onUpdate := func() {
					if markdown {
						return
					}
					messages := assistant.Messages()
					if len(messages) <= reply {
						return
					}
					content := messages[reply].Content
					if len(content) > printed {
						fmt.Print(content[printed:])
						printed = len(content)
					}
				}

				sendErr := assistant.Send(cmd.Context(), onUpdate)

				messages := assistant.Messages()
				if len(messages) <= reply {
					return sendErr
				}
				last := messages[reply]
				if markdown {
					fmt.Print(renderMarkdown(last.Content))
				} else {
					fmt.Println()
				}
				if sendErr == nil && len(last.Suggestions) > 0 {
					fmt.Printf("\nSuggestions: %s\n", strings.Join(last.Suggestions, " · "))
				}
				return sendErr
			})
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "", "chat relay endpoint (default from config)")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render the finished reply as markdown instead of streaming it")
	return cmd
}

func renderMarkdown(content string) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return content + "\n"
	}
	out, err := renderer.Render(content)
	if err != nil {
		return content + "\n"
	}
	return out
}
