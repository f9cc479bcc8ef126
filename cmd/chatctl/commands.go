package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/core/ports"
)

type services struct {
	chat     ports.ChatService
	sessions ports.SessionService
}

type loader func(ctx context.Context) (services, func(), error)

// newRootCmd builds the admin CLI. Services are created lazily so --help
// works without any backend configured.
func newRootCmd(load loader) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Operate the dictamen chat backend from the command line",
		SilenceUsage: true,
	}

	var withServices runWrapper = func(run func(cmd *cobra.Command, args []string, svc services) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := load(cmd.Context())
			if err != nil {
				return fmt.Errorf("init services: %w", err)
			}
			if closeFn != nil {
				defer closeFn()
			}
			return run(cmd, args, svc)
		}
	}

	root.AddCommand(newAskCmd(withServices))
	root.AddCommand(newSessionsCmd(withServices))
	root.AddCommand(newPurgeCmd(withServices))
	root.AddCommand(newExportCmd(withServices))
	return root
}

type runWrapper func(run func(cmd *cobra.Command, args []string, svc services) error) func(*cobra.Command, []string) error

func newAskCmd(wrap runWrapper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Ask a question and print the answer with its sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: wrap(func(cmd *cobra.Command, args []string, svc services) error {
			sessionID, _ := cmd.Flags().GetString("session")
			twoVectors, _ := cmd.Flags().GetBool("two-vectors")

			result, err := svc.chat.ProcessTurn(cmd.Context(), domain.TurnRequest{
				SessionID:          sessionID,
				Query:              strings.Join(args, " "),
				UseSecondaryVector: twoVectors,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.Response)
			if len(result.Sources) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Fuentes:")
				for _, src := range result.Sources {
					fmt.Fprintf(out, "  - %s %s\n", src.Identifier, src.URL)
				}
			}
			fmt.Fprintf(out, "\nsession: %s\n", result.SessionID)
			return nil
		}),
	}
	cmd.Flags().String("session", "", "session to continue (a new one is created when empty)")
	cmd.Flags().Bool("two-vectors", false, "also search the summary embedding")
	return cmd
}

func newSessionsCmd(wrap runWrapper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored conversations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions by most recent activity",
		Args:  cobra.NoArgs,
		RunE: wrap(func(cmd *cobra.Command, _ []string, svc services) error {
			limit, _ := cmd.Flags().GetInt("limit")
			sessions, err := svc.sessions.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tMESSAGES\tLAST ACTIVITY")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", s.SessionID, s.MessageCount, s.LastActivity.Format(time.RFC3339))
			}
			return tw.Flush()
		}),
	}
	list.Flags().Int("limit", 50, "maximum sessions to list")

	history := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Print the message log of a session",
		Args:  cobra.ExactArgs(1),
		RunE: wrap(func(cmd *cobra.Command, args []string, svc services) error {
			msgs, err := svc.sessions.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), m.Role, m.Content)
			}
			return nil
		}),
	}

	del := &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session and all its messages",
		Args:  cobra.ExactArgs(1),
		RunE: wrap(func(cmd *cobra.Command, args []string, svc services) error {
			if err := svc.sessions.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(list, history, del)
	return cmd
}

func newPurgeCmd(wrap runWrapper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove messages older than the retention window",
		Args:  cobra.NoArgs,
		RunE: wrap(func(cmd *cobra.Command, _ []string, svc services) error {
			days, _ := cmd.Flags().GetInt("days")
			removed, err := svc.sessions.PurgeOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d messages\n", removed)
			return nil
		}),
	}
	cmd.Flags().Int("days", 30, "retention window in days")
	return cmd
}

func newExportCmd(wrap runWrapper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Export a session transcript to an xlsx file",
		Args:  cobra.ExactArgs(1),
		RunE: wrap(func(cmd *cobra.Command, args []string, svc services) error {
			path, _ := cmd.Flags().GetString("out")
			if path == "" {
				path = "historial-" + args[0] + ".xlsx"
			}
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("create export file: %w", err)
			}
			if err := svc.sessions.ExportHistory(cmd.Context(), args[0], f); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close export file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		}),
	}
	cmd.Flags().String("out", "", "output path (default historial-<session>.xlsx)")
	return cmd
}
