package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/threadrelay/internal/ipc"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionDeleteCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions known to the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), ipc.DefaultTimeout)
		defer cancel()

		cl, err := dialRelay(ctx, cfg)
		if err != nil {
			return err
		}
		defer cl.Close()

		resp, err := cl.Call(ctx, &ipc.Request{Type: ipc.CmdListSessions})
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(resp.Sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTITLE\tTHREAD\tQUEUED\tCONNECTED")
		for _, s := range resp.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%v\n",
				s.ID,
				s.AgentName,
				s.Status,
				s.Title,
				s.ThreadID,
				s.Queued,
				s.Connected,
			)
		}
		return w.Flush()
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its chat topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), ipc.DefaultTimeout)
		defer cancel()

		cl, err := dialRelay(ctx, cfg)
		if err != nil {
			return err
		}
		defer cl.Close()

		resp, err := cl.Call(ctx, &ipc.Request{Type: ipc.CmdDeleteSession, SessionID: args[0]})
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if !resp.Success {
			return fmt.Errorf("delete session: %s", resp.Error)
		}
		fmt.Fprintf(os.Stdout, "Session %s deleted.\n", args[0])
		return nil
	},
}
