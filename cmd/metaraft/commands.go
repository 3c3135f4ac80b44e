package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/metaraft/internal/api"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the group0 status of a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, st)
			}
			printStatus(out, st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st *api.StatusResponse) {
	fmt.Fprintf(w, "ID:             %s\n", st.ID)
	fmt.Fprintf(w, "Role:           %s\n", st.Role)
	fmt.Fprintf(w, "Term:           %d\n", st.Term)
	leader := st.Leader
	if leader == "" {
		leader = "(unknown)"
	}
	fmt.Fprintf(w, "Leader:         %s\n", leader)
	fmt.Fprintf(w, "Commit index:   %d\n", st.CommitIndex)
	fmt.Fprintf(w, "Applied index:  %d\n", st.AppliedIndex)
	fmt.Fprintf(w, "Snapshot index: %d\n", st.SnapshotIndex)
	fmt.Fprintf(w, "Log length:     %d\n", st.LogLength)
	fmt.Fprintf(w, "State ID:       %s\n", st.StateID)
	if st.Joint {
		fmt.Fprintln(w, "Configuration:  joint")
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MEMBER\tADDRESS\tVOTER")
	for _, m := range st.Members {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", m.ID, m.Address, m.CanVote)
	}
	tw.Flush()
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	var prefix bool
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Read a key, or every key under a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			out := cmd.OutOrStdout()
			c := opts.client()
			if prefix || key == "" {
				list, err := c.List(cmd.Context(), key)
				if err != nil {
					return err
				}
				if opts.output == "json" {
					return printJSON(out, list)
				}
				for _, kv := range list.Items {
					fmt.Fprintf(out, "%s=%s\n", kv.Key, kv.Value)
				}
				return nil
			}
			kv, err := c.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(out, kv)
			}
			fmt.Fprintln(out, kv.Value)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&prefix, "prefix", "p", false, "list all keys starting with <key>")
	return cmd
}

func newPutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> [value]",
		Short: "Store a value; reads it from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value []byte
			if len(args) == 2 {
				value = []byte(args[1])
			} else {
				var err error
				value, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read value")
				}
			}
			if err := opts.client().Put(cmd.Context(), args[0], value); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func newMembersCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Change the group0 membership",
	}

	var nonVoting bool
	add := &cobra.Command{
		Use:   "add <id> <address>",
		Short: "Add a server to group0",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			canVote := !nonVoting
			m, err := opts.client().AddMember(cmd.Context(), api.AddMemberRequest{
				ID:      args[0],
				Address: args[1],
				CanVote: &canVote,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s at %s (voter: %t)\n", m.ID, m.Address, m.CanVote)
			return nil
		},
	}
	add.Flags().BoolVar(&nonVoting, "non-voting", false, "add the server as a non-voting member")

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a server from group0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().RemoveMember(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func newStepdownCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stepdown",
		Short: "Transfer leadership away from the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.client().Stepdown(cmd.Context(), timeout); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "leadership transferred")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "wait", 0, "how long the leader waits for a successor (server default 5s)")
	return cmd
}
