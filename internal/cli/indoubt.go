package cli

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/hupe1980/msgstore"
)

// IndoubtEntry describes one prepared transaction.
type IndoubtEntry struct {
	XID      string   `json:"xid"`
	Entities int      `json:"entities"`
	Streams  []uint64 `json:"streams,omitempty"`
}

// NewIndoubtCommand returns the indoubt command. Without a subcommand it
// lists the prepared transactions.
func NewIndoubtCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indoubt",
		Short: "List or resolve prepared transactions",
		Long: `List the transactions that were prepared but neither committed nor
rolled back. XIDs are shown and accepted in hex.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndoubtList(cmd, rootOpts)
		},
	}
	cmd.AddCommand(newResolveCommand(rootOpts, "commit", "Commit a prepared transaction"))
	cmd.AddCommand(newResolveCommand(rootOpts, "rollback", "Roll back a prepared transaction"))
	return cmd
}

func runIndoubtList(cmd *cobra.Command, opts *RootOptions) error {
	m, _, err := startManager(cmd.Context(), cmd, opts)
	if err != nil {
		return err
	}
	defer func() { _ = m.Stop() }()

	xids, err := m.ReadIndoubtXIDs()
	if err != nil {
		return err
	}
	entries := make([]IndoubtEntry, 0, len(xids))
	for _, xid := range xids {
		ps, err := m.RecoverIndoubt(xid)
		if err != nil {
			return err
		}
		streams, err := m.IdentifyStreamsWithIndoubtItems([][]byte{xid})
		if err != nil {
			return err
		}
		entries = append(entries, IndoubtEntry{
			XID:      hex.EncodeToString(xid),
			Entities: len(ps),
			Streams:  streams.ToArray(),
		})
	}

	f := formatter{format: opts.Format, w: cmd.OutOrStdout()}
	return f.emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, okColor.Sprint("no in-doubt transactions"))
			return
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s entities=%d streams=%v\n", warnColor.Sprint(e.XID), e.Entities, e.Streams)
		}
	})
}

func newResolveCommand(rootOpts *RootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <xid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, err := hex.DecodeString(args[0])
			if err != nil || len(xid) == 0 {
				return NewExitError(ExitUsage, fmt.Sprintf("invalid xid %q: want hex", args[0]))
			}
			return runResolve(cmd, rootOpts, action, xid)
		},
	}
}

func runResolve(cmd *cobra.Command, opts *RootOptions, action string, xid []byte) error {
	ctx := cmd.Context()
	m, _, err := startManager(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer func() { _ = m.Stop() }()

	xids, err := m.ReadIndoubtXIDs()
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(xids, func(x []byte) bool { return bytes.Equal(x, xid) }) {
		return NewExitError(ExitFailure, fmt.Sprintf("transaction %s is not in doubt", hex.EncodeToString(xid)))
	}

	tx := msgstore.Transaction{XID: xid}
	if action == "commit" {
		err = m.Commit(ctx, tx, false)
	} else {
		err = m.Rollback(ctx, tx)
	}
	if err != nil {
		return WrapExitError(ExitFailure, action+" "+hex.EncodeToString(xid), err)
	}

	res := map[string]string{"xid": hex.EncodeToString(xid), "action": action}
	f := formatter{format: opts.Format, w: cmd.OutOrStdout()}
	return f.emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s\n", okColor.Sprint(action), res["xid"])
	})
}
