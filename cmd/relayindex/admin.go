package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayindex/internal/apiclient"
	"github.com/agentworkforce/relayindex/internal/config"
	"github.com/agentworkforce/relayindex/internal/firehose"
	"github.com/agentworkforce/relayindex/internal/indexer"
	"github.com/agentworkforce/relayindex/internal/storage"
)

const (
	adminTimeout    = 10 * time.Second
	defaultConsumer = "appview"
)

// openBackend opens the state backend named by the configuration without
// requiring a relay.
func openBackend() (config.Config, *storage.Backend, error) {
	cfg, err := config.Read(serviceName)
	if err != nil {
		return config.Config{}, nil, err
	}
	dsn, err := cfg.StorageDSN()
	if err != nil {
		return config.Config{}, nil, err
	}
	backend, err := storage.Open(dsn)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return config.Config{}, nil, fmt.Errorf("state backend is in use by a running indexer, use the status API instead: %w", err)
		}
		return config.Config{}, nil, fmt.Errorf("open state backend: %w", err)
	}
	return cfg, backend, nil
}

func consumerName(cfg config.Config, flag string) string {
	if flag = strings.TrimSpace(flag); flag != "" {
		return flag
	}
	if name := strings.TrimSpace(cfg.Indexer.ConsumerName); name != "" {
		return name
	}
	return defaultConsumer
}

type remoteOptions struct {
	server string
	token  string
}

func (r *remoteOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&r.server, "server", "", "status server URL; when set, talk to a running indexer instead of the state backend")
	cmd.PersistentFlags().StringVar(&r.token, "token", "", "bearer token for the status server (defaults to INDEXER_API_TOKEN)")
}

// client returns nil when no server was given.
func (r *remoteOptions) client() *apiclient.Client {
	if strings.TrimSpace(r.server) == "" {
		return nil
	}
	return r.dial()
}

func (r *remoteOptions) dial() *apiclient.Client {
	token := r.token
	if token == "" {
		token = os.Getenv("INDEXER_API_TOKEN")
	}
	return apiclient.NewClient(r.server, token, nil)
}

func newDLQCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and purge dead-lettered operations",
	}
	remote := &remoteOptions{}
	remote.bind(cmd)

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("limit must not be negative")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			if client := remote.client(); client != nil {
				page, err := client.DeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				return printDeadLetters(cmd.OutOrStdout(), opts.format, page.Items)
			}
			_, backend, err := openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			entries, err := backend.DeadLetters.List(ctx, limit)
			if err != nil {
				return err
			}
			return printDeadLetters(cmd.OutOrStdout(), opts.format, entries)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show (0 for all)")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			n, err := countDeadLetters(ctx, remote.client())
			if err != nil {
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"count": n})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}

	purge := &cobra.Command{
		Use:   "purge <id>",
		Short: "Remove one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			id := strings.TrimSpace(args[0])
			if err := purgeDeadLetter(ctx, remote.client(), id); err != nil {
				if errors.Is(err, indexer.ErrNotFound) {
					return fmt.Errorf("dead letter %s not found", id)
				}
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"id": id, "status": "purged"})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", id)
			return err
		},
	}

	cmd.AddCommand(list, count, purge)
	return cmd
}

func countDeadLetters(ctx context.Context, client *apiclient.Client) (int, error) {
	if client != nil {
		return client.DeadLetterCount(ctx)
	}
	_, backend, err := openBackend()
	if err != nil {
		return 0, err
	}
	defer backend.Close()
	return backend.DeadLetters.Count(ctx)
}

func purgeDeadLetter(ctx context.Context, client *apiclient.Client, id string) error {
	if client != nil {
		err := client.PurgeDeadLetter(ctx, id)
		var httpErr *apiclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return indexer.ErrNotFound
		}
		return err
	}
	_, backend, err := openBackend()
	if err != nil {
		return err
	}
	defer backend.Close()
	return backend.DeadLetters.Purge(ctx, id)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	remote := &remoteOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running indexer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := remote.dial()
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			relays, err := client.Relays(ctx)
			if err != nil {
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"status": status, "relays": relays})
			}
			return printStatus(cmd.OutOrStdout(), status, relays)
		},
	}
	remote.bind(cmd)
	return cmd
}

func newCursorCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Show or override stored relay cursors",
	}
	var consumer string
	cmd.PersistentFlags().StringVar(&consumer, "consumer", "", "cursor namespace (defaults to the configured consumer name)")

	show := &cobra.Command{
		Use:   "show [relay]",
		Short: "Show stored cursors",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, err := openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			name := consumerName(cfg, consumer)
			var cursors []indexer.Cursor
			if len(args) == 1 {
				relay, err := firehose.NormalizeRelayURL(args[0])
				if err != nil {
					return err
				}
				cursor, found, err := backend.Cursors.Load(ctx, name, relay)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("no cursor stored for %s under consumer %s", relay, name)
				}
				cursors = []indexer.Cursor{cursor}
			} else {
				cursors, err = backend.Cursors.List(ctx, name)
				if err != nil {
					return err
				}
			}
			return printCursors(cmd.OutOrStdout(), opts.format, cursors)
		},
	}

	set := &cobra.Command{
		Use:   "set <relay> <seq>",
		Short: "Overwrite the stored cursor for a relay",
		Long: `Overwrite the stored cursor for a relay. The next run resumes from seq.
Stop the indexer first: a running service keeps its own in-memory cursor.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, err := firehose.NormalizeRelayURL(args[0])
			if err != nil {
				return err
			}
			seq, err := strconv.ParseInt(strings.TrimSpace(args[1]), 10, 64)
			if err != nil || seq < 0 {
				return fmt.Errorf("invalid sequence %q", args[1])
			}
			cfg, backend, err := openBackend()
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			cursor := indexer.Cursor{
				Consumer:  consumerName(cfg, consumer),
				Relay:     relay,
				Sequence:  seq,
				UpdatedAt: time.Now().UTC(),
			}
			if err := backend.Cursors.Save(ctx, []indexer.Cursor{cursor}); err != nil {
				return err
			}
			return printCursors(cmd.OutOrStdout(), opts.format, []indexer.Cursor{cursor})
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

func printDeadLetters(w io.Writer, format string, entries []indexer.DeadLetterEntry) error {
	if format == "json" {
		if entries == nil {
			entries = []indexer.DeadLetterEntry{}
		}
		return writeJSON(w, entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLASS\tATTEMPTS\tLAST FAILED\tRECORD\tERROR")
	for _, e := range entries {
		op := e.Operation
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s/%s/%s\t%s\n",
			e.ID, e.Class, e.Attempts, e.LastFailedAt.Format(time.RFC3339),
			op.RepoDID, op.Collection, op.RecordKey, e.LastError)
	}
	return tw.Flush()
}

func printStatus(w io.Writer, status indexer.ServiceStatus, relays []indexer.RelayStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "state\t%s\n", status.State)
	fmt.Fprintf(tw, "processed\t%d\n", status.EventsProcessed)
	fmt.Fprintf(tw, "errors\t%d\n", status.Errors)
	fmt.Fprintf(tw, "duplicates\t%d\n", status.DuplicatesFiltered)
	fmt.Fprintf(tw, "retries\t%d\n", status.Retries)
	fmt.Fprintf(tw, "dead lettered\t%d\n", status.DeadLettered)
	fmt.Fprintf(tw, "queue\t%d/%d\n", status.QueueDepth, status.QueueCapacity)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "RELAY\tCONNECTED\tLAST SEQ\tCURSOR\tERRORS\tRECONNECTS")
	for _, r := range relays {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%d\t%d\n", r.Name, r.Connected, optionalSeq(r.LastSequence), optionalSeq(r.CursorSequence), r.ErrorCount, r.Reconnects)
	}
	return tw.Flush()
}

func optionalSeq(seq *int64) string {
	if seq == nil {
		return "-"
	}
	return strconv.FormatInt(*seq, 10)
}

func printCursors(w io.Writer, format string, cursors []indexer.Cursor) error {
	if format == "json" {
		if cursors == nil {
			cursors = []indexer.Cursor{}
		}
		return writeJSON(w, cursors)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONSUMER\tRELAY\tSEQUENCE\tUPDATED")
	for _, c := range cursors {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.Consumer, c.Relay, c.Sequence, c.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
