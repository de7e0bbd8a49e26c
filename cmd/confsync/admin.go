package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"confsync/internal/remote"
)

func newItemCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage rows of the item table",
	}
	cmd.AddCommand(
		newItemListCmd(e),
		newItemPutCmd(e),
		newItemRemoveCmd(e),
	)
	return cmd
}

func newItemListCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			statuses, err := st.FetchStatus(cmd.Context())
			if err != nil {
				return err
			}
			slices.SortFunc(statuses, func(a, b remote.Status) int {
				return strings.Compare(a.Key.String(), b.Key.String())
			})

			p := newPrinter(cmd.OutOrStdout(), outputFormat(cmd))
			if p.format == "json" {
				return p.json(statuses)
			}
			rows := make([][]string, 0, len(statuses))
			for _, s := range statuses {
				mod := "malformed"
				if !s.Malformed {
					mod = s.ModifiedTime.Format(time.RFC3339)
				}
				rows = append(rows, []string{strconv.FormatInt(s.ID, 10), s.Key.String(), mod})
			}
			p.table([]string{"ID", "KEY", "MODIFIED"}, rows)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "table", "output format: table or json")
	return cmd
}

func newItemPutCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <category/name> <file|->",
		Short: "Create or replace an item from a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := remote.ParseKey(args[0])
			if err != nil {
				return err
			}
			content, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			st, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := st.PutItem(cmd.Context(), key.Category, key.Name, content, modifiedTime(cmd))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s id=%d bytes=%d\n", key, id, len(content))
			return nil
		},
	}
	addModifiedFlag(cmd)
	return cmd
}

func newItemRemoveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <category/name>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := remote.ParseKey(args[0])
			if err != nil {
				return err
			}
			st, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			return st.DeleteItem(cmd.Context(), key)
		},
	}
}

func newDocCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Manage the document row",
	}
	put := &cobra.Command{
		Use:   "put <file|->",
		Short: "Replace the document row from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				name = filepath.Base(args[0])
			}
			st, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			id := e.settings.Remote.DocumentID
			if err := st.PutDocument(cmd.Context(), id, name, content, modifiedTime(cmd)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "document id=%d bytes=%d\n", id, len(content))
			return nil
		},
	}
	put.Flags().String("name", "application.yml", "document name")
	addModifiedFlag(put)
	cmd.AddCommand(put)
	return cmd
}

func addModifiedFlag(cmd *cobra.Command) {
	cmd.Flags().String("modified", "", "modification time, RFC 3339 (default: now)")
}

// modifiedTime returns the --modified flag, or now. readInput has already
// rejected an unparseable flag.
func modifiedTime(cmd *cobra.Command) time.Time {
	v, _ := cmd.Flags().GetString("modified")
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC()
	}
	return time.Now().UTC().Truncate(time.Millisecond)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if v, _ := cmd.Flags().GetString("modified"); v != "" {
		if _, err := time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("invalid --modified: %w", err)
		}
	}
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(filepath.Clean(path))
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}
