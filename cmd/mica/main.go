// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Command mica is an operator tool for inspecting mica databases: it can
// scan the keys of an offline database, print its compaction statistics,
// list the live tables per level, and print the record sizes of a WAL or
// manifest file.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/mica"
	"github.com/cockroachdb/mica/record"
	"github.com/cockroachdb/mica/vfs"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "mica",
		Short: "mica database inspection tool",
	}
	root.AddCommand(
		newScanCmd(),
		newPropsCmd(),
		newSSTablesCmd(),
		newWALDumpCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB(dirname string) (*mica.DB, error) {
	return mica.Open(dirname, &mica.Options{
		CreateIfMissing: false,
	})
}

func newScanCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "scan the keys of a database in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer d.Close()

			iter := d.NewIter(nil)
			defer iter.Close()
			n := 0
			for valid := iter.First(); valid; valid = iter.Next() {
				fmt.Fprintf(cmd.OutOrStdout(), "%q: %q\n", iter.Key(), iter.Value())
				n++
				if limit > 0 && n >= limit {
					break
				}
			}
			if err := iter.Error(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d keys\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of keys to print (0 for no limit)")
	return cmd
}

func newPropsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "props <dir>",
		Short: "print the database's compaction statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer d.Close()

			stats, _ := d.GetProperty("mica.stats")
			fmt.Fprint(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

func newSSTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sstables <dir>",
		Short: "list the live table files per level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer d.Close()

			tables, _ := d.GetProperty("mica.sstables")
			fmt.Fprint(cmd.OutOrStdout(), tables)
			return nil
		},
	}
}

func newWALDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wal-dump <file>",
		Short: "print the record framing of a WAL or MANIFEST file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := vfs.Default.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			rr := record.NewReader(f)
			for i := 0; ; i++ {
				r, err := rr.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				n, err := io.Copy(io.Discard, r)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "record %d: %d bytes\n", i, n)
			}
		},
	}
}
