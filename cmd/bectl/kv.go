package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexhholmes/betree"
)

func newPutCmd() *cobra.Command {
	var insertOnly bool
	cmd := &cobra.Command{
		Use:   "put <path> <tree> <key> <value>",
		Short: "Insert or overwrite a record",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, tree, err := openTree(args[0], args[1])
			if err != nil {
				return err
			}
			defer seg.Close()

			key, err := encodeKey(tree.Type(), args[2])
			if err != nil {
				return err
			}
			val := []byte(args[3])
			credit := tree.SaveCredit(1, len(key), len(val), betree.HeightMax)
			return write(seg, credit, func(tx *betree.Tx) error {
				return tree.Save(tx, key, val, !insertOnly)
			})
		},
	}
	cmd.Flags().BoolVar(&insertOnly, "insert", false, "fail if the key exists")
	return cmd
}

func newGetCmd() *cobra.Command {
	var slant bool
	cmd := &cobra.Command{
		Use:   "get <path> <tree> <key>",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, tree, err := openTree(args[0], args[1])
			if err != nil {
				return err
			}
			defer seg.Close()

			key, err := encodeKey(tree.Type(), args[2])
			if err != nil {
				return err
			}
			if slant {
				k, v, err := tree.LookupSlant(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", formatKey(tree.Type(), k), printable(v))
				return nil
			}
			v, err := tree.Lookup(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), printable(v))
			return nil
		},
	}
	cmd.Flags().BoolVar(&slant, "slant", false, "return the first key greater or equal")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path> <tree> <key>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, tree, err := openTree(args[0], args[1])
			if err != nil {
				return err
			}
			defer seg.Close()

			key, err := encodeKey(tree.Type(), args[2])
			if err != nil {
				return err
			}
			return write(seg, tree.DeleteCredit(1, len(key), 0), func(tx *betree.Tx) error {
				return tree.Delete(tx, key)
			})
		},
	}
}

func newDumpCmd() *cobra.Command {
	var (
		start   string
		reverse bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "dump <path> <tree>",
		Short: "Print records in key order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, tree, err := openTree(args[0], args[1])
			if err != nil {
				return err
			}
			defer seg.Close()

			c := tree.Cursor()
			defer c.Close()

			switch {
			case start != "":
				key, kerr := encodeKey(tree.Type(), start)
				if kerr != nil {
					return kerr
				}
				err = c.Get(key, true)
			case reverse:
				err = c.Last()
			default:
				err = c.First()
			}

			out := cmd.OutOrStdout()
			for n := 0; err == nil && (limit <= 0 || n < limit); n++ {
				k, v, kerr := c.KV()
				if kerr != nil {
					return kerr
				}
				fmt.Fprintf(out, "%s\t%s\n", formatKey(tree.Type(), k), printable(v))
				if reverse {
					err = c.Prev()
				} else {
					err = c.Next()
				}
			}
			if err != nil && !errors.Is(err, betree.ErrNotFound) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first key to print")
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "print in descending order")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after n records")
	return cmd
}
