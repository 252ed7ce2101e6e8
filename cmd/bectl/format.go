package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexhholmes/betree"
)

func newFormatCmd() *cobra.Command {
	size := sizeValue(64 << 20)
	cmd := &cobra.Command{
		Use:   "format <path>",
		Short: "Create and format a segment file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, err := betree.CreateSegment(args[0], uint64(size), betree.WithSegmentLogger(segmentLogger()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "formatted %s: %s, generation %d\n", args[0], size.String(), seg.Gen())
			return seg.Close()
		},
	}
	cmd.Flags().Var(&size, "size", "segment size (suffixes KiB, MiB, GiB)")
	return cmd
}

func newCreateCmd() *cobra.Command {
	var (
		typ   string
		order int
		fid   uint64
	)
	cmd := &cobra.Command{
		Use:   "create <path> <name>",
		Short: "Create a tree and register it in the segment dictionary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ops betree.KVOps
			switch typ {
			case "bytes":
				ops = betree.BytesOps{}
			case "uint64":
				ops = betree.Uint64Ops{}
			default:
				return fmt.Errorf("unknown tree type %q (bytes, uint64)", typ)
			}

			seg, err := openSegment(args[0])
			if err != nil {
				return err
			}
			defer seg.Close()

			dict, name := seg.Dict(), args[1]
			if _, err := dict.Lookup(name); err == nil {
				return fmt.Errorf("tree %q: %w", name, betree.ErrExists)
			}

			credit := betree.CreateCredit(order, 1).Add(dict.InsertCredit(name))
			return write(seg, credit, func(tx *betree.Tx) error {
				tree, err := betree.CreateTree(tx, ops, betree.NewFid(0, fid), betree.WithOrder(order))
				if err != nil {
					return err
				}
				if err := dict.Insert(tx, name, tree.Offset()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s %s tree %q at offset %d\n", tree.Fid(), ops.Type(), name, tree.Offset())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "bytes", "key type: bytes or uint64")
	cmd.Flags().IntVar(&order, "order", betree.DefaultOrder, "tree fan-out")
	cmd.Flags().Uint64Var(&fid, "fid", 1, "fid key of the new tree")
	return cmd
}
