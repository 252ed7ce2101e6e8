package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexhholmes/betree"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <path> [tree...]",
		Short: "Verify footers, backlinks and tree invariants",
		Long:  "Verify every tree named, or every tree in the dictionary plus the dictionary itself",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, err := openSegment(args[0])
			if err != nil {
				return err
			}
			defer seg.Close()

			names := args[1:]
			if len(names) == 0 {
				if err := seg.Dict().Tree().Check(); err != nil {
					return errors.Wrap(err, "dictionary")
				}
				entries, err := seg.Dict().List("")
				if err != nil {
					return err
				}
				for _, e := range entries {
					names = append(names, e.Name)
				}
			}

			// Trees lock independently, so they are checked in parallel
			results := make([]error, len(names))
			var g errgroup.Group
			g.SetLimit(4)
			for i, name := range names {
				i, name := i, name
				g.Go(func() error {
					tree, err := seg.OpenNamed(name)
					if err == nil {
						err = tree.Check()
					}
					results[i] = err
					return nil
				})
			}
			_ = g.Wait()

			failed := 0
			for i, name := range names {
				if results[i] != nil {
					failed++
					logrus.WithField("tree", name).WithError(results[i]).Error("check failed")
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tFAIL\t%v\n", name, results[i])
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tok\n", name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d trees failed: %w", failed, len(names), betree.ErrCorruption)
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <path>",
		Short: "Print allocator usage and per-tree shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, err := openSegment(args[0])
			if err != nil {
				return err
			}
			defer seg.Close()

			st := seg.Stats().Alloc
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "segment %s: size %d, generation %d\n", seg.Path(), seg.Size(), seg.Gen())
			fmt.Fprintf(out, "arena %d, carved %d, free %d bytes in %d chunks\n\n",
				st.Arena, st.Carved, st.FreeBytes, st.FreeChunks)

			entries, err := seg.Dict().List("")
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tORDER\tOFFSET\tHEIGHT\tNODES\tRECORDS\tMAX KEY\tMAX VALUE")
			for _, e := range entries {
				tree, err := seg.OpenNamed(e.Name)
				if err != nil {
					fmt.Fprintf(w, "%s\t?\t\t%d\t\t\t\t\t%v\n", e.Name, e.Offset, err)
					continue
				}
				ts, err := tree.Count()
				if err != nil {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t\t\t\t\t%v\n", e.Name, tree.Type(), tree.Order(), e.Offset, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", e.Name, tree.Type(), tree.Order(), e.Offset,
					ts.Height, ts.Nodes, ts.Items, ts.MaxKeySize, ts.MaxValueSize)
			}
			return w.Flush()
		},
	}
}
