package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-ufs/snapfs/pkg/snapshot"
	"github.com/go-ufs/snapfs/pkg/statsdb"
)

var handles = map[string]*snapshot.Handle{}

var createCmd = &cobra.Command{
	Use:   "create PATH",
	Short: "Create a new snapshot at PATH on the demo filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		span := logCLI.BeginSuspension(string(reg.Device))
		h, err := snapshot.Create(ctx(), fs, reg, hook.Reader, args[0])
		span.End()
		if err != nil {
			return errors.Wrap(err, "creating snapshot")
		}
		handles[args[0]] = h

		if sdb != nil {
			rec := statsdb.SuspensionRecord{
				SnapshotInum: h.Snapshot.Number(),
				Device:       string(reg.Device),
				Suspended:    time.Since(start),
				CreatedAt:    start,
			}
			if err := sdb.Record(ctx(), rec); err != nil {
				logCLI.Warnf("failed to record suspension telemetry: %v", err)
			}
		}

		logCLI.Infof("created snapshot %s (inode %d)", args[0], h.Snapshot.Number())
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove PATH",
	Short: "Remove a previously created snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, ok := handles[args[0]]
		if !ok {
			return fmt.Errorf("no snapshot tracked at %s", args[0])
		}
		if err := snapshot.Remove(ctx(), fs, reg, hook, h.Snapshot); err != nil {
			return errors.Wrap(err, "removing snapshot")
		}
		delete(handles, args[0])
		logCLI.Infof("removed snapshot %s", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List live snapshots in creation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for path, h := range handles {
			idx := reg.IndexOf(h.Snapshot)
			fmt.Printf("%d\t%s\tinode=%d\n", idx, path, h.Snapshot.Number())
		}
		return nil
	},
}

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Rebuild the snapshot registry from the demo filesystem's inodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := snapshot.MountAssociate(ctx(), fs, reg); err != nil {
			return errors.Wrap(err, "associating snapshots at mount")
		}
		logCLI.Infof("mount: %d snapshot(s) associated", len(reg.List()))
		return nil
	},
}

var unmountCmd = &cobra.Command{
	Use:   "unmount",
	Short: "Dissociate every live snapshot from the registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := snapshot.UnmountDissociate(ctx(), fs, reg); err != nil {
			return errors.Wrap(err, "dissociating snapshots at unmount")
		}
		handles = map[string]*snapshot.Handle{}
		logCLI.Infof("unmount: registry cleared")
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat PATH",
	Short: "Report creation order, claimed/copied block counts, and suspension telemetry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, ok := handles[args[0]]
		if !ok {
			return fmt.Errorf("no snapshot tracked at %s", args[0])
		}

		var statsSrc snapshot.StatsSource
		if sdb != nil {
			statsSrc = sdb
		}

		st, err := snapshot.Stat(ctx(), reg, h.Snapshot, statsSrc)
		if err != nil {
			return errors.Wrap(err, "statting snapshot")
		}

		fmt.Printf("creation order: %d\n", st.CreationOrder)
		fmt.Printf("claimed blocks: %d\n", st.ClaimedBlocks)
		fmt.Printf("copied blocks:  %d\n", st.CopiedBlocks)
		if st.HasSuspension {
			fmt.Printf("last suspension: %s\n", st.Suspension)
		} else {
			fmt.Printf("last suspension: not recorded\n")
		}
		return nil
	},
}

var statAllCmd = &cobra.Command{
	Use:   "stat-all",
	Short: "Report Stat for every tracked snapshot, computed concurrently",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var statsSrc snapshot.StatsSource
		if sdb != nil {
			statsSrc = sdb
		}

		paths := make([]string, 0, len(handles))
		for path := range handles {
			paths = append(paths, path)
		}
		results := make([]snapshot.SnapshotStats, len(paths))

		g, gctx := errgroup.WithContext(ctx())
		for i, path := range paths {
			i, path := i, path
			g.Go(func() error {
				st, err := snapshot.Stat(gctx, reg, handles[path].Snapshot, statsSrc)
				if err != nil {
					return errors.Wrapf(err, "statting snapshot %s", path)
				}
				results[i] = st
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, path := range paths {
			st := results[i]
			fmt.Printf("%s\tcreation=%d\tclaimed=%d\tcopied=%d\n", path, st.CreationOrder, st.ClaimedBlocks, st.CopiedBlocks)
		}
		return nil
	},
}

