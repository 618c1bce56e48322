package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/go-ufs/snapfs/internal/fakehost"
	"github.com/go-ufs/snapfs/pkg/blockio"
	"github.com/go-ufs/snapfs/pkg/config"
	"github.com/go-ufs/snapfs/pkg/cow"
	"github.com/go-ufs/snapfs/pkg/elog"
	"github.com/go-ufs/snapfs/pkg/registry"
	"github.com/go-ufs/snapfs/pkg/snapshot"
	"github.com/go-ufs/snapfs/pkg/statsdb"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

var (
	logCLI   = &elog.CLI{}
	cfg      config.Tunables
	cfgFile  string
	deviceID string

	fs   *fakehost.Host
	reg  *registry.Registry
	hook *cow.Hook
	sdb  *statsdb.DB
)

// demoGeometry is the fixture filesystem snapfsctl operates against;
// the real mounted filesystem is an external collaborator this
// repository has no concrete implementation of.
func demoGeometry() ufsgeom.Geometry {
	return ufsgeom.Geometry{FragSize: 1024, FragsPerBlock: 8, FragsPerGroup: 512, NCG: 4, SizeFrags: 16384}
}

func commandInit() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.snapfs.yaml)")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device-id", "", "demo device identifier (default: a generated id)")
	config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().BoolVarP(&logCLI.Debug, "debug", "d", false, "enable debug output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logrus.SetFormatter(logCLI)
		logrus.SetLevel(logrus.TraceLevel)

		loaded, err := config.Load(cfgFile, cmd.Flags(), logCLI)
		if err != nil {
			return errors.Wrap(err, "loading configuration")
		}
		cfg = loaded
		logCLI.Debug = logCLI.Debug || cfg.SnapDebug

		if cfg.CollectSnapStats {
			db, err := statsdb.Open(cfg.StatsDBPath)
			if err != nil {
				return errors.Wrap(err, "opening stats database")
			}
			sdb = db
		}

		if deviceID == "" {
			deviceID = strings.ReplaceAll(uuid.New().String(), "-", "")
		}

		geom := demoGeometry()
		fs = fakehost.New(geom, 20)
		reg = registry.New(ufsgeom.DeviceID(deviceID))
		hook = &cow.Hook{
			Registry:      reg,
			Reader:        &blockio.Reader{Device: fs, Geom: geom},
			Geom:          geom,
			Alloc:         fs,
			Data:          fs,
			Sync:          fs,
			DoPersistence: cfg.DoPersistence,
		}
		fs.AttachCOW(hook.OnWrite)
		return nil
	}

	rootCmd.AddCommand(createCmd, removeCmd, listCmd, mountCmd, unmountCmd, statCmd, statAllCmd)
}

var rootCmd = &cobra.Command{
	Use:   "snapfsctl",
	Short: "Manage copy-on-write snapshots on a BSD FFS-style filesystem",
	Long: `snapfsctl drives the snapshot engine's creation, removal, mount
association, and introspection operations against a demonstration
filesystem built in-process, since the real mounted filesystem this
tool would otherwise target is an external collaborator outside this
repository's scope.`,
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		if logCLI.IsDebugEnabled() {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "snapfsctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func ctx() context.Context {
	return context.Background()
}
