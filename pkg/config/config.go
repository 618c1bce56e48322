// Package config loads the tunables that govern snapshot creation:
// whether a user-visible snapshot inode is fsynced after every
// copy-on-write copy into it, whether snapshot debug logging
// is enabled, and whether suspension telemetry is recorded to
// pkg/statsdb. Precedence follows flags, then SNAPFS_* environment
// variables, then ~/.snapfs.yaml, then built-in defaults.
package config

import (
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-ufs/snapfs/pkg/elog"
)

const configFileName = "snapfs"

// Tunables is the resolved configuration snapshot.Create and
// cmd/snapfsctl read from.
type Tunables struct {
	DoPersistence    bool
	SnapDebug        bool
	CollectSnapStats bool
	StatsDBPath      string
}

// BindFlags registers the flags that can override every tunable, for a
// cobra command's flag set.
func BindFlags(flags *pflag.FlagSet) {
	flags.Bool("persist", true, "fsync a user-visible snapshot inode after every copy-on-write copy into it")
	flags.Bool("snap-debug", false, "enable verbose snapshot-engine logging")
	flags.Bool("collect-snap-stats", false, "record suspension telemetry to the stats database")
	flags.String("stats-db", "", "path to the suspension telemetry database (default: ~/.snapfs-stats.db)")
}

// Load resolves Tunables from bound flags, then SNAPFS_* environment
// variables, then one config file (cfgFile if non-empty, otherwise
// $HOME/.snapfs.yaml), then defaults, in descending precedence, logging
// which file it used via log.
func Load(cfgFile string, flags *pflag.FlagSet, log elog.Logger) (Tunables, error) {
	v := viper.New()
	v.SetEnvPrefix("SNAPFS")
	v.AutomaticEnv()

	v.SetDefault("persist", true)
	v.SetDefault("snap-debug", false)
	v.SetDefault("collect-snap-stats", false)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return Tunables{}, errors.Wrap(err, "config: resolving home directory")
		}
		v.AddConfigPath(home)
		v.SetConfigName("." + configFileName)
	}

	if err := v.ReadInConfig(); err == nil {
		log.Debugf("config: using file %s", v.ConfigFileUsed())
	} else {
		log.Debugf("config: %s, using defaults", err)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Tunables{}, errors.Wrap(err, "config: binding flags")
		}
	}

	t := Tunables{
		DoPersistence:    v.GetBool("persist"),
		SnapDebug:        v.GetBool("snap-debug"),
		CollectSnapStats: v.GetBool("collect-snap-stats"),
		StatsDBPath:      v.GetString("stats-db"),
	}

	if t.StatsDBPath == "" {
		home, err := homedir.Dir()
		if err != nil {
			return Tunables{}, errors.Wrap(err, "config: resolving home directory for stats db")
		}
		t.StatsDBPath = home + "/.snapfs-stats.db"
	}

	return t, nil
}
