package main

import (
	"github.com/spf13/pflag"

	"github.com/objectfs/s3fuse/internal/config"
)

// mountFlags holds the mount command line. Only flags the user set override the
// configuration.
type mountFlags struct {
	configFile  string
	mountPoint  string
	bucket      string
	dataDir     string
	cacheSize   string
	autoUnmount bool
	allowRoot   bool
	allowOther  bool
	directIO    bool
	logLevel    string
	debug       bool
	metricsAddr string
	uid         int
	gid         int
}

func (f *mountFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.configFile, "config", "", "YAML configuration file")
	flags.StringVarP(&f.mountPoint, "mount-point", "m", "", "Directory to mount the bucket at (required)")
	flags.StringVarP(&f.bucket, "bucket-name", "b", "", "Bucket to mount (required)")
	flags.StringVar(&f.dataDir, "data-dir", config.DefaultDataDir, "Cache directory")
	flags.StringVar(&f.cacheSize, "cache-size", "10GiB", "Maximum size of the block cache")
	flags.BoolVar(&f.autoUnmount, "auto_unmount", false, "Unmount automatically when the process exits")
	flags.BoolVar(&f.allowRoot, "allow-root", false, "Allow root to access the mount")
	flags.BoolVar(&f.allowOther, "allow-other", false, "Allow all users to access the mount")
	flags.BoolVar(&f.directIO, "direct-io", false, "Bypass the kernel page cache")
	flags.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&f.debug, "debug", false, "Log every FUSE request")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.IntVar(&f.uid, "uid", -1, "Owner uid of all files (default: current user)")
	flags.IntVar(&f.gid, "gid", -1, "Owner gid of all files (default: current group)")
}

// loadConfig merges defaults, the config file, the environment and the flags that were
// set, in that order, and validates the result.
func loadConfig(flags *pflag.FlagSet, f *mountFlags) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if f.configFile != "" {
		if err := cfg.LoadFromFile(f.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	f.apply(flags, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *mountFlags) apply(flags *pflag.FlagSet, cfg *config.Configuration) {
	set := flags.Changed

	if set("mount-point") {
		cfg.Mount.MountPoint = f.mountPoint
	}
	if set("bucket-name") {
		cfg.Storage.Bucket = f.bucket
	}
	if set("data-dir") {
		cfg.Cache.Directory = f.dataDir
	}
	if set("cache-size") {
		cfg.Cache.MaxSize = f.cacheSize
	}
	if set("auto_unmount") {
		cfg.Mount.AutoUnmount = f.autoUnmount
	}
	if set("allow-root") {
		cfg.Mount.AllowRoot = f.allowRoot
	}
	if set("allow-other") {
		cfg.Mount.AllowOther = f.allowOther
	}
	if set("direct-io") {
		cfg.Mount.DirectIO = f.directIO
	}
	if set("log-level") {
		cfg.Global.LogLevel = f.logLevel
	}
	if set("debug") {
		cfg.Mount.Debug = f.debug
		if f.debug {
			cfg.Global.LogLevel = "debug"
		}
	}
	if set("metrics-addr") {
		cfg.Monitoring.Metrics.Address = f.metricsAddr
		cfg.Monitoring.Metrics.Enabled = f.metricsAddr != "" || cfg.Monitoring.Metrics.Enabled
	}
	if set("uid") {
		cfg.Mount.UID = f.uid
	}
	if set("gid") {
		cfg.Mount.GID = f.gid
	}
}
