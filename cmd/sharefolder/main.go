package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sharefolder/internal/config"
)

var (
	cfgPath string
	flagCfg config.Config

	directoryMode bool
	users         []string
)

var rootCmd = &cobra.Command{
	Use:   "sharefolder",
	Short: "Share a folder over HTTP",
	Long: `sharefolder serves a directory over HTTP. With an index.html at the root it
serves a static site; otherwise it renders a browsable listing with optional
upload, rename, delete, copy/move and zip/unzip.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server (default command)",
	RunE:  runServe,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&cfgPath, "config", "c", os.Getenv("SERVER_CONFIG"), "config file (.json, .yaml)")
	f.StringVarP(&flagCfg.Root, "root", "r", "", "directory to share")
	f.StringVar(&flagCfg.StateDir, "state", "", "state dir for thumbnails and partial uploads (default: <root>/.sharefolder)")
	f.IntVarP(&flagCfg.Port, "port", "p", 0, "listen port")
	f.StringVar(&flagCfg.Key, "key", "", "TLS key file")
	f.StringVar(&flagCfg.Cert, "cert", "", "TLS certificate file")
	f.IntVar(&flagCfg.AutoRedirectHTTPPort, "redirect-http-port", 0, "with TLS, redirect plain HTTP on this port")
	f.StringSliceVar(&users, "user", nil, "user as name@sha256hex/subdir (repeatable)")
	f.StringSliceVar(&flagCfg.Forbidden, "forbidden", nil, "path that is never served (repeatable)")
	f.IntVar(&flagCfg.SessionTimeout, "session-timeout", 0, "session timeout in seconds")
	f.BoolVarP(&flagCfg.UploadEnable, "upload", "u", false, "allow uploads and every other change")
	f.BoolVar(&directoryMode, "directory-mode", false, "force the listing (true) or static site (false)")
	f.StringVar(&flagCfg.DirectoryModeTitle, "title", "", "listing page title")
	f.BoolVar(&flagCfg.DisableCompression, "no-compression", false, "disable gzip responses")
	f.BoolVar(&flagCfg.ClusterMode, "cluster", false, "run a primary with worker processes")
	f.IntVar(&flagCfg.Workers, "workers", 0, "worker processes in cluster mode (default: CPU count)")
	f.BoolVar(&flagCfg.RestartWorkers, "restart-workers", false, "restart crashed workers")
	f.StringVar(&flagCfg.NATSURL, "nats-url", "", "replicate sessions over this NATS server instead of pipes")
	f.BoolVar(&flagCfg.WebDAV, "webdav", false, "serve WebDAV under /dav/")
	f.BoolVar(&flagCfg.Metrics, "metrics", false, "expose Prometheus metrics")
	f.StringVar(&flagCfg.LogLevel, "log-level", "", "debug, info, warn, error")
	f.StringVar(&flagCfg.LogFormat, "log-format", "", "json or console")

	rootCmd.AddCommand(serveCmd, workerCmd, passwdCmd)
}

// loadConfig layers flags over env over the config file over defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("root", func() { cfg.Root = flagCfg.Root })
	set("state", func() { cfg.StateDir = flagCfg.StateDir })
	set("port", func() { cfg.Port = flagCfg.Port })
	set("key", func() { cfg.Key = flagCfg.Key })
	set("cert", func() { cfg.Cert = flagCfg.Cert })
	set("redirect-http-port", func() { cfg.AutoRedirectHTTPPort = flagCfg.AutoRedirectHTTPPort })
	set("forbidden", func() { cfg.Forbidden = flagCfg.Forbidden })
	set("session-timeout", func() { cfg.SessionTimeout = flagCfg.SessionTimeout })
	set("upload", func() { cfg.UploadEnable = flagCfg.UploadEnable })
	set("directory-mode", func() { cfg.DirectoryMode = &directoryMode })
	set("title", func() { cfg.DirectoryModeTitle = flagCfg.DirectoryModeTitle })
	set("no-compression", func() { cfg.DisableCompression = flagCfg.DisableCompression })
	set("cluster", func() { cfg.ClusterMode = flagCfg.ClusterMode })
	set("workers", func() { cfg.Workers = flagCfg.Workers })
	set("restart-workers", func() { cfg.RestartWorkers = flagCfg.RestartWorkers })
	set("nats-url", func() { cfg.NATSURL = flagCfg.NATSURL })
	set("webdav", func() { cfg.WebDAV = flagCfg.WebDAV })
	set("metrics", func() { cfg.Metrics = flagCfg.Metrics })
	set("log-level", func() { cfg.LogLevel = flagCfg.LogLevel })
	set("log-format", func() { cfg.LogFormat = flagCfg.LogFormat })
	if f.Changed("user") {
		cfg.Users = nil
		for _, spec := range users {
			u, err := config.ParseUser(spec)
			if err != nil {
				return cfg, err
			}
			cfg.Users = append(cfg.Users, u)
		}
	}
	if err := cfg.Finalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
