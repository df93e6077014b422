// Package config parses the supervisor's CLI surface (spec §6 "CLI
// surface") using pflag's getopt-style single-dash flags, then clamps
// invalid combinations silently rather than erroring.
package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Config is the fully-parsed, clamped configuration for one supervisor
// run.
type Config struct {
	MinWorkers              int
	MaxWorkers              int
	PerDomainRecipCap       int
	MaxRequestsPerWorker    int64
	MaxWorkerLifetimeSec    int
	IdleTimeoutSec          int
	BusyTimeoutSec          int
	ClientTimeoutSec        int
	SlewSec                 int
	MinWaitBetweenActivations int
	SockPath                string
	UnprivSockPath          string
	NotifySockPath          string
	MapSockPath             string
	SpoolDir                string
	WorkerProgram           string
	SubFilter               string
	PidFile                 string
	LockFile                string
	RunAsUser               string
	SyslogFacility          string
	LogStatusIntervalSec    int
	QueueSize               int
	QueueTimeoutSec         int
	ListenBacklog           int
	NoDaemon                bool
	TickIntervalSec         int
	NumTicks                int
	GroupWritable           bool
	WantStatusReports       bool
	RSSKb                   int
	AddressSpaceKb          int // -M, parsed and ignored (spec §9 Open Question)
}

// BusyTimeout etc. expose the parsed integer seconds as time.Duration,
// the form every other package in this module actually consumes.
func (c Config) BusyTimeout() time.Duration    { return time.Duration(c.BusyTimeoutSec) * time.Second }
func (c Config) ClientTimeout() time.Duration  { return time.Duration(c.ClientTimeoutSec) * time.Second }
func (c Config) IdleTimeout() time.Duration    { return time.Duration(c.IdleTimeoutSec) * time.Second }
func (c Config) MaxWorkerLifetime() time.Duration {
	return time.Duration(c.MaxWorkerLifetimeSec) * time.Second
}
func (c Config) MinWaitBetweenActivationsDuration() time.Duration {
	return time.Duration(c.MinWaitBetweenActivations) * time.Second
}
func (c Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSec) * time.Second
}
func (c Config) LogStatusInterval() time.Duration {
	return time.Duration(c.LogStatusIntervalSec) * time.Second
}
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

// Defaults mirror conservative single-worker operation, since most
// deployments override them explicitly.
func Defaults() Config {
	return Config{
		MinWorkers:       1,
		MaxWorkers:       4,
		BusyTimeoutSec:   300,
		ClientTimeoutSec: 30,
		IdleTimeoutSec:   600,
		SockPath:         "/var/run/multiplexor/multiplexor.sock",
		WorkerProgram:    "/usr/bin/multiplexor-worker",
		PidFile:          "/var/run/multiplexor/multiplexor.pid",
		LockFile:         "/var/run/multiplexor/multiplexor.lock",
		SyslogFacility:   "mail",
		QueueSize:        16,
		QueueTimeoutSec:  30,
		ListenBacklog:    128,
		NumTicks:         1,
	}
}

// Parse parses args (typically os.Args[1:]) into a Config, starting
// from Defaults and clamping invalid combinations silently, per spec
// §6: "Invalid combinations ... are clamped silently".
func Parse(args []string) (Config, error) {
	cfg := Defaults()
	fs := pflag.NewFlagSet("multiplexor", pflag.ContinueOnError)

	fs.IntVarP(&cfg.MinWorkers, "min-workers", "m", cfg.MinWorkers, "minimum worker pool size")
	fs.IntVarP(&cfg.MaxWorkers, "max-workers", "x", cfg.MaxWorkers, "maximum worker pool size")
	fs.IntVarP(&cfg.PerDomainRecipCap, "recip-cap", "y", cfg.PerDomainRecipCap, "per-domain recipok cap (0 disables)")
	fs.Int64VarP(&cfg.MaxRequestsPerWorker, "max-requests", "r", cfg.MaxRequestsPerWorker, "max requests per worker before recycling (0 disables)")
	fs.IntVarP(&cfg.MaxWorkerLifetimeSec, "max-lifetime", "V", cfg.MaxWorkerLifetimeSec, "max worker lifetime seconds (0 disables)")
	fs.IntVarP(&cfg.IdleTimeoutSec, "idle-timeout", "i", cfg.IdleTimeoutSec, "idle worker sweep timeout seconds")
	fs.IntVarP(&cfg.BusyTimeoutSec, "busy-timeout", "b", cfg.BusyTimeoutSec, "busy (request) timeout seconds")
	fs.IntVarP(&cfg.ClientTimeoutSec, "client-timeout", "c", cfg.ClientTimeoutSec, "client read/write timeout seconds")
	fs.IntVarP(&cfg.SlewSec, "slew", "w", cfg.SlewSec, "minimum seconds between worker activations")
	fs.IntVarP(&cfg.MinWaitBetweenActivations, "min-activation-wait", "W", cfg.MinWaitBetweenActivations, "alias of -w retained for CLI compatibility")
	fs.StringVarP(&cfg.SockPath, "socket", "s", cfg.SockPath, "privileged command socket path")
	fs.StringVarP(&cfg.UnprivSockPath, "unpriv-socket", "a", cfg.UnprivSockPath, "unprivileged command socket path")
	fs.StringVarP(&cfg.NotifySockPath, "notify-socket", "O", cfg.NotifySockPath, "notification bus socket path")
	fs.StringVarP(&cfg.MapSockPath, "map-socket", "N", cfg.MapSockPath, "map-request socket path")
	fs.StringVarP(&cfg.SpoolDir, "spool-dir", "z", cfg.SpoolDir, "message spool directory (opaque to this process)")
	fs.StringVarP(&cfg.WorkerProgram, "worker-program", "f", cfg.WorkerProgram, "absolute path to the worker binary")
	fs.StringVarP(&cfg.SubFilter, "subfilter", "F", cfg.SubFilter, "sub-filter name passed to the worker")
	fs.StringVarP(&cfg.PidFile, "pidfile", "p", cfg.PidFile, "pidfile path")
	fs.StringVarP(&cfg.LockFile, "lockfile", "o", cfg.LockFile, "advisory lockfile path")
	fs.StringVarP(&cfg.RunAsUser, "user", "U", cfg.RunAsUser, "user to drop privileges to")
	fs.StringVarP(&cfg.SyslogFacility, "syslog-facility", "S", cfg.SyslogFacility, "syslog facility name")
	fs.IntVarP(&cfg.LogStatusIntervalSec, "log-status-interval", "L", cfg.LogStatusIntervalSec, "periodic log-status heartbeat seconds (0 disables)")
	fs.IntVarP(&cfg.QueueSize, "queue-size", "q", cfg.QueueSize, "pending-request queue capacity")
	fs.IntVarP(&cfg.QueueTimeoutSec, "queue-timeout", "Q", cfg.QueueTimeoutSec, "queued-request timeout seconds")
	fs.IntVarP(&cfg.ListenBacklog, "backlog", "I", cfg.ListenBacklog, "listen(2) backlog")
	fs.BoolVarP(&cfg.NoDaemon, "no-daemon", "D", cfg.NoDaemon, "run in the foreground instead of daemonizing")
	fs.IntVarP(&cfg.TickIntervalSec, "tick-interval", "X", cfg.TickIntervalSec, "periodic tick interval seconds (0 disables)")
	fs.IntVarP(&cfg.NumTicks, "num-ticks", "P", cfg.NumTicks, "concurrent tick loops")
	fs.BoolVarP(&cfg.GroupWritable, "group-writable", "G", cfg.GroupWritable, "create sockets group-writable instead of owner-only")
	fs.BoolVarP(&cfg.WantStatusReports, "status-reports", "Z", cfg.WantStatusReports, "enable the worker status-tag descriptor")
	fs.IntVarP(&cfg.RSSKb, "rss-limit", "R", cfg.RSSKb, "worker RSS limit in KB (0 disables)")
	fs.IntVarP(&cfg.AddressSpaceKb, "address-space-limit", "M", cfg.AddressSpaceKb, "historical; parsed and ignored")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	clamp(&cfg)
	return cfg, nil
}

// clamp enforces the silent-clamp rule for invalid combinations (spec
// §6): minWorkers may never exceed maxWorkers, and non-negative
// tunables are floored at zero.
func clamp(c *Config) {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.SlewSec < 0 {
		c.SlewSec = 0
	}
	if c.MinWaitBetweenActivations < c.SlewSec {
		c.MinWaitBetweenActivations = c.SlewSec
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.NumTicks < 0 {
		c.NumTicks = 0
	}
	if c.PerDomainRecipCap < 0 {
		c.PerDomainRecipCap = 0
	}
}
