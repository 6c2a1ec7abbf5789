// Package config loads the worker's configuration from CLI flags,
// LANDFORM_* environment variables and an optional TOML file, in that
// precedence order.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Defaults for the chassis's policy knobs.
const (
	DefaultVisibilitySec        = 120
	DefaultMaxHandlerSec        = 600
	DefaultMaxMessageAgeSec     = 0 // disabled
	DefaultMaxReceiveCount      = 0 // disabled
	DefaultIdleShutdownSec      = 0 // disabled
	DefaultIdleFailsafeSec      = 3600
	DefaultWatchdogPeriodSec    = 5
	DefaultLongPollSec          = 20
	DefaultAdminAddr            = ":8080"
	DefaultWatchdogAbortPeriods = 2
)

// siteDefaultProcesses substitutes for the literal "mission" in the
// watchdog process options.
var siteDefaultProcesses = map[string]string{
	"ssm":        "amazon-ssm-agent",
	"cloudwatch": "amazon-cloudwatch-agent",
}

var siteDefaultRestart = map[string]string{
	"ssm":        "systemctl restart amazon-ssm-agent",
	"cloudwatch": "systemctl restart amazon-cloudwatch-agent",
}

// Config is the fully resolved worker configuration.
type Config struct {
	// Mode selection
	Service        bool
	Peek           int
	PeekFail       int
	Drop           int
	DropFail       int
	Retry          int
	Fail           int
	Send           string
	DeleteQueues   bool
	CheckProcesses string
	LeakTestGiB    int

	// Queues
	QueueName      string
	FailQueueName  string // resolved: "" means none
	OwnedQueue     bool
	OwnedFailQueue bool
	Backend        string // sqs | nats | embedded
	NATSURL        string

	// Message policy
	MessageType       string // Generic | S3Event | SNSWrappedS3Event
	VisibilitySec     int
	MaxHandlerSec     int
	MaxMessageAgeSec  int
	MaxReceiveCount   int
	LongPollSec       int
	ThrottleMS        int
	DropPoison        bool
	DeprioritizeRetry bool
	SuppressReject    bool

	// Idle shutdown
	IdleShutdownSec    int
	IdleFailsafeSec    int
	IdleShutdownMethod string
	AutoScaleGroup     string

	// Watchdog
	WatchdogPeriodSec  int
	WatchdogWarnGB     float64
	WatchdogActionGB   float64
	WatchdogAbortGB    float64
	WatchdogSSMProcess string
	WatchdogSSMCommand string
	WatchdogCWProcess  string
	WatchdogCWCommand  string

	// Credentials
	SecretBackend  string // none | aws | vault | gcp
	SecretName     string
	CredRefreshSec int

	// Ambient
	AdminAddr  string
	ConfigFile string
	Dev        bool
}

// Load parses args (not including the program name) into a Config. verb is
// the pipeline command's verb, used for the LANDFORM_<VERB>_<OPT> env
// lookup; the bare LANDFORM_<OPT> form is the fallback.
func Load(verb string, args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)

	fs.BoolVar(&cfg.Service, "service", false, "run as a persistent service worker")
	fs.IntVar(&cfg.Peek, "peek", 0, "peek up to N messages from the main queue and exit")
	fs.IntVar(&cfg.PeekFail, "peek-fail", 0, "peek up to N messages from the fail queue and exit")
	fs.IntVar(&cfg.Drop, "drop", 0, "dequeue and delete up to N messages from the main queue")
	fs.IntVar(&cfg.DropFail, "drop-fail", 0, "dequeue and delete up to N messages from the fail queue")
	fs.IntVar(&cfg.Retry, "retry", 0, "move up to N messages from the fail queue back to the main queue")
	fs.IntVar(&cfg.Fail, "fail", 0, "move up to N messages from the main queue to the fail queue")
	fs.StringVar(&cfg.Send, "send", "", "enqueue a url or @file payload and exit")
	fs.BoolVar(&cfg.DeleteQueues, "delete-queues", false, "delete the main and fail queues (owned only)")
	fs.StringVar(&cfg.CheckProcesses, "check-processes", "", "comma-separated process names to report liveness for")
	fs.IntVar(&cfg.LeakTestGiB, "watchdog-leak-test", 0, "allocate N GiB to exercise the watchdog")

	fs.StringVar(&cfg.QueueName, "queuename", "", "primary work queue name")
	fs.StringVar(&cfg.FailQueueName, "failqueuename", "auto", "fail queue name, empty/none to disable, auto = primary + \"-fail\"")
	fs.BoolVar(&cfg.OwnedQueue, "landform-owned-queue", false, "queue is landform-owned: auto-create and update visibility")
	fs.BoolVar(&cfg.OwnedFailQueue, "landform-owned-fail-queue", false, "fail queue is landform-owned")
	fs.StringVar(&cfg.Backend, "queue-backend", "sqs", "queue backend: sqs, nats or embedded")
	fs.StringVar(&cfg.NATSURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL for the nats backend")

	fs.StringVar(&cfg.MessageType, "message-type", "Generic", "message codec variant: Generic, S3Event or SNSWrappedS3Event")
	fs.IntVar(&cfg.VisibilitySec, "message-timeout-sec", DefaultVisibilitySec, "queue visibility timeout in seconds")
	fs.IntVar(&cfg.MaxHandlerSec, "max-handler-sec", DefaultMaxHandlerSec, "hard wall-clock budget for a handler")
	fs.IntVar(&cfg.MaxMessageAgeSec, "max-message-age-sec", DefaultMaxMessageAgeSec, "cull messages older than this; 0 disables")
	fs.IntVar(&cfg.MaxReceiveCount, "max-receive-count", DefaultMaxReceiveCount, "cull messages received more often than this; 0 disables")
	fs.IntVar(&cfg.LongPollSec, "long-poll-sec", DefaultLongPollSec, "dequeue long-poll interval")
	fs.IntVar(&cfg.ThrottleMS, "throttle-ms", 0, "minimum per-iteration duration of the service loop")
	fs.BoolVar(&cfg.DropPoison, "drop-poison-messages", false, "drop messages whose handler was killed instead of failing them")
	fs.BoolVar(&cfg.DeprioritizeRetry, "deprioritize-retries", false, "recycle failed messages to the queue tail instead of the fail queue")
	fs.BoolVar(&cfg.SuppressReject, "suppress-rejections", false, "log handler rejections at debug instead of info")

	fs.IntVar(&cfg.IdleShutdownSec, "idle-shutdown-sec", DefaultIdleShutdownSec, "commit to idle shutdown after this many empty-poll seconds; 0 disables")
	fs.IntVar(&cfg.IdleFailsafeSec, "idle-shutdown-failsafe-sec", DefaultIdleFailsafeSec, "force OS shutdown after this long idle-committed")
	fs.StringVar(&cfg.IdleShutdownMethod, "idle-shutdown-method", "None", "None, LogIdle, LogIdleProtected, ScaleToZero, StopInstance, Shutdown or StopInstanceOrShutdown")
	fs.StringVar(&cfg.AutoScaleGroup, "auto-scale-group", "", "autoscaling group name for ScaleToZero/LogIdleProtected")

	fs.IntVar(&cfg.WatchdogPeriodSec, "watchdog-period", DefaultWatchdogPeriodSec, "watchdog sampling period in seconds")
	fs.Float64Var(&cfg.WatchdogWarnGB, "watchdog-warn-gb", 0, "free-memory warn threshold in GiB; <1 is a fraction of total memory on hosts under 80 GiB")
	fs.Float64Var(&cfg.WatchdogActionGB, "watchdog-action-gb", 0, "free-memory cleanup threshold")
	fs.Float64Var(&cfg.WatchdogAbortGB, "watchdog-abort-gb", 0, "free-memory abort threshold")
	fs.StringVar(&cfg.WatchdogSSMProcess, "watchdog-ssm-process", "", "ssm agent process to supervise; empty disables, \"mission\" = site default")
	fs.StringVar(&cfg.WatchdogSSMCommand, "watchdog-ssm-command", "", "restart command for the ssm agent")
	fs.StringVar(&cfg.WatchdogCWProcess, "watchdog-cloudwatch-process", "", "cloudwatch agent process to supervise")
	fs.StringVar(&cfg.WatchdogCWCommand, "watchdog-cloudwatch-command", "", "restart command for the cloudwatch agent")

	fs.StringVar(&cfg.SecretBackend, "secret-backend", "none", "credential source: none, aws, vault or gcp")
	fs.StringVar(&cfg.SecretName, "secret-name", "", "secret identifier in the chosen backend")
	fs.IntVar(&cfg.CredRefreshSec, "credential-refresh-sec", 1800, "credential refresh period")

	fs.StringVar(&cfg.AdminAddr, "admin-addr", DefaultAdminAddr, "admin/status HTTP listen address; empty disables")
	fs.StringVar(&cfg.ConfigFile, "config", "", "optional TOML config file")
	fs.BoolVar(&cfg.Dev, "dev", false, "console log output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	// Environment first, then the TOML file fills whatever neither the
	// command line nor the environment set.
	applyEnv(fs, set, verb)
	if cfg.ConfigFile != "" {
		if err := applyTOML(fs, set, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.resolve()
	return cfg, nil
}

// applyEnv fills flags not set on the command line from
// LANDFORM_<VERB>_<OPT>, falling back to LANDFORM_<OPT>. Empty values are
// ignored with a log note.
func applyEnv(fs *flag.FlagSet, set map[string]bool, verb string) {
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		opt := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		names := []string{
			"LANDFORM_" + strings.ToUpper(verb) + "_" + opt,
			"LANDFORM_" + opt,
		}
		for _, name := range names {
			val, ok := os.LookupEnv(name)
			if !ok {
				continue
			}
			if val == "" {
				log.Info().Str("env", name).Msg("config: ignoring empty environment value")
				continue
			}
			if err := fs.Set(f.Name, val); err != nil {
				log.Warn().Err(err).Str("env", name).Msg("config: bad environment value")
				continue
			}
			set[f.Name] = true
			return
		}
	})
}

// applyTOML fills flags set neither on the command line nor in the
// environment from a flat TOML table keyed by flag name.
func applyTOML(fs *flag.FlagSet, set map[string]bool, path string) error {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	for key, val := range raw {
		f := fs.Lookup(key)
		if f == nil {
			log.Warn().Str("key", key).Str("file", path).Msg("config: unknown key in config file")
			continue
		}
		if set[key] {
			continue
		}
		if err := fs.Set(key, fmt.Sprintf("%v", val)); err != nil {
			return fmt.Errorf("config: %s=%v: %w", key, val, err)
		}
		set[key] = true
	}
	return nil
}

func (c *Config) validate() error {
	utility := c.utilityModeCount()
	if c.Service && utility > 0 {
		return fmt.Errorf("config: -service is mutually exclusive with utility modes")
	}
	if utility > 1 {
		return fmt.Errorf("config: utility modes are mutually exclusive")
	}
	if (c.Service || utility > 0) && c.QueueName == "" && c.CheckProcesses == "" && c.LeakTestGiB == 0 {
		return fmt.Errorf("config: -queuename is required")
	}
	switch c.MessageType {
	case "Generic", "S3Event", "SNSWrappedS3Event":
	default:
		return fmt.Errorf("config: unknown message-type %q", c.MessageType)
	}
	switch c.IdleShutdownMethod {
	case "None", "LogIdle", "LogIdleProtected", "ScaleToZero", "StopInstance", "Shutdown", "StopInstanceOrShutdown":
	default:
		return fmt.Errorf("config: unknown idle-shutdown-method %q", c.IdleShutdownMethod)
	}
	if c.WatchdogAbortGB > c.WatchdogActionGB && c.WatchdogActionGB > 0 {
		return fmt.Errorf("config: watchdog thresholds must satisfy abort <= action <= warn")
	}
	if c.WatchdogActionGB > c.WatchdogWarnGB && c.WatchdogWarnGB > 0 {
		return fmt.Errorf("config: watchdog thresholds must satisfy abort <= action <= warn")
	}
	return nil
}

func (c *Config) utilityModeCount() int {
	n := 0
	for _, on := range []bool{
		c.Peek > 0, c.PeekFail > 0, c.Drop > 0, c.DropFail > 0,
		c.Retry > 0, c.Fail > 0, c.Send != "", c.DeleteQueues,
		c.CheckProcesses != "", c.LeakTestGiB > 0,
	} {
		if on {
			n++
		}
	}
	return n
}

func (c *Config) resolve() {
	switch strings.ToLower(c.FailQueueName) {
	case "none", "":
		c.FailQueueName = ""
	case "auto":
		c.FailQueueName = c.QueueName + "-fail"
	}
	if c.WatchdogSSMProcess == "mission" {
		c.WatchdogSSMProcess = siteDefaultProcesses["ssm"]
		if c.WatchdogSSMCommand == "" || c.WatchdogSSMCommand == "mission" {
			c.WatchdogSSMCommand = siteDefaultRestart["ssm"]
		}
	}
	if c.WatchdogCWProcess == "mission" {
		c.WatchdogCWProcess = siteDefaultProcesses["cloudwatch"]
		if c.WatchdogCWCommand == "" || c.WatchdogCWCommand == "mission" {
			c.WatchdogCWCommand = siteDefaultRestart["cloudwatch"]
		}
	}
}

// Visibility returns the visibility timeout as a duration.
func (c *Config) Visibility() time.Duration { return time.Duration(c.VisibilitySec) * time.Second }

// MaxHandler returns the handler wall-clock budget.
func (c *Config) MaxHandler() time.Duration { return time.Duration(c.MaxHandlerSec) * time.Second }

// MaxMessageAge returns the age-cull limit, zero when disabled.
func (c *Config) MaxMessageAge() time.Duration {
	return time.Duration(c.MaxMessageAgeSec) * time.Second
}

// LongPoll returns the dequeue long-poll interval.
func (c *Config) LongPoll() time.Duration { return time.Duration(c.LongPollSec) * time.Second }
