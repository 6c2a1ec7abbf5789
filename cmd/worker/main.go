// Landform Worker
//
// The reusable service-worker chassis: dequeues work messages, dispatches
// them to a handler under time and resource budgets, and manages the host's
// own lifecycle (idle shutdown, memory watchdog, credential refresh).

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"

	"go.landform.dev/worker/internal/api"
	"go.landform.dev/worker/internal/cli"
	"go.landform.dev/worker/internal/codec"
	"go.landform.dev/worker/internal/config"
	"go.landform.dev/worker/internal/credentials"
	"go.landform.dev/worker/internal/dispatch"
	"go.landform.dev/worker/internal/handler"
	"go.landform.dev/worker/internal/heartbeat"
	"go.landform.dev/worker/internal/instancecontrol"
	"go.landform.dev/worker/internal/lifecycle"
	"go.landform.dev/worker/internal/queue"
	"go.landform.dev/worker/internal/queue/memqueue"
	"go.landform.dev/worker/internal/queue/natsjs"
	sqsqueue "go.landform.dev/worker/internal/queue/sqs"
	"go.landform.dev/worker/internal/watchdog"
)

// Exit codes: 0 normal, 1 unhandled error, 10 watchdog abort.
const watchdogExitCode = 10

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("LANDFORM_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load("worker", os.Args[1:])
	if err != nil {
		log.Error().Err(err).Msg("configuration failed")
		return 1
	}
	if cfg.Dev {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Str("version", version).Bool("service", cfg.Service).Msg("starting landform worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Modes that need no queue at all.
	if cfg.CheckProcesses != "" {
		if err := cli.CheckProcesses(ctx, strings.Split(cfg.CheckProcesses, ",")); err != nil {
			log.Error().Err(err).Msg("check-processes failed")
			return 1
		}
		return 0
	}
	if cfg.LeakTestGiB > 0 {
		return runLeakTest(ctx, cfg)
	}

	opener, err := buildOpener(ctx, cfg, credentials.Bundle{})
	if err != nil {
		log.Error().Err(err).Msg("queue backend init failed")
		return 1
	}

	mainQ, failQ, err := openQueues(ctx, opener, cfg)
	if err != nil {
		log.Error().Err(err).Msg("queue open failed")
		return 1
	}

	if !cfg.Service {
		if err := runUtility(ctx, cfg, mainQ, failQ); err != nil {
			log.Error().Err(err).Msg("utility command failed")
			return 1
		}
		return 0
	}

	return runService(ctx, cancel, cfg, opener, mainQ, failQ)
}

// runService wires the four concurrent activities and blocks until a
// shutdown signal or the watchdog aborts.
func runService(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, opener queue.Opener, mainQ, failQ queue.Queue) int {
	locks := &credentials.LockSet{}

	adapter := buildInstanceAdapter(ctx, cfg)
	idle := lifecycle.NewController(
		lifecycle.Method(cfg.IdleShutdownMethod),
		cfg.AutoScaleGroup,
		time.Duration(cfg.IdleShutdownSec)*time.Second,
		time.Duration(cfg.IdleFailsafeSec)*time.Second,
		adapter,
	)

	exitCode := 0
	shutdown := lifecycle.NewShutdownManager()

	dog := buildWatchdog(cfg, func() {
		exitCode = watchdogExitCode
		cancel()
		shutdown.Shutdown()
	})

	var loop *dispatch.Loop
	backend, factory := buildCredentialBackend(ctx, cfg, func(fctx context.Context, b credentials.Bundle) error {
		// Rebuild the queue clients against the rotated credentials; both
		// locks are held here, so no dispatch or heartbeat call overlaps.
		fresh, err := buildOpener(fctx, cfg, b)
		if err != nil {
			return err
		}
		m, f, err := openQueues(fctx, fresh, cfg)
		if err != nil {
			return err
		}
		mainQ, failQ = m, f
		loop.SetQueues(m, f)
		return nil
	})
	creds := credentials.NewManager(locks, backend, factory, time.Duration(cfg.CredRefreshSec)*time.Second)

	// A nil *Watchdog must not reach the loop as a non-nil interface.
	var watcher dispatch.Watcher
	if dog != nil {
		watcher = dog
	}

	loop = dispatch.New(dispatch.Config{
		Variant:             codecVariant(cfg.MessageType),
		LongPoll:            cfg.LongPoll(),
		MaxMessageAge:       cfg.MaxMessageAge(),
		MaxReceiveCount:     cfg.MaxReceiveCount,
		DropPoisonMessages:  cfg.DropPoison,
		DeprioritizeRetries: cfg.DeprioritizeRetry,
		SuppressRejections:  cfg.SuppressReject,
		Throttle:            time.Duration(cfg.ThrottleMS) * time.Millisecond,
	}, mainQ, failQ, codec.New(""), handler.Echo{}, creds, locks, idle, watcher)

	hb := heartbeat.New(cfg.Visibility(), cfg.MaxHandler(), func() queue.Queue { return mainQ }, loop.Slot(), locks)

	loopCtx, loopCancel := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() { defer close(loopDone); loop.Run(loopCtx) }()
	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() { defer close(hbDone); hb.Run(hbCtx) }()
	dogCtx, dogCancel := context.WithCancel(ctx)
	dogDone := make(chan struct{})
	if dog != nil {
		go func() { defer close(dogDone); dog.Run(dogCtx) }()
	} else {
		close(dogDone)
	}

	var admin *api.Server
	if cfg.AdminAddr != "" {
		admin = &api.Server{
			Addr:       cfg.AdminAddr,
			Idle:       idle,
			Dog:        dog,
			Loop:       loop,
			StallAfter: 5 * cfg.LongPoll(),
		}
		admin.Start()
		shutdown.RegisterHTTPShutdown("admin", admin.Shutdown)
	}

	shutdown.RegisterDispatchShutdown("dispatch", func(sctx context.Context) error {
		loopCancel()
		select {
		case <-loopDone:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})
	shutdown.RegisterLoopShutdown("heartbeat", func(sctx context.Context) error {
		hbCancel()
		select {
		case <-hbDone:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})
	shutdown.RegisterLoopShutdown("watchdog", func(sctx context.Context) error {
		dogCancel()
		select {
		case <-dogDone:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	if err := shutdown.Run(); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	return exitCode
}

func runUtility(ctx context.Context, cfg *config.Config, mainQ, failQ queue.Queue) error {
	needFail := cfg.PeekFail > 0 || cfg.DropFail > 0 || cfg.Retry > 0 || cfg.Fail > 0
	if needFail && failQ == nil {
		return fmt.Errorf("no fail queue configured")
	}
	switch {
	case cfg.Peek > 0:
		return cli.Peek(ctx, mainQ, cfg.Peek)
	case cfg.PeekFail > 0:
		return cli.Peek(ctx, failQ, cfg.PeekFail)
	case cfg.Drop > 0:
		return cli.Drop(ctx, mainQ, cfg.Drop)
	case cfg.DropFail > 0:
		return cli.Drop(ctx, failQ, cfg.DropFail)
	case cfg.Retry > 0:
		return cli.Move(ctx, failQ, mainQ, cfg.Retry)
	case cfg.Fail > 0:
		return cli.Move(ctx, mainQ, failQ, cfg.Fail)
	case cfg.Send != "":
		return cli.Send(ctx, mainQ, cfg.Send)
	case cfg.DeleteQueues:
		return cli.DeleteQueues(ctx, mainQ, failQ)
	}
	return fmt.Errorf("no mode selected; pass -service or a utility flag")
}

func runLeakTest(ctx context.Context, cfg *config.Config) int {
	code := 0
	done := make(chan struct{})
	dog := buildWatchdog(cfg, func() {
		code = watchdogExitCode
		close(done)
	})
	if dog == nil {
		log.Error().Msg("watchdog-leak-test needs watchdog thresholds configured")
		return 1
	}
	dogCtx, dogCancel := context.WithCancel(ctx)
	defer dogCancel()
	go dog.Run(dogCtx)
	go cli.LeakTest(dogCtx, cfg.LeakTestGiB)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return code
}

func buildWatchdog(cfg *config.Config, onAbort func()) *watchdog.Watchdog {
	if cfg.WatchdogWarnGB == 0 && cfg.WatchdogActionGB == 0 && cfg.WatchdogAbortGB == 0 &&
		cfg.WatchdogSSMProcess == "" && cfg.WatchdogCWProcess == "" {
		return nil
	}

	var total uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		total = vm.Total
	}
	const referenceMemory = 80 << 30
	thresholds := watchdog.Thresholds{
		Warn:    watchdog.ResolveThreshold(cfg.WatchdogWarnGB, total, referenceMemory),
		Cleanup: watchdog.ResolveThreshold(cfg.WatchdogActionGB, total, referenceMemory),
		Abort:   watchdog.ResolveThreshold(cfg.WatchdogAbortGB, total, referenceMemory),
	}
	if !thresholds.Valid() {
		log.Warn().Msg("watchdog thresholds do not satisfy abort <= cleanup <= warn; disabling memory checks")
		thresholds = watchdog.Thresholds{}
	}

	var aux []*watchdog.AuxProcess
	if cfg.WatchdogSSMProcess != "" {
		aux = append(aux, &watchdog.AuxProcess{Name: cfg.WatchdogSSMProcess, RestartCommand: cfg.WatchdogSSMCommand})
	}
	if cfg.WatchdogCWProcess != "" {
		aux = append(aux, &watchdog.AuxProcess{Name: cfg.WatchdogCWProcess, RestartCommand: cfg.WatchdogCWCommand})
	}

	return watchdog.New(time.Duration(cfg.WatchdogPeriodSec)*time.Second, thresholds, config.DefaultWatchdogAbortPeriods, aux, onAbort)
}

// buildOpener constructs the configured queue backend. A non-empty bundle
// carries rotated credentials for the SQS client.
func buildOpener(ctx context.Context, cfg *config.Config, bundle credentials.Bundle) (queue.Opener, error) {
	switch cfg.Backend {
	case "sqs":
		awsCfg, err := loadAWSConfig(ctx, bundle)
		if err != nil {
			return nil, err
		}
		return sqsqueue.NewOpener(awssqs.NewFromConfig(awsCfg)), nil
	case "nats":
		return natsjs.NewOpener(cfg.NATSURL), nil
	case "embedded":
		return memqueue.NewOpener(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// loadAWSConfig prefers rotated static credentials from the secret backend;
// otherwise the SDK's default chain (profile, env, IMDS role) applies.
func loadAWSConfig(ctx context.Context, bundle credentials.Bundle) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if bundle.Token != "" {
		var keys struct {
			AccessKeyID     string `json:"accessKeyId"`
			SecretAccessKey string `json:"secretAccessKey"`
			SessionToken    string `json:"sessionToken"`
		}
		if err := json.Unmarshal([]byte(bundle.Token), &keys); err == nil && keys.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				awscreds.NewStaticCredentialsProvider(keys.AccessKeyID, keys.SecretAccessKey, keys.SessionToken)))
		}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config: %w", err)
	}
	return awsCfg, nil
}

func openQueues(ctx context.Context, opener queue.Opener, cfg *config.Config) (queue.Queue, queue.Queue, error) {
	mainQ, err := opener.Open(ctx, queue.OpenOptions{
		Name:              cfg.QueueName,
		DefaultVisibility: cfg.Visibility(),
		Owned:             cfg.OwnedQueue,
		AutoCreate:        cfg.OwnedQueue,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.QueueName, err)
	}

	var failQ queue.Queue
	if cfg.FailQueueName != "" {
		failQ, err = opener.Open(ctx, queue.OpenOptions{
			Name:              cfg.FailQueueName,
			DefaultVisibility: cfg.Visibility(),
			Owned:             cfg.OwnedFailQueue,
			AutoCreate:        cfg.OwnedFailQueue,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", cfg.FailQueueName, err)
		}
	}
	return mainQ, failQ, nil
}

func buildInstanceAdapter(ctx context.Context, cfg *config.Config) instancecontrol.Adapter {
	if cfg.Backend == "sqs" {
		if awsCfg, err := awsconfig.LoadDefaultConfig(ctx); err == nil {
			return instancecontrol.NewAWSAdapter(ec2.NewFromConfig(awsCfg), autoscaling.NewFromConfig(awsCfg))
		}
	}
	return instancecontrol.NewFake("")
}

// buildCredentialBackend returns the configured secret backend and the
// client-rebuild factory, or a static no-op pair when refresh is disabled.
func buildCredentialBackend(ctx context.Context, cfg *config.Config, factory credentials.ClientFactory) (credentials.Backend, credentials.ClientFactory) {
	switch cfg.SecretBackend {
	case "aws":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error().Err(err).Msg("aws secret backend unavailable; running without credential refresh")
			return staticBackend{}, nil
		}
		return credentials.NewAWSSecretsManagerBackend(awsCfg, cfg.SecretName, ""), factory
	case "vault":
		b, err := credentials.NewVaultBackend(
			os.Getenv("VAULT_ADDR"), os.Getenv("VAULT_NAMESPACE"), os.Getenv("VAULT_TOKEN"),
			cfg.SecretName, "token")
		if err != nil {
			log.Error().Err(err).Msg("vault backend unavailable; running without credential refresh")
			return staticBackend{}, nil
		}
		return b, factory
	case "gcp":
		b, err := credentials.NewGCPSecretManagerBackend(ctx, cfg.SecretName)
		if err != nil {
			log.Error().Err(err).Msg("gcp backend unavailable; running without credential refresh")
			return staticBackend{}, nil
		}
		return b, factory
	default:
		return staticBackend{}, nil
	}
}

// staticBackend satisfies the Credential Manager when no secret store is
// configured: the bundle never changes and no clients are rebuilt.
type staticBackend struct{}

func (staticBackend) Fetch(ctx context.Context) (credentials.Bundle, error) {
	return credentials.Bundle{Token: "static"}, nil
}

func codecVariant(messageType string) codec.Variant {
	switch messageType {
	case "S3Event":
		return codec.VariantStorageEvent
	case "SNSWrappedS3Event":
		return codec.VariantWrappedNotification
	default:
		return codec.VariantGeneric
	}
}
