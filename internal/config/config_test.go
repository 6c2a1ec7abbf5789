package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFlagsWin(t *testing.T) {
	t.Setenv("LANDFORM_QUEUENAME", "env-queue")
	cfg, err := Load("worker", []string{"-service", "-queuename", "flag-queue"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueName != "flag-queue" {
		t.Fatalf("queuename = %q", cfg.QueueName)
	}
}

func TestVerbEnvBeatsBareEnv(t *testing.T) {
	t.Setenv("LANDFORM_WORKER_QUEUENAME", "verb-queue")
	t.Setenv("LANDFORM_QUEUENAME", "bare-queue")
	cfg, err := Load("worker", []string{"-service"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueName != "verb-queue" {
		t.Fatalf("queuename = %q", cfg.QueueName)
	}
}

func TestBareEnvFallback(t *testing.T) {
	t.Setenv("LANDFORM_MAX_HANDLER_SEC", "90")
	cfg, err := Load("worker", []string{"-service", "-queuename", "q"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxHandlerSec != 90 {
		t.Fatalf("max-handler-sec = %d", cfg.MaxHandlerSec)
	}
}

func TestEmptyEnvIgnored(t *testing.T) {
	t.Setenv("LANDFORM_MAX_HANDLER_SEC", "")
	cfg, err := Load("worker", []string{"-service", "-queuename", "q"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxHandlerSec != DefaultMaxHandlerSec {
		t.Fatalf("max-handler-sec = %d, want default", cfg.MaxHandlerSec)
	}
}

func TestAutoFailQueueName(t *testing.T) {
	cfg, err := Load("worker", []string{"-service", "-queuename", "tiles"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FailQueueName != "tiles-fail" {
		t.Fatalf("failqueuename = %q", cfg.FailQueueName)
	}
}

func TestFailQueueNoneDisables(t *testing.T) {
	cfg, err := Load("worker", []string{"-service", "-queuename", "tiles", "-failqueuename", "none"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FailQueueName != "" {
		t.Fatalf("failqueuename = %q, want empty", cfg.FailQueueName)
	}
}

func TestServiceExcludesUtilityModes(t *testing.T) {
	_, err := Load("worker", []string{"-service", "-queuename", "q", "-peek", "5"})
	if err == nil {
		t.Fatal("expected mutual-exclusion error")
	}
}

func TestUtilityModesMutuallyExclusive(t *testing.T) {
	_, err := Load("worker", []string{"-queuename", "q", "-peek", "5", "-drop", "3"})
	if err == nil {
		t.Fatal("expected mutual-exclusion error")
	}
}

func TestMissionSubstitutesSiteDefault(t *testing.T) {
	cfg, err := Load("worker", []string{"-service", "-queuename", "q", "-watchdog-ssm-process", "mission"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WatchdogSSMProcess != "amazon-ssm-agent" {
		t.Fatalf("ssm process = %q", cfg.WatchdogSSMProcess)
	}
	if cfg.WatchdogSSMCommand == "" {
		t.Fatal("ssm restart command not defaulted")
	}
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	_, err := Load("worker", []string{"-service", "-queuename", "q", "-message-type", "Carrier"})
	if err == nil {
		t.Fatal("expected message-type validation error")
	}
}

func TestTOMLFileLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.toml")
	content := "queuename = \"toml-queue\"\nmax-handler-sec = 45\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load("worker", []string{"-service", "-config", path, "-max-handler-sec", "120"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueName != "toml-queue" {
		t.Fatalf("queuename = %q", cfg.QueueName)
	}
	if cfg.MaxHandlerSec != 120 {
		t.Fatalf("max-handler-sec = %d, want flag to win over file", cfg.MaxHandlerSec)
	}
}
