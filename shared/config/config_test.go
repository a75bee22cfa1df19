package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("DEPLOYMENT_ID", "mel")
	cfg, problems := Load("coordination-node", 8084)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.Transport != "redis" {
		t.Fatalf("expected redis transport default, got %q", cfg.Transport)
	}
	if cfg.QueueMaxSize != 1000 || cfg.QueueBatchSize != 10 || cfg.QueueProcessMS != 100 {
		t.Fatalf("unexpected queue defaults: %#v", cfg)
	}
	if cfg.HeartbeatSec != 30 || cfg.TaskTimeoutMS != 30000 {
		t.Fatalf("unexpected timing defaults: %#v", cfg)
	}
}

func TestLoadInvalidValuesRestoreDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("DEPLOYMENT_ID", "mel")
	t.Setenv("QUEUE_MAX_SIZE", "-5")
	t.Setenv("TRANSPORT", "rabbitmq")
	cfg, problems := Load("coordination-node", 8084)
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %#v", problems)
	}
	if cfg.QueueMaxSize != 1000 {
		t.Fatalf("expected queue size restored to default, got %d", cfg.QueueMaxSize)
	}
	if cfg.Transport != "redis" {
		t.Fatalf("expected transport restored to redis, got %q", cfg.Transport)
	}
}

func TestLoadMissingDeployment(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("DEPLOYMENT_ID", "")
	_, problems := Load("coordination-node", 8084)
	found := false
	for _, p := range problems {
		if p.Field == "DEPLOYMENT_ID" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected DEPLOYMENT_ID problem, got %#v", problems)
	}
}
