package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ticket-monitor/models"
)

const minimalPlatform = `
platforms:
  - platform_id: stubhub
    enabled: true
    kind: mock
    rate_limit_per_second: 2
    rate_limit_per_hour: 100
    max_retries: 1
    retry_delay_ms: 10
    reliability_multiplier: 0.8
    timeout_ms: 1000
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platforms.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSampleFile(t *testing.T) {
	t.Setenv("STUBHUB_API_KEY", "sh-secret")
	cfg, err := Load("platforms.yaml")
	if err != nil {
		t.Fatalf("Load(platforms.yaml) = %v", err)
	}
	if len(cfg.Platforms) != 4 {
		t.Fatalf("platforms = %d; want 4", len(cfg.Platforms))
	}
	var stubhub models.PlatformConfig
	for _, p := range cfg.Platforms {
		if p.PlatformID == "stubhub" {
			stubhub = p
		}
	}
	if stubhub.APIKey != "sh-secret" {
		t.Errorf("stubhub api_key = %q; want the expanded env value", stubhub.APIKey)
	}
	if got := len(cfg.EnabledPlatforms()); got != 3 {
		t.Errorf("enabled platforms = %d; want 3", got)
	}
	if cfg.Decision.AutoPurchaseMinScore != 80 || cfg.Safety.BreakerRecovery != 300*time.Second {
		t.Errorf("thresholds = %+v / %+v", cfg.Decision, cfg.Safety)
	}
	if len(cfg.Users) != 1 || cfg.Users[0].MaxTicketPriceMinor != 25000 || len(cfg.Users[0].PreferredSections) != 2 {
		t.Errorf("users = %+v", cfg.Users)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := Load(writeFile(t, minimalPlatform))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Decision.RecommendationMinScore != 50 || cfg.Normalizer.SimilarityThreshold != 0.85 {
		t.Errorf("decision/normalizer defaults lost: %+v %+v", cfg.Decision, cfg.Normalizer)
	}
	if cfg.Safety.MaxAutoRetries != 3 || cfg.Safety.Retry.BaseDelay != time.Second {
		t.Errorf("safety defaults lost: %+v", cfg.Safety)
	}
	if w := cfg.Decision.Weights.Sum(); w < 0.999999 || w > 1.000001 {
		t.Errorf("weights sum = %v; want 1", w)
	}
	if len(cfg.Users) != 1 || cfg.Users[0].UserID != "default" {
		t.Errorf("users = %+v; want the env default user", cfg.Users)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"unknown key", minimalPlatform + "\nplatfroms: []\n", "platfroms"},
		{"weights", minimalPlatform + `
decision:
  weights: {price: 0.5, demand: 0.2, platform: 0.2, timing: 0.15, user_preference: 0.1, success_probability: 0.1}
`, "weights"},
		{"duplicate", minimalPlatform + strings.Replace(minimalPlatform, "platforms:\n", "", 1), "duplicate"},
		{"bad kind", strings.Replace(minimalPlatform, "kind: mock", "kind: ftp", 1), "unknown kind"},
		{"no rate limit", strings.Replace(minimalPlatform, "rate_limit_per_second: 2", "rate_limit_per_second: 0", 1), "rate_limit_per_second"},
		{"thresholds", minimalPlatform + `
decision:
  auto_purchase_min_score: 40
`, "recommendation_min_score"},
		{"approval", minimalPlatform + `
safety:
  require_approval_above_minor: 900000
`, "require_approval_above"},
		{"no platforms", "platforms: []\n", "no platforms"},
	}
	for _, tt := range tests {
		_, err := Load(writeFile(t, tt.body))
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: Load = %v; want error mentioning %q", tt.name, err, tt.want)
		}
	}
}

func TestLoadWithoutFileUsesMockPlatform(t *testing.T) {
	t.Setenv("PLATFORMS_FILE", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without a file = %v", err)
	}
	if len(cfg.Platforms) != 1 || cfg.Platforms[0].Kind != models.KindMock {
		t.Errorf("platforms = %+v; want the offline mock", cfg.Platforms)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit file accepted")
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("MYSQL_DSN", "")
	if _, err := Load(writeFile(t, minimalPlatform)); err == nil || !strings.Contains(err.Error(), "MYSQL_DSN") {
		t.Errorf("mysql without dsn = %v", err)
	}

	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("SCRAPE_INTERVAL", "90s")
	t.Setenv("DRY_RUN", "false")
	cfg, err := Load(writeFile(t, minimalPlatform))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cfg.DSN(), "host=db") || cfg.ScrapeInterval != 90*time.Second || cfg.DryRun {
		t.Errorf("env config = dsn %q interval %v dry-run %v", cfg.DSN(), cfg.ScrapeInterval, cfg.DryRun)
	}
}

func TestLoadRejectsNonPositiveInterval(t *testing.T) {
	for _, v := range []string{"0", "0s", "-30s"} {
		t.Setenv("SCRAPE_INTERVAL", v)
		_, err := Load(writeFile(t, minimalPlatform))
		if err == nil || !strings.Contains(err.Error(), "SCRAPE_INTERVAL") {
			t.Errorf("SCRAPE_INTERVAL=%s: Load = %v; want rejection", v, err)
		}
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", time.Minute},
		{"90s", 90 * time.Second},
		{"45", 45 * time.Second},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("TEST_INTERVAL", tt.val)
		if got := getEnvDuration("TEST_INTERVAL", time.Minute); got != tt.want {
			t.Errorf("getEnvDuration(%q) = %v; want %v", tt.val, got, tt.want)
		}
	}
}
