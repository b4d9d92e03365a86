package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"streamrelay/internal/transcoder"
)

func writeEnvFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.env")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"-source", "rtsp://camera.local/stream"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8765" {
		t.Fatalf("expected default addr :8765, got %q", cfg.Addr)
	}
	if cfg.Transcoder.Profile != transcoder.DefaultProfile() {
		t.Fatalf("unexpected profile %+v", cfg.Transcoder.Profile)
	}
	if cfg.ChunkSize != 1024 {
		t.Fatalf("expected chunk size 1024, got %d", cfg.ChunkSize)
	}
	if cfg.StallThreshold != 30*time.Second {
		t.Fatalf("expected 30s stall threshold, got %s", cfg.StallThreshold)
	}
	if !reflect.DeepEqual(cfg.ICEServers, []string{"stun:stun.l.google.com:19302"}) {
		t.Fatalf("unexpected ice servers %v", cfg.ICEServers)
	}
}

func TestLoadLayersDotEnvEnvironmentAndFlags(t *testing.T) {
	path := writeEnvFile(t, strings.Join([]string{
		"STREAMRELAY_SOURCE=rtsp://from-file/stream",
		"STREAMRELAY_WIDTH=320",
		"STREAMRELAY_HEIGHT=240",
		"STREAMRELAY_FPS=10",
	}, "\n"))
	t.Setenv("STREAMRELAY_ENV_FILE", path)
	t.Setenv("STREAMRELAY_WIDTH", "1280")
	t.Setenv("STREAMRELAY_HEIGHT", "720")

	cfg, err := Load([]string{"--height=1080"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Transcoder.Profile
	if cfg.Transcoder.Source != "rtsp://from-file/stream" {
		t.Fatalf("expected source from dotenv, got %q", cfg.Transcoder.Source)
	}
	if p.FPS != 10 {
		t.Fatalf("expected fps from dotenv, got %d", p.FPS)
	}
	if p.Width != 1280 {
		t.Fatalf("expected environment to override dotenv width, got %d", p.Width)
	}
	if p.Height != 1080 {
		t.Fatalf("expected flag to override environment height, got %d", p.Height)
	}
	if _, ok := os.LookupEnv("STREAMRELAY_FPS"); ok {
		t.Fatal("dotenv values must not leak into the process environment")
	}
}

func TestLoadEnvFileFlag(t *testing.T) {
	path := writeEnvFile(t, "STREAMRELAY_SOURCE=/var/media/loop.ts\nSTREAMRELAY_CONTAINER=H264\n")

	cfg, err := Load([]string{"-env-file", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transcoder.Source != "/var/media/loop.ts" {
		t.Fatalf("unexpected source %q", cfg.Transcoder.Source)
	}
	if cfg.Transcoder.Profile.Container != transcoder.ContainerH264 {
		t.Fatalf("expected h264 container, got %q", cfg.Transcoder.Profile.Container)
	}
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	_, err := Load([]string{"-env-file=" + filepath.Join(t.TempDir(), "missing.env")})
	if err == nil || !strings.Contains(err.Error(), "read env file") {
		t.Fatalf("expected env file error, got %v", err)
	}
}

func TestLoadAcceptsRTSPURLFallback(t *testing.T) {
	t.Setenv("RTSP_URL", "rtsp://legacy/stream")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transcoder.Source != "rtsp://legacy/stream" {
		t.Fatalf("expected RTSP_URL fallback, got %q", cfg.Transcoder.Source)
	}

	t.Setenv("STREAMRELAY_SOURCE", "rtsp://preferred/stream")
	cfg, err = Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transcoder.Source != "rtsp://preferred/stream" {
		t.Fatalf("expected STREAMRELAY_SOURCE to win, got %q", cfg.Transcoder.Source)
	}
}

func TestLoadListFlagsReplaceEnvironment(t *testing.T) {
	t.Setenv("STREAMRELAY_SOURCE", "rtsp://camera/stream")
	t.Setenv("STREAMRELAY_ICE_SERVERS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("STREAMRELAY_PUSH_TARGETS", "10.0.0.5:9000")

	cfg, err := Load([]string{"--ice-server", "stun:c.example:3478", "--ice-server", "turn:d.example:3478,turn:e.example:3478"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"stun:c.example:3478", "turn:d.example:3478", "turn:e.example:3478"}
	if !reflect.DeepEqual(cfg.ICEServers, want) {
		t.Fatalf("expected %v, got %v", want, cfg.ICEServers)
	}
	if !reflect.DeepEqual(cfg.PushTargets, []string{"10.0.0.5:9000"}) {
		t.Fatalf("expected push targets from environment, got %v", cfg.PushTargets)
	}
}

func TestLoadParsesTypedEnvironment(t *testing.T) {
	t.Setenv("STREAMRELAY_SOURCE", "rtsp://camera/stream")
	t.Setenv("STREAMRELAY_AUTO_START", "true")
	t.Setenv("STREAMRELAY_IDLE_STOP", "2m")
	t.Setenv("STREAMRELAY_RETRY_MAX_ATTEMPTS", "-1")
	t.Setenv("STREAMRELAY_RATE_GLOBAL_RPS", "12.5")
	t.Setenv("STREAMRELAY_RATE_TRUST_FORWARDED_HEADERS", "1")
	t.Setenv("STREAMRELAY_REDIS_MAXLEN", "500")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.AutoStart || cfg.IdleStop != 2*time.Minute {
		t.Fatalf("unexpected lifecycle settings auto=%v idle=%s", cfg.AutoStart, cfg.IdleStop)
	}
	if cfg.Retry.MaxAttempts != -1 {
		t.Fatalf("expected unlimited retries, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.RateLimit.GlobalRPS != 12.5 || !cfg.RateLimit.TrustForwardedHeaders {
		t.Fatalf("unexpected rate limit settings %+v", cfg.RateLimit)
	}
	if cfg.Redis.MaxLen != 500 {
		t.Fatalf("unexpected redis maxlen %d", cfg.Redis.MaxLen)
	}
}

func TestLoadRejectsMalformedEnvironment(t *testing.T) {
	t.Setenv("STREAMRELAY_SOURCE", "rtsp://camera/stream")
	t.Setenv("STREAMRELAY_STALL_THRESHOLD", "soon")
	t.Setenv("STREAMRELAY_QUEUE_SIZE", "many")

	_, err := Load(nil)
	if err == nil {
		t.Fatal("expected parse error")
	}
	for _, want := range []string{"STREAMRELAY_STALL_THRESHOLD", "STREAMRELAY_QUEUE_SIZE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got %v", want, err)
		}
	}
}

func TestLoadRejectsPositionalArguments(t *testing.T) {
	if _, err := Load([]string{"-source", "rtsp://camera/stream", "extra"}); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.ChunkSize = 0
	cfg.TLS.CertFile = "cert.pem"
	cfg.StallThreshold = 100 * time.Millisecond
	cfg.PushTargets = []string{"no-port"}
	cfg.AdminToken = "plain"
	cfg.AdminTokenHash = "pbkdf2$sha256$1$AA$AA"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"source is required",
		"chunk-size 0 must be positive",
		"tls-cert and tls-key must be provided together",
		"must not be shorter than health-tick",
		`push-target "no-port"`,
		"admin-token and admin-token-hash are mutually exclusive",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestUsageListsFlags(t *testing.T) {
	var b strings.Builder
	Usage(&b)
	for _, want := range []string{"-source", "-stall-threshold", "-push-target", "STREAMRELAY_"} {
		if !strings.Contains(b.String(), want) {
			t.Fatalf("usage missing %q:\n%s", want, b.String())
		}
	}
}
