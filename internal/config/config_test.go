package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("authMode=%q, want %q", cfg.AuthMode, AuthModeNone)
	}
	if cfg.ConnectionTTL != 24*time.Hour {
		t.Fatalf("connectionTTL=%v, want 24h", cfg.ConnectionTTL)
	}
	if cfg.MeetingTTL != 7*24*time.Hour {
		t.Fatalf("meetingTTL=%v, want 168h", cfg.MeetingTTL)
	}
	if cfg.ChatTTL != 30*24*time.Hour {
		t.Fatalf("chatTTL=%v, want 720h", cfg.ChatTTL)
	}
	if cfg.NegotiationTimeout != 30*time.Second {
		t.Fatalf("negotiationTimeout=%v, want 30s", cfg.NegotiationTimeout)
	}
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != 1 || cfg.ICEServers[0].URLs[0] != DefaultStunURL {
		t.Fatalf("ICEServers=%+v, want default STUN only", cfg.ICEServers)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want json in prod", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info in prod", cfg.LogLevel)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: ":9999",
	}), []string{"--listen-addr", ":7777"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Fatalf("listenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestAuthModeValidation(t *testing.T) {
	if _, err := load(lookupMap(map[string]string{
		envVarAuthMode: "jwt",
	}), nil); err == nil || !strings.Contains(err.Error(), envVarJWTSecret) {
		t.Fatalf("jwt without secret: err=%v, want mention of %s", err, envVarJWTSecret)
	}
	if _, err := load(lookupMap(map[string]string{
		envVarAuthMode: "api_key",
	}), nil); err == nil || !strings.Contains(err.Error(), envVarAPIKey) {
		t.Fatalf("api_key without key: err=%v, want mention of %s", err, envVarAPIKey)
	}
	cfg, err := load(lookupMap(map[string]string{
		envVarAuthMode:  "jwt",
		envVarJWTSecret: "s3cret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeJWT || cfg.JWTSecret != "s3cret" {
		t.Fatalf("cfg=%+v, want jwt mode with secret", cfg)
	}
}

func TestPingIntervalMustBeLessThanIdle(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarWSIdleTimeout:  "10s",
		envVarWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatal("expected ping >= idle to be rejected")
	}
}

func TestDurationEnvOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarConnectionTTL: "1h",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConnectionTTL != time.Hour {
		t.Fatalf("connectionTTL=%v, want 1h", cfg.ConnectionTTL)
	}
	if _, err := load(lookupMap(map[string]string{
		envVarConnectionTTL: "whenever",
	}), nil); err == nil {
		t.Fatal("expected invalid duration to be rejected")
	}
}

func TestICEServersJSON(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarICEServersJSON: `[{"urls":["stun:stun.example.com"]},{"urls":["turn:turn.example.com"],"username":"u","credential":"p"}]`,
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("got %d ICE servers, want 2", len(cfg.ICEServers))
	}
	if cfg.ICEServers[1].Username != "u" || cfg.ICEServers[1].Credential != "p" {
		t.Fatalf("TURN creds not carried: %+v", cfg.ICEServers[1])
	}

	if _, err := load(lookupMap(map[string]string{
		envVarICEServersJSON: `[{"username":"u"}]`,
	}), nil); err == nil {
		t.Fatal("expected ICE entry without urls to be rejected")
	}
}

func TestTurnURLsRequireCredentials(t *testing.T) {
	if _, err := load(lookupMap(map[string]string{
		envVarTurnURLs: "turn:turn.example.com",
	}), nil); err == nil {
		t.Fatal("expected TURN without credentials to be rejected")
	}
	cfg, err := load(lookupMap(map[string]string{
		envVarStunURLs:       "stun:a.example.com,stun:b.example.com",
		envVarTurnURLs:       "turn:turn.example.com",
		envVarTurnUsername:   "u",
		envVarTurnCredential: "p",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 2 || len(cfg.ICEServers[0].URLs) != 2 {
		t.Fatalf("ICEServers=%+v, want STUN pair plus TURN", cfg.ICEServers)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "https://Meet.Example.com/, http://localhost:3000",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://meet.example.com", "http://localhost:3000"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("origins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("origins=%v, want %v", cfg.AllowedOrigins, want)
		}
	}

	if _, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "meet.example.com",
	}), nil); err == nil {
		t.Fatal("expected schemeless origin to be rejected")
	}
}

func TestInvalidListenAddrRejected(t *testing.T) {
	if _, err := load(noEnv, []string{"--listen-addr", "no-port"}); err == nil {
		t.Fatal("expected invalid listen addr to be rejected")
	}
}
