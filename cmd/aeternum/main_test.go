package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"aeternum/internal/banner"
	"aeternum/internal/domain"
	"aeternum/internal/gateway"
	"aeternum/internal/relay"
	"aeternum/internal/secrets"
	"aeternum/internal/tui"
)

// =============================================================================
// Helpers
// =============================================================================

// isolate points the secrets store at a temp file, hides the real .env and
// environment, and installs a shutdown context that ends after d.
func isolate(t *testing.T, d time.Duration) secrets.SecretsManager {
	t.Helper()
	dir := t.TempDir()
	sm, err := secrets.NewFileManagerWithKey(filepath.Join(dir, "secrets.enc"), secrets.DeriveKeyFromPassphrase("test"))
	if err != nil {
		t.Fatal(err)
	}
	oldSM, oldEnv, oldDot, oldShutdown, oldBanner := newSecretsManager, lookupEnv, dotEnvPath, shutdownContext, bannerOpts
	newSecretsManager = func() (secrets.SecretsManager, error) { return sm, nil }
	lookupEnv = func(string) (string, bool) { return "", false }
	dotEnvPath = filepath.Join(dir, "missing.env")
	shutdownContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(parent, d)
	}
	bannerOpts = []banner.Option{banner.Instant()}
	t.Cleanup(func() {
		newSecretsManager, lookupEnv, dotEnvPath, shutdownContext, bannerOpts = oldSM, oldEnv, oldDot, oldShutdown, oldBanner
	})
	return sm
}

// startBackend serves the mock backend and returns its ws and http base URLs.
func startBackend(t *testing.T) (wsURL, apiBase string) {
	t.Helper()
	srv, err := gateway.NewServer(&domain.GatewayConfig{}, gateway.WithChunkDelay(0))
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws", hs.URL
}

func writeCfg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aeternum.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func backendCfg(t *testing.T, extra string) string {
	ws, api := startBackend(t)
	body := `{"backend":{"wsUrl":"` + ws + `","apiBase":"` + api + `"}` + extra + `}`
	return writeCfg(t, body)
}

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand(newBuildMeta("test", "linux", "amd64"))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func exitCode(err error) int {
	var ec exitCodeErr
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// =============================================================================
// Root
// =============================================================================

func TestRootCommand_WhenVersionFlag_ShouldPrintBuildMetadata(t *testing.T) {
	out, _, err := execute(t, "--version")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"aeternum test", "linux/amd64"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestRootCommand_WhenVersionShortFlag_ShouldPrintBuildMetadata(t *testing.T) {
	root := newRootCommand(newBuildMeta("2.0.0", "darwin", "arm64"))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"-V"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "2.0.0 darwin/arm64") {
		t.Errorf("got %q", out.String())
	}
}

func TestNewBuildMeta_WhenPlatformEmpty_ShouldUseRuntime(t *testing.T) {
	bm := newBuildMeta("1", "", "")
	if bm.GoOS == "" || bm.GoArch == "" {
		t.Errorf("platform not filled: %+v", bm)
	}
}

func TestGetVersion_WhenLdflagsSet_ShouldPreferIt(t *testing.T) {
	old := version
	defer func() { version = old }()
	version = "9.9.9"
	if got := getVersion(); got != "9.9.9" {
		t.Errorf("got %q", got)
	}
	version = ""
	if got := getVersion(); got == "" {
		t.Error("fallback should never be empty")
	}
}

func TestRunApp_WhenCommandUnknown_ShouldReturnOne(t *testing.T) {
	if code := runApp([]string{"aeternum", "no-such-command"}); code != 1 {
		t.Errorf("want 1, got %d", code)
	}
}

func TestRunApp_WhenCommandReturnsExitCode_ShouldPassItThrough(t *testing.T) {
	isolate(t, time.Second)
	path := writeCfg(t, `{"backend":{"wsUrl":"http://wrong"}}`)
	if code := runApp([]string{"aeternum", "check", "--config", path}); code != 1 {
		t.Errorf("want 1, got %d", code)
	}
}

// =============================================================================
// Local commands
// =============================================================================

func TestCheckCommand_WhenFix_ShouldWriteDefaultConfig(t *testing.T) {
	isolate(t, time.Second)
	path := filepath.Join(t.TempDir(), "aeternum.yaml")
	out, _, err := execute(t, "check", "--fix", "--config", path)
	if err != nil {
		t.Fatalf("check --fix: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Check complete") {
		t.Errorf("output: %s", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config not written: %v", err)
	}
}

func TestConfigCommand_SetThenGet_ShouldRoundTrip(t *testing.T) {
	isolate(t, time.Second)
	path := filepath.Join(t.TempDir(), "aeternum.json")
	if _, _, err := execute(t, "check", "--fix", "--config", path); err != nil {
		t.Fatal(err)
	}
	if _, errOut, err := execute(t, "config", "set", "session.maxMessages", "120", "--config", path); err != nil {
		t.Fatalf("set: %v %s", err, errOut)
	}
	out, _, err := execute(t, "config", "get", "session.maxMessages", "--config", path)
	if err != nil || strings.TrimSpace(out) != "120" {
		t.Errorf("get: out=%q err=%v", out, err)
	}
	if _, _, err := execute(t, "config", "get", "nope", "--config", path); exitCode(err) != 1 {
		t.Errorf("missing key: want exit 1, got %v", err)
	}
}

func TestConfigCommand_Schema_ShouldPrintJSONSchema(t *testing.T) {
	out, _, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"backend"`) || !strings.Contains(out, "$schema") {
		t.Errorf("schema: %s", out)
	}
}

func TestConfigCommand_Path_ShouldHonorFlag(t *testing.T) {
	out, _, err := execute(t, "config", "path", "--config", "x/custom.yaml")
	if err != nil || strings.TrimSpace(out) != "x/custom.yaml" {
		t.Errorf("out=%q err=%v", out, err)
	}
}

// listRow reports whether a tabwriter table has a row starting with cells.
func listRow(table string, cells ...string) bool {
	for _, line := range strings.Split(table, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= len(cells) && slices.Equal(fields[:len(cells)], cells) {
			return true
		}
	}
	return false
}

func TestSecretsCommand_SetGetListDelete(t *testing.T) {
	isolate(t, time.Second)
	if out, _, err := execute(t, "secrets", "set", secrets.KeyBackendToken, "tok"); err != nil || strings.TrimSpace(out) != "ok" {
		t.Fatalf("set: %q %v", out, err)
	}
	if out, _, err := execute(t, "secrets", "get", secrets.KeyBackendToken); err != nil || strings.TrimSpace(out) != "tok" {
		t.Fatalf("get: %q %v", out, err)
	}
	out, _, err := execute(t, "secrets", "list")
	if err != nil || !listRow(out, "backend_token", "stored") || !listRow(out, "telegram_token", "-") {
		t.Errorf("list: %q %v", out, err)
	}
	if _, _, err := execute(t, "secrets", "delete", secrets.KeyBackendToken); err != nil {
		t.Fatal(err)
	}
	if _, _, err := execute(t, "secrets", "get", secrets.KeyBackendToken); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("get after delete: %v", err)
	}
}

func TestSecretsCommand_Set_WhenNameUnknown_ShouldFail(t *testing.T) {
	isolate(t, time.Second)
	if _, _, err := execute(t, "secrets", "set", "openai", "x"); !errors.Is(err, secrets.ErrUnknownKey) {
		t.Errorf("want ErrUnknownKey, got %v", err)
	}
}

func TestSecretsCommand_WhenStoreUnavailable_ShouldFail(t *testing.T) {
	isolate(t, time.Second)
	newSecretsManager = func() (secrets.SecretsManager, error) { return nil, errors.New("no machine id") }
	if _, _, err := execute(t, "secrets", "get", secrets.KeyBackendToken); err == nil {
		t.Error("expected error")
	}
}

func TestJournalCommand_WhenDisabled_ShouldFail(t *testing.T) {
	isolate(t, time.Second)
	path := writeCfg(t, `{}`)
	if _, _, err := execute(t, "journal", "stats", "--config", path); err == nil || !strings.Contains(err.Error(), "journal disabled") {
		t.Errorf("got %v", err)
	}
}

func TestJournalCommand_StatsRecentPrune(t *testing.T) {
	isolate(t, time.Second)
	db := filepath.ToSlash(filepath.Join(t.TempDir(), "j.db"))
	path := writeCfg(t, `{"journal":{"url":"file:`+db+`"}}`)

	out, _, err := execute(t, "journal", "stats", "--config", path)
	if err != nil || !strings.Contains(out, "0 notifications, 0 actions (0 failed)") {
		t.Errorf("stats: %q %v", out, err)
	}
	out, _, err = execute(t, "journal", "recent", "--config", path)
	if err != nil || !strings.Contains(out, "Notifications:") || !strings.Contains(out, "Actions:") {
		t.Errorf("recent: %q %v", out, err)
	}
	out, _, err = execute(t, "journal", "prune", "--config", path)
	if err != nil || !strings.Contains(out, "pruned 0 entries") {
		t.Errorf("prune: %q %v", out, err)
	}
	if _, _, err := execute(t, "journal", "prune", "--older-than", "0s", "--config", path); err == nil {
		t.Error("zero cutoff should fail")
	}
}

// =============================================================================
// Backend commands
// =============================================================================

func TestPreflightCommand_WhenCriticalKeyMissing_ShouldExitOne(t *testing.T) {
	isolate(t, 5*time.Second)
	path := backendCfg(t, "")
	out, _, err := execute(t, "preflight", "--config", path)
	if exitCode(err) != 1 {
		t.Fatalf("want exit 1, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "NO-GO") {
		t.Errorf("output: %s", out)
	}
}

func TestKeysCommand_SetThenPreflight_ShouldGo(t *testing.T) {
	isolate(t, 5*time.Second)
	path := backendCfg(t, "")
	if out, _, err := execute(t, "keys", "set", "alpaca", "PK123456789", "--config", path); err != nil || strings.TrimSpace(out) != "ok" {
		t.Fatalf("keys set: %q %v", out, err)
	}
	out, _, err := execute(t, "keys", "status", "--config", path)
	if err != nil || !strings.Contains(out, "alpaca") {
		t.Errorf("keys status: %q %v", out, err)
	}
	out, _, err = execute(t, "preflight", "--config", path)
	if err != nil || !strings.Contains(out, "Preflight: GO") {
		t.Errorf("preflight: %q %v", out, err)
	}
}

func TestAgentsCommand_ShouldListAndAnalyze(t *testing.T) {
	isolate(t, 5*time.Second)
	path := backendCfg(t, "")
	out, _, err := execute(t, "agents", "--config", path)
	if err != nil || !strings.Contains(out, "oracle") {
		t.Fatalf("agents: %q %v", out, err)
	}
	out, _, err = execute(t, "agents", "analyze", "oracle", "--json", "--config", path)
	if err != nil || !strings.Contains(out, `"agent"`) {
		t.Errorf("analyze: %q %v", out, err)
	}
}

func TestAIModeCommand_SetLocalOnly_ShouldPrintMode(t *testing.T) {
	isolate(t, 5*time.Second)
	path := backendCfg(t, "")
	out, _, err := execute(t, "ai-mode", "set", "local-only", "--config", path)
	if err != nil || !strings.Contains(out, "Mode: LOCAL_ONLY") {
		t.Errorf("ai-mode set: %q %v", out, err)
	}
}

func TestBlackboardCommand_ShouldPrintEntry(t *testing.T) {
	isolate(t, 5*time.Second)
	path := backendCfg(t, "")
	out, _, err := execute(t, "blackboard", "regime", "--config", path)
	if err != nil || !strings.Contains(out, "risk-on") {
		t.Errorf("blackboard: %q %v", out, err)
	}
}

func TestBackendCommand_WhenConfigInvalid_ShouldFail(t *testing.T) {
	isolate(t, time.Second)
	path := writeCfg(t, `{"backend":{"apiBase":"ftp://x"}}`)
	if _, _, err := execute(t, "agents", "--config", path); err == nil {
		t.Error("expected config error")
	}
}

// =============================================================================
// Session commands
// =============================================================================

func TestSendCommand_ShouldPrintAssistantReply(t *testing.T) {
	isolate(t, 5*time.Second)
	path := backendCfg(t, "")
	out, errOut, err := execute(t, "send", "system", "status", "--timeout", "5s", "--config", path)
	if err != nil {
		t.Fatalf("send: %v\n%s", err, errOut)
	}
	if strings.TrimSpace(out) == "" {
		t.Error("expected a reply")
	}
}

func TestSendCommand_WhenBackendDown_ShouldFail(t *testing.T) {
	isolate(t, time.Second)
	path := writeCfg(t, `{"backend":{"wsUrl":"ws://127.0.0.1:1/ws"},"retry":{"initialBackoff":50,"maxBackoff":50}}`)
	if _, _, err := execute(t, "send", "hello", "--timeout", "200ms", "--config", path); err == nil {
		t.Error("expected not connected error")
	}
}

func TestTailCommand_ShouldFollowUntilShutdown(t *testing.T) {
	isolate(t, 500*time.Millisecond)
	path := backendCfg(t, "")
	out, errOut, err := execute(t, "tail", "--config", path)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if !strings.Contains(out, "-- ONLINE") {
		t.Errorf("stdout: %s", out)
	}
	if !strings.Contains(errOut, "██") {
		t.Errorf("banner missing from stderr: %s", errOut)
	}
}

func TestMockBackendCommand_ShouldServeUntilShutdown(t *testing.T) {
	isolate(t, 300*time.Millisecond)
	path := writeCfg(t, `{}`)
	out, _, err := execute(t, "mock-backend", "--port", "0", "--config", path)
	if err != nil {
		t.Fatalf("mock-backend: %v", err)
	}
	if !strings.Contains(out, "listen") || !strings.Contains(out, "ready.") {
		t.Errorf("output: %s", out)
	}
}

func TestMockBackendCommand_WhenPortInvalid_ShouldFail(t *testing.T) {
	isolate(t, time.Second)
	if _, _, err := execute(t, "mock-backend", "--port", "70000", "--config", writeCfg(t, `{}`)); !errors.Is(err, gateway.ErrInvalidPort) {
		t.Errorf("want ErrInvalidPort, got %v", err)
	}
}

// =============================================================================
// Dashboard
// =============================================================================

func TestRunDashboard_ShouldWireComponentsAndStopWithTUI(t *testing.T) {
	isolate(t, 5*time.Second)
	dir := t.TempDir()
	logFile := filepath.ToSlash(filepath.Join(dir, "logs", "aeternum.log"))
	spool := filepath.ToSlash(filepath.Join(dir, "spool"))
	db := filepath.ToSlash(filepath.Join(dir, "j.db"))
	path := backendCfg(t, `,"journal":{"url":"file:`+db+`"},"audio":{"spoolDir":"`+spool+`"},"infra":{"logLevel":"info","logFile":"`+logFile+`"}`)

	oldTUI := runTUI
	defer func() { runTUI = oldTUI }()
	var ran bool
	runTUI = func(ctx context.Context, m tui.Model) error {
		ran = true
		if m.View() == "" {
			t.Error("model should render")
		}
		return nil
	}

	if _, _, err := execute(t, "--config", path); err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if !ran {
		t.Fatal("TUI never ran")
	}
	logs, err := os.ReadFile(logFile)
	if err != nil || !strings.Contains(string(logs), "dashboard starting") || !strings.Contains(string(logs), "dashboard stopped") {
		t.Errorf("log file: %q %v", logs, err)
	}
	if fi, err := os.Stat(spool); err != nil || !fi.IsDir() {
		t.Errorf("spool dir: %v", err)
	}
}

func TestRunDashboard_WhenTUIFails_ShouldReturnError(t *testing.T) {
	isolate(t, 5*time.Second)
	path := backendCfg(t, `,"infra":{"logFile":""}`)
	oldTUI := runTUI
	defer func() { runTUI = oldTUI }()
	runTUI = func(context.Context, tui.Model) error { return errors.New("no tty") }

	if _, _, err := execute(t, "--config", path); err == nil || !strings.Contains(err.Error(), "no tty") {
		t.Errorf("got %v", err)
	}
}

func TestBuildDashboard_WhenBotTokenRejected_ShouldFail(t *testing.T) {
	sm := isolate(t, time.Second)
	if err := sm.Set(secrets.KeyTelegramToken, "bad"); err != nil {
		t.Fatal(err)
	}
	oldBot := newBotAPI
	defer func() { newBotAPI = oldBot }()
	newBotAPI = func(string) (relay.BotAPI, error) { return nil, errors.New("401 unauthorized") }

	path := backendCfg(t, `,"relay":{"telegramChatId":42},"infra":{"logFile":""}`)
	if _, _, err := execute(t, "--config", path); err == nil || !strings.Contains(err.Error(), "relay:") {
		t.Errorf("got %v", err)
	}
}

func TestOpenLogFile_WhenPathEmpty_ShouldDiscard(t *testing.T) {
	w, closeFn, err := openLogFile("")
	if err != nil || w == nil {
		t.Fatalf("w=%v err=%v", w, err)
	}
	closeFn()
}

func TestOpenLogFile_WhenParentIsFile_ShouldFail(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	os.WriteFile(file, []byte("x"), 0644)
	if _, _, err := openLogFile(filepath.Join(file, "a.log")); err == nil {
		t.Error("expected error")
	}
}
