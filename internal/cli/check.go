// Package cli holds the non-interactive subcommands behind cmd/aeternum:
// check, config get/set/unset, preflight and agents reports, and the
// headless tail and send modes.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"aeternum/internal/config"
	"aeternum/internal/domain"
	"aeternum/internal/poller"
	"aeternum/internal/secrets"
)

// CheckOptions holds options for the check command.
type CheckOptions struct {
	Path    string                 // config file; empty means config.DefaultPath
	Fix     bool                   // write default config when missing, create missing directories
	Secrets secrets.SecretsManager // optional; nil skips the token checks
}

// RunCheck checks config, endpoints, paths and secrets; optionally repairs.
// Returns 0 when nothing blocks the dashboard, 1 otherwise.
func RunCheck(opts CheckOptions, stdout, stderr io.Writer) int {
	cfgPath := opts.Path
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}

	note := func(section, message string) {
		fmt.Fprintf(stdout, "  [%s] %s\n", section, message)
	}
	problems := 0

	// 1. Config
	cfg, err := configLoad(cfgPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		note("Config", fmt.Sprintf("No config at %s.", cfgPath))
		if opts.Fix {
			if writeErr := configWriteDefault(cfgPath); writeErr != nil {
				fmt.Fprintf(stderr, "  failed to write default config: %v\n", writeErr)
				return 1
			}
			note("Config", fmt.Sprintf("Wrote default config to %s.", cfgPath))
		} else {
			note("Config", "Run with --fix to create a default "+filepath.Base(cfgPath)+".")
		}
		cfg = config.Default()
	case err != nil:
		note("Config", err.Error())
		return 1
	default:
		note("Config", fmt.Sprintf("Loaded %s.", cfgPath))
	}
	config.ApplyEnv(cfg, os.LookupEnv)

	// 2. Endpoints
	note("Backend", fmt.Sprintf("ws=%s api=%s", cfg.Backend.WSURL, cfg.Backend.APIBase))
	if err := config.Check(cfg); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			note("Backend", line)
		}
		problems++
	}

	// 3. Panels
	panels := poller.FromConfig(cfg.Panels)
	if len(cfg.Panels) == 0 {
		note("Panels", fmt.Sprintf("%d default panels.", len(panels)))
	} else {
		note("Panels", fmt.Sprintf("%d configured panels.", len(panels)))
	}
	for _, p := range panels {
		if p.Interval < poller.MinInterval {
			note("Panels", fmt.Sprintf("%s: interval %s is below %s.", p.ID, p.Interval, poller.MinInterval))
			problems++
		}
	}

	// 4. Paths
	for _, d := range dirsToCheck(cfg) {
		if err := ensureDir(d.dir, d.label, opts.Fix); err != nil {
			note("Paths", err.Error())
			problems++
			continue
		}
		note("Paths", fmt.Sprintf("%s %s ok.", d.label, d.dir))
	}

	// 5. Secrets
	if opts.Secrets != nil {
		checkSecrets(cfg, opts.Secrets, note)
	}

	if problems > 0 {
		fmt.Fprintf(stdout, "  Check complete: %d problem(s).\n", problems)
		return 1
	}
	fmt.Fprintln(stdout, "  Check complete.")
	return 0
}

type dirCheck struct {
	label string
	dir   string
}

// dirsToCheck lists the directories the dashboard will write into.
func dirsToCheck(cfg *domain.Config) []dirCheck {
	var out []dirCheck
	if p := cfg.Session.HistoryPath; p != "" {
		out = append(out, dirCheck{"session.historyPath", filepath.Dir(p)})
	}
	if d := cfg.Audio.SpoolDir; d != "" {
		out = append(out, dirCheck{"audio.spoolDir", d})
	}
	if p := journalFile(cfg.Journal.URL); p != "" {
		out = append(out, dirCheck{"journal.url", filepath.Dir(p)})
	}
	if p := cfg.Infra.LogFile; p != "" {
		out = append(out, dirCheck{"infra.logFile", filepath.Dir(p)})
	}
	return out
}

// journalFile returns the local path of a file: journal URL, or "" for
// remote libSQL URLs.
func journalFile(url string) string {
	if !strings.HasPrefix(url, "file:") {
		return ""
	}
	p := strings.TrimPrefix(url, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func checkSecrets(cfg *domain.Config, sm secrets.SecretsManager, note func(string, string)) {
	token, err := secrets.Resolve(sm, secrets.KeyBackendToken, cfg.Backend.AuthToken)
	switch {
	case err != nil:
		note("Secrets", err.Error())
	case token == "":
		note("Secrets", "No backend token; connecting without Authorization.")
	default:
		note("Secrets", "Backend token present.")
	}
	if cfg.Relay.TelegramChatID == 0 {
		return
	}
	bot, err := secrets.Resolve(sm, secrets.KeyTelegramToken, "")
	if err != nil || bot == "" {
		note("Relay", fmt.Sprintf("relay.telegramChatId is set but %q is missing; relay disabled.", secrets.KeyTelegramToken))
		return
	}
	note("Relay", fmt.Sprintf("Relaying to chat %d.", cfg.Relay.TelegramChatID))
}

func ensureDir(dir, label string, create bool) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("%s %q: %w", label, abs, err)
		}
		if !create {
			return fmt.Errorf("%s %q: missing (run with --fix to create)", label, abs)
		}
		if mkErr := osMkdirAll(abs, 0755); mkErr != nil {
			return fmt.Errorf("%s %q: mkdir failed: %w", label, abs, mkErr)
		}
		return nil
	}
	if !info.IsDir() {
		return fmt.Errorf("%s %q: not a directory", label, abs)
	}
	return nil
}
