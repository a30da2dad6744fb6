package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"aeternum/internal/backend"
)

// PrintPreflight writes the go/no-go report and returns the exit code:
// 0 when trading may start, 1 when a critical check failed.
func PrintPreflight(w io.Writer, r backend.PreflightResult) int {
	verdict := "GO"
	if !r.Ready() {
		verdict = "NO-GO"
	}
	fmt.Fprintf(w, "Preflight: %s", verdict)
	if r.TradingMode != "" {
		fmt.Fprintf(w, " (trading mode %s)", r.TradingMode)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range r.Checks {
		mark := strings.ToUpper(string(c.Status))
		if c.Critical {
			mark += "*"
		}
		fmt.Fprintf(tw, "  [%s]\t%s\t%s\t%s\n", mark, c.Category, c.Name, c.Detail)
	}
	tw.Flush()

	if blockers := r.Blockers(); len(blockers) > 0 {
		fmt.Fprintln(w, "Blockers:")
		for _, c := range blockers {
			fmt.Fprintf(w, "  - %s: %s\n", c.Name, c.Detail)
		}
	}
	s := r.Summary
	fmt.Fprintf(w, "Summary: %d total, %d pass, %d fail, %d warn, %d skip\n", s.Total, s.Pass, s.Fail, s.Warn, s.Skip)
	fmt.Fprintf(w, "API keys: %d/%d configured, %d connected\n", r.APIKeysConfigured, r.APIKeysTotal, r.APIKeysConnected)
	if verdict == "GO" {
		return 0
	}
	return 1
}

// PrintAgents writes one row per agent.
func PrintAgents(w io.Writer, agents []backend.AgentState) {
	if len(agents) == 0 {
		fmt.Fprintln(w, "No agents.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSTATUS\tSIGNAL\tCONFIDENCE\tUPDATED")
	for _, a := range agents {
		signal := "-"
		if a.LastSignal != nil && *a.LastSignal != "" {
			signal = *a.LastSignal
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s%%\t%s\n", a.Name, a.Status, signal,
			humanize.FtoaWithDigits(a.Confidence*100, 1), a.Timestamp)
	}
	tw.Flush()
}

// PrintKeys writes the API key table.
func PrintKeys(w io.Writer, keys []backend.KeyStatus) {
	if len(keys) == 0 {
		fmt.Fprintln(w, "No API keys.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tCATEGORY\tCONFIGURED\tCONNECTED\tKEY\tDETAIL")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%s\n", k.Service, k.Category, k.IsConfigured, k.IsConnected, k.MaskedKey, k.Detail)
	}
	tw.Flush()
}

// PrintAIMode writes the routing mode and usage counters.
func PrintAIMode(w io.Writer, s backend.AIModeStatus) {
	fmt.Fprintf(w, "Mode: %s (external AI active: %t)\n", s.Mode, s.ExternalAIActive)
	fmt.Fprintf(w, "Local:    %s %s\n", s.LocalProvider.Model, s.LocalProvider.URL)
	fmt.Fprintf(w, "External: %s %s\n", s.ExternalProvider.Model, s.ExternalProvider.URL)
	st := s.Stats
	fmt.Fprintf(w, "Calls: %s local, %s external, %s local failures, %s external blocked\n",
		humanize.Comma(int64(st.LocalCalls)), humanize.Comma(int64(st.ExternalCalls)),
		humanize.Comma(int64(st.LocalFailures)), humanize.Comma(int64(st.ExternalBlocked)))
	fmt.Fprintf(w, "Estimated tokens saved: %s\n", humanize.Comma(int64(st.EstimatedTokensSaved)))
}

// PrintJSON writes v indented, with map keys sorted.
func PrintJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// PrintAnalysis writes an agent analysis with its result fields sorted.
func PrintAnalysis(w io.Writer, r backend.AnalysisResult) {
	fmt.Fprintf(w, "%s @ %s\n", r.Agent, r.Timestamp)
	keys := make([]string, 0, len(r.Result))
	for k := range r.Result {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%v\n", k, r.Result[k])
	}
	tw.Flush()
}
