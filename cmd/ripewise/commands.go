package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ripewise/internal/api"
	"github.com/kalambet/ripewise/internal/capture"
	"github.com/kalambet/ripewise/internal/config"
	"github.com/kalambet/ripewise/internal/events"
	"github.com/kalambet/ripewise/internal/remote"
	"github.com/kalambet/ripewise/internal/storage"
	"github.com/kalambet/ripewise/internal/syncer"
	"github.com/kalambet/ripewise/internal/vision"
)

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture <image>",
	Short: "Hand a photo to the device agent",
	Long: `Hand a photo to the device agent. The agent analyzes it right away when
the server is reachable and queues it for later delivery otherwise.

Examples:
  ripewise capture ./mango.jpg --owner alice
  ripewise capture ./pear.png --owner bob --meta orchard=north --meta row=7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		meta, _ := cmd.Flags().GetStringToString("meta")
		if owner == "" {
			return fmt.Errorf("--owner is required")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading image: %w", err)
		}

		client, err := newAgentClient()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		req := api.CaptureRequest{
			OwnerID:    owner,
			Image:      base64.StdEncoding.EncodeToString(data),
			Metadata:   meta,
			CapturedAt: &now,
		}
		resp, err := client.post(cmd.Context(), "/captures", req)
		if err != nil {
			return err
		}

		var out capture.Outcome
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if out.Queued {
			printWarning("Queued capture %s (%s)", out.QueueID, out.Reason)
			return nil
		}
		if out.Analysis != nil {
			printAnalysis(*out.Analysis)
		}
		return nil
	},
}

func init() {
	captureCmd.Flags().String("owner", "", "owner of the photo")
	captureCmd.Flags().StringToString("meta", nil, "metadata as key=value (repeatable)")
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>",
	Short: "Upload a photo straight to the server and analyze it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		meta, _ := cmd.Flags().GetStringToString("meta")
		if owner == "" {
			return fmt.Errorf("--owner is required")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading image: %w", err)
		}

		client, err := newServerClient()
		if err != nil {
			return err
		}
		rc := remote.New(client.baseURL, client.token, remote.WithTimeout(client.httpClient.Timeout))

		printStep("Uploading %s (%d bytes)", args[0], len(data))
		ref, err := rc.Upload(cmd.Context(), owner, data)
		if err != nil {
			return err
		}

		printStep("Analyzing %s", ref)
		a, err := rc.Analyze(cmd.Context(), ref, owner, meta)
		if err != nil {
			return err
		}

		printAnalysis(a)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().String("owner", "", "owner of the photo")
	analyzeCmd.Flags().StringToString("meta", nil, "metadata as key=value (repeatable)")
}

func printAnalysis(a storage.Analysis) {
	printSuccess("Analysis %s", a.ID)
	printStatus("Ripeness", "%s (%d%% confidence)", colorize(ripenessColor(a.Ripeness), a.Ripeness), a.Confidence)
	printStatus("Sweetness", "%d/10", a.Sweetness)
	if a.Variety != "" {
		printStatus("Variety", "%s", a.Variety)
	}
	if a.SurfaceQuality != "" {
		printStatus("Surface", "%s", a.SurfaceQuality)
	}
	if a.Rationale != "" {
		printStatus("Rationale", "%s", a.Rationale)
	}
	printStatus("Provider", "%s after %d attempt(s)", a.Provider, a.Attempts)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the agent's offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued captures, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAgentClient()
		if err != nil {
			return err
		}

		path := "/queue"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		var items []storage.QueueItem
		if err := client.getJSON(cmd.Context(), path, &items); err != nil {
			return err
		}

		if asJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			printStatus("Queue", "empty")
			return nil
		}

		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tOWNER\tSTATUS\tRETRIES\tCAPTURED\tSIZE\tLAST ERROR")
		for _, it := range items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
				it.ID, it.OwnerID, it.Status, it.RetryCount,
				it.CapturedAt.Local().Format(time.DateTime), it.PayloadSize, truncate(it.LastError, 60))
		}
		return tw.Flush()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAgentClient()
		if err != nil {
			return err
		}

		var st storage.QueueStats
		if err := client.getJSON(cmd.Context(), "/queue/stats", &st); err != nil {
			return err
		}

		printStatus("Total", "%d", st.Total)
		printStatus("Pending", "%d", st.Pending)
		printStatus("Uploading", "%d", st.Uploading)
		printStatus("Failed", "%d", st.Failed)
		if st.Oldest != nil {
			printStatus("Oldest", "%s", st.Oldest.Local().Format(time.RFC3339))
		}
		if st.Newest != nil {
			printStatus("Newest", "%s", st.Newest.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one queued capture as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAgentClient()
		if err != nil {
			return err
		}

		var item storage.QueueItem
		if err := client.getJSON(cmd.Context(), "/queue/"+url.PathEscape(args[0]), &item); err != nil {
			return err
		}
		return printJSON(item)
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Drop a queued capture without delivering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAgentClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/queue/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Removed %s", args[0])
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued capture, or only those older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		yes, _ := cmd.Flags().GetBool("yes")
		if olderThan == 0 && !yes {
			return fmt.Errorf("refusing to clear the whole queue without --yes")
		}

		client, err := newAgentClient()
		if err != nil {
			return err
		}

		path := "/queue"
		if olderThan > 0 {
			path += "?older_than=" + url.QueryEscape(olderThan.String())
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d queued capture(s)", result["removed"])
		return nil
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop captures older than the configured sync.max_item_age",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAgentClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/queue/prune", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Pruned %d expired capture(s)", result["removed"])
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move failed captures back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxRetries, _ := cmd.Flags().GetInt("max-retries")

		client, err := newAgentClient()
		if err != nil {
			return err
		}

		path := "/queue/retry"
		if maxRetries > 0 {
			path += "?max_retries=" + strconv.Itoa(maxRetries)
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Reset %d failed capture(s)", result["reset"])
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "only items with this status (pending, uploading, failed)")
	queueListCmd.Flags().Bool("json", false, "print JSON instead of a table")
	queueClearCmd.Flags().Duration("older-than", 0, "only drop captures older than this age")
	queueClearCmd.Flags().Bool("yes", false, "confirm clearing the whole queue")
	queueRetryCmd.Flags().Int("max-retries", 0, "only reset items that failed at most this many times (0 = all)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queuePruneCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drive and inspect the agent's sync manager",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run a sync cycle and wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAgentClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}

		var res syncer.Result
		if err := decodeJSON(resp, &res); err != nil {
			var ae *apiError
			if errors.As(err, &ae) && ae.Type == "sync_skipped" {
				printWarning("Sync skipped: %s", ae.Reason)
				return nil
			}
			return err
		}

		if res.Failed > 0 {
			printWarning("Synced %d of %d capture(s), %d failed", res.Succeeded, res.Processed, res.Failed)
			return nil
		}
		printSuccess("Synced %d capture(s)", res.Succeeded)
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAgentClient()
		if err != nil {
			return err
		}

		var st syncer.Status
		if err := client.getJSON(cmd.Context(), "/sync/status", &st); err != nil {
			return err
		}
		if asJSON {
			return printJSON(st)
		}

		printStatus("State", "%s", st.State)
		printStatus("Network", "%s", onlineLabel(st.Online))
		printStatus("Pending", "%d", st.Pending)
		printStatus("Failed", "%d", st.Failed)
		printStatus("Scheduled retries", "%d", st.Scheduled)
		if st.LastSyncAt != nil {
			printStatus("Last sync", "%s", st.LastSyncAt.Local().Format(time.RFC3339))
		}
		if st.LastResult != nil {
			printStatus("Last result", "%d processed, %d succeeded, %d failed",
				st.LastResult.Processed, st.LastResult.Succeeded, st.LastResult.Failed)
		}
		return nil
	},
}

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream sync and queue events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAgentClient()
		if err != nil {
			return err
		}
		// Streams stay open indefinitely.
		client.httpClient.Timeout = 0

		resp, err := client.get(cmd.Context(), "/events")
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return decodeJSON(resp, nil)
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				printWarning("bad event: %v", err)
				continue
			}
			printEvent(ev)
		}
		if err := sc.Err(); err != nil && cmd.Context().Err() == nil {
			return fmt.Errorf("reading event stream: %w", err)
		}
		return nil
	},
}

func printEvent(ev events.Event) {
	var b strings.Builder
	b.WriteString(ev.At.Local().Format(time.TimeOnly))
	b.WriteString(" ")
	b.WriteString(colorize(colorCyan, string(ev.Kind)))
	if ev.ItemID != "" {
		b.WriteString(" item=" + ev.ItemID)
	}
	if ev.State != "" {
		b.WriteString(" state=" + ev.State)
	}
	if ev.Provider != "" {
		fmt.Fprintf(&b, " provider=%s attempt=%d", ev.Provider, ev.Attempt)
	}
	if ev.Delay != "" {
		b.WriteString(" delay=" + ev.Delay)
	}
	if ev.Online != nil {
		b.WriteString(" online=" + strconv.FormatBool(*ev.Online))
	}
	if ev.Reason != "" {
		b.WriteString(" reason=" + ev.Reason)
	}
	if ev.Message != "" {
		b.WriteString(" " + ev.Message)
	}
	fmt.Fprintln(stdout, b.String())
}

func init() {
	syncStatusCmd.Flags().Bool("json", false, "print JSON")

	syncCmd.AddCommand(syncNowCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncWatchCmd)
}

// --- network ---

var networkCmd = &cobra.Command{
	Use:       "network [online|offline]",
	Short:     "Show or override the agent's connectivity state",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAgentClient()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			var st syncer.Status
			if err := client.getJSON(cmd.Context(), "/sync/status", &st); err != nil {
				return err
			}
			printStatus("Network", "%s", onlineLabel(st.Online))
			return nil
		}

		online := args[0] == "online"
		resp, err := client.put(cmd.Context(), "/network", map[string]bool{"online": online})
		if err != nil {
			return err
		}

		var result struct {
			Online  bool `json:"online"`
			Changed bool `json:"changed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Changed {
			printSuccess("Agent is now %s", args[0])
		} else {
			printStatus("Network", "already %s", args[0])
		}
		return nil
	},
}

// --- providers ---

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List vision providers in fallback order",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newServerClient()
		if err != nil {
			return err
		}

		var infos []vision.Info
		if err := client.getJSON(cmd.Context(), "/providers", &infos); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PRIORITY\tNAME\tAVAILABLE\tNOTE")
		for _, p := range infos {
			avail := colorize(colorGreen, "yes")
			if !p.Available {
				avail = colorize(colorYellow, "no")
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.Priority, p.Name, avail, p.Reason)
		}
		return tw.Flush()
	},
}

// --- performance ---

var performanceCmd = &cobra.Command{
	Use:   "performance",
	Short: "Show recent provider attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newServerClient()
		if err != nil {
			return err
		}

		q := url.Values{"limit": {strconv.Itoa(limit)}}
		if provider != "" {
			q.Set("provider", provider)
		}
		var records []storage.PerformanceRecord
		if err := client.getJSON(cmd.Context(), "/performance?"+q.Encode(), &records); err != nil {
			return err
		}

		if len(records) == 0 {
			printStatus("Performance", "no attempts recorded")
			return nil
		}

		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tPROVIDER\tATTEMPT\tELAPSED\tRESULT\tTOKENS")
		for _, r := range records {
			result := colorize(colorGreen, "ok")
			if !r.Success {
				result = colorize(colorRed, truncate(r.ErrorMessage, 50))
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%dms\t%s\t%s\n",
				r.CreatedAt.Local().Format(time.DateTime), r.Provider, r.Attempt, r.ElapsedMs, result, tokenLabel(r))
		}
		return tw.Flush()
	},
}

func tokenLabel(r storage.PerformanceRecord) string {
	if r.InputTokens == nil && r.OutputTokens == nil {
		return "-"
	}
	in, out := 0, 0
	if r.InputTokens != nil {
		in = *r.InputTokens
	}
	if r.OutputTokens != nil {
		out = *r.OutputTokens
	}
	return fmt.Sprintf("%d/%d", in, out)
}

func init() {
	performanceCmd.Flags().String("provider", "", "only this provider")
	performanceCmd.Flags().Int("limit", 50, "maximum number of records")
}

// --- analyses ---

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "Browse stored analyses on the server",
}

var analysesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent analyses, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newServerClient()
		if err != nil {
			return err
		}

		q := url.Values{"limit": {strconv.Itoa(limit)}, "offset": {strconv.Itoa(offset)}}
		if owner != "" {
			q.Set("owner_id", owner)
		}
		var list []storage.Analysis
		if err := client.getJSON(cmd.Context(), "/analyses?"+q.Encode(), &list); err != nil {
			return err
		}

		if len(list) == 0 {
			printStatus("Analyses", "none")
			return nil
		}

		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tOWNER\tRIPENESS\tCONF\tSWEET\tVARIETY\tPROVIDER\tCREATED")
		for _, a := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				a.ID, a.OwnerID, a.Ripeness, a.Confidence, a.Sweetness, a.Variety, a.Provider,
				a.CreatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var analysesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one analysis as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newServerClient()
		if err != nil {
			return err
		}

		var a storage.Analysis
		if err := client.getJSON(cmd.Context(), "/analyses/"+url.PathEscape(args[0]), &a); err != nil {
			return err
		}
		return printJSON(a)
	},
}

func init() {
	analysesListCmd.Flags().String("owner", "", "only analyses for this owner")
	analysesListCmd.Flags().Int("limit", 20, "maximum number of analyses")
	analysesListCmd.Flags().Int("offset", 0, "skip this many analyses")

	analysesCmd.AddCommand(analysesListCmd)
	analysesCmd.AddCommand(analysesShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long: fmt.Sprintf(`Persist a configuration value in the platform backend.

Valid keys:
  %s

Provider API keys are secrets: set them through their environment variable
or the OS keychain (service %q).`, strings.Join(config.ValidKeys(), "\n  "), config.KeychainService),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
