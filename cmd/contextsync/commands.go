package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/contextsync/internal/api"
	"github.com/kalambet/contextsync/internal/config"
	"github.com/kalambet/contextsync/internal/ingest"
	"github.com/kalambet/contextsync/internal/reactor"
	"github.com/kalambet/contextsync/internal/retrieval"
	"github.com/kalambet/contextsync/internal/scheduler"
	"github.com/kalambet/contextsync/internal/storage"
)

// --- poll ---

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Control background polling for a user",
}

type pollingResponse struct {
	Sources []string                 `json:"sources"`
	Polling []scheduler.SourceStatus `json:"polling"`
}

func pollAction(method, suffix, done string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath(suffix)
		if err != nil {
			return err
		}
		resp, err := client.do(cmd.Context(), method, path, nil)
		if err != nil {
			return err
		}
		var result pollingResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if done != "" {
			printSuccess("%s", done)
		}
		printPolling(result.Polling)
		return nil
	}
}

var pollStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start polling every connected source",
	RunE:  pollAction("POST", "/polling/start", "Polling started"),
}

var pollStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all polling timers",
	RunE:  pollAction("POST", "/polling/stop", "Polling stopped"),
}

var pollStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-source polling state",
	RunE:  pollAction("GET", "/polling", ""),
}

func init() {
	pollCmd.AddCommand(pollStartCmd, pollStopCmd, pollStatusCmd)
}

func printPolling(list []scheduler.SourceStatus) {
	if len(list) == 0 {
		fmt.Println("No sources configured.")
		return
	}
	for _, s := range list {
		state := colorize(colorYellow, "stopped")
		if s.Running {
			state = colorize(colorGreen, "running") + " every " + s.Interval
		}
		fmt.Printf("  %-10s %s\n", s.Source, state)
	}
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [mail|calendar|crm|all]",
	Short: "Run ingestion now",
	Long: `Run ingestion immediately instead of waiting for the next poll.

Examples:
  contextsync ingest --user alice mail
  contextsync ingest --user alice all`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := "all"
		if len(args) == 1 {
			source = args[0]
		}
		if _, ok := ingest.ParseKind(source); !ok && source != "all" {
			return fmt.Errorf("unknown source %q: use mail, calendar, crm or all", source)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/ingest")
		if err != nil {
			return err
		}
		printStep("Ingesting %s", source)
		resp, err := client.post(cmd.Context(), path, api.IngestRequest{Source: source})
		if err != nil {
			return err
		}
		var result struct {
			Results []api.IngestOutcome `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Results) == 0 {
			printWarning("No connected sources")
			return nil
		}
		for _, r := range result.Results {
			printOutcome(r)
		}
		return nil
	},
}

func printOutcome(r api.IngestOutcome) {
	switch r.Status {
	case "ok":
		printSuccess("%s: %d processed, %d new", r.Source, r.Processed, r.Created)
	case "no_data":
		printSuccess("%s: no new data", r.Source)
	case "not_provisioned", "unavailable":
		printWarning("%s: %s", r.Source, r.Message)
	default:
		printError("%s: %s (%s)", r.Source, r.Status, r.Message)
	}
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search synced records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		if typ != "" && typ != "all" {
			if _, ok := storage.ParseSourceType(typ); !ok {
				return fmt.Errorf("unknown --type %q: use email, contact, meeting, note or all", typ)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/search")
		if err != nil {
			return err
		}
		req := api.SearchRequest{Query: strings.Join(args, " "), Type: typ, Limit: limit, Threshold: threshold}
		resp, err := client.post(cmd.Context(), path, req)
		if err != nil {
			return err
		}

		if typ == "" || typ == "all" {
			var buckets retrieval.Context
			if err := decodeJSON(resp, &buckets); err != nil {
				return err
			}
			if buckets.Empty() {
				fmt.Println("No results found.")
				return nil
			}
			printResults("Emails", buckets.Emails)
			printResults("Contacts", buckets.Contacts)
			printResults("Meetings", buckets.Meetings)
			printResults("Notes", buckets.Notes)
			return nil
		}

		var result retrieval.Response
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		fmt.Printf("%s\n", colorize(colorCyan, "mode: "+string(result.Mode)))
		printResults("", result.Results)
		return nil
	},
}

func init() {
	searchCmd.Flags().String("type", "", "record type: email, contact, meeting, note or all")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")
	searchCmd.Flags().Float64("threshold", 0, "minimum similarity (0-1)")
}

func printResults(title string, results []retrieval.Result) {
	if len(results) == 0 {
		return
	}
	if title != "" {
		fmt.Printf("\n%s\n", colorize(colorBold, title))
	}
	for i, r := range results {
		fmt.Printf("\n%s [%s, score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.SourceType, r.Similarity)
		text := r.Content
		if len([]rune(text)) > 500 {
			text = string([]rune(text)[:500]) + "..."
		}
		fmt.Printf("  %s\n", text)
	}
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Print the assembled context block for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxResults, _ := cmd.Flags().GetInt("max")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/context")
		if err != nil {
			return err
		}
		q := url.Values{"q": {strings.Join(args, " ")}}
		if maxResults > 0 {
			q.Set("max", fmt.Sprint(maxResults))
		}
		resp, err := client.get(cmd.Context(), path+"?"+q.Encode())
		if err != nil {
			return err
		}
		var result struct {
			Context string `json:"context"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Context == "" {
			fmt.Println("No relevant context found.")
			return nil
		}
		fmt.Print(result.Context)
		return nil
	},
}

func init() {
	contextCmd.Flags().Int("max", 0, "maximum items per type")
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reactor pass over pending sync events",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/reactor/sweep", nil)
		if err != nil {
			return err
		}
		var res reactor.SweepResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Claimed %d events, created %d work items", res.Claimed, res.Triggered)
		if res.Failed > 0 {
			printWarning("%d work items could not be created", res.Failed)
		}
		return nil
	},
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent sync events",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/events")
		if err != nil {
			return err
		}
		q := url.Values{"limit": {fmt.Sprint(limit)}}
		if typ != "" {
			q.Set("type", typ)
		}
		resp, err := client.get(cmd.Context(), path+"?"+q.Encode())
		if err != nil {
			return err
		}
		var events []storage.SyncEvent
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No sync events.")
			return nil
		}
		for _, ev := range events {
			state := "pending"
			if ev.Processed {
				state = "processed"
			}
			fmt.Printf("  %s  %-8s %4d items  %s\n", ev.OccurredAt.Local().Format(time.DateTime), ev.SourceType, ev.ItemCount, state)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().String("type", "", "filter by record type")
	eventsCmd.Flags().Int("limit", 20, "maximum number of events")
}

// --- instructions ---

var instructionsCmd = &cobra.Command{
	Use:   "instructions",
	Short: "Manage standing instructions evaluated by the reactor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return instructionsListCmd.RunE(cmd, args)
	},
}

var instructionsAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Add an instruction",
	Long: `Add a standing instruction. The reactor creates a work item whenever
new data arrives whose type the instruction mentions (email, meeting or
contact).

Example:
  contextsync instructions add "Draft a reply to every important email"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/instructions")
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), path, api.InstructionRequest{Content: strings.Join(args, " ")})
		if err != nil {
			return err
		}
		var in storage.Instruction
		if err := decodeJSON(resp, &in); err != nil {
			return err
		}
		printSuccess("Added instruction %s", in.ID)
		return nil
	},
}

var instructionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instructions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/instructions")
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []storage.Instruction
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No instructions.")
			return nil
		}
		for _, in := range list {
			fmt.Printf("  %s  %s\n", colorize(colorBold, in.ID), in.Content)
		}
		return nil
	},
}

var instructionsRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove", "delete"},
	Short:   "Remove an instruction",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/instructions/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed instruction %s", args[0])
		return nil
	},
}

func init() {
	instructionsCmd.AddCommand(instructionsAddCmd, instructionsListCmd, instructionsRemoveCmd)
}

// --- work items ---

var workItemsCmd = &cobra.Command{
	Use:   "work-items",
	Short: "List work items created by the reactor",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/work-items")
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("%s?limit=%d", path, limit))
		if err != nil {
			return err
		}
		var items []storage.WorkItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No work items.")
			return nil
		}
		for _, w := range items {
			fmt.Printf("\n%s [%s/%s]\n", colorize(colorBold, w.Title), w.Status, w.Priority)
			fmt.Printf("  %s, %s\n", w.Description, w.CreatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

func init() {
	workItemsCmd.Flags().Int("limit", 20, "maximum number of work items")
}

// --- credentials ---

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Connect or disconnect upstream accounts",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set <google|hubspot>",
	Short: "Store OAuth tokens for a provider and restart polling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		access, _ := cmd.Flags().GetString("access-token")
		refresh, _ := cmd.Flags().GetString("refresh-token")
		if access == "" {
			return fmt.Errorf("--access-token is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/credentials/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), path, api.CredentialsRequest{AccessToken: access, RefreshToken: refresh})
		if err != nil {
			return err
		}
		var result struct {
			Sources []string `json:"sources"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Saved %s credentials; polling %s", args[0], strings.Join(result.Sources, ", "))
		return nil
	},
}

var credentialsRemoveCmd = &cobra.Command{
	Use:   "rm <google|hubspot>",
	Short: "Delete stored tokens for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.userPath("/credentials/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed %s credentials", args[0])
		return nil
	},
}

func init() {
	credentialsSetCmd.Flags().String("access-token", "", "OAuth access token")
	credentialsSetCmd.Flags().String("refresh-token", "", "OAuth refresh token")
	credentialsCmd.AddCommand(credentialsSetCmd, credentialsRemoveCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		keys := config.ShowAll(cfg)
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(keys)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "["+k.EnvVar+"]"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}
