package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"southwinds.dev/cardvault/audit"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditService       string
	auditUser          string
	auditSuccessFilter string
	auditFailuresOnly  bool
	auditLimit         int
	auditOffset        int
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze the audit trail",
	Long: `Query and analyze the audit trail written when audit.enabled is set.

Times accept RFC3339 ("2024-01-31T23:59:59Z") or a duration back from now ("24h").`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # Everything that touched one service
  cardvault audit query --service github

  # Failed session opens in the last day
  cardvault audit query --action SESSION_OPEN --failures-only --since 24h

  # One user's events in January
  cardvault audit query --user 0123456789abcdef0123456789abcdef \
      --since 2024-01-01T00:00:00Z --until 2024-01-31T23:59:59Z`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	Long: `Show failed operations such as wrong PINs or missing cards.

Examples:
  cardvault audit failures --since 168h`,
	Args: cobra.NoArgs,
	RunE: runAuditFailures,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	Long: `Summarize the audit trail by action, service and outcome.

Examples:
  cardvault audit stats --since 720h
  cardvault audit stats --json`,
	Args: cobra.NoArgs,
	RunE: runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditStatsCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time")
	auditCmd.PersistentFlags().StringVar(&auditUser, "user", "", "Filter by vault user ID")
	auditCmd.PersistentFlags().StringVar(&auditService, "service", "", "Filter by service")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action (e.g. SESSION_OPEN, ENTRY_ADD)")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	return queryAndDisplay(options)
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	failed := false
	options.Success = &failed
	return queryAndDisplay(options)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	// statistics cover every matching event
	options.Limit = 0
	options.Offset = 0

	result, err := queryAudit(options)
	if err != nil {
		return err
	}

	stats := calculateAuditStats(result.Events)
	if auditJsonOutput {
		return printJSON(stats)
	}
	return displayAuditStats(stats)
}

func queryAudit(options audit.QueryOptions) (audit.QueryResult, error) {
	if _, disabled := auditLogger.(*audit.NoOpLogger); disabled || auditLogger == nil {
		return audit.QueryResult{}, errors.New("audit logging is disabled, set audit.enabled to query the trail")
	}
	result, err := auditLogger.Query(options)
	if err != nil {
		return audit.QueryResult{}, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return result, nil
}

func queryAndDisplay(options audit.QueryOptions) error {
	result, err := queryAudit(options)
	if err != nil {
		return err
	}

	if auditJsonOutput {
		return printJSON(result)
	}

	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\nShowing %d of %d matching events (use --offset %d for more)\n",
			len(result.Events), result.Filtered, options.Offset+len(result.Events))
	}
	return nil
}

// parseTimeFlag accepts RFC3339 or a duration counted back from now
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		t := time.Now().Add(-d)
		return &t, nil
	}
	return nil, fmt.Errorf("invalid %s time %q: use RFC3339 or a duration such as 24h", name, value)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		UserID:  auditUser,
		Action:  strings.ToUpper(auditAction),
		Service: auditService,
		Limit:   auditLimit,
		Offset:  auditOffset,
	}

	var err error
	if options.Since, err = parseTimeFlag("since", auditSince); err != nil {
		return options, err
	}
	if options.Until, err = parseTimeFlag("until", auditUntil); err != nil {
		return options, err
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	return options, nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.UserID != "" {
				fmt.Fprintf(w, "User ID:\t%s\n", event.UserID)
			}
			if event.SessionID != "" {
				fmt.Fprintf(w, "Session:\t%s\n", event.SessionID)
			}
			if event.Service != "" {
				fmt.Fprintf(w, "Service:\t%s\n", event.Service)
			}
			if event.Username != "" {
				fmt.Fprintf(w, "Username:\t%s\n", event.Username)
			}
			if event.Command != "" {
				fmt.Fprintf(w, "Command:\t%s\n", event.Command)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}

			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tUSER\tSERVICE\tERROR\n")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Local().Format("2006-01-02 15:04:05"),
			event.Action,
			eventStatus(event),
			truncate(event.UserID, 8),
			truncate(event.Service, 20),
			truncate(event.Error, 40))
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// AuditStats summarizes a set of audit events
type AuditStats struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	TimeRange         string         `json:"time_range"`
	TotalEvents       int            `json:"total_events"`
	SuccessfulEvents  int            `json:"successful_events"`
	FailedEvents      int            `json:"failed_events"`
	SuccessRate       float64        `json:"success_rate"`
	ActionBreakdown   map[string]int `json:"action_breakdown"`
	DailyDistribution map[string]int `json:"daily_distribution"`
	TopFailedActions  []ActionCount  `json:"top_failed_actions"`
	TopServices       []ServiceCount `json:"top_services"`
	Users             int            `json:"users"`
	FirstEvent        *time.Time     `json:"first_event,omitempty"`
	LastEvent         *time.Time     `json:"last_event,omitempty"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type ServiceCount struct {
	Service string `json:"service"`
	Count   int    `json:"count"`
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{
		GeneratedAt:       time.Now().UTC(),
		ActionBreakdown:   make(map[string]int),
		DailyDistribution: make(map[string]int),
	}

	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)

	failedActions := make(map[string]int)
	serviceCounts := make(map[string]int)
	users := make(map[string]bool)

	for i := range events {
		event := &events[i]
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
		}

		stats.ActionBreakdown[event.Action]++
		stats.DailyDistribution[event.Timestamp.Format("2006-01-02")]++

		if event.Service != "" {
			serviceCounts[event.Service]++
		}
		if event.UserID != "" {
			users[event.UserID] = true
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &event.Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &event.Timestamp
		}
	}

	stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	stats.Users = len(users)

	for _, a := range topCounts(failedActions, 5) {
		stats.TopFailedActions = append(stats.TopFailedActions, ActionCount{Action: a.name, Count: a.count})
	}
	for _, s := range topCounts(serviceCounts, 10) {
		stats.TopServices = append(stats.TopServices, ServiceCount{Service: s.name, Count: s.count})
	}

	if stats.FirstEvent != nil && stats.LastEvent != nil {
		duration := stats.LastEvent.Sub(*stats.FirstEvent)
		stats.TimeRange = fmt.Sprintf("%s (%.1f hours)", duration.String(), duration.Hours())
	}

	return stats
}

type namedCount struct {
	name  string
	count int
}

// topCounts returns the limit largest counts, ties broken by name
func topCounts(counts map[string]int, limit int) []namedCount {
	out := make([]namedCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, namedCount{name, count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func displayAuditStats(stats AuditStats) error {
	fmt.Printf("Audit Statistics\n")
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	fmt.Printf("SUMMARY\n")
	fmt.Printf("───────\n")
	fmt.Printf("Total Events: %d\n", stats.TotalEvents)
	fmt.Printf("Successful: %d (%.1f%%)\n", stats.SuccessfulEvents, stats.SuccessRate)
	fmt.Printf("Failed: %d (%.1f%%)\n", stats.FailedEvents, 100-stats.SuccessRate)
	fmt.Printf("Users: %d\n", stats.Users)
	if stats.TimeRange != "" {
		fmt.Printf("Time Range: %s\n", stats.TimeRange)
	}

	if len(stats.ActionBreakdown) > 0 {
		fmt.Printf("\nTOP ACTIONS\n")
		fmt.Printf("───────────\n")
		for _, a := range topCounts(stats.ActionBreakdown, 10) {
			fmt.Printf("  %s: %d\n", a.name, a.count)
		}
	}

	if len(stats.TopFailedActions) > 0 {
		fmt.Printf("\nTOP FAILED ACTIONS\n")
		fmt.Printf("─────────────────\n")
		for _, action := range stats.TopFailedActions {
			fmt.Printf("  %s: %d failures\n", action.Action, action.Count)
		}
	}

	if len(stats.TopServices) > 0 {
		fmt.Printf("\nMOST USED SERVICES\n")
		fmt.Printf("──────────────────\n")
		for _, s := range stats.TopServices {
			fmt.Printf("  %s: %d operations\n", truncate(s.Service, 30), s.Count)
		}
	}

	return nil
}
