package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/superpaes/exercise-gateway/internal/generator"
	"github.com/superpaes/exercise-gateway/internal/health"
	"github.com/superpaes/exercise-gateway/internal/ledger"
	"github.com/superpaes/exercise-gateway/internal/version"
)

type globalOptions struct {
	server  string
	userID  string
	timeout time.Duration
	asJSON  bool
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.server, o.userID, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:          "exercisectl",
		Short:        "Control and inspect an exercise generation gateway",
		SilenceUsage: true,
	}
	defaultServer := os.Getenv("EXERCISE_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8090"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "gateway base URL (env EXERCISE_SERVER)")
	root.PersistentFlags().StringVar(&opts.userID, "user", os.Getenv("EXERCISE_USER_ID"), "user id sent as X-User-ID")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		generateCmd(opts),
		connectionCmd(opts),
		healthCmd(opts),
		usageCmd(opts),
		alertsCmd(opts),
		limitsCmd(opts),
		versionCmd(),
	)
	return root
}

func generateCmd(opts *globalOptions) *cobra.Command {
	var (
		subject, skill, difficulty, module, contextJSON string
		threshold                                       float64
		attempts                                        int
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one exercise",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"subject":    subject,
				"skill":      skill,
				"difficulty": difficulty,
			}
			if module != "" {
				body["moduleSource"] = module
			}
			if cmd.Flags().Changed("threshold") {
				body["qualityThreshold"] = threshold
			}
			if attempts > 0 {
				body["maxAttempts"] = attempts
			}
			if contextJSON != "" {
				var userContext any
				if err := json.Unmarshal([]byte(contextJSON), &userContext); err != nil {
					return fmt.Errorf("--context must be JSON: %w", err)
				}
				body["userContext"] = userContext
			}
			if opts.asJSON {
				_, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/exercises", nil, body, cmd.OutOrStdout())
				return err
			}
			var resp generator.Response
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/exercises", nil, body, &resp); err != nil {
				return err
			}
			printExercise(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject, e.g. MATEMATICA_1")
	cmd.Flags().StringVar(&skill, "skill", "", "skill, e.g. SOLVE_PROBLEMS")
	cmd.Flags().StringVar(&difficulty, "difficulty", "INTERMEDIATE", "BASIC, INTERMEDIATE or ADVANCED")
	cmd.Flags().StringVar(&module, "module", "", "module source recorded in the ledger")
	cmd.Flags().StringVar(&contextJSON, "context", "", "user context as JSON")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "quality threshold override")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "generation attempts override")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("skill")
	return cmd
}

func printExercise(w io.Writer, resp generator.Response) {
	ex := resp.Exercise
	fmt.Fprintf(w, "%s\n\n", ex.Question)
	for _, opt := range ex.Options {
		marker := " "
		if opt == ex.CorrectAnswer {
			marker = "*"
		}
		fmt.Fprintf(w, " %s %s\n", marker, opt)
	}
	if ex.Explanation != "" {
		fmt.Fprintf(w, "\n%s\n", ex.Explanation)
	}
	m := resp.Metadata
	fmt.Fprintf(w, "\nsource=%s validated=%t attempts=%d score=%.2f model=%s time=%dms cost=$%.6f\n",
		m.Source, m.Validated, m.Attempts, resp.QualityReport.OverallScore, m.Model, m.ProcessingTimeMs, m.TotalCost)
}

func connectionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connection",
		Short: "Check that the completion provider answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				Connected bool   `json:"connected"`
				LatencyMs int64  `json:"latencyMs"`
				Error     string `json:"error"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/connection", nil, nil, &status); err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			if status.Connected {
				fmt.Fprintf(cmd.OutOrStdout(), "connected (%dms)\n", status.LatencyMs)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "not connected (%dms): %s\n", status.LatencyMs, status.Error)
			return fmt.Errorf("provider not connected")
		},
	}
}

func healthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show component health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st health.HealthStatus
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, nil, &st, http.StatusServiceUnavailable); err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "overall\t%s\n", st.Status)
			for _, c := range st.Components {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Status, c.Message)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if st.Status == health.StatusUnhealthy {
				return fmt.Errorf("gateway unhealthy")
			}
			return nil
		},
	}
}

func usageCmd(opts *globalOptions) *cobra.Command {
	var start, end, module string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show aggregated usage and cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "start", start)
			setIf(q, "end", end)
			setIf(q, "module", module)
			var m ledger.UsageMetrics
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/usage/metrics", q, nil, &m); err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "window      %s .. %s\n", m.Start.Format(time.RFC3339), m.End.Format(time.RFC3339))
			fmt.Fprintf(w, "requests    %d\n", m.TotalRequests)
			fmt.Fprintf(w, "tokens      %d\n", m.TotalTokens)
			fmt.Fprintf(w, "cost        $%.6f\n", m.TotalCost)
			fmt.Fprintf(w, "latency     %.0fms avg\n", m.AverageLatencyMs)
			fmt.Fprintf(w, "success     %.1f%%\n", m.SuccessRate*100)
			fmt.Fprintf(w, "quality     %.2f avg\n", m.AverageQuality)
			if len(m.Modules) > 0 {
				fmt.Fprintln(w)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "MODULE\tREQUESTS\tCOST")
				for _, mod := range m.Modules {
					fmt.Fprintf(tw, "%s\t%d\t$%.6f\n", mod.Module, mod.Requests, mod.Cost)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339 or YYYY-MM-DD), default 24h ago")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339 or YYYY-MM-DD), default now")
	cmd.Flags().StringVar(&module, "module", "", "restrict to one module")
	return cmd
}

func alertsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and resolve cost alerts",
	}

	var userID string
	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List cost alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "user_id", userID)
			if activeOnly {
				q.Set("active", "true")
			}
			var out struct {
				Alerts []ledger.CostAlert `json:"alerts"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/alerts", q, nil, &out); err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tTYPE\tSEVERITY\tACTIVE\tTRIGGERED\tMESSAGE")
			for _, a := range out.Alerts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					a.ID, a.UserID, a.Type, a.Severity, a.Active, a.TriggeredAt.Format(time.RFC3339), a.Message)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&userID, "user-id", "", "only this user's alerts")
	list.Flags().BoolVar(&activeOnly, "active", false, "only active alerts")

	var resolvedBy string
	resolve := &cobra.Command{
		Use:   "resolve <alert-id>",
		Short: "Mark an alert resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by := firstNonEmpty(resolvedBy, opts.userID)
			if by == "" {
				return fmt.Errorf("--by or --user is required")
			}
			var alert ledger.CostAlert
			path := "/api/v1/alerts/" + url.PathEscape(args[0]) + "/resolve"
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, path, nil, map[string]string{"resolvedBy": by}, &alert); err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), alert)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "alert %s resolved by %s\n", alert.ID, alert.ResolvedBy)
			return nil
		},
	}
	resolve.Flags().StringVar(&resolvedBy, "by", "", "who resolves the alert (defaults to --user)")

	cmd.AddCommand(list, resolve)
	return cmd
}

func limitsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Read and update per-user cost limits",
	}

	get := &cobra.Command{
		Use:   "get <user-id>",
		Short: "Show a user's cost limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var limit ledger.CostLimit
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/limits/"+url.PathEscape(args[0]), nil, nil, &limit); err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), limit)
			}
			printLimit(cmd.OutOrStdout(), limit)
			return nil
		},
	}

	var daily, weekly, monthly float64
	var modules []string
	var inactive bool
	set := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Create or replace a user's cost limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			moduleLimits, err := parseModuleLimits(modules)
			if err != nil {
				return err
			}
			limit, err := putLimit(cmd.Context(), opts.client(), ledger.CostLimit{
				UserID:       args[0],
				DailyLimit:   daily,
				WeeklyLimit:  weekly,
				MonthlyLimit: monthly,
				ModuleLimits: moduleLimits,
				Active:       !inactive,
			})
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), limit)
			}
			printLimit(cmd.OutOrStdout(), limit)
			return nil
		},
	}
	set.Flags().Float64Var(&daily, "daily", 0, "daily ceiling in USD (0 disables)")
	set.Flags().Float64Var(&weekly, "weekly", 0, "weekly ceiling in USD (0 disables)")
	set.Flags().Float64Var(&monthly, "monthly", 0, "monthly ceiling in USD (0 disables)")
	set.Flags().StringSliceVar(&modules, "module", nil, "per-module ceiling as name=usd, repeatable")
	set.Flags().BoolVar(&inactive, "inactive", false, "store the limit disabled")

	imp := &cobra.Command{
		Use:   "import <limits.yaml>",
		Short: "Upsert every limit from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := ledger.LoadLimitsFile(args[0])
			if err != nil {
				return err
			}
			client := opts.client()
			for _, limit := range limits {
				if _, err := putLimit(cmd.Context(), client, limit); err != nil {
					return fmt.Errorf("import %s: %w", limit.UserID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d limits\n", len(limits))
			return nil
		},
	}

	cmd.AddCommand(get, set, imp)
	return cmd
}

func putLimit(ctx context.Context, client *apiClient, limit ledger.CostLimit) (ledger.CostLimit, error) {
	body := map[string]any{
		"dailyLimit":   limit.DailyLimit,
		"weeklyLimit":  limit.WeeklyLimit,
		"monthlyLimit": limit.MonthlyLimit,
		"active":       limit.Active,
	}
	if len(limit.ModuleLimits) > 0 {
		body["moduleLimits"] = limit.ModuleLimits
	}
	var out ledger.CostLimit
	_, err := client.do(ctx, http.MethodPut, "/api/v1/limits/"+url.PathEscape(limit.UserID), nil, body, &out)
	return out, err
}

func printLimit(w io.Writer, l ledger.CostLimit) {
	fmt.Fprintf(w, "user     %s (active=%t)\n", l.UserID, l.Active)
	fmt.Fprintf(w, "daily    $%.4f\n", l.DailyLimit)
	fmt.Fprintf(w, "weekly   $%.4f\n", l.WeeklyLimit)
	fmt.Fprintf(w, "monthly  $%.4f\n", l.MonthlyLimit)
	for module, v := range l.ModuleLimits {
		fmt.Fprintf(w, "module   %s $%.4f\n", module, v)
	}
}

func parseModuleLimits(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("--module wants name=usd, got %q", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("--module %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.FullInfo())
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setIf(q url.Values, key, value string) {
	if strings.TrimSpace(value) != "" {
		q.Set(key, strings.TrimSpace(value))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
