package metrics

import (
	"fmt"
	"sort"
	"strings"
)

const prefix = "exercise_gateway_"

// FormatPrometheus formats metrics in Prometheus text exposition format.
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	gauge(&sb, "uptime_seconds", "Process uptime in seconds", float64(snap.Uptime))

	intFamily(&sb, "http_requests_total", "Total HTTP requests by endpoint", "counter", "endpoint", snap.TotalRequests)
	intFamily(&sb, "http_request_duration_ms_total", "Cumulative HTTP request duration in milliseconds", "counter", "endpoint", snap.TotalRequestsDur)
	intFamily(&sb, "http_request_errors_total", "HTTP requests that ended in an error status", "counter", "endpoint", snap.RequestErrors)
	intFamily(&sb, "http_requests_in_progress", "HTTP requests currently being served", "gauge", "endpoint", snap.RequestsInProgress)

	counter(&sb, "rate_limit_hits_total", "Requests rejected by the rate limiter", float64(snap.RateLimitHits))
	masked := make(map[string]int64, len(snap.RateLimitByKey))
	for k, v := range snap.RateLimitByKey {
		masked[maskUserID(k)] += v
	}
	intFamily(&sb, "rate_limit_hits_by_user_total", "Rate limiter rejections by user", "counter", "user", masked)

	intFamily(&sb, "cache_hits_total", "Gateway cache hits by action", "counter", "action", snap.CacheHits)
	intFamily(&sb, "cache_misses_total", "Gateway cache misses by action", "counter", "action", snap.CacheMisses)
	counter(&sb, "cache_evictions_total", "Gateway cache evictions", float64(snap.CacheEvictions))

	fmt.Fprintf(&sb, "# HELP %supstream_calls_total Remote calls by action and status\n", prefix)
	fmt.Fprintf(&sb, "# TYPE %supstream_calls_total counter\n", prefix)
	for _, key := range sortedKeys(snap.UpstreamCalls) {
		action, status, _ := strings.Cut(key, "|")
		fmt.Fprintf(&sb, "%supstream_calls_total{action=%q,status=%q} %d\n", prefix, action, status, snap.UpstreamCalls[key])
	}
	sb.WriteString("\n")
	intFamily(&sb, "upstream_duration_ms_total", "Cumulative remote call duration in milliseconds", "counter", "action", snap.UpstreamDur)
	intFamily(&sb, "degraded_responses_total", "Degraded gateway results by reason", "counter", "reason", snap.Degraded)
	intFamily(&sb, "health_probes_total", "Health probes by outcome", "counter", "outcome", snap.HealthProbes)

	intFamily(&sb, "generations_total", "Exercise generations by outcome", "counter", "outcome", snap.Generations)
	counter(&sb, "generation_cycles_total", "Generate and validate cycles", float64(snap.GenerationCycles))
	counter(&sb, "quality_score_sum", "Sum of quality scores of validated candidates", snap.QualityScoreSum)
	counter(&sb, "quality_score_count", "Number of validated candidates", float64(snap.QualityScoreCount))

	floatFamily(&sb, "cost_usd_total", "Estimated cost in USD by module", "module", snap.CostByModule)
	intFamily(&sb, "tokens_total", "Estimated tokens by module", "counter", "module", snap.TokensByModule)
	intFamily(&sb, "cost_alerts_total", "Cost alerts raised by type", "counter", "type", snap.AlertsByType)

	return sb.String()
}

func gauge(sb *strings.Builder, name, help string, v float64) {
	scalar(sb, name, help, "gauge", v)
}

func counter(sb *strings.Builder, name, help string, v float64) {
	scalar(sb, name, help, "counter", v)
}

func scalar(sb *strings.Builder, name, help, typ string, v float64) {
	fmt.Fprintf(sb, "# HELP %s%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s%s %s\n", prefix, name, typ)
	fmt.Fprintf(sb, "%s%s %g\n\n", prefix, name, v)
}

func intFamily(sb *strings.Builder, name, help, typ, label string, values map[string]int64) {
	fmt.Fprintf(sb, "# HELP %s%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s%s %s\n", prefix, name, typ)
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(sb, "%s%s{%s=%q} %d\n", prefix, name, label, k, values[k])
	}
	sb.WriteString("\n")
}

func floatFamily(sb *strings.Builder, name, help, label string, values map[string]float64) {
	fmt.Fprintf(sb, "# HELP %s%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s%s counter\n", prefix, name)
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(sb, "%s%s{%s=%q} %g\n", prefix, name, label, k, values[k])
	}
	sb.WriteString("\n")
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// maskUserID keeps the first and last two characters of an identifier.
func maskUserID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:2] + "***" + id[len(id)-2:]
}
