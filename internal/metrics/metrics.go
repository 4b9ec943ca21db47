package metrics

import (
	"sync"
	"time"
)

// Collector keeps process-local counters for the HTTP surface, the gateway,
// the generator and the ledger. All methods are safe on a nil receiver so
// components can run without metrics.
type Collector struct {
	mu sync.RWMutex

	// HTTP
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // ms by endpoint
	requestErrors      map[string]int64
	requestsInProgress map[string]int64

	rateLimitHits  int64
	rateLimitByKey map[string]int64

	// Gateway
	cacheHits      map[string]int64 // by action
	cacheMisses    map[string]int64
	cacheEvictions int64
	upstreamCalls  map[string]int64 // by action|status
	upstreamDur    map[string]int64 // ms by action
	degraded       map[string]int64 // by reason
	healthProbes   map[string]int64 // by outcome

	// Generator
	generations       map[string]int64 // by outcome
	generationCycles  int64
	qualityScoreSum   float64
	qualityScoreCount int64

	// Ledger
	costByModule   map[string]float64
	tokensByModule map[string]int64
	alertsByType   map[string]int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		rateLimitByKey:     make(map[string]int64),
		cacheHits:          make(map[string]int64),
		cacheMisses:        make(map[string]int64),
		upstreamCalls:      make(map[string]int64),
		upstreamDur:        make(map[string]int64),
		degraded:           make(map[string]int64),
		healthProbes:       make(map[string]int64),
		generations:        make(map[string]int64),
		costByModule:       make(map[string]float64),
		tokensByModule:     make(map[string]int64),
		alertsByType:       make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a completed request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
	if failed {
		c.requestErrors[endpoint]++
	}
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsInProgress[endpoint]--
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHits++
	c.rateLimitByKey[key]++
}

func (c *Collector) RecordCacheHit(action string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHits[action]++
}

func (c *Collector) RecordCacheMiss(action string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheMisses[action]++
}

func (c *Collector) RecordCacheEviction(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheEvictions += int64(n)
}

// RecordUpstreamCall records one remote call. status is the HTTP status or 0
// when no answer was obtained.
func (c *Collector) RecordUpstreamCall(action string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreamCalls[action+"|"+statusLabel(status)]++
	c.upstreamDur[action] += duration.Milliseconds()
}

func (c *Collector) RecordDegraded(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded[reason]++
}

func (c *Collector) RecordHealthProbe(healthy bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if healthy {
		c.healthProbes["healthy"]++
	} else {
		c.healthProbes["unhealthy"]++
	}
}

// RecordGeneration records a finished generation: outcome is validated,
// best_effort or fallback; cycles is the number of generate-validate cycles.
func (c *Collector) RecordGeneration(outcome string, cycles int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[outcome]++
	c.generationCycles += int64(cycles)
}

func (c *Collector) RecordQualityScore(score float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qualityScoreSum += score
	c.qualityScoreCount++
}

// RecordUsage records ledger cost and tokens for a module.
func (c *Collector) RecordUsage(module string, tokens int64, cost float64) {
	if c == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.costByModule[module] += cost
	c.tokensByModule[module] += tokens
}

func (c *Collector) RecordAlert(alertType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alertsByType[alertType]++
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64
	RateLimitHits      int64
	RateLimitByKey     map[string]int64
	CacheHits          map[string]int64
	CacheMisses        map[string]int64
	CacheEvictions     int64
	UpstreamCalls      map[string]int64
	UpstreamDur        map[string]int64
	Degraded           map[string]int64
	HealthProbes       map[string]int64
	Generations        map[string]int64
	GenerationCycles   int64
	QualityScoreSum    float64
	QualityScoreCount  int64
	CostByModule       map[string]float64
	TokensByModule     map[string]int64
	AlertsByType       map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),
		RateLimitHits:      c.rateLimitHits,
		RateLimitByKey:     copyMap(c.rateLimitByKey),
		CacheHits:          copyMap(c.cacheHits),
		CacheMisses:        copyMap(c.cacheMisses),
		CacheEvictions:     c.cacheEvictions,
		UpstreamCalls:      copyMap(c.upstreamCalls),
		UpstreamDur:        copyMap(c.upstreamDur),
		Degraded:           copyMap(c.degraded),
		HealthProbes:       copyMap(c.healthProbes),
		Generations:        copyMap(c.generations),
		GenerationCycles:   c.generationCycles,
		QualityScoreSum:    c.qualityScoreSum,
		QualityScoreCount:  c.qualityScoreCount,
		CostByModule:       copyMap(c.costByModule),
		TokensByModule:     copyMap(c.tokensByModule),
		AlertsByType:       copyMap(c.alertsByType),
	}
}

func copyMap[T int64 | float64](m map[string]T) map[string]T {
	result := make(map[string]T, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func statusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return itoa(status)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
