package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type outcomeKey struct {
	behavior string
	state    string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[errorKey]uint64
	latency  map[latencyKey]*histogram
	outcomes map[outcomeKey]uint64
	ticks    map[string]*histogram
}

var defaultCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[errorKey]uint64),
	latency:  make(map[latencyKey]*histogram),
	outcomes: make(map[outcomeKey]uint64),
	ticks:    make(map[string]*histogram),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveRunOutcome records the terminal state and tick count of a finished run.
func ObserveRunOutcome(behavior, finalState string, ticks int) {
	defaultCollector.observeOutcome(behavior, finalState, ticks)
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newLatencyHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeOutcome(behavior, finalState string, ticks int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes[outcomeKey{behavior: behavior, state: finalState}]++

	hist := c.ticks[behavior]
	if hist == nil {
		hist = newTickHistogram()
		c.ticks[behavior] = hist
	}
	hist.observe(float64(ticks))
}

func newLatencyHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func newTickHistogram() *histogram {
	buckets := []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// Values greater than the last bucket are accounted for in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type errorMetric struct {
		errorKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	type outcomeMetric struct {
		outcomeKey
		value uint64
	}
	type tickMetric struct {
		behavior string
		buckets  []float64
		counts   []uint64
		sum      float64
		count    uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}
	outs := make([]outcomeMetric, 0, len(c.outcomes))
	for key, value := range c.outcomes {
		outs = append(outs, outcomeMetric{outcomeKey: key, value: value})
	}
	tickHists := make([]tickMetric, 0, len(c.ticks))
	for behavior, hist := range c.ticks {
		tickHists = append(tickHists, tickMetric{
			behavior: behavior,
			buckets:  append([]float64(nil), hist.buckets...),
			counts:   append([]uint64(nil), hist.counts...),
			sum:      hist.sum,
			count:    hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})
	sort.Slice(outs, func(i, j int) bool {
		if outs[i].behavior == outs[j].behavior {
			return outs[i].state < outs[j].state
		}
		return outs[i].behavior < outs[j].behavior
	})
	sort.Slice(tickHists, func(i, j int) bool {
		return tickHists[i].behavior < tickHists[j].behavior
	})

	var builder strings.Builder
	builder.Grow(2048)

	builder.WriteString("# HELP behaviormesh_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE behaviormesh_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("behaviormesh_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP behaviormesh_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE behaviormesh_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("behaviormesh_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	builder.WriteString("# HELP behaviormesh_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE behaviormesh_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("behaviormesh_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("behaviormesh_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("behaviormesh_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("behaviormesh_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	builder.WriteString("# HELP behaviormesh_run_outcomes_total Total number of behavior runs by terminal state.\n")
	builder.WriteString("# TYPE behaviormesh_run_outcomes_total counter\n")
	for _, metric := range outs {
		builder.WriteString(fmt.Sprintf("behaviormesh_run_outcomes_total{behavior=\"%s\",state=\"%s\"} %d\n",
			escape(metric.behavior), escape(metric.state), metric.value))
	}

	builder.WriteString("# HELP behaviormesh_run_ticks Ticks consumed per behavior run.\n")
	builder.WriteString("# TYPE behaviormesh_run_ticks histogram\n")
	for _, metric := range tickHists {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("behaviormesh_run_ticks_bucket{behavior=\"%s\",le=\"%s\"} %d\n",
				escape(metric.behavior), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("behaviormesh_run_ticks_bucket{behavior=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.behavior), metric.count))
		builder.WriteString(fmt.Sprintf("behaviormesh_run_ticks_sum{behavior=\"%s\"} %s\n",
			escape(metric.behavior), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("behaviormesh_run_ticks_count{behavior=\"%s\"} %d\n",
			escape(metric.behavior), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
