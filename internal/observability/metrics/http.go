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

const namespace = "sleepy"

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
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
			h.counts[idx]++
		}
	}
}

// labels 是按固定顺序排列的标签对，序列化后作为 map 的键。
type labels []string

func (l labels) key() string {
	return strings.Join(l, "\x00")
}

func (l labels) render() string {
	parts := make([]string, 0, len(l)/2)
	for i := 0; i+1 < len(l); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", l[i], escape(l[i+1])))
	}
	return strings.Join(parts, ",")
}

type counterVec struct {
	help   string
	values map[string]uint64
	labels map[string]labels
}

func newCounterVec(help string) *counterVec {
	return &counterVec{help: help, values: make(map[string]uint64), labels: make(map[string]labels)}
}

func (c *counterVec) inc(l labels) {
	k := l.key()
	c.values[k]++
	c.labels[k] = l
}

type histogramVec struct {
	help   string
	values map[string]*histogram
	labels map[string]labels
}

func newHistogramVec(help string) *histogramVec {
	return &histogramVec{help: help, values: make(map[string]*histogram), labels: make(map[string]labels)}
}

func (h *histogramVec) observe(l labels, seconds float64) {
	k := l.key()
	hist := h.values[k]
	if hist == nil {
		hist = newHistogram()
		h.values[k] = hist
		h.labels[k] = l
	}
	hist.observe(seconds)
}

// Collector 以 Prometheus 文本格式汇总运行指标。
type Collector struct {
	mu          sync.Mutex
	requests    *counterVec
	httpErrors  *counterVec
	httpLatency *histogramVec
	steps       *counterVec
	stepLatency *histogramVec
	remoteCalls *counterVec
	remoteLat   *histogramVec
	retries     *counterVec
	transitions *counterVec
	tasks       *counterVec
}

// NewCollector 创建独立的指标集合。
func NewCollector() *Collector {
	return &Collector{
		requests:    newCounterVec("Total number of HTTP requests processed."),
		httpErrors:  newCounterVec("Total number of HTTP requests that resulted in a server error."),
		httpLatency: newHistogramVec("HTTP request duration in seconds."),
		steps:       newCounterVec("Executed steps by kind and outcome."),
		stepLatency: newHistogramVec("Step execution duration in seconds."),
		remoteCalls: newCounterVec("Step generation calls by outcome."),
		remoteLat:   newHistogramVec("Step generation call duration in seconds."),
		retries:     newCounterVec("Step generation retries by error code."),
		transitions: newCounterVec("Agent state transitions by kind and target state."),
		tasks:       newCounterVec("Finished tasks by status."),
	}
}

// Default 是进程级的指标集合。
var Default = NewCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests.inc(labels{"handler", handler, "method", method, "code", strconv.Itoa(status)})
	if status >= 500 {
		c.httpErrors.inc(labels{"handler", handler, "method", method})
	}
	c.httpLatency.observe(labels{"handler", handler, "method", method}, duration.Seconds())
}

// ObserveStep 记录一次步骤执行。
func (c *Collector) ObserveStep(kind string, passed bool, duration time.Duration) {
	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps.inc(labels{"kind", kind, "outcome", outcome})
	c.stepLatency.observe(labels{"kind", kind}, duration.Seconds())
}

// ObserveRemoteCall 记录一次步骤生成调用。
func (c *Collector) ObserveRemoteCall(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteCalls.inc(labels{"outcome", outcome})
	c.remoteLat.observe(labels{}, duration.Seconds())
}

// IncRemoteRetry 记录一次退避重试。
func (c *Collector) IncRemoteRetry(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries.inc(labels{"code", code})
}

// ObserveAgentTransition 记录代理状态迁移。
func (c *Collector) ObserveAgentTransition(kind, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions.inc(labels{"kind", kind, "state", state})
}

// ObserveTask 记录任务结束状态。
func (c *Collector) ObserveTask(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks.inc(labels{"status", status})
}

// Handler exposes the default collector in Prometheus text exposition format.
func Handler() http.Handler {
	return Default.Handler()
}

// Handler 以 Prometheus 文本格式输出指标。
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

// Render 返回当前指标的文本表示。
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)
	writeCounter(&builder, "http_requests_total", c.requests)
	writeCounter(&builder, "http_request_errors_total", c.httpErrors)
	writeHistogram(&builder, "http_request_duration_seconds", c.httpLatency)
	writeCounter(&builder, "steps_total", c.steps)
	writeHistogram(&builder, "step_duration_seconds", c.stepLatency)
	writeCounter(&builder, "remote_calls_total", c.remoteCalls)
	writeHistogram(&builder, "remote_call_duration_seconds", c.remoteLat)
	writeCounter(&builder, "remote_retries_total", c.retries)
	writeCounter(&builder, "agent_transitions_total", c.transitions)
	writeCounter(&builder, "tasks_total", c.tasks)
	return builder.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeCounter(b *strings.Builder, name string, vec *counterVec) {
	full := namespace + "_" + name
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", full, vec.help, full)
	for _, k := range sortedKeys(vec.values) {
		fmt.Fprintf(b, "%s{%s} %d\n", full, vec.labels[k].render(), vec.values[k])
	}
}

func writeHistogram(b *strings.Builder, name string, vec *histogramVec) {
	full := namespace + "_" + name
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", full, vec.help, full)
	for _, k := range sortedKeys(vec.values) {
		hist := vec.values[k]
		base := vec.labels[k].render()
		sep := ""
		if base != "" {
			sep = ","
		}
		for idx, bound := range hist.buckets {
			fmt.Fprintf(b, "%s_bucket{%s%sle=\"%s\"} %d\n", full, base, sep, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket{%s%sle=\"+Inf\"} %d\n", full, base, sep, hist.count)
		fmt.Fprintf(b, "%s_sum{%s} %s\n", full, base, formatFloat(hist.sum))
		fmt.Fprintf(b, "%s_count{%s} %d\n", full, base, hist.count)
	}
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
