// Package metrics aggregates in-memory counters for HTTP traffic, upload
// outcomes, and relay failures, and renders them in Prometheus text
// exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates counters behind a RWMutex so handlers can record
// concurrently while scrapes take a consistent snapshot.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	uploadOutcomes  map[string]uint64
	relayFailures   map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadOutcomes:  make(map[string]uint64),
		relayFailures:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// carry their own.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// RecordUpload counts upload pipeline outcomes.
func (r *Recorder) RecordUpload(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.mu.Lock()
	r.uploadOutcomes[outcome]++
	r.mu.Unlock()
}

// RecordRelayFailure counts failed blob host exchanges by upstream
// operation.
func (r *Recorder) RecordRelayFailure(operation string) {
	op := strings.ToLower(strings.TrimSpace(operation))
	if op == "" {
		op = "unknown"
	}
	r.mu.Lock()
	r.relayFailures[op]++
	r.mu.Unlock()
}

// UploadCounts returns a copy of the upload outcome counters for tests.
func (r *Recorder) UploadCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.uploadOutcomes))
	for k, v := range r.uploadOutcomes {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadOutcomes = make(map[string]uint64)
	r.relayFailures = make(map[string]uint64)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics, sorting label sets so output is
// stable for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadOutcomes := sortedKeys(r.uploadOutcomes)
	relayOperations := sortedKeys(r.relayFailures)

	fmt.Fprintln(w, "# HELP imgbed_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE imgbed_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "imgbed_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP imgbed_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE imgbed_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "imgbed_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP imgbed_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE imgbed_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "imgbed_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP imgbed_uploads_total Upload pipeline outcomes")
	fmt.Fprintln(w, "# TYPE imgbed_uploads_total counter")
	for _, outcome := range uploadOutcomes {
		fmt.Fprintf(w, "imgbed_uploads_total{outcome=\"%s\"} %d\n", outcome, r.uploadOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP imgbed_relay_failures_total Failed blob host exchanges by upstream operation")
	fmt.Fprintln(w, "# TYPE imgbed_relay_failures_total counter")
	for _, op := range relayOperations {
		fmt.Fprintf(w, "imgbed_relay_failures_total{operation=\"%s\"} %d\n", op, r.relayFailures[op])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.HasSuffix(path, "/") && len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
