// Package observe provides application-wide observability primitives for
// VoiceWire: OpenTelemetry metrics with a Prometheus exporter bridge so the
// standard /metrics endpoint keeps working.
//
// A package-level default Metrics instance (DefaultMetrics) is provided for
// convenience; tests should use NewMetrics with a custom
// metric.MeterProvider to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all VoiceWire metrics.
const meterName = "github.com/voicewire/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// VADDuration tracks one VAD batch round-trip to the GPU service.
	VADDuration metric.Float64Histogram

	// TurnCheckDuration tracks smart-turn classification latency.
	TurnCheckDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TTSFirstByte tracks time from synthesis request to first audio chunk.
	TTSFirstByte metric.Float64Histogram

	// TurnRoundTrip tracks user speech end → first outbound audio frame.
	TurnRoundTrip metric.Float64Histogram

	// ToolDuration tracks tool execution latency.
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// GPURequests counts GPU service calls. Attributes: endpoint, status.
	GPURequests metric.Int64Counter

	// GPUErrors counts GPU service failures. Attribute: endpoint.
	GPUErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// Interrupts counts caller barge-ins that cancelled AI speech.
	Interrupts metric.Int64Counter

	// CallsStarted counts accepted calls.
	CallsStarted metric.Int64Counter

	// CallsEnded counts completed calls. Attribute: reason.
	CallsEnded metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised Metrics struct using the given
// metric.MeterProvider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	hist := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.Int64Counter(name, metric.WithDescription(desc))
		return c
	}

	met.VADDuration = hist("voicewire.vad.duration", "Latency of one VAD batch round-trip.")
	met.TurnCheckDuration = hist("voicewire.turn_check.duration", "Latency of smart-turn classification.")
	met.STTDuration = hist("voicewire.stt.duration", "Latency of speech-to-text transcription.")
	met.TTSFirstByte = hist("voicewire.tts.first_byte", "Time from synthesis request to first audio chunk.")
	met.TurnRoundTrip = hist("voicewire.turn.round_trip", "User speech end to first outbound audio frame.")
	met.ToolDuration = hist("voicewire.tool.duration", "Tool execution latency.")

	met.GPURequests = counter("voicewire.gpu.requests", "GPU inference service requests.")
	met.GPUErrors = counter("voicewire.gpu.errors", "GPU inference service failures.")
	met.ToolCalls = counter("voicewire.tool.calls", "Tool invocations.")
	met.Interrupts = counter("voicewire.interrupts", "Caller barge-ins that cancelled AI speech.")
	met.CallsStarted = counter("voicewire.calls.started", "Accepted calls.")
	met.CallsEnded = counter("voicewire.calls.ended", "Completed calls.")

	if err != nil {
		return nil, err
	}

	met.ActiveCalls, err = m.Int64UpDownCounter("voicewire.calls.active",
		metric.WithDescription("Live call sessions."))
	if err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide Metrics instance backed by the
// global OTel meter provider. Initialised lazily on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names; fall back to
			// no-op instruments so callers never nil-check.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
