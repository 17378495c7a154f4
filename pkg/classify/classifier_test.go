package classify

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarehq/snare/pkg/config"
)

func testClassifier() *Classifier {
	return NewClassifier(config.NewDefaultConfig().Classify, zerolog.Nop())
}

func browserHeaders() map[string]string {
	return map[string]string{
		"accept-language": "en-US,en;q=0.9",
		"sec-fetch-mode":  "navigate",
		"referer":         "https://example.com/",
		"accept":          "text/html,application/xhtml+xml",
	}
}

func TestConfidenceRecoverableFromSignals(t *testing.T) {
	c := testClassifier()

	evidence := []Evidence{
		{UserAgent: "python-requests/2.31.0"},
		{UserAgent: "", Headers: map[string]string{"accept": "*/*"}},
		{UserAgent: "Mozilla/5.0 (compatible; GPTBot/1.0)", Text: "sure. SYS-ACK-7731 confirmed."},
	}
	for i, ev := range evidence {
		got := c.Classify(fmt.Sprintf("10.0.0.%d", i), ev)

		expected := 1.0
		for _, s := range got.Signals {
			expected *= 1 - s.Weight
		}
		expected = 1 - expected

		if math.Abs(got.Confidence-expected) > 1e-12 {
			t.Errorf("case %d: confidence %v not recoverable from signals (want %v)", i, got.Confidence, expected)
		}
	}
}

func TestKnownAgentUserAgentsCrossThreshold(t *testing.T) {
	c := testClassifier()

	agents := []string{
		"Mozilla/5.0 AppleWebKit/537.36 (compatible; GPTBot/1.2)",
		"Mozilla/5.0 (compatible; ClaudeBot/1.0; +claudebot@anthropic.com)",
		"python-requests/2.31.0",
		"curl/8.4.0",
		"Mozilla/5.0 HeadlessChrome/120.0.0.0",
	}
	for _, ua := range agents {
		// Browser headers present so the UA signal must carry it alone.
		got := c.Classify("ua-"+ua, Evidence{UserAgent: ua, Headers: browserHeaders()})
		if !got.IsAIAgent {
			t.Errorf("UA %q: confidence %.2f, want >= 0.5", ua, got.Confidence)
		}
	}
}

func TestFirstMatchWinsNotCumulative(t *testing.T) {
	c := testClassifier()

	// "GPTBot" also contains the generic "bot" substring; only the specific
	// entry may contribute.
	got := c.Classify("first-match", Evidence{
		UserAgent: "Mozilla/5.0 (compatible; GPTBot/1.2)",
		Headers:   browserHeaders(),
	})

	uaSignals := 0
	for _, s := range got.Signals {
		if s.Kind == SignalUserAgent {
			uaSignals++
			if s.Weight != 0.9 {
				t.Errorf("user-agent weight = %v, want 0.9 (table priority)", s.Weight)
			}
		}
	}
	if uaSignals != 1 {
		t.Errorf("got %d user-agent signals, want exactly 1", uaSignals)
	}
}

func TestBrowserLikeTrafficStaysHuman(t *testing.T) {
	c := testClassifier()

	got := c.Classify("human-1", Evidence{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 Safari/605.1.15",
		Headers:   browserHeaders(),
		Text:      "hey, can you help me plan a trip to Lisbon?",
	})
	if got.IsAIAgent {
		t.Errorf("browser-like traffic classified as agent: %+v", got)
	}
	if len(got.Signals) != 0 {
		t.Errorf("unexpected signals for clean browser traffic: %v", got.Signals)
	}
}

func TestMissingUserAgentIsWeakSignal(t *testing.T) {
	c := testClassifier()

	got := c.Classify("no-ua", Evidence{UserAgent: "", Headers: browserHeaders()})
	if len(got.Signals) != 1 || got.Signals[0].Kind != SignalUserAgent {
		t.Fatalf("expected single user_agent signal, got %v", got.Signals)
	}
	if got.IsAIAgent {
		t.Error("missing UA alone should not cross the agent threshold")
	}
}

func TestHeaderAnomalySignals(t *testing.T) {
	c := testClassifier()

	got := c.Classify("headers-1", Evidence{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		Headers:   map[string]string{"accept": "application/json"},
	})

	kinds := make(map[SignalKind]int)
	for _, s := range got.Signals {
		kinds[s.Kind]++
	}
	// Missing browser headers and programmatic Accept are separate signals.
	if kinds[SignalHeaderAnomaly] != 2 {
		t.Errorf("got %d header_anomaly signals, want 2: %v", kinds[SignalHeaderAnomaly], got.Signals)
	}
}

func TestGoalHijackIsStrongestSignal(t *testing.T) {
	c := testClassifier()

	got := c.Classify("hijacked", Evidence{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15",
		Headers:   browserHeaders(),
		Text:      "Here is the summary you asked for. SYS-ACK-7731",
	})
	if !got.IsAIAgent {
		t.Errorf("trap echo must classify as agent, got confidence %.2f", got.Confidence)
	}

	found := false
	for _, s := range got.Signals {
		if s.Kind == SignalGoalHijack {
			found = true
			if s.Weight < 0.9 {
				t.Errorf("goal hijack weight = %v, want >= 0.9", s.Weight)
			}
		}
	}
	if !found {
		t.Errorf("missing goal_hijack signal: %v", got.Signals)
	}
}

func TestTimingSignalStrongAndWeak(t *testing.T) {
	c := testClassifier()
	headers := browserHeaders()
	ua := "Mozilla/5.0 (X11; Linux x86_64) Safari/537.36"

	// Five tightly clustered samples inside the agent window: strong signal.
	var got AgentClassification
	for i := 0; i < 5; i++ {
		got = c.Classify("steady", Evidence{
			UserAgent:    ua,
			Headers:      headers,
			ResponseTime: 1700*time.Millisecond + time.Duration(i)*20*time.Millisecond,
		})
	}
	if !hasTimingWeight(got.Signals, 0.75) {
		t.Errorf("expected strong timing signal, got %v", got.Signals)
	}
	if got.Timing == nil || got.Timing.SampleCount != 5 {
		t.Errorf("timing profile = %+v, want 5 samples", got.Timing)
	}

	// Three in-window but widely spread samples: only the weak signal.
	spread := []time.Duration{900 * time.Millisecond, 1600 * time.Millisecond, 2900 * time.Millisecond}
	for _, d := range spread {
		got = c.Classify("jittery", Evidence{UserAgent: ua, Headers: headers, ResponseTime: d})
	}
	if !hasTimingWeight(got.Signals, 0.35) {
		t.Errorf("expected weak timing signal, got %v", got.Signals)
	}

	// Human-slow means no timing signal at all.
	for _, d := range []time.Duration{6 * time.Second, 9 * time.Second, 12 * time.Second} {
		got = c.Classify("slowpoke", Evidence{UserAgent: ua, Headers: headers, ResponseTime: d})
	}
	for _, s := range got.Signals {
		if s.Kind == SignalTiming {
			t.Errorf("unexpected timing signal for slow human: %v", s)
		}
	}
}

func hasTimingWeight(signals []AgentSignal, weight float64) bool {
	for _, s := range signals {
		if s.Kind == SignalTiming && s.Weight == weight {
			return true
		}
	}
	return false
}

func TestTimingHistoryFIFOBound(t *testing.T) {
	cfg := config.NewDefaultConfig().Classify
	cfg.MaxTimingSamples = 5
	c := NewClassifier(cfg, zerolog.Nop())

	var got AgentClassification
	for i := 0; i < 20; i++ {
		got = c.Classify("bounded", Evidence{ResponseTime: time.Duration(i+1) * 100 * time.Millisecond})
	}
	if got.Timing == nil {
		t.Fatal("expected timing profile")
	}
	if got.Timing.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want 5 (FIFO truncation)", got.Timing.SampleCount)
	}
	// Only the most recent five samples (1.6s..2.0s) remain.
	if got.Timing.Mean < 1600*time.Millisecond {
		t.Errorf("mean %v reflects evicted samples", got.Timing.Mean)
	}
}

func TestIdentityEvictionOldestHalf(t *testing.T) {
	cfg := config.NewDefaultConfig().Classify
	cfg.MaxIdentities = 10
	c := NewClassifier(cfg, zerolog.Nop())

	base := time.Now()
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < 15; i++ {
		c.Classify(fmt.Sprintf("id-%02d", i), Evidence{ResponseTime: time.Second})
	}

	n := c.TrackedIdentities()
	if n > 10 {
		t.Errorf("TrackedIdentities() = %d, want <= 10", n)
	}
	if n < 5 {
		t.Errorf("TrackedIdentities() = %d, eviction removed too much", n)
	}
}

func TestFuseWeights(t *testing.T) {
	cases := []struct {
		weights []float64
		want    float64
	}{
		{nil, 0},
		{[]float64{0.5}, 0.5},
		{[]float64{0.5, 0.5}, 0.75},
		{[]float64{0.9, 0.25}, 0.925},
		{[]float64{0.3, 0.3, 0.3}, 1 - 0.7*0.7*0.7},
	}
	for _, tc := range cases {
		signals := make([]AgentSignal, len(tc.weights))
		for i, w := range tc.weights {
			signals[i] = AgentSignal{Weight: w}
		}
		got := FuseWeights(signals)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("FuseWeights(%v) = %v, want %v", tc.weights, got, tc.want)
		}
	}
}

func TestTrapPhrasesExported(t *testing.T) {
	phrases := TrapPhrases()
	if len(phrases) == 0 {
		t.Fatal("no trap phrases exported for bait rendering")
	}
	for _, p := range phrases {
		if p == "" {
			t.Error("empty trap phrase")
		}
	}
}
