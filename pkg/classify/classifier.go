// Package classify fuses user-agent, header, timing, and goal-hijack signals
// into a per-source probability that the peer is an autonomous agent rather
// than a human.
package classify

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarehq/snare/pkg/config"
)

// SignalKind identifies the signal family that produced an AgentSignal.
type SignalKind string

const (
	SignalUserAgent     SignalKind = "user_agent"
	SignalTiming        SignalKind = "timing"
	SignalBehavior      SignalKind = "behavior"
	SignalGoalHijack    SignalKind = "goal_hijack"
	SignalHeaderAnomaly SignalKind = "header_anomaly"
)

// AgentSignal is one piece of evidence with its fusion weight.
type AgentSignal struct {
	Kind      SignalKind `json:"kind"`
	Indicator string     `json:"indicator"`
	Weight    float64    `json:"weight"` // [0,1]
}

// AgentClassification is the fused verdict for one observation. Confidence is
// always derivable from Signals as 1 - prod(1 - w_i); it is never stored
// independently of them.
type AgentClassification struct {
	IsAIAgent  bool           `json:"is_ai_agent"`
	Confidence float64        `json:"confidence"`
	Signals    []AgentSignal  `json:"signals"`
	Timing     *TimingProfile `json:"timing_profile,omitempty"`
}

// Evidence carries everything the transport observed about one message.
// Zero-valued fields are simply absent evidence.
type Evidence struct {
	UserAgent    string
	Headers      map[string]string // keys are lowercased before matching
	Text         string            // the peer's message, checked against trap-reply patterns
	ResponseTime time.Duration     // time the peer took to answer; 0 means unobserved
}

// uaSignature is one entry of the prioritized user-agent table.
// The table is ordered: the first matching entry wins and no weights stack.
type uaSignature struct {
	substring string
	weight    float64
	indicator string
}

var uaTable = []uaSignature{
	// AI crawlers and assistant fetchers
	{"gptbot", 0.9, "OpenAI GPTBot crawler"},
	{"oai-searchbot", 0.9, "OpenAI search crawler"},
	{"chatgpt-user", 0.9, "ChatGPT browsing user-agent"},
	{"claudebot", 0.9, "Anthropic ClaudeBot crawler"},
	{"claude-web", 0.9, "Claude web fetcher"},
	{"anthropic-ai", 0.85, "Anthropic fetcher"},
	{"perplexitybot", 0.85, "Perplexity crawler"},
	{"google-extended", 0.8, "Google AI training crawler"},
	{"ccbot", 0.8, "Common Crawl bot"},
	{"bytespider", 0.8, "ByteDance crawler"},
	// Headless browsers and automation frameworks
	{"headlesschrome", 0.85, "headless Chrome"},
	{"puppeteer", 0.85, "Puppeteer automation"},
	{"playwright", 0.85, "Playwright automation"},
	{"phantomjs", 0.8, "PhantomJS"},
	{"selenium", 0.8, "Selenium automation"},
	// HTTP client libraries
	{"python-requests", 0.8, "python-requests library"},
	{"python-urllib", 0.8, "python urllib"},
	{"scrapy", 0.8, "Scrapy crawler"},
	{"aiohttp", 0.75, "python aiohttp"},
	{"httpx", 0.75, "python httpx"},
	{"go-http-client", 0.75, "Go default HTTP client"},
	{"node-fetch", 0.7, "node-fetch"},
	{"axios", 0.7, "axios HTTP client"},
	{"curl/", 0.7, "curl"},
	{"wget/", 0.7, "wget"},
	{"okhttp", 0.65, "okhttp client"},
	{"java/", 0.65, "Java HTTP client"},
	// Generic markers last so the specific entries above win
	{"crawler", 0.55, "generic crawler marker"},
	{"spider", 0.55, "generic spider marker"},
	{"bot", 0.5, "generic bot marker"},
}

const (
	missingUAWeight       = 0.4
	missingHeadersWeight  = 0.5
	programmaticAccept    = 0.25
	strongTimingWeight    = 0.75
	weakTimingWeight      = 0.35
	goalHijackWeight      = 0.95
	agentThreshold        = 0.5
)

// Classifier holds the per-identity timing state. Safe for concurrent use.
type Classifier struct {
	cfg    config.ClassifyConfig
	logger zerolog.Logger

	mu        sync.Mutex
	histories map[string]*timingHistory
	now       func() time.Time // injectable for tests
}

// NewClassifier creates a classifier with bounded identity tracking.
func NewClassifier(cfg config.ClassifyConfig, logger zerolog.Logger) *Classifier {
	return &Classifier{
		cfg:       cfg,
		logger:    logger.With().Str("component", "classify").Logger(),
		histories: make(map[string]*timingHistory),
		now:       time.Now,
	}
}

// Classify fuses all available evidence for one source identity. A fresh
// ResponseTime sample is folded into that identity's rolling history before
// the timing signal is evaluated.
func (c *Classifier) Classify(identity string, ev Evidence) AgentClassification {
	var signals []AgentSignal

	if s, ok := c.userAgentSignal(ev.UserAgent); ok {
		signals = append(signals, s)
	}
	signals = append(signals, headerSignals(ev.Headers)...)

	profile := c.observeTiming(identity, ev.ResponseTime)
	if s, ok := c.timingSignal(profile); ok {
		signals = append(signals, s)
	}

	if indicator := matchTrapReply(ev.Text); indicator != "" {
		signals = append(signals, AgentSignal{
			Kind:      SignalGoalHijack,
			Indicator: indicator,
			Weight:    goalHijackWeight,
		})
	}

	confidence := FuseWeights(signals)
	return AgentClassification{
		IsAIAgent:  confidence >= agentThreshold,
		Confidence: confidence,
		Signals:    signals,
		Timing:     profile,
	}
}

// FuseWeights combines signal weights as independent evidence:
// 1 - prod(1 - w_i). Several weak signals amplify; one strong signal can
// cross the threshold alone. The independence assumption is a deliberate,
// known approximation; do not replace with an average or max.
func FuseWeights(signals []AgentSignal) float64 {
	remaining := 1.0
	for _, s := range signals {
		remaining *= 1 - s.Weight
	}
	return 1 - remaining
}

// userAgentSignal takes the single strongest match by table order.
func (c *Classifier) userAgentSignal(ua string) (AgentSignal, bool) {
	trimmed := strings.TrimSpace(ua)
	if trimmed == "" {
		return AgentSignal{
			Kind:      SignalUserAgent,
			Indicator: "missing user-agent",
			Weight:    missingUAWeight,
		}, true
	}

	lower := strings.ToLower(trimmed)
	for _, sig := range uaTable {
		if strings.Contains(lower, sig.substring) {
			return AgentSignal{
				Kind:      SignalUserAgent,
				Indicator: sig.indicator,
				Weight:    sig.weight,
			}, true
		}
	}
	return AgentSignal{}, false
}

// headerSignals checks for browser header absence and programmatic Accept.
func headerSignals(headers map[string]string) []AgentSignal {
	normalized := make(map[string]string, len(headers))
	for k, v := range headers {
		normalized[strings.ToLower(k)] = v
	}

	var signals []AgentSignal

	_, hasLang := normalized["accept-language"]
	_, hasFetchMode := normalized["sec-fetch-mode"]
	_, hasReferer := normalized["referer"]
	if !hasLang && !hasFetchMode && !hasReferer {
		signals = append(signals, AgentSignal{
			Kind:      SignalHeaderAnomaly,
			Indicator: "no browser headers (accept-language, sec-fetch-mode, referer)",
			Weight:    missingHeadersWeight,
		})
	}

	accept := strings.TrimSpace(normalized["accept"])
	if accept == "*/*" || accept == "application/json" {
		signals = append(signals, AgentSignal{
			Kind:      SignalHeaderAnomaly,
			Indicator: "programmatic accept header: " + accept,
			Weight:    programmaticAccept,
		})
	}
	return signals
}

// observeTiming records a sample and returns the identity's current profile.
func (c *Classifier) observeTiming(identity string, sample time.Duration) *TimingProfile {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.histories[identity]
	if !ok {
		if sample <= 0 {
			return nil
		}
		c.evictIfFullLocked()
		h = newTimingHistory(c.cfg.MaxTimingSamples)
		c.histories[identity] = h
	}
	if sample > 0 {
		h.add(sample, c.now())
	}
	return h.profile()
}

// timingSignal applies the agent latency window heuristic. LLM-backed agents
// cluster in a narrow latency band; humans are slower and far more variable.
func (c *Classifier) timingSignal(p *TimingProfile) (AgentSignal, bool) {
	if p == nil {
		return AgentSignal{}, false
	}

	low, high := c.cfg.AgentWindowLow, c.cfg.AgentWindowHigh
	if low <= 0 || high <= 0 {
		low, high = 800*time.Millisecond, 3*time.Second
	}
	if p.Mean < low || p.Mean > high {
		return AgentSignal{}, false
	}

	maxStddev := c.cfg.MaxAgentStddev
	if maxStddev <= 0 {
		maxStddev = 500 * time.Millisecond
	}
	minSamples := c.cfg.MinStrongSamples
	if minSamples <= 0 {
		minSamples = 5
	}

	if p.Stddev < maxStddev && p.SampleCount >= minSamples {
		return AgentSignal{
			Kind:      SignalTiming,
			Indicator: "consistent machine-range response latency",
			Weight:    strongTimingWeight,
		}, true
	}
	return AgentSignal{
		Kind:      SignalTiming,
		Indicator: "mean latency inside agent window",
		Weight:    weakTimingWeight,
	}, true
}

// evictIfFullLocked drops the least-recently-seen half of the identity map
// when the cap is reached. Caller holds c.mu.
func (c *Classifier) evictIfFullLocked() {
	maxIdentities := c.cfg.MaxIdentities
	if maxIdentities <= 0 {
		maxIdentities = 10000
	}
	if len(c.histories) < maxIdentities {
		return
	}

	type entry struct {
		id   string
		seen time.Time
	}
	entries := make([]entry, 0, len(c.histories))
	for id, h := range c.histories {
		entries = append(entries, entry{id, h.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seen.Before(entries[j].seen) })

	for _, e := range entries[:len(entries)/2] {
		delete(c.histories, e.id)
	}
	c.logger.Debug().Int("remaining", len(c.histories)).Msg("evicted oldest timing identities")
}

// TrackedIdentities returns the number of identities with timing history.
func (c *Classifier) TrackedIdentities() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.histories)
}
