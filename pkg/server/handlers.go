package server

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/snarehq/snare/pkg/canary"
	"github.com/snarehq/snare/pkg/classify"
	"github.com/snarehq/snare/pkg/detect"
	"github.com/snarehq/snare/pkg/report"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// maxTurnGap bounds how long a silence still counts as the peer "thinking
// about" our previous reply.
const maxTurnGap = 30 * time.Second

// identityState maps source identities to their session and last-turn
// timestamp. Reset wholesale when it outgrows the session capacity, which is
// cheaper than precise eviction and only costs re-created sessions.
type identityState struct {
	mu         sync.Mutex
	sessions   map[string]string
	lastTurn   map[string]time.Time
	maxRecords int
}

func newIdentityState(maxRecords int) *identityState {
	if maxRecords <= 0 {
		maxRecords = 20000
	}
	return &identityState{
		sessions:   make(map[string]string),
		lastTurn:   make(map[string]time.Time),
		maxRecords: maxRecords,
	}
}

func (st *identityState) observe(identity string) (sessionID string, gap time.Duration) {
	now := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.sessions) > st.maxRecords {
		st.sessions = make(map[string]string)
		st.lastTurn = make(map[string]time.Time)
	}

	if last, ok := st.lastTurn[identity]; ok {
		if d := now.Sub(last); d > 0 && d <= maxTurnGap {
			gap = d
		}
	}
	st.lastTurn[identity] = now
	return st.sessions[identity], gap
}

func (st *identityState) bind(identity, sessionID string) {
	st.mu.Lock()
	st.sessions[identity] = sessionID
	st.mu.Unlock()
}

// handleChatCompletions is the main trap surface: it accepts OpenAI-style
// chat requests and runs the full pipeline on each one.
func (s *Server) handleChatCompletions(c fiber.Ctx) error {
	identity := c.IP()

	if !s.deps.Registry.Admit(identity) {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": fiber.Map{
				"message": "You are sending requests too quickly. Please slow down.",
				"type":    "rate_limit_error",
			},
		})
	}

	var req chatRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fiber.Map{"message": "invalid request body", "type": "invalid_request_error"},
		})
	}

	text := lastUserMessage(req.Messages)
	sessionID, gap := s.turns.observe(identity)
	if _, ok := s.deps.Registry.Get(sessionID); !ok {
		sess := s.deps.Registry.Create(identity, map[string]string{
			"user_agent": c.Get("User-Agent"),
		})
		sessionID = sess.ID
		s.turns.bind(identity, sessionID)
	}

	s.deps.Metrics.MessagesProcessed.Inc()

	attacks := s.deps.Engine.Detect(text)
	s.deps.Registry.RecordMessage(sessionID, attacks)

	if s.deps.Canaries.IsCanary(text) {
		s.deps.Metrics.CanaryHits.Inc()
		s.deps.Canaries.Report(canary.Event{
			TokenValue:     text,
			SourceIdentity: identity,
			SessionID:      sessionID,
			Context:        "inbound_message",
			Metadata:       map[string]string{"user_agent": c.Get("User-Agent")},
		})
	}

	classification := s.deps.Classifier.Classify(identity, classify.Evidence{
		UserAgent:    c.Get("User-Agent"),
		Headers:      evidenceHeaders(c),
		Text:         text,
		ResponseTime: gap,
	})

	s.emitFindings(identity, sessionID, attacks, classification)

	reply := s.deps.Responder.Respond(text, attacks)

	// Simulated thinking delay, abandoned if the peer disconnects.
	if delay := s.deps.Responder.Latency(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Context().Done():
			return nil
		}
	}

	if req.Stream {
		return s.sendStream(c, req.Model, reply)
	}
	return c.JSON(completionBody(req.Model, text, reply))
}

func lastUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// evidenceHeaders collects only the headers the classifier reasons about.
func evidenceHeaders(c fiber.Ctx) map[string]string {
	headers := make(map[string]string, 4)
	for _, name := range []string{"accept-language", "sec-fetch-mode", "referer", "accept"} {
		if v := c.Get(name); v != "" {
			headers[name] = v
		}
	}
	return headers
}

// emitFindings turns this message's detections and classification into
// pipeline findings. Critical attacks are flagged priority so they flush
// out of band, same as high-priority canary sightings.
func (s *Server) emitFindings(identity, sessionID string, attacks []detect.DetectedAttack, classification classify.AgentClassification) {
	for _, a := range attacks {
		s.deps.Metrics.AttacksDetected.WithLabelValues(a.Type).Inc()

		f := report.NewFinding(report.KindAttack)
		f.SourceIdentity = identity
		f.SessionID = sessionID
		f.Severity = string(a.Severity)
		f.Priority = a.Severity == detect.SeverityCritical
		f.Data = map[string]interface{}{
			"type":       a.Type,
			"subtype":    a.Subtype,
			"pattern":    a.PatternMatched,
			"confidence": roundConfidence(a.Confidence),
			"category":   a.Category,
		}
		s.deps.Pipeline.Enqueue(f)
	}

	if !classification.IsAIAgent {
		return
	}
	s.deps.Metrics.AgentsClassified.Inc()

	signals := make([]map[string]interface{}, 0, len(classification.Signals))
	for _, sig := range classification.Signals {
		signals = append(signals, map[string]interface{}{
			"kind":      string(sig.Kind),
			"indicator": sig.Indicator,
			"weight":    sig.Weight,
		})
	}
	f := report.NewFinding(report.KindClassification)
	f.SourceIdentity = identity
	f.SessionID = sessionID
	f.Severity = "medium"
	f.Data = map[string]interface{}{
		"is_ai_agent": true,
		"confidence":  roundConfidence(classification.Confidence),
		"signals":     signals,
	}
	s.deps.Pipeline.Enqueue(f)
}

func roundConfidence(v float64) float64 {
	return math.Round(v*100) / 100
}

func completionBody(model, prompt, reply string) fiber.Map {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return fiber.Map{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []fiber.Map{{
			"index":         0,
			"message":       fiber.Map{"role": "assistant", "content": reply},
			"finish_reason": "stop",
		}},
		"usage": fiber.Map{
			"prompt_tokens":     approxTokens(prompt),
			"completion_tokens": approxTokens(reply),
			"total_tokens":      approxTokens(prompt) + approxTokens(reply),
		},
	}
}

func approxTokens(text string) int {
	return len(text)/4 + 1
}

// sendStream renders the reply as an ordered sequence of SSE chunks in the
// chat.completion.chunk format.
func (s *Server) sendStream(c fiber.Ctx, model, reply string) error {
	if model == "" {
		model = "gpt-4o-mini"
	}
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	var b strings.Builder
	words := strings.Fields(reply)
	for i := 0; i < len(words); i += 3 {
		end := i + 3
		if end > len(words) {
			end = len(words)
		}
		content := strings.Join(words[i:end], " ")
		if end < len(words) {
			content += " "
		}
		chunk, err := json.Marshal(fiber.Map{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []fiber.Map{{
				"index": 0,
				"delta": fiber.Map{"content": content},
			}},
		})
		if err != nil {
			return err
		}
		b.WriteString("data: ")
		b.Write(chunk)
		b.WriteString("\n\n")
	}
	final, err := json.Marshal(fiber.Map{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []fiber.Map{{
			"index":         0,
			"delta":         fiber.Map{},
			"finish_reason": "stop",
		}},
	})
	if err != nil {
		return err
	}
	b.WriteString("data: ")
	b.Write(final)
	b.WriteString("\n\ndata: [DONE]\n\n")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	return c.SendString(b.String())
}

// handleModels mimics the OpenAI model listing so probes see a plausible API.
func (s *Server) handleModels(c fiber.Ctx) error {
	now := time.Now().Unix()
	models := []fiber.Map{}
	for _, id := range []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo"} {
		models = append(models, fiber.Map{
			"id": id, "object": "model", "created": now, "owned_by": "system",
		})
	}
	return c.JSON(fiber.Map{"object": "list", "data": models})
}

// handleRobots advertises the bait directory by disallowing it. Compliant
// crawlers skip it; the ones we care about do not.
func (s *Server) handleRobots(c fiber.Ctx) error {
	c.Set("Content-Type", "text/plain")
	return c.SendString("User-agent: *\nDisallow: /internal/\nDisallow: /v1/\n")
}

// handleEnvBait serves a dotenv-style page stuffed with canary credentials
// and the classifier's goal-hijack trap phrases.
func (s *Server) handleEnvBait(c fiber.Ctx) error {
	var b strings.Builder
	b.WriteString("# production service configuration\n")
	b.WriteString("# exported from vault 2026-03-14, do not commit\n\n")

	names := map[canary.TokenType]string{
		canary.TypeOpenAIKey:   "OPENAI_API_KEY",
		canary.TypeDatabaseURL: "DATABASE_URL",
		canary.TypeSlackToken:  "SLACK_BOT_TOKEN",
		canary.TypeGitHubPAT:   "GITHUB_TOKEN",
	}
	for _, token := range s.baitEnv {
		if token.Type == canary.TypeAWSKeyPair {
			// The key-pair value is already two key=value lines.
			lines := strings.NewReplacer(
				"aws_access_key_id", "AWS_ACCESS_KEY_ID",
				"aws_secret_access_key", "AWS_SECRET_ACCESS_KEY",
			).Replace(token.Value)
			b.WriteString(lines)
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "%s=%s\n", names[token.Type], token.Value)
	}

	b.WriteString("\n")
	for _, phrase := range classify.TrapPhrases() {
		fmt.Fprintf(&b, "# %s\n", phrase)
	}

	c.Set("Content-Type", "text/plain")
	return c.SendString(b.String())
}

// handleConfigBait serves a JSON settings document with embedded canaries.
func (s *Server) handleConfigBait(c fiber.Ctx) error {
	cfg := fiber.Map{
		"service":     "billing-api",
		"environment": "production",
		"settings": fiber.Map{
			"timeout_seconds": 30,
			"retries":         3,
		},
	}
	for _, token := range s.baitConfig {
		switch token.Type {
		case canary.TypeBearerJWT:
			cfg["service_account_token"] = token.Value
		case canary.TypeDatabaseURL:
			cfg["database_url"] = token.Value
		}
	}
	phrases := classify.TrapPhrases()
	cfg["_doc"] = phrases[0]
	return c.JSON(cfg)
}
