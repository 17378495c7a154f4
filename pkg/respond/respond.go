// Package respond composes the deceptive replies the service sends back.
// A response shape is an ordered list of phrase pools; assembly samples one
// variant per pool independently, so repeated identical inputs never produce
// byte-identical replies while staying on policy.
package respond

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarehq/snare/pkg/config"
	"github.com/snarehq/snare/pkg/detect"
)

// TokenBaiter mints credential-shaped bait for replies to credential probes.
// Optional; without one the responder still answers, just without live bait.
type TokenBaiter interface {
	BaitValue() (string, bool)
}

// Responder selects and assembles replies. Stateless apart from configuration;
// safe for concurrent use.
type Responder struct {
	cfg    config.RespondConfig
	baiter TokenBaiter
	logger zerolog.Logger
}

// NewResponder builds a responder with the given personality configuration.
// baiter may be nil.
func NewResponder(cfg config.RespondConfig, baiter TokenBaiter, logger zerolog.Logger) *Responder {
	return &Responder{
		cfg:    cfg,
		baiter: baiter,
		logger: logger.With().Str("component", "respond").Logger(),
	}
}

// shape is an ordered list of variant pools; one phrase per pool is sampled.
type shape [][]string

func assemble(s shape) string {
	parts := make([]string, 0, len(s))
	for _, pool := range s {
		if len(pool) == 0 {
			continue
		}
		parts = append(parts, pool[rand.IntN(len(pool))])
	}
	return strings.Join(parts, " ")
}

// Rejection shapes, keyed by attack type. Each has an acknowledgement, a
// refusal, and a redirect pool.
var rejectionShapes = map[string]shape{
	"prompt_injection": {
		{"I noticed that your message contains instructions directed at me rather than a question.",
			"It looks like part of your message is trying to override how I operate.",
			"Part of that input reads like an attempt to change my instructions."},
		{"I can't follow embedded directives like that.",
			"I won't act on instructions smuggled into the conversation.",
			"Those aren't instructions I can accept."},
		{"If there's something specific you'd like help with, just ask directly.",
			"Feel free to rephrase what you actually need.",
			"Happy to continue if you tell me what you're trying to do."},
	},
	"jailbreak": {
		{"I see you're asking me to take on an unrestricted persona.",
			"That request asks me to pretend my guidelines don't apply.",
			"You're describing a mode of operation I don't have."},
		{"I'm not able to do that.",
			"That's not something I can roleplay.",
			"I'll have to decline that framing."},
		{"I'm still glad to help within my normal capabilities.",
			"Within normal bounds I can assist with plenty.",
			"Let me know if there's a concrete task I can help with instead."},
	},
	"prompt_extraction": {
		{"You're asking about my internal configuration.",
			"That question is about my underlying instructions.",
			"It sounds like you want to see my system-level setup."},
		{"I don't share my internal instructions or system prompt.",
			"My configuration isn't something I can reveal.",
			"That information stays internal."},
		{"I can explain what I'm able to do at a high level, though.",
			"Ask me about my capabilities instead and I'll describe them.",
			"What I can do: answer questions, help with writing and code, and more."},
	},
	"data_exfiltration": {
		{"That request asks me to reveal data I shouldn't expose.",
			"You're asking for contents of internal data or prior conversations.",
			"That looks like a request for information outside this conversation."},
		{"I can't share that.",
			"I don't have a way to hand that over.",
			"That's not available to you through me."},
		{"Is there something within this conversation I can help with?",
			"I can work with anything you paste here directly.",
			"Happy to help with your own data if you share it."},
	},
	"credential_probe": {
		{"You're asking about keys or credentials.",
			"That's a request for secret material.",
			"It sounds like you're after access credentials."},
		{"I don't distribute credentials.",
			"I can't hand out keys or tokens.",
			"Credentials aren't something I provide."},
		{"If you're integrating with an API, the provider's dashboard is the place to create keys.",
			"Your administrator can issue access if you're meant to have it.",
			"Docs for the relevant service explain how to obtain proper access."},
	},
}

// defaultRejection covers attack types without a dedicated shape
// (sql_injection, command_injection, obfuscation, abuse, and so on).
var defaultRejection = shape{
	{"I wasn't able to process that message as a normal request.",
		"That input doesn't look like something I should act on.",
		"I'm going to pass on that one."},
	{"It resembles an attempt to misuse this interface.",
		"It contains patterns I treat as unsafe.",
		"It falls outside what I'm able to respond to."},
	{"If I've misread it, try rephrasing in plain terms.",
		"A plainly worded question works best.",
		"Feel free to ask again in a different way."},
}

// Personality closers appended to rejection replies.
var personalityClosers = map[config.Personality][]string{
	config.PersonalityHelpful: {
		"I'm happy to help further with anything else!",
		"Always glad to help with something else.",
		"Let me know how else I can help!",
	},
	config.PersonalityCautious: {
		"I have to be careful with requests like this one.",
		"Staying on the safe side here.",
		"Security matters, so I err toward caution with these.",
	},
	config.PersonalityTechnical: {
		"For reference, this input matched my request-validation policy.",
		"Technically speaking, the request failed input validation.",
		"This was filtered at the request-validation layer.",
	},
}

// Benign intents.
type intent int

const (
	intentGreeting intent = iota
	intentModelIdentity
	intentCredential
	intentRealtime
	intentCoding
	intentWriting
	intentHelp
	intentQuestion
	intentFallback
)

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// classifyIntent is a coarse keyword pass. Order matters: the more specific
// intents are tested before the generic ones.
func classifyIntent(message string) intent {
	text := strings.ToLower(strings.TrimSpace(message))
	if text == "" {
		return intentFallback
	}

	for _, g := range []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening", "howdy"} {
		if text == g || strings.HasPrefix(text, g+" ") || strings.HasPrefix(text, g+",") || strings.HasPrefix(text, g+"!") {
			return intentGreeting
		}
	}
	if containsAny(text, "what model", "which model", "what llm", "are you gpt", "are you claude", "are you chatgpt", "who made you", "who built you", "what ai are you") {
		return intentModelIdentity
	}
	if containsAny(text, "api key", "api-key", "apikey", "credential", "access key", "secret key", "auth token", "password", "connection string") {
		return intentCredential
	}
	if containsAny(text, "weather", "news today", "latest news", "stock price", "market price", "exchange rate", "current price", "score of the", "what time is it") {
		return intentRealtime
	}
	if containsAny(text, "code", "function", "debug", "compile", "python", "javascript", "golang", "stack trace", "error message", "regex", "sql query") {
		return intentCoding
	}
	if containsAny(text, "write", "draft", "essay", "email", "poem", "story", "summarize", "rewrite", "proofread") {
		return intentWriting
	}
	if containsAny(text, "help", "how do i", "how can i", "can you", "could you") {
		return intentHelp
	}
	if strings.Contains(text, "?") {
		return intentQuestion
	}
	return intentFallback
}

var benignShapes = map[intent]shape{
	intentGreeting: {
		{"Hello!", "Hi there!", "Hey!"},
		{"How can I help you today?",
			"What can I do for you?",
			"What would you like to work on?"},
	},
	intentModelIdentity: {
		{"I'm an AI assistant built on a large language model.",
			"I'm a language-model-based assistant.",
			"I'm an AI assistant."},
		{"I can't share details about the specific model or version I run on.",
			"The exact model details aren't something I disclose.",
			"My underlying version isn't public information."},
		{"But I'm happy to help with whatever you need.",
			"Happy to get to work on whatever you have, though.",
			"What can I help you with?"},
	},
	intentRealtime: {
		{"I don't have real-time access to external information,",
			"I can't look up live data,",
			"I have no connection to current external feeds,"},
		{"so I can't give you up-to-date figures like weather, news, or prices.",
			"which rules out weather, news, market prices, and similar.",
			"so anything time-sensitive would be a guess, and I won't guess."},
		{"A dedicated service or a quick search will have the current numbers.",
			"For live data, a weather or finance site is the right tool.",
			"I can help interpret data if you paste it here, though."},
	},
	intentCoding: {
		{"I can help with that.",
			"Sure, let's look at it.",
			"Glad to dig into code with you."},
		{"Share the relevant snippet and the behavior you're seeing,",
			"Paste the code and any error output,",
			"Show me the function and what you expected it to do,"},
		{"and I'll walk through it with you.",
			"and we'll work out what's going on.",
			"and I'll suggest a fix."},
	},
	intentWriting: {
		{"Happy to help with writing.",
			"Writing help is something I do a lot of.",
			"Sure, I can work on that with you."},
		{"Tell me the audience and tone you're aiming for,",
			"Give me the key points you want covered,",
			"Share a rough draft or outline if you have one,"},
		{"and I'll put together a draft.",
			"and I'll shape it into something polished.",
			"and we'll iterate from there."},
	},
	intentHelp: {
		{"Of course.",
			"Sure thing.",
			"Absolutely."},
		{"Tell me a bit more about what you're trying to do,",
			"Walk me through the goal,",
			"Describe where you're stuck,"},
		{"and I'll do my best to help.",
			"and we'll take it from there.",
			"and I'll point you in the right direction."},
	},
	intentQuestion: {
		{"Good question.",
			"Let me think about that.",
			"I'll do my best here."},
		{"I can reason about it from general knowledge,",
			"I can work through it with what I know,",
			"I can give you my best understanding,"},
		{"though for anything time-sensitive you'll want a live source.",
			"with the caveat that I can't verify against live data.",
			"and flag anywhere I'm uncertain."},
	},
	intentFallback: {
		{"I'm here and ready to help.",
			"I'm listening.",
			"Go ahead."},
		{"Could you tell me a bit more about what you need?",
			"What would you like to do?",
			"Give me some detail and I'll take it from there."},
	},
}

// credentialShape is handled separately so bait can be appended.
var credentialShape = shape{
	{"I don't manage real credentials for external services.",
		"I'm not a source of production credentials.",
		"Live keys aren't something I hand out."},
	{"Keys should come from the provider's own console or your administrator.",
		"The service's dashboard is where keys get issued.",
		"Your team's secret manager is the right place for those."},
}

var baitLeadIns = []string{
	"If it's useful for wiring up a local test, here's a sandbox value from our dev fixtures:",
	"For format reference only, a non-production example from our test fixtures looks like this:",
	"Our integration tests use throwaway values shaped like this one:",
}

// Respond composes a reply for the message and any detected attacks. It never
// returns empty text.
func (r *Responder) Respond(message string, attacks []detect.DetectedAttack) string {
	if len(attacks) > 0 {
		return r.rejection(attacks[0])
	}
	return r.benign(message)
}

func (r *Responder) rejection(attack detect.DetectedAttack) string {
	s, ok := rejectionShapes[attack.Type]
	if !ok {
		s = defaultRejection
	}
	reply := assemble(s)

	closers, ok := personalityClosers[r.cfg.Personality]
	if !ok {
		closers = personalityClosers[config.PersonalityHelpful]
	}
	reply += " " + closers[rand.IntN(len(closers))]

	r.logger.Debug().Str("attack_type", attack.Type).Msg("composed rejection reply")
	return reply
}

func (r *Responder) benign(message string) string {
	it := classifyIntent(message)

	if it == intentCredential {
		reply := assemble(credentialShape)
		if r.baiter != nil {
			if value, ok := r.baiter.BaitValue(); ok {
				reply += " " + baitLeadIns[rand.IntN(len(baitLeadIns))] + " " + value
			}
		}
		return reply
	}

	s, ok := benignShapes[it]
	if !ok {
		s = benignShapes[intentFallback]
	}
	return assemble(s)
}

// Latency returns a simulated thinking delay sampled uniformly from the
// configured range. A non-positive MaxLatency disables the delay entirely.
func (r *Responder) Latency() time.Duration {
	low, high := r.cfg.MinLatency, r.cfg.MaxLatency
	if high <= 0 {
		return 0
	}
	if low < 0 {
		low = 0
	}
	if high <= low {
		return low
	}
	return low + rand.N(high-low)
}
