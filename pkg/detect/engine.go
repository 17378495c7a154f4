// Package detect implements the attack pattern engine: a rule-as-data regex
// scanner plus a small set of built-in heuristics for obfuscation and abuse.
// All patterns are compiled once at construction and shared across requests.
package detect

import (
	"encoding/base64"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/snarehq/snare/pkg/config"
)

// compiledRule pairs a RuleSpec with its compiled pattern.
type compiledRule struct {
	spec  RuleSpec
	regex *regexp.Regexp
}

// Engine scans free text against the loaded rule set and built-in heuristics.
// Detect is a pure function of the input; the Engine is safe for concurrent use.
type Engine struct {
	cfg    config.DetectConfig
	rules  []compiledRule
	logger zerolog.Logger
}

// base64Run matches contiguous base64-alphabet runs. The run length floor is
// enforced separately so it can be configured.
var base64Run = regexp.MustCompile(`[A-Za-z0-9+/]{16,}={0,2}`)

// Invisible and bidi-control code points used to smuggle instructions.
var invisibleRunes = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\u2060': true, // word joiner
	'\ufeff': true, // zero width no-break space
	'\u200e': true, // left-to-right mark
	'\u200f': true, // right-to-left mark
	'\u202a': true, // left-to-right embedding
	'\u202b': true, // right-to-left embedding
	'\u202c': true, // pop directional formatting
	'\u202d': true, // left-to-right override
	'\u202e': true, // right-to-left override
	'\u2066': true, // left-to-right isolate
	'\u2067': true, // right-to-left isolate
	'\u2068': true, // first strong isolate
	'\u2069': true, // pop directional isolate
}

// NewEngine compiles the given rules, skipping any whose pattern fails to
// compile or whose metadata is unusable. If no external rule compiles, the
// built-in rule set is loaded instead so the engine is never empty.
func NewEngine(cfg config.DetectConfig, rules []RuleSpec, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: logger.With().Str("component", "detect").Logger(),
	}

	e.rules = compileRules(rules, e.logger)
	if len(e.rules) == 0 {
		if len(rules) > 0 {
			e.logger.Warn().Int("offered", len(rules)).Msg("no usable external rules, falling back to built-ins")
		}
		e.rules = compileRules(BuiltinRules(), e.logger)
	}

	e.logger.Info().Int("rules", len(e.rules)).Msg("pattern engine ready")
	return e
}

func compileRules(specs []RuleSpec, logger zerolog.Logger) []compiledRule {
	compiled := make([]compiledRule, 0, len(specs))
	seen := make(map[string]bool, len(specs))

	for _, spec := range specs {
		if spec.Name == "" || spec.Pattern == "" || spec.Type == "" {
			logger.Warn().Str("rule", spec.Name).Msg("skipping rule with missing fields")
			continue
		}
		if seen[spec.Name] {
			logger.Warn().Str("rule", spec.Name).Msg("skipping duplicate rule name")
			continue
		}
		if !spec.Severity.Valid() {
			spec.Severity = SeverityMedium
		}
		if spec.Confidence <= 0 || spec.Confidence > 1 {
			spec.Confidence = 0.5
		}

		pattern := spec.Pattern
		if strings.Contains(spec.Flags, "i") && !strings.HasPrefix(pattern, "(?i)") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn().Str("rule", spec.Name).Err(err).Msg("skipping rule with invalid pattern")
			continue
		}

		seen[spec.Name] = true
		compiled = append(compiled, compiledRule{spec: spec, regex: re})
	}
	return compiled
}

// RuleCount returns the number of usable compiled rules.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// Detect scans text and returns the deduplicated list of detected attacks.
// It never fails: empty input yields an empty list. Results carry at most one
// finding per (type, subtype) pair, keeping the highest-confidence match.
func (e *Engine) Detect(text string) []DetectedAttack {
	if text == "" {
		return nil
	}

	var findings []DetectedAttack

	// NFKC normalization collapses homoglyph and full-width variants so rules
	// match the text an attacker meant, not the bytes they sent. Rules still
	// run against the original form: some patterns depend on exact case or
	// bracket characters.
	normalized := norm.NFKC.String(text)
	forms := []string{text, strings.ToLower(normalized)}
	if normalized != text {
		forms = append(forms, normalized)
	}

	findings = append(findings, e.scanRules(forms)...)
	findings = append(findings, e.base64Heuristic(text)...)
	findings = append(findings, e.unicodeHeuristic(text)...)
	findings = append(findings, e.lengthHeuristic(text)...)
	findings = append(findings, e.repetitionHeuristic(text)...)
	findings = append(findings, e.entropyHeuristic(text)...)

	return dedupe(findings)
}

// scanRules tests every compiled rule against each input form.
func (e *Engine) scanRules(forms []string) []DetectedAttack {
	var findings []DetectedAttack
	for _, cr := range e.rules {
		for _, form := range forms {
			if cr.regex.MatchString(form) {
				findings = append(findings, DetectedAttack{
					Type:           cr.spec.Type,
					Subtype:        cr.spec.Subtype,
					PatternMatched: cr.spec.Name,
					Confidence:     cr.spec.Confidence,
					Severity:       cr.spec.Severity,
					Category:       cr.spec.Category,
				})
				break
			}
		}
	}
	return findings
}

// base64Heuristic decodes long base64-alphabet runs and re-scans the decoded
// text against the rule set. Recursion is bounded to one decode level:
// adversarially nested encodings only ever cost one extra pass.
func (e *Engine) base64Heuristic(text string) []DetectedAttack {
	minRun := e.cfg.Base64MinRun
	if minRun <= 0 {
		minRun = 50
	}

	for _, run := range base64Run.FindAllString(text, 16) {
		if len(run) < minRun {
			continue
		}
		decoded := decodeBase64(run)
		if decoded == "" || !mostlyPrintable(decoded) {
			continue
		}

		inner := []string{decoded, strings.ToLower(decoded)}
		if hits := e.scanRules(inner); len(hits) > 0 {
			return []DetectedAttack{{
				Type:           "obfuscation",
				Subtype:        "base64_encoded_attack",
				PatternMatched: hits[0].Type + "/" + hits[0].Subtype,
				Confidence:     0.9,
				Severity:       SeverityHigh,
				Category:       "obfuscation",
			}}
		}
	}
	return nil
}

func decodeBase64(run string) string {
	if b, err := base64.StdEncoding.DecodeString(run); err == nil {
		return string(b)
	}
	if b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(run, "=")); err == nil {
		return string(b)
	}
	return ""
}

// mostlyPrintable filters decoded blobs that are binary noise.
func mostlyPrintable(s string) bool {
	if s == "" {
		return false
	}
	printable := 0
	total := 0
	for _, r := range s {
		total++
		if r == utfReplacement {
			return false
		}
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return printable*10 >= total*9
}

const utfReplacement = '�'

// unicodeHeuristic flags zero-width and bidi-control code points.
func (e *Engine) unicodeHeuristic(text string) []DetectedAttack {
	for _, r := range text {
		if invisibleRunes[r] {
			return []DetectedAttack{{
				Type:           "obfuscation",
				Subtype:        "unicode_tricks",
				PatternMatched: "invisible_or_bidi_codepoint",
				Confidence:     0.8,
				Severity:       SeverityHigh,
				Category:       "obfuscation",
			}}
		}
	}
	return nil
}

// lengthHeuristic flags oversized inputs.
func (e *Engine) lengthHeuristic(text string) []DetectedAttack {
	maxLen := e.cfg.MaxInputLength
	if maxLen <= 0 {
		maxLen = 50000
	}
	if len(text) <= maxLen {
		return nil
	}
	return []DetectedAttack{{
		Type:           "abuse",
		Subtype:        "excessive_length",
		PatternMatched: "input_length",
		Confidence:     1.0,
		Severity:       SeverityMedium,
		Category:       "abuse",
	}}
}

// repetitionHeuristic flags any token longer than 3 characters repeated
// beyond the configured threshold.
func (e *Engine) repetitionHeuristic(text string) []DetectedAttack {
	threshold := e.cfg.RepeatThreshold
	if threshold <= 0 {
		threshold = 50
	}

	counts := make(map[string]int)
	for _, token := range strings.Fields(text) {
		if len(token) <= 3 {
			continue
		}
		counts[token]++
		if counts[token] > threshold {
			return []DetectedAttack{{
				Type:           "abuse",
				Subtype:        "repetition_attack",
				PatternMatched: "token_repetition",
				Confidence:     0.85,
				Severity:       SeverityMedium,
				Category:       "abuse",
			}}
		}
	}
	return nil
}

// entropyHeuristic flags long blobs of near-random data that decoded to
// nothing recognizable: encrypted payload staging, keymat smuggling.
func (e *Engine) entropyHeuristic(text string) []DetectedAttack {
	minLen := e.cfg.EntropyMinLength
	if minLen <= 0 {
		minLen = 200
	}
	threshold := e.cfg.EntropyThreshold
	if threshold <= 0 {
		threshold = 5.8
	}
	if len(text) < minLen {
		return nil
	}
	if shannonEntropy(text) <= threshold {
		return nil
	}
	return []DetectedAttack{{
		Type:           "obfuscation",
		Subtype:        "high_entropy",
		PatternMatched: "shannon_entropy",
		Confidence:     0.7,
		Severity:       SeverityMedium,
		Category:       "obfuscation",
	}}
}

// shannonEntropy returns bits per character.
func shannonEntropy(text string) float64 {
	counts := make(map[rune]float64)
	total := 0.0
	for _, r := range text {
		counts[r]++
		total++
	}
	entropy := 0.0
	for _, c := range counts {
		p := c / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// dedupe keeps the highest-confidence finding per (type, subtype) pair and
// rounds confidence for display.
func dedupe(findings []DetectedAttack) []DetectedAttack {
	if len(findings) == 0 {
		return nil
	}

	best := make(map[string]int, len(findings))
	out := make([]DetectedAttack, 0, len(findings))
	for _, f := range findings {
		f.Confidence = roundConfidence(f.Confidence)
		key := f.Type + "/" + f.Subtype
		if idx, ok := best[key]; ok {
			if f.Confidence > out[idx].Confidence {
				out[idx] = f
			}
			continue
		}
		best[key] = len(out)
		out = append(out, f)
	}
	return out
}

// roundConfidence clamps to (0,1] and rounds to two decimals.
func roundConfidence(c float64) float64 {
	if c > 1 {
		c = 1
	}
	r := math.Round(c*100) / 100
	if r <= 0 {
		r = 0.01
	}
	return r
}
