package detect

// Severity is one of exactly four ordered levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison. Unknown values rank lowest.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is one of the four defined levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// DetectedAttack is one deduplicated detection result. At most one is
// returned per (Type, Subtype) pair for a given input.
type DetectedAttack struct {
	Type           string   `json:"type"`
	Subtype        string   `json:"subtype"`
	PatternMatched string   `json:"pattern_matched"`
	Confidence     float64  `json:"confidence"` // (0,1], rounded to two decimals
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
}

// RuleSpec is the declarative form of a detection rule, as delivered by the
// rule loader. Patterns that fail to compile are skipped, never fatal.
type RuleSpec struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Subtype    string   `yaml:"subtype"`
	Pattern    string   `yaml:"pattern"`
	Flags      string   `yaml:"flags"` // "i" for case-insensitive
	Confidence float64  `yaml:"confidence"`
	Severity   Severity `yaml:"severity"`
	Category   string   `yaml:"category"`
}

// BuiltinRules returns the default rule set used when no external rules are
// configured or none of them compile. Every rule name is unique.
func BuiltinRules() []RuleSpec {
	var rules []RuleSpec
	add := func(name, typ, subtype, pattern string, confidence float64, severity Severity, category string) {
		rules = append(rules, RuleSpec{
			Name: name, Type: typ, Subtype: subtype,
			Pattern: pattern, Flags: "i",
			Confidence: confidence, Severity: severity, Category: category,
		})
	}

	// --- Prompt injection ---
	add("ignore_previous", "prompt_injection", "instruction_override",
		`ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`,
		0.95, SeverityHigh, "injection")
	add("disregard_prior", "prompt_injection", "instruction_override",
		`disregard\s+(all\s+)?(previous|prior|above|earlier|your)\s+(instructions?|prompts?|rules?|training)`,
		0.95, SeverityHigh, "injection")
	add("forget_instructions", "prompt_injection", "instruction_override",
		`forget\s+(everything|all|your)\s+(you\s+(know|were\s+told)|instructions?|rules?)`,
		0.85, SeverityHigh, "injection")
	add("new_instructions", "prompt_injection", "context_manipulation",
		`(new|updated|real)\s+instructions?\s*(:|follow|below|start)`,
		0.8, SeverityHigh, "injection")
	add("context_reset", "prompt_injection", "context_manipulation",
		`(previous|prior)\s+(context|conversation)\s+(is|was)\s+(invalid|wrong|a\s+test)`,
		0.8, SeverityMedium, "injection")
	add("bracketed_system", "prompt_injection", "fake_system_message",
		`\[(SYSTEM|ADMIN|ROOT)\s*[:\]]`,
		0.85, SeverityHigh, "injection")
	add("hidden_instruction", "prompt_injection", "hidden_instruction",
		`<\s*(hidden|important|secret)\s*>`,
		0.85, SeverityHigh, "injection")
	add("developer_mode", "prompt_injection", "mode_switch",
		`(developer|debug|maintenance|god)\s+mode\s+(enabled|activated|on)`,
		0.8, SeverityMedium, "injection")

	// --- Jailbreak ---
	add("dan_persona", "jailbreak", "persona_adoption",
		`\b(you\s+are|you'?re)\s+(now\s+)?DAN\b|\bdo\s+anything\s+now\b`,
		0.95, SeverityCritical, "jailbreak")
	add("unrestricted_ai", "jailbreak", "persona_adoption",
		`(unrestricted|uncensored|unfiltered|amoral)\s+(AI|assistant|model|version)`,
		0.9, SeverityCritical, "jailbreak")
	add("no_restrictions", "jailbreak", "restriction_removal",
		`(free|liberated)\s+(of|from)\s+(all\s+)?(restrictions?|filters?|rules?|limits?)`,
		0.85, SeverityHigh, "jailbreak")
	add("no_ethics", "jailbreak", "restriction_removal",
		`without\s+(any\s+)?(regard\s+(for|to)\s+)?(ethical|moral|legal)\s*(guidelines|constraints|restrictions|concerns)?`,
		0.75, SeverityHigh, "jailbreak")
	add("roleplay_evil", "jailbreak", "roleplay",
		`(pretend|act\s+as|roleplay\s+as)\s+.{0,40}(no\s+(rules|limits|filter)|evil|unrestricted)`,
		0.8, SeverityHigh, "jailbreak")
	add("hypothetical_bypass", "jailbreak", "hypothetical_framing",
		`(hypothetically|in\s+a\s+fictional\s+world|for\s+a\s+story)\s*.{0,60}(how\s+to|explain|describe)\s+.{0,40}(hack|exploit|weapon|malware)`,
		0.7, SeverityMedium, "jailbreak")

	// --- System prompt extraction ---
	add("reveal_system_prompt", "prompt_extraction", "system_prompt_reveal",
		`(show|reveal|print|output|tell)\s+(me\s+)?(your|the)\s+(system\s+)?(prompt|instructions)`,
		0.9, SeverityHigh, "extraction")
	add("repeat_above", "prompt_extraction", "system_prompt_reveal",
		`repeat\s+(everything|all|the\s+(text|words))\s+(above|before|preceding)`,
		0.9, SeverityHigh, "extraction")
	add("what_were_you_told", "prompt_extraction", "system_prompt_reveal",
		`what\s+(were|are)\s+you\s+(told|instructed|programmed)`,
		0.8, SeverityMedium, "extraction")
	add("initial_instructions", "prompt_extraction", "system_prompt_reveal",
		`(initial|original|hidden)\s+(instructions?|prompt|configuration)`,
		0.75, SeverityMedium, "extraction")

	// --- Data exfiltration ---
	add("send_to_url", "data_exfiltration", "external_callback",
		`(send|post|forward|transmit)\s+.{0,60}(to\s+)?(this|the\s+following|my)\s+(url|endpoint|server|webhook)`,
		0.85, SeverityHigh, "exfiltration")
	add("markdown_image_exfil", "data_exfiltration", "markdown_image",
		`!\[[^\]]*\]\(https?://[^)]*\?[^)]*=`,
		0.85, SeverityHigh, "exfiltration")
	add("conversation_dump", "data_exfiltration", "history_dump",
		`(send|share|export)\s+(all\s+)?(the\s+)?(conversation|chat)\s+(history|log)`,
		0.8, SeverityHigh, "exfiltration")

	// --- Credential probing ---
	add("api_key_probe", "credential_probe", "api_key_request",
		`(give|show|tell|send)\s+(me\s+)?(your|the|an?)\s+(real\s+)?(api\s*key|access\s+token|secret\s+key|credentials)`,
		0.85, SeverityHigh, "credential")
	add("env_probe", "credential_probe", "environment_request",
		`(\.env|environment\s+variables?|process\.env|os\.environ)`,
		0.7, SeverityMedium, "credential")
	add("config_probe", "credential_probe", "config_request",
		`(show|cat|read|dump)\s+.{0,30}(config(uration)?|secrets?)\s*(file|\.ya?ml|\.json)?`,
		0.65, SeverityMedium, "credential")

	// --- Classic injection payloads ---
	add("sql_injection_union", "sql_injection", "union_select",
		`union\s+(all\s+)?select\b`,
		0.85, SeverityHigh, "injection")
	add("sql_injection_comment", "sql_injection", "comment_teardown",
		`('|%27)\s*(or|and)\s+.{0,20}(--|#|/\*)|;\s*drop\s+table`,
		0.85, SeverityHigh, "injection")
	add("command_injection", "command_injection", "shell_metachar",
		"(;|\\||`|\\$\\()\\s*(cat|ls|rm|curl|wget|nc|bash|sh)\\b",
		0.8, SeverityHigh, "injection")
	add("path_traversal", "path_traversal", "dot_dot",
		`\.\./\.\./|%2e%2e%2f`,
		0.8, SeverityMedium, "injection")
	add("xss_script_tag", "xss", "script_tag",
		`<script[^>]*>|javascript\s*:`,
		0.8, SeverityMedium, "injection")
	add("ssrf_metadata", "ssrf", "cloud_metadata",
		`169\.254\.169\.254|metadata\.google\.internal`,
		0.9, SeverityHigh, "injection")

	// --- Reconnaissance ---
	// Plain "what model are you" questions are handled as benign intent by the
	// response policy, so only shell-level fingerprinting is a rule here.
	add("system_info_probe", "recon", "system_fingerprint",
		`(uname\s+-a|cat\s+/etc/(issue|os-release)|systeminfo)\b`,
		0.7, SeverityMedium, "recon")

	return rules
}
