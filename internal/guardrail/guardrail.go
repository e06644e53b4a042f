// Package guardrail implements the input/output screening battery (spec
// §4.4): prompt-injection detection, XSS/secret/PII scanning and
// masking, toxicity keyword scoring, hallucination-cue scoring, and an
// aggregate confidence score, each tagged against an ASVS control ID
// for the compliance report.
package guardrail

import (
	"fmt"
	"regexp"
	"strings"

	"modelgate/internal/config"
	"modelgate/internal/domain"
	"modelgate/internal/telemetry"
)

// Filter screens prompts and responses against the check battery.
type Filter struct {
	strictMode        bool
	maskPII           bool
	toxicityThreshold float64
	metrics           *telemetry.Metrics
}

// New creates a guardrail filter from configuration.
func New(cfg config.GuardrailConfig, metrics *telemetry.Metrics) *Filter {
	threshold := cfg.ToxicityThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Filter{
		strictMode:        cfg.StrictMode,
		maskPII:           cfg.MaskPII,
		toxicityThreshold: threshold,
		metrics:           metrics,
	}
}

// asvsTags maps a check category to the ASVS control it evidences.
var asvsTags = map[string]string{
	"injection":     "V5.2.3", // Output encoding / injection prevention
	"xss":           "V5.3.3", // Sanitization of untrusted HTML/JS
	"secrets":       "V6.4.1", // Secrets not exposed to clients
	"pii":           "V8.3.4", // Sensitive data exposure controls
	"toxicity":      "V1.2.1", // Content safety controls
	"hallucination": "V1.2.1",
}

// hardBlockCategories always block regardless of strict_mode, matching
// the original's distinction between hard blocks and soft warnings.
var hardBlockCategories = map[string]bool{"injection": true, "secrets": true}

// ScreenInput runs the injection/XSS/secret checks against a prompt
// before it reaches the cache or the inference engine.
func (f *Filter) ScreenInput(prompt string) domain.GuardrailResult {
	result := domain.GuardrailResult{
		Safe:           true,
		Text:           prompt,
		SecurityChecks: map[string]bool{},
		ASVSCompliance: map[string]string{},
	}

	if matched, pattern := matchesFuzzy(prompt, ignoreInstructionPatterns); matched {
		f.flag(&result, "injection", fmt.Sprintf("prompt injection pattern detected: %q", pattern))
	}
	if matchAnyRegex(prompt, xssPatterns) {
		f.flag(&result, "xss", "XSS payload pattern detected")
	}
	if cat := matchSecrets(prompt); cat != "" {
		f.flag(&result, "secrets", "credential pattern detected: "+cat)
	}

	return result
}

// ScreenOutput runs the full battery against a generated response:
// secrets/PII masking, toxicity scoring, hallucination-cue scoring, and
// an aggregate confidence score, in addition to the injection/XSS
// checks also run on input (a model can echo an injected instruction
// back into its own output).
func (f *Filter) ScreenOutput(responseText string, grounded bool) domain.GuardrailResult {
	result := domain.GuardrailResult{
		Safe:           true,
		Text:           responseText,
		SecurityChecks: map[string]bool{},
		ASVSCompliance: map[string]string{},
		Factors:        map[string]string{},
	}

	if matched, pattern := matchesFuzzy(responseText, ignoreInstructionPatterns); matched {
		f.flag(&result, "injection", fmt.Sprintf("injected instruction echoed in output: %q", pattern))
	}
	if matchAnyRegex(responseText, xssPatterns) {
		f.flag(&result, "xss", "XSS payload pattern detected in output")
	}
	if cat := matchSecrets(responseText); cat != "" {
		f.flag(&result, "secrets", "credential pattern detected in output: "+cat)
	}

	if f.maskPII {
		masked, hit := MaskPII(result.Text)
		result.Text = masked
		if hit {
			result.SecurityChecks["pii"] = true
			result.ASVSCompliance["pii"] = asvsTags["pii"]
			result.Warnings = append(result.Warnings, "PII masked in response")
		}
	} else if hasPII(responseText) {
		f.flag(&result, "pii", "unmasked PII detected in output")
	}

	toxScore := toxicityScore(responseText)
	result.Factors["toxicity_score"] = fmt.Sprintf("%.2f", toxScore)
	if toxScore >= f.toxicityThreshold {
		f.flag(&result, "toxicity", fmt.Sprintf("toxicity score %.2f exceeds threshold", toxScore))
	}

	hallScore := hallucinationScore(responseText, grounded)
	result.Factors["hallucination_score"] = fmt.Sprintf("%.2f", hallScore)
	if hallScore > 0.6 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("possible hallucination cues (score %.2f)", hallScore))
		result.ASVSCompliance["hallucination"] = asvsTags["hallucination"]
	}

	result.ConfidenceScore = confidenceScore(responseText, grounded, toxScore, hallScore)

	return result
}

// flag records a triggered check and blocks the response when the
// category is a hard block or strict mode is enabled.
func (f *Filter) flag(result *domain.GuardrailResult, category, reason string) {
	result.SecurityChecks[category] = true
	result.ASVSCompliance[category] = asvsTags[category]

	if hardBlockCategories[category] || f.strictMode {
		result.Safe = false
		result.Blocked = true
		if result.BlockReason == "" {
			result.BlockReason = reason
		}
		if f.metrics != nil {
			f.metrics.GuardrailBlocks.WithLabelValues(category, reason).Inc()
		}
	} else {
		result.Warnings = append(result.Warnings, reason)
		if f.metrics != nil {
			f.metrics.GuardrailWarnings.WithLabelValues(category, reason).Inc()
		}
	}
}

func matchAnyRegex(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func matchSecrets(text string) string {
	for name, re := range secretPatterns {
		if re.MatchString(text) {
			return name
		}
	}
	return ""
}

func hasPII(text string) bool {
	for _, re := range piiPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// MaskPII replaces every PII match with a labeled token, e.g.
// "[REDACTED_EMAIL]". It is idempotent (invariant I8): masking
// already-masked text is a no-op, since the replacement tokens do not
// themselves match any PII pattern.
func MaskPII(text string) (string, bool) {
	masked := false
	out := text
	for label, re := range piiPatterns {
		if re.MatchString(out) {
			masked = true
			out = re.ReplaceAllString(out, "[REDACTED_"+strings.ToUpper(label)+"]")
		}
	}
	return out, masked
}

func toxicityScore(text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	total := 0
	for _, words := range toxicKeywords {
		total += len(words)
		for _, w := range words {
			if strings.Contains(lower, w) {
				hits++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 5 // amplify so a single hit is visible
}

func hallucinationScore(text string, grounded bool) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, cue := range hallucinationIndicators {
		if strings.Contains(lower, cue) {
			hits++
		}
	}
	score := float64(hits) / float64(len(hallucinationIndicators))
	if !grounded {
		score += 0.3 // ungrounded responses (no retrieval context) are inherently less verifiable
	}
	if score > 1 {
		score = 1
	}
	return score
}

// confidenceScore combines length, specificity, grounding and
// uncertainty-cue factors into a single 0..1 score, following the
// original's factor-weighted approach.
func confidenceScore(text string, grounded bool, toxScore, hallScore float64) float64 {
	lengthFactor := 1.0
	if len(text) < 20 {
		lengthFactor = 0.5
	}

	groundingFactor := 0.6
	if grounded {
		groundingFactor = 1.0
	}

	score := lengthFactor*0.25 + groundingFactor*0.35 + (1-hallScore)*0.3 + (1-minF(toxScore, 1))*0.1
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
