package policy

import (
	"regexp"
	"sort"

	"github.com/promptcraft/chat-gateway/internal/types"
)

// injectionRule is a heuristic for prompt-injection attempts. Severity is in
// [0, 1]; policies decide what score to act on.
type injectionRule struct {
	Name     string
	Regex    *regexp.Regexp
	Severity float64
}

var injectionRules = []injectionRule{
	{"ignore_previous", regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`), 0.95},
	{"disregard_prior", regexp.MustCompile(`(?i)disregard\s+(all\s+)?prior\s+(instructions|context|rules)`), 0.95},
	{"jailbreak", regexp.MustCompile(`(?i)(\bDAN\b|do\s+anything\s+now|jailbreak|unrestricted\s+mode)`), 0.9},
	{"code_block_system", regexp.MustCompile("(?i)```system"), 0.9},
	{"developer_mode", regexp.MustCompile(`(?i)(developer|debug|admin|root)\s+mode\s+(enabled|activated|on)`), 0.85},
	{"reveal_system_prompt", regexp.MustCompile(`(?i)(reveal|print|show|repeat)\s+(me\s+)?(your|the)\s+(system\s+prompt|hidden\s+instructions)`), 0.85},
	{"base64_instruction", regexp.MustCompile(`(?i)(decode|execute|follow)\s+(the\s+)?base64`), 0.85},
	{"new_instructions", regexp.MustCompile(`(?i)(new|updated|revised)\s+instructions?\s*:`), 0.8},
	{"response_prefix", regexp.MustCompile(`(?i)respond\s+with\s*:\s*(sure|absolutely|of course)`), 0.75},
	{"you_are_now", regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s+`), 0.7},
}

// ScoreInjection scans user-authored messages and returns the highest rule
// severity with the sorted names of the rules that matched. System and
// assistant messages come from PromptCraft templates and are not scanned.
func ScoreInjection(messages []types.Message) (float64, []string) {
	score := 0.0
	matched := make(map[string]bool)
	for _, m := range messages {
		if m.Role != types.RoleUser {
			continue
		}
		for _, r := range injectionRules {
			if !r.Regex.MatchString(m.Content) {
				continue
			}
			matched[r.Name] = true
			if r.Severity > score {
				score = r.Severity
			}
		}
	}

	if len(matched) == 0 {
		return 0, nil
	}
	names := make([]string, 0, len(matched))
	for name := range matched {
		names = append(names, name)
	}
	sort.Strings(names)
	return score, names
}
