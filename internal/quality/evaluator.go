package quality

import (
	"fmt"
	"math"
	"strings"
)

// Criterion names, also the keys of the configurable weight map.
const (
	CriterionWordCount    = "word_count"
	CriterionSections     = "sections"
	CriterionTitle        = "title"
	CriterionConclusion   = "conclusion"
	CriterionExample      = "example"
	CriterionCallToAction = "call_to_action"
	CriterionRelevance    = "relevance"
)

// CriterionResult is the pass/fail outcome of one rubric criterion.
type CriterionResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Note   string `json:"note"`
}

// Assessment scores one draft against the rubric. It is a value:
// produced once per attempt, persisted in task metadata, never mutated.
type Assessment struct {
	OverallScore float64           `json:"overall_score"`
	Criteria     []CriterionResult `json:"criteria"`
	Passing      bool              `json:"passing"`
	Feedback     []string          `json:"feedback"`
}

// Target carries the generation parameters the rubric scores against.
type Target struct {
	Topic     string
	WordCount int
}

// Evaluator applies the seven-criterion rubric. It is pure with
// respect to its inputs; identical content and target always produce
// identical results.
type Evaluator struct {
	Threshold float64
	Weights   map[string]float64
}

func NewEvaluator(threshold float64, weights map[string]float64) Evaluator {
	return Evaluator{Threshold: threshold, Weights: weights}
}

type criterion struct {
	name     string
	check    func(content string, lines []string, target Target) (bool, string)
	feedback func(target Target) string
}

// criteria order is fixed so results and feedback are stable.
var criteria = []criterion{
	{
		name:  CriterionWordCount,
		check: checkWordCount,
		feedback: func(t Target) string {
			return fmt.Sprintf("adjust the length to roughly %d words", t.WordCount)
		},
	},
	{
		name:  CriterionSections,
		check: checkSections,
		feedback: func(Target) string {
			return "split the content into at least three sections with headings"
		},
	},
	{
		name:  CriterionTitle,
		check: checkTitle,
		feedback: func(Target) string {
			return "add a title heading at the top"
		},
	},
	{
		name:  CriterionConclusion,
		check: checkConclusion,
		feedback: func(Target) string {
			return "add a concluding section"
		},
	},
	{
		name:  CriterionExample,
		check: checkExample,
		feedback: func(Target) string {
			return "include at least one concrete example or enumerated list"
		},
	},
	{
		name:  CriterionCallToAction,
		check: checkCallToAction,
		feedback: func(Target) string {
			return "end with a clear call to action"
		},
	},
	{
		name:  CriterionRelevance,
		check: checkRelevance,
		feedback: func(t Target) string {
			return fmt.Sprintf("focus the content on the topic: %s", t.Topic)
		},
	},
}

// Assess scores content against the rubric. The overall score is the
// weighted share of passing criteria normalized to 0..10; feedback
// lists one imperative instruction per failing criterion.
func (e Evaluator) Assess(content string, target Target) Assessment {
	lines := strings.Split(content, "\n")
	var results []CriterionResult
	var feedback []string
	var total, passed float64
	for _, c := range criteria {
		weight := e.weight(c.name)
		ok, note := c.check(content, lines, target)
		results = append(results, CriterionResult{Name: c.name, Passed: ok, Note: note})
		total += weight
		if ok {
			passed += weight
		} else if weight > 0 {
			feedback = append(feedback, c.feedback(target))
		}
	}
	score := 0.0
	if total > 0 {
		score = math.Round(passed/total*100) / 10
	}
	return Assessment{
		OverallScore: score,
		Criteria:     results,
		Passing:      score >= e.Threshold,
		Feedback:     feedback,
	}
}

func (e Evaluator) weight(name string) float64 {
	if e.Weights == nil {
		return 1
	}
	w, ok := e.Weights[name]
	if !ok {
		return 1
	}
	return w
}

func checkWordCount(content string, _ []string, target Target) (bool, string) {
	count := len(strings.Fields(content))
	low := int(float64(target.WordCount) * 0.7)
	high := int(float64(target.WordCount) * 1.3)
	if count >= low && count <= high {
		return true, fmt.Sprintf("%d words, within %d-%d", count, low, high)
	}
	return false, fmt.Sprintf("%d words, outside %d-%d", count, low, high)
}

func checkSections(_ string, lines []string, _ Target) (bool, string) {
	count := 0
	for _, line := range lines {
		if isHeading(line, 2) {
			count++
		}
	}
	if count >= 3 {
		return true, fmt.Sprintf("%d section headings", count)
	}
	return false, fmt.Sprintf("%d section headings, need 3", count)
}

func checkTitle(_ string, lines []string, _ Target) (bool, string) {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return true, "title heading present"
		}
	}
	return false, "no title heading"
}

func checkConclusion(_ string, lines []string, _ Target) (bool, string) {
	for _, line := range lines {
		if !isHeading(line, 1) {
			continue
		}
		lowered := strings.ToLower(line)
		if strings.Contains(lowered, "conclusion") || strings.Contains(lowered, "summary") || strings.Contains(lowered, "final thoughts") {
			return true, "conclusion section present"
		}
	}
	return false, "no conclusion section"
}

func checkExample(content string, lines []string, _ Target) (bool, string) {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			return true, "list present"
		}
		if len(trimmed) > 2 && trimmed[0] >= '1' && trimmed[0] <= '9' && strings.HasPrefix(trimmed[1:], ". ") {
			return true, "enumerated list present"
		}
	}
	lowered := strings.ToLower(content)
	if strings.Contains(lowered, "for example") || strings.Contains(lowered, "for instance") || strings.Contains(lowered, "e.g.") {
		return true, "example present"
	}
	return false, "no example or list"
}

var ctaPhrases = []string{
	"subscribe",
	"sign up",
	"get started",
	"learn more",
	"contact us",
	"try it",
	"join ",
	"download",
	"share your",
	"let us know",
}

func checkCallToAction(content string, _ []string, _ Target) (bool, string) {
	lowered := strings.ToLower(content)
	for _, phrase := range ctaPhrases {
		if strings.Contains(lowered, phrase) {
			return true, fmt.Sprintf("call to action found (%q)", strings.TrimSpace(phrase))
		}
	}
	return false, "no call to action"
}

func checkRelevance(content string, _ []string, target Target) (bool, string) {
	keywords := topicKeywords(target.Topic)
	if len(keywords) == 0 {
		return true, "no topic keywords to match"
	}
	lowered := strings.ToLower(content)
	found := 0
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			found++
		}
	}
	// at least half of the topic's key terms must appear
	need := (len(keywords) + 1) / 2
	if found >= need {
		return true, fmt.Sprintf("%d/%d topic terms present", found, len(keywords))
	}
	return false, fmt.Sprintf("%d/%d topic terms present, need %d", found, len(keywords), need)
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "your": true, "about": true, "into": true,
	"how": true, "why": true, "what": true, "are": true, "can": true,
}

func topicKeywords(topic string) []string {
	var keywords []string
	for _, f := range strings.Fields(strings.ToLower(topic)) {
		word := strings.Trim(f, ".,:;!?\"'()[]")
		if len(word) < 3 || stopwords[word] {
			continue
		}
		keywords = append(keywords, word)
	}
	return keywords
}

func isHeading(line string, minLevel int) bool {
	trimmed := strings.TrimSpace(line)
	level := 0
	for _, r := range trimmed {
		if r != '#' {
			break
		}
		level++
	}
	return level >= minLevel && level < len(trimmed) && trimmed[level] == ' '
}
