// Package quality scores candidate exercises against four weighted rubrics.
// Validate is a pure function of its inputs.
package quality

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/superpaes/exercise-gateway/internal/exercise"
)

// Rubric weights. They sum to 1.
const (
	WeightContentAccuracy       = 0.30
	WeightStandardCompliance    = 0.25
	WeightDifficultyConsistency = 0.25
	WeightSubjectRelevance      = 0.20
)

// ValidThreshold is the minimum overall score of a valid report.
const ValidThreshold = 0.7

// Provenance tells where an exercise came from.
type Provenance string

const (
	ProvenanceOfficial    Provenance = "official"
	ProvenanceAIGenerated Provenance = "ai_generated"
	ProvenanceHybrid      Provenance = "hybrid"
	ProvenanceFallback    Provenance = "fallback"
)

// Scores holds the four rubric results, each in [0,1].
type Scores struct {
	ContentAccuracy       float64 `json:"contentAccuracy"`
	StandardCompliance    float64 `json:"standardCompliance"`
	DifficultyConsistency float64 `json:"difficultyConsistency"`
	SubjectRelevance      float64 `json:"subjectRelevance"`
}

// Overall is the weighted sum of the rubric scores clamped to [0,1].
func (s Scores) Overall() float64 {
	return clamp(s.ContentAccuracy*WeightContentAccuracy +
		s.StandardCompliance*WeightStandardCompliance +
		s.DifficultyConsistency*WeightDifficultyConsistency +
		s.SubjectRelevance*WeightSubjectRelevance)
}

// Report is the outcome of validating one exercise.
type Report struct {
	Scores          Scores     `json:"scores"`
	OverallScore    float64    `json:"overallScore"`
	IsValid         bool       `json:"isValid"`
	Issues          []string   `json:"issues"`
	Recommendations []string   `json:"recommendations"`
	Provenance      Provenance `json:"provenance"`
}

var (
	optionLabel  = regexp.MustCompile(`^[A-D]\)`)
	mathElements = regexp.MustCompile(`[0-9+\-*/=()]`)
)

// Validate scores ex for the given subject and skill.
func Validate(ex exercise.Exercise, subject exercise.Subject, skill exercise.Skill) Report {
	scores := Scores{
		ContentAccuracy:       contentAccuracy(ex),
		StandardCompliance:    standardCompliance(ex, subject),
		DifficultyConsistency: difficultyConsistency(ex),
		SubjectRelevance:      subjectRelevance(ex, subject, skill),
	}
	overall := scores.Overall()
	issues := findIssues(ex, subject, skill)
	return Report{
		Scores:          scores,
		OverallScore:    overall,
		IsValid:         overall >= ValidThreshold,
		Issues:          issues,
		Recommendations: recommend(scores, issues),
		Provenance:      inferProvenance(ex),
	}
}

// FallbackReport is the fixed low-quality report attached to the static
// fallback exercise.
func FallbackReport() Report {
	scores := Scores{ContentAccuracy: 0.3, StandardCompliance: 0.3, DifficultyConsistency: 0.3, SubjectRelevance: 0.3}
	return Report{
		Scores:          scores,
		OverallScore:    0.3,
		IsValid:         false,
		Issues:          []string{"fallback exercise: quality not guaranteed"},
		Recommendations: []string{"check connectivity with the completion provider"},
		Provenance:      ProvenanceFallback,
	}
}

func contentAccuracy(ex exercise.Exercise) float64 {
	score := 1.0
	if charLen(ex.Question) < 20 {
		score -= 0.2
	}
	if len(ex.Options) != 4 {
		score -= 0.3
	}
	if ex.CorrectAnswer == "" {
		score -= 0.3
	}
	if charLen(ex.Explanation) < 30 {
		score -= 0.2
	}
	if strings.Contains(ex.Question, "placeholder") || strings.Contains(ex.Question, "ejemplo") {
		score -= 0.2
	}
	for _, opt := range ex.Options {
		if strings.Contains(opt, "opción") && charLen(opt) < 10 {
			score -= 0.1
			break
		}
	}
	return clamp(score)
}

func standardCompliance(ex exercise.Exercise, subject exercise.Subject) float64 {
	score := 1.0
	req := requirementsFor(subject)
	if !allLabelled(ex.Options) {
		score -= 0.2
	}
	if n := charLen(ex.Question); n < req.minQuestion || n > req.maxQuestion {
		score -= 0.1
	}
	if req.requiresContext && !hasContext(ex.Question) {
		score -= 0.2
	}
	return clamp(score)
}

func difficultyConsistency(ex exercise.Exercise) float64 {
	score := 1.0
	gap := contentComplexity(ex) - expectedComplexity(ex.Difficulty)
	if gap < 0 {
		gap = -gap
	}
	if gap > 0.3 {
		score -= 0.4
	}
	return clamp(score)
}

func subjectRelevance(ex exercise.Exercise, subject exercise.Subject, skill exercise.Skill) float64 {
	score := 1.0
	content := strings.ToLower(ex.Question + " " + strings.Join(ex.Options, " "))
	if !containsAny(content, subjectKeywords[subject]) {
		score -= 0.3
	}
	if !containsAny(content, skillKeywords[skill]) {
		score -= 0.2
	}
	return clamp(score)
}

// contentComplexity estimates structural complexity in [0,1].
func contentComplexity(ex exercise.Exercise) float64 {
	complexity := 0.5
	n := charLen(ex.Question)
	if n > 200 {
		complexity += 0.2
	}
	if n > 400 {
		complexity += 0.2
	}
	if hasContext(ex.Question) {
		complexity += 0.1
	}
	if len(ex.Options) > 0 {
		total := 0
		for _, opt := range ex.Options {
			total += charLen(opt)
		}
		if float64(total)/float64(len(ex.Options)) > 30 {
			complexity += 0.1
		}
	}
	if complexity > 1 {
		complexity = 1
	}
	return complexity
}

func expectedComplexity(d exercise.Difficulty) float64 {
	switch d {
	case exercise.DifficultyBasic:
		return 0.3
	case exercise.DifficultyIntermediate:
		return 0.6
	case exercise.DifficultyAdvanced:
		return 0.9
	default:
		return 0.5
	}
}

func findIssues(ex exercise.Exercise, subject exercise.Subject, skill exercise.Skill) []string {
	issues := []string{}
	if len(ex.Options) != 4 {
		issues = append(issues, "exercise must have exactly 4 options")
	}
	if !allLabelled(ex.Options) {
		issues = append(issues, "options must follow the A), B), C), D) format")
	}
	if subject == exercise.SubjectReading && !hasContext(ex.Question) {
		issues = append(issues, "reading comprehension exercises require a context passage")
	}
	if subject.IsMath() && !mathElements.MatchString(ex.Question) {
		issues = append(issues, "mathematics exercises must include numeric or algebraic elements")
	}
	if skill == exercise.SkillSolveProblems && !strings.Contains(ex.Question, "?") {
		issues = append(issues, "problem-solving exercises must pose an explicit question")
	}
	return issues
}

func recommend(s Scores, issues []string) []string {
	recs := []string{}
	if s.ContentAccuracy < ValidThreshold {
		recs = append(recs, "improve content structure and completeness")
	}
	if s.StandardCompliance < ValidThreshold {
		recs = append(recs, "adjust the format to meet the test standard")
	}
	if s.DifficultyConsistency < ValidThreshold {
		recs = append(recs, "review consistency between declared difficulty and content")
	}
	if s.SubjectRelevance < ValidThreshold {
		recs = append(recs, "include more subject and skill specific content")
	}
	if len(issues) > 0 {
		recs = append(recs, "fix the structural issues identified")
	}
	return recs
}

func inferProvenance(ex exercise.Exercise) Provenance {
	switch {
	case strings.HasPrefix(ex.ID, "paes-") || strings.HasPrefix(ex.ID, "oficial-"):
		return ProvenanceOfficial
	case strings.HasPrefix(ex.ID, "fallback-"):
		return ProvenanceFallback
	case strings.HasPrefix(ex.ID, "ai-") || strings.Contains(ex.Explanation, "Esta pregunta fue generada"):
		return ProvenanceAIGenerated
	default:
		return ProvenanceHybrid
	}
}

func allLabelled(options []string) bool {
	for _, opt := range options {
		if !optionLabel.MatchString(opt) {
			return false
		}
	}
	return true
}

// hasContext detects an embedded passage by its paragraph break.
func hasContext(question string) bool {
	return strings.Contains(question, "\n\n")
}

func containsAny(content string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(content, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func charLen(s string) int {
	return utf8.RuneCountInString(s)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
