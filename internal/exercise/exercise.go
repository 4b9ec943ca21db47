package exercise

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subject is one of the assessed test domains.
type Subject string

const (
	SubjectReading Subject = "COMPETENCIA_LECTORA"
	SubjectMath1   Subject = "MATEMATICA_1"
	SubjectMath2   Subject = "MATEMATICA_2"
	SubjectScience Subject = "CIENCIAS"
	SubjectHistory Subject = "HISTORIA"
)

// Skill is the cognitive competency an exercise assesses.
type Skill string

const (
	SkillTrackLocate      Skill = "TRACK_LOCATE"
	SkillInterpretRelate  Skill = "INTERPRET_RELATE"
	SkillEvaluateReflect  Skill = "EVALUATE_REFLECT"
	SkillSolveProblems    Skill = "SOLVE_PROBLEMS"
	SkillRepresent        Skill = "REPRESENT"
	SkillModel            Skill = "MODEL"
	SkillArgueCommunicate Skill = "ARGUE_COMMUNICATE"
)

// Difficulty is the content complexity tier.
type Difficulty string

const (
	DifficultyBasic        Difficulty = "BASIC"
	DifficultyIntermediate Difficulty = "INTERMEDIATE"
	DifficultyAdvanced     Difficulty = "ADVANCED"
)

// OptionLabels are the required prefixes, in order, of the four answer options.
var OptionLabels = [4]string{"A)", "B)", "C)", "D)"}

// ErrInvalidExercise is returned by CheckInvariants.
var ErrInvalidExercise = errors.New("invalid exercise")

// Subjects lists every known subject.
func Subjects() []Subject {
	return []Subject{SubjectReading, SubjectMath1, SubjectMath2, SubjectScience, SubjectHistory}
}

// Skills lists every known skill.
func Skills() []Skill {
	return []Skill{
		SkillTrackLocate, SkillInterpretRelate, SkillEvaluateReflect, SkillSolveProblems,
		SkillRepresent, SkillModel, SkillArgueCommunicate,
	}
}

// Difficulties lists every known difficulty.
func Difficulties() []Difficulty {
	return []Difficulty{DifficultyBasic, DifficultyIntermediate, DifficultyAdvanced}
}

// Valid reports whether s is a known subject.
func (s Subject) Valid() bool {
	for _, known := range Subjects() {
		if s == known {
			return true
		}
	}
	return false
}

// IsMath reports whether s is one of the mathematics subjects.
func (s Subject) IsMath() bool {
	return s == SubjectMath1 || s == SubjectMath2
}

func (s Skill) Valid() bool {
	for _, known := range Skills() {
		if s == known {
			return true
		}
	}
	return false
}

func (d Difficulty) Valid() bool {
	for _, known := range Difficulties() {
		if d == known {
			return true
		}
	}
	return false
}

// ParseSubject accepts any casing and surrounding whitespace.
func ParseSubject(v string) (Subject, error) {
	s := Subject(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown subject %q", v)
	}
	return s, nil
}

func ParseSkill(v string) (Skill, error) {
	s := Skill(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown skill %q", v)
	}
	return s, nil
}

func ParseDifficulty(v string) (Difficulty, error) {
	d := Difficulty(strings.ToUpper(strings.TrimSpace(v)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown difficulty %q", v)
	}
	return d, nil
}

// Metadata keys written on every exercise.
const (
	MetaSource      = "source"
	MetaGeneratedAt = "generatedAt"
	MetaSubject     = "subject"
	MetaSkill       = "skill"
	MetaDifficulty  = "difficulty"
)

// Source tags stored under MetaSource.
const (
	SourceAIGenerated = "ai_generated"
	SourceFallback    = "fallback"
)

// Exercise is a generated multiple-choice assessment item. Values are never
// mutated after they are returned; a new attempt produces a new Exercise.
type Exercise struct {
	ID            string         `json:"id"`
	Question      string         `json:"question"`
	Options       []string       `json:"options"`
	CorrectAnswer string         `json:"correctAnswer"`
	Explanation   string         `json:"explanation"`
	Subject       Subject        `json:"subject"`
	Skill         Skill          `json:"skill"`
	Difficulty    Difficulty     `json:"difficulty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CheckInvariants verifies the structural guarantees every returned exercise
// carries: a non-empty question, exactly four options labelled A) to D) in
// order, and a correct answer equal to one of the options.
func (e Exercise) CheckInvariants() error {
	if strings.TrimSpace(e.Question) == "" {
		return fmt.Errorf("%w: empty question", ErrInvalidExercise)
	}
	if len(e.Options) != len(OptionLabels) {
		return fmt.Errorf("%w: expected %d options, got %d", ErrInvalidExercise, len(OptionLabels), len(e.Options))
	}
	for i, opt := range e.Options {
		if !strings.HasPrefix(opt, OptionLabels[i]) {
			return fmt.Errorf("%w: option %d must start with %q", ErrInvalidExercise, i+1, OptionLabels[i])
		}
	}
	if !e.HasOption(e.CorrectAnswer) {
		return fmt.Errorf("%w: correct answer is not one of the options", ErrInvalidExercise)
	}
	return nil
}

// HasOption reports whether answer equals one of the options verbatim.
func (e Exercise) HasOption(answer string) bool {
	for _, opt := range e.Options {
		if opt == answer {
			return true
		}
	}
	return false
}

// Source returns the generation source tag from metadata.
func (e Exercise) Source() string {
	if v, ok := e.Metadata[MetaSource].(string); ok {
		return v
	}
	return ""
}

// Fallback builds the static exercise served when no candidate could be
// produced.
func Fallback(subject Subject, skill Skill, difficulty Difficulty, now time.Time) Exercise {
	options := []string{
		"A) Primera alternativa",
		"B) Segunda alternativa",
		"C) Tercera alternativa",
		"D) Cuarta alternativa",
	}
	return Exercise{
		ID:            fmt.Sprintf("fallback-%d", now.UnixMilli()),
		Question:      fmt.Sprintf("Ejercicio de %s - %s (Nivel %s)", subject, skill, difficulty),
		Options:       options,
		CorrectAnswer: options[0],
		Explanation:   fmt.Sprintf("Este es un ejercicio de fallback para %s en %s. Nivel: %s", skill, subject, difficulty),
		Subject:       subject,
		Skill:         skill,
		Difficulty:    difficulty,
		Metadata: map[string]any{
			MetaSource:      SourceFallback,
			MetaGeneratedAt: now.UTC().Format(time.RFC3339),
			MetaSubject:     string(subject),
			MetaSkill:       string(skill),
			MetaDifficulty:  string(difficulty),
		},
	}
}
