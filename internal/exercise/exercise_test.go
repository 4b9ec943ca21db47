package exercise

import (
	"errors"
	"testing"
	"time"
)

func validExercise() Exercise {
	return Exercise{
		ID:            "ai-1",
		Question:      "¿Cuánto es 2 + 2?",
		Options:       []string{"A) 3", "B) 4", "C) 5", "D) 6"},
		CorrectAnswer: "B) 4",
		Explanation:   "2 + 2 = 4",
	}
}

func TestCheckInvariants(t *testing.T) {
	if err := validExercise().CheckInvariants(); err != nil {
		t.Fatalf("valid exercise rejected: %v", err)
	}

	cases := map[string]func(*Exercise){
		"empty question":      func(e *Exercise) { e.Question = "  " },
		"three options":       func(e *Exercise) { e.Options = e.Options[:3] },
		"unlabelled option":   func(e *Exercise) { e.Options[2] = "5" },
		"labels out of order": func(e *Exercise) { e.Options[0], e.Options[1] = "B) 4", "A) 3" },
		"answer not option":   func(e *Exercise) { e.CorrectAnswer = "B" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ex := validExercise()
			ex.Options = append([]string(nil), ex.Options...)
			mutate(&ex)
			err := ex.CheckInvariants()
			if !errors.Is(err, ErrInvalidExercise) {
				t.Fatalf("expected ErrInvalidExercise, got %v", err)
			}
		})
	}
}

func TestParseEnums(t *testing.T) {
	if s, err := ParseSubject(" matematica_1 "); err != nil || s != SubjectMath1 {
		t.Fatalf("ParseSubject: %v %v", s, err)
	}
	if _, err := ParseSubject("QUIMICA"); err == nil {
		t.Fatalf("expected error for unknown subject")
	}
	if s, err := ParseSkill("solve_problems"); err != nil || s != SkillSolveProblems {
		t.Fatalf("ParseSkill: %v %v", s, err)
	}
	if d, err := ParseDifficulty("Advanced"); err != nil || d != DifficultyAdvanced {
		t.Fatalf("ParseDifficulty: %v %v", d, err)
	}
	if _, err := ParseDifficulty("EXPERT"); err == nil {
		t.Fatalf("expected error for unknown difficulty")
	}
}

func TestFallbackSatisfiesInvariants(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, subject := range Subjects() {
		ex := Fallback(subject, SkillModel, DifficultyBasic, now)
		if err := ex.CheckInvariants(); err != nil {
			t.Fatalf("fallback for %s: %v", subject, err)
		}
		if ex.Source() != SourceFallback {
			t.Fatalf("unexpected source %q", ex.Source())
		}
		if ex.CorrectAnswer != "A) Primera alternativa" {
			t.Fatalf("unexpected answer %q", ex.CorrectAnswer)
		}
	}
}
