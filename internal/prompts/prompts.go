// Package prompts builds the system and user prompts sent to the completion
// provider for a subject, skill and difficulty. Build is a pure function.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/superpaes/exercise-gateway/internal/exercise"
)

// ErrUnknownSubject is returned when no specialization exists for a subject.
var ErrUnknownSubject = errors.New("prompts: unknown subject")

// Template is the prompt pair plus the criteria and fields a response is
// expected to satisfy.
type Template struct {
	SystemPrompt       string   `json:"systemPrompt"`
	UserPrompt         string   `json:"userPrompt"`
	ValidationCriteria []string `json:"validationCriteria"`
	ExpectedFields     []string `json:"expectedFields"`
}

// Build assembles the prompt template. Unknown skills fall back to
// INTERPRET_RELATE and unknown difficulties to INTERMEDIATE; an unknown
// subject is an error. userContext, when non-nil, is serialized as JSON into
// the user prompt.
func Build(subject exercise.Subject, skill exercise.Skill, difficulty exercise.Difficulty, userContext any) (Template, error) {
	subj, ok := subjects[subject]
	if !ok {
		return Template{}, fmt.Errorf("%w %q", ErrUnknownSubject, subject)
	}
	sk, ok := skills[skill]
	if !ok {
		sk = skills[exercise.SkillInterpretRelate]
	}
	diff, ok := difficulties[difficulty]
	if !ok {
		diff = difficulties[exercise.DifficultyIntermediate]
	}

	contextBlock, err := serializeContext(userContext)
	if err != nil {
		return Template{}, err
	}

	return Template{
		SystemPrompt:       systemPrompt(subj, sk),
		UserPrompt:         userPrompt(subject, skill, difficulty, diff, contextBlock),
		ValidationCriteria: validationCriteria(subj, skill),
		ExpectedFields:     append(append([]string{}, baseFields...), subj.fields...),
	}, nil
}

func systemPrompt(subj subjectSpec, sk skillSpec) string {
	var b strings.Builder
	b.WriteString(roleStatement)
	b.WriteString("\n\nESPECIALIZACIÓN EN ")
	b.WriteString(strings.ToUpper(subj.focus))
	b.WriteString(":\n")
	for i, req := range subj.requirements {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(req)
	}
	b.WriteString("\n\nHABILIDAD A EVALUAR: ")
	b.WriteString(sk.focus)
	b.WriteString("\n- Usar verbos como: ")
	b.WriteString(strings.Join(sk.verbs, ", "))
	b.WriteString("\n- Tipos de preguntas apropiadas: ")
	b.WriteString(strings.Join(sk.questionTypes, ", "))
	b.WriteString("\n\nESTRUCTURA REQUERIDA:\n")
	b.WriteString(subj.structure)
	b.WriteString("\n\nESTÁNDARES DE CALIDAD:\n- ")
	b.WriteString(standardStatement)
	b.WriteString("\n- Usar conceptos específicos: ")
	b.WriteString(strings.Join(subj.concepts, ", "))
	b.WriteString("\n- ")
	b.WriteString(formatStatement)
	b.WriteString("\n\nFORMATO DE RESPUESTA:\n")
	b.WriteString(outputShape)
	return b.String()
}

func userPrompt(subject exercise.Subject, skill exercise.Skill, difficulty exercise.Difficulty, diff difficultySpec, contextBlock string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Genera un ejercicio de %s que evalúe la habilidad %q en nivel %s.\n\n", subject, string(skill), difficulty)
	b.WriteString("REQUISITOS ESPECÍFICOS:\n")
	fmt.Fprintf(&b, "- Complejidad: %s\n", diff.complexity)
	fmt.Fprintf(&b, "- Longitud de contexto: %s\n", diff.textLength)
	fmt.Fprintf(&b, "- Estilo de pregunta: %s\n", diff.questionStyle)
	fmt.Fprintf(&b, "- Vocabulario: %s\n\n", diff.vocabulary)
	b.WriteString("El ejercicio debe ser completamente original, educativo y apropiado para estudiantes preparándose para la PAES.")
	if contextBlock != "" {
		b.WriteString("\n\nContexto del estudiante: ")
		b.WriteString(contextBlock)
	}
	b.WriteString("\n\nResponde ÚNICAMENTE con el JSON del ejercicio, sin texto adicional.")
	return b.String()
}

func validationCriteria(subj subjectSpec, skill exercise.Skill) []string {
	out := make([]string, 0, len(baseCriteria)+len(subj.criteria)+1)
	out = append(out, baseCriteria...)
	out = append(out, subj.criteria...)
	if sk, ok := skills[skill]; ok {
		out = append(out, sk.criterion)
	}
	return out
}

// serializeContext renders the caller context. encoding/json sorts map keys,
// so equal contexts always produce equal prompts.
func serializeContext(userContext any) (string, error) {
	if userContext == nil {
		return "", nil
	}
	switch v := userContext.(type) {
	case json.RawMessage:
		if len(v) == 0 || string(v) == "null" {
			return "", nil
		}
	case map[string]any:
		if len(v) == 0 {
			return "", nil
		}
	}
	raw, err := json.Marshal(userContext)
	if err != nil {
		return "", fmt.Errorf("prompts: serialize user context: %w", err)
	}
	return string(raw), nil
}
