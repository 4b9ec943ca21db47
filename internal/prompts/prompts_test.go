package prompts

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superpaes/exercise-gateway/internal/exercise"
)

func TestBuildDeterministic(t *testing.T) {
	ctx := map[string]any{"grade": 4, "weakAreas": []string{"inferencias"}}
	first, err := Build(exercise.SubjectReading, exercise.SkillTrackLocate, exercise.DifficultyBasic, ctx)
	require.NoError(t, err)
	second, err := Build(exercise.SubjectReading, exercise.SkillTrackLocate, exercise.DifficultyBasic, ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuildSystemPrompt(t *testing.T) {
	tpl, err := Build(exercise.SubjectMath1, exercise.SkillSolveProblems, exercise.DifficultyAdvanced, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(tpl.SystemPrompt, roleStatement))
	assert.Contains(t, tpl.SystemPrompt, "ESPECIALIZACIÓN EN NÚMEROS, ÁLGEBRA BÁSICA, GEOMETRÍA Y DATOS:")
	assert.Contains(t, tpl.SystemPrompt, "- Usar notación matemática correcta")
	assert.Contains(t, tpl.SystemPrompt, "HABILIDAD A EVALUAR: resolución de problemas y aplicación")
	assert.Contains(t, tpl.SystemPrompt, "- Usar verbos como: resolver, calcular, determinar, hallar, aplicar")
	assert.Contains(t, tpl.SystemPrompt, "ESTRUCTURA REQUERIDA:\nPlanteamiento del problema + datos + pregunta")
	assert.Contains(t, tpl.SystemPrompt, "- Usar conceptos específicos: números reales, ecuaciones lineales")
	assert.Contains(t, tpl.SystemPrompt, `"correctAnswer": "A) Opción 1"`)
}

func TestBuildUserPrompt(t *testing.T) {
	tpl, err := Build(exercise.SubjectHistory, exercise.SkillArgueCommunicate, exercise.DifficultyBasic, map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(tpl.UserPrompt, `Genera un ejercicio de HISTORIA que evalúe la habilidad "ARGUE_COMMUNICATE" en nivel BASIC.`))
	assert.Contains(t, tpl.UserPrompt, "- Complejidad: conceptos fundamentales y directos")
	assert.Contains(t, tpl.UserPrompt, "- Longitud de contexto: 100-200 palabras para contexto")
	assert.Contains(t, tpl.UserPrompt, `Contexto del estudiante: {"a":1,"b":2}`)
	assert.True(t, strings.HasSuffix(tpl.UserPrompt, "Responde ÚNICAMENTE con el JSON del ejercicio, sin texto adicional."))

	noCtx, err := Build(exercise.SubjectHistory, exercise.SkillArgueCommunicate, exercise.DifficultyBasic, nil)
	require.NoError(t, err)
	assert.NotContains(t, noCtx.UserPrompt, "Contexto del estudiante")
}

func TestBuildDefaults(t *testing.T) {
	unknown, err := Build(exercise.SubjectScience, exercise.Skill("DANCE"), exercise.Difficulty("EXPERT"), nil)
	require.NoError(t, err)
	assert.Contains(t, unknown.SystemPrompt, "HABILIDAD A EVALUAR: interpretación y establecimiento de relaciones")
	assert.Contains(t, unknown.UserPrompt, "- Complejidad: conceptos de nivel medio con algunas relaciones")
	// No skill criterion is added for an unknown skill.
	assert.Len(t, unknown.ValidationCriteria, len(baseCriteria)+3)
}

func TestBuildCriteriaAndFields(t *testing.T) {
	tpl, err := Build(exercise.SubjectReading, exercise.SkillEvaluateReflect, exercise.DifficultyIntermediate, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Estructura JSON válida",
		"Cuatro alternativas con formato A), B), C), D)",
		"Una respuesta correcta claramente identificable",
		"Explicación pedagógica clara",
		"Incluye texto de contexto apropiado",
		"Evalúa comprensión o análisis textual",
		"Vocabulario apropiado para el nivel",
		"Involucra evaluación o juicio crítico",
	}, tpl.ValidationCriteria)
	assert.Equal(t, []string{
		"question", "options", "correctAnswer", "explanation", "skill", "difficulty", "metadata",
		"context_text", "text_type", "reading_strategy",
	}, tpl.ExpectedFields)
}

func TestBuildUnknownSubject(t *testing.T) {
	_, err := Build(exercise.Subject("QUIMICA"), exercise.SkillModel, exercise.DifficultyBasic, nil)
	if !errors.Is(err, ErrUnknownSubject) {
		t.Fatalf("expected ErrUnknownSubject, got %v", err)
	}
}

func TestEverySubjectBuilds(t *testing.T) {
	for _, subject := range exercise.Subjects() {
		for _, skill := range exercise.Skills() {
			for _, difficulty := range exercise.Difficulties() {
				if _, err := Build(subject, skill, difficulty, nil); err != nil {
					t.Fatalf("Build(%s,%s,%s): %v", subject, skill, difficulty, err)
				}
			}
		}
	}
}
