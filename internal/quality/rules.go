package quality

import "github.com/superpaes/exercise-gateway/internal/exercise"

type subjectRequirements struct {
	minQuestion     int
	maxQuestion     int
	requiresContext bool
}

var requirements = map[exercise.Subject]subjectRequirements{
	exercise.SubjectReading: {minQuestion: 100, maxQuestion: 800, requiresContext: true},
	exercise.SubjectMath1:   {minQuestion: 50, maxQuestion: 400},
	exercise.SubjectMath2:   {minQuestion: 50, maxQuestion: 400},
	exercise.SubjectScience: {minQuestion: 80, maxQuestion: 600, requiresContext: true},
	exercise.SubjectHistory: {minQuestion: 80, maxQuestion: 600, requiresContext: true},
}

// requirementsFor falls back to the reading comprehension rules.
func requirementsFor(subject exercise.Subject) subjectRequirements {
	if req, ok := requirements[subject]; ok {
		return req
	}
	return requirements[exercise.SubjectReading]
}

var subjectKeywords = map[exercise.Subject][]string{
	exercise.SubjectReading: {"texto", "lectura", "comprensión", "interpretación", "análisis"},
	exercise.SubjectMath1:   {"número", "operación", "ecuación", "geometría", "álgebra"},
	exercise.SubjectMath2:   {"función", "derivada", "integral", "límite", "probabilidad"},
	exercise.SubjectScience: {"célula", "átomo", "energía", "fuerza", "reacción", "experimento"},
	exercise.SubjectHistory: {"siglo", "período", "sociedad", "política", "cultura", "proceso"},
}

var skillKeywords = map[exercise.Skill][]string{
	exercise.SkillTrackLocate:      {"localizar", "encontrar", "identificar", "ubicar"},
	exercise.SkillInterpretRelate:  {"interpretar", "relacionar", "comparar", "analizar"},
	exercise.SkillEvaluateReflect:  {"evaluar", "reflexionar", "valorar", "juzgar"},
	exercise.SkillSolveProblems:    {"resolver", "calcular", "determinar", "hallar"},
	exercise.SkillRepresent:        {"representar", "graficar", "expresar", "mostrar"},
	exercise.SkillModel:            {"modelar", "simular", "formular", "construir"},
	exercise.SkillArgueCommunicate: {"argumentar", "explicar", "justificar", "comunicar"},
}
