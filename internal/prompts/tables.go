package prompts

import "github.com/superpaes/exercise-gateway/internal/exercise"

type subjectSpec struct {
	focus        string
	requirements []string
	structure    string
	concepts     []string
	criteria     []string
	fields       []string
}

type skillSpec struct {
	focus         string
	verbs         []string
	questionTypes []string
	criterion     string
}

type difficultySpec struct {
	complexity    string
	textLength    string
	questionStyle string
	vocabulary    string
}

const (
	roleStatement     = "Eres un especialista en la creación de ejercicios PAES de alta calidad."
	standardStatement = "Todos los ejercicios deben cumplir estándares oficiales PAES/DEMRE."
	formatStatement   = "Responde ÚNICAMENTE con JSON válido, sin texto adicional."
	outputShape       = `{
  "question": "Pregunta completa con contexto si es necesario",
  "options": ["A) Opción 1", "B) Opción 2", "C) Opción 3", "D) Opción 4"],
  "correctAnswer": "A) Opción 1",
  "explanation": "Explicación detallada de por qué es correcta",
  "skill": "habilidad_evaluada",
  "difficulty": "dificultad_del_ejercicio",
  "metadata": {
    "source": "ai_generated",
    "prueba": "materia_correspondiente",
    "conceptos": ["concepto1", "concepto2"]
  }
}`
)

var baseCriteria = []string{
	"Estructura JSON válida",
	"Cuatro alternativas con formato A), B), C), D)",
	"Una respuesta correcta claramente identificable",
	"Explicación pedagógica clara",
}

var baseFields = []string{"question", "options", "correctAnswer", "explanation", "skill", "difficulty", "metadata"}

var subjects = map[exercise.Subject]subjectSpec{
	exercise.SubjectReading: {
		focus: "comprensión lectora y análisis textual",
		requirements: []string{
			"SIEMPRE incluir un texto de contexto antes de la pregunta",
			"Evaluar comprensión, interpretación, análisis o evaluación crítica",
			"Texto entre 100-400 palabras según dificultad",
			"Preguntas sobre idea principal, inferencias, propósito comunicativo, o análisis crítico",
		},
		structure: "Texto de contexto + salto de línea + pregunta específica",
		concepts:  []string{"comprensión literal", "inferencias", "propósito comunicativo", "análisis crítico", "estructura textual"},
		criteria: []string{
			"Incluye texto de contexto apropiado",
			"Evalúa comprensión o análisis textual",
			"Vocabulario apropiado para el nivel",
		},
		fields: []string{"context_text", "text_type", "reading_strategy"},
	},
	exercise.SubjectMath1: {
		focus: "números, álgebra básica, geometría y datos",
		requirements: []string{
			"Incluir elementos numéricos, algebraicos o geométricos",
			"Usar notación matemática correcta",
			"Proporcionar datos suficientes para resolver",
			"Evaluar procedimientos de cálculo y razonamiento",
		},
		structure: "Planteamiento del problema + datos + pregunta",
		concepts:  []string{"números reales", "ecuaciones lineales", "geometría plana", "estadística descriptiva", "proporcionalidad"},
		criteria: []string{
			"Incluye elementos numéricos o algebraicos",
			"Datos suficientes para resolver",
			"Notación matemática correcta",
		},
		fields: []string{"mathematical_concept", "calculation_steps", "formula_used"},
	},
	exercise.SubjectMath2: {
		focus: "álgebra avanzada, funciones, probabilidad y estadística",
		requirements: []string{
			"Incluir funciones, derivadas, límites o probabilidades",
			"Usar notación matemática avanzada",
			"Evaluar razonamiento matemático complejo",
			"Incluir gráficos o representaciones cuando sea pertinente",
		},
		structure: "Contexto matemático + problema específico + pregunta",
		concepts:  []string{"funciones", "límites", "derivadas", "probabilidad condicional", "distribuciones"},
		criteria: []string{
			"Conceptos matemáticos avanzados",
			"Notación matemática precisa",
			"Razonamiento matemático complejo",
		},
		fields: []string{"advanced_concept", "mathematical_reasoning", "graph_description"},
	},
	exercise.SubjectScience: {
		focus: "biología, física, química y método científico",
		requirements: []string{
			"Incluir conceptos científicos específicos",
			"Contextualizar en situaciones reales o experimentos",
			"Evaluar comprensión de procesos científicos",
			"Usar terminología científica precisa",
		},
		structure: "Contexto científico + situación específica + pregunta",
		concepts:  []string{"célula", "energía", "reacciones químicas", "ecosistemas", "método científico"},
		criteria: []string{
			"Conceptos científicos específicos",
			"Terminología científica precisa",
			"Contexto científico relevante",
		},
		fields: []string{"scientific_concept", "experiment_context", "scientific_method"},
	},
	exercise.SubjectHistory: {
		focus: "procesos históricos, análisis temporal y multicausal",
		requirements: []string{
			"Incluir contexto histórico específico",
			"Evaluar pensamiento temporal y análisis causal",
			"Referenciar fuentes históricas cuando sea apropiado",
			"Conectar pasado con presente cuando sea relevante",
		},
		structure: "Contexto histórico + situación específica + pregunta analítica",
		concepts:  []string{"proceso histórico", "multicausalidad", "fuentes históricas", "pensamiento temporal", "continuidad y cambio"},
		criteria: []string{
			"Contexto histórico específico",
			"Análisis temporal o causal",
			"Conexiones históricas válidas",
		},
		fields: []string{"historical_period", "historical_process", "source_type"},
	},
}

var skills = map[exercise.Skill]skillSpec{
	exercise.SkillTrackLocate: {
		focus:         "localización y extracción de información explícita",
		verbs:         []string{"localizar", "identificar", "encontrar", "ubicar", "señalar"},
		questionTypes: []string{"¿Cuál?", "¿Dónde?", "¿Qué?", "¿Quién?", "¿Cuándo?"},
		criterion:     "Información localizable en el contexto",
	},
	exercise.SkillInterpretRelate: {
		focus:         "interpretación y establecimiento de relaciones",
		verbs:         []string{"interpretar", "relacionar", "comparar", "contrastar", "asociar"},
		questionTypes: []string{"¿Por qué?", "¿Cómo se relaciona?", "¿Qué significa?", "¿Cuál es la diferencia?"},
		criterion:     "Requiere interpretación o análisis",
	},
	exercise.SkillEvaluateReflect: {
		focus:         "evaluación crítica y reflexión",
		verbs:         []string{"evaluar", "analizar", "valorar", "juzgar", "reflexionar"},
		questionTypes: []string{"¿Es correcto?", "¿Qué opinas?", "¿Cuál es la mejor?", "¿Es válido?"},
		criterion:     "Involucra evaluación o juicio crítico",
	},
	exercise.SkillSolveProblems: {
		focus:         "resolución de problemas y aplicación",
		verbs:         []string{"resolver", "calcular", "determinar", "hallar", "aplicar"},
		questionTypes: []string{"¿Cuál es el resultado?", "¿Cómo se resuelve?", "¿Cuál es el valor?"},
		criterion:     "Plantea problema con solución clara",
	},
	exercise.SkillRepresent: {
		focus:         "representación y expresión de información",
		verbs:         []string{"representar", "graficar", "expresar", "mostrar", "ilustrar"},
		questionTypes: []string{"¿Cómo se representa?", "¿Cuál es el gráfico?", "¿Cómo se expresa?"},
		criterion:     "Incluye representación o expresión",
	},
	exercise.SkillModel: {
		focus:         "modelación y formulación",
		verbs:         []string{"modelar", "formular", "construir", "diseñar", "simular"},
		questionTypes: []string{"¿Cuál es el modelo?", "¿Cómo se formula?", "¿Qué ecuación?"},
		criterion:     "Involucra modelación o formulación",
	},
	exercise.SkillArgueCommunicate: {
		focus:         "argumentación y comunicación",
		verbs:         []string{"argumentar", "explicar", "justificar", "fundamentar", "comunicar"},
		questionTypes: []string{"¿Por qué?", "¿Cómo se explica?", "¿Cuál es la razón?", "¿Qué justifica?"},
		criterion:     "Requiere argumentación o explicación",
	},
}

var difficulties = map[exercise.Difficulty]difficultySpec{
	exercise.DifficultyBasic: {
		complexity:    "conceptos fundamentales y directos",
		textLength:    "100-200 palabras para contexto",
		questionStyle: "pregunta directa sobre información explícita",
		vocabulary:    "vocabulario simple y claro",
	},
	exercise.DifficultyIntermediate: {
		complexity:    "conceptos de nivel medio con algunas relaciones",
		textLength:    "200-300 palabras para contexto",
		questionStyle: "pregunta que requiere interpretación o análisis básico",
		vocabulary:    "vocabulario técnico básico apropiado",
	},
	exercise.DifficultyAdvanced: {
		complexity:    "conceptos complejos con múltiples relaciones",
		textLength:    "300-400 palabras para contexto",
		questionStyle: "pregunta que requiere análisis profundo o síntesis",
		vocabulary:    "vocabulario técnico avanzado y preciso",
	},
}
