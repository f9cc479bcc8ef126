package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

const (
	retrievalSystemPrompt = `Eres un asistente legal experto en dictámenes de la Contraloría General de la República. ` +
		`Responde a la pregunta basándote **únicamente** en el contexto extraído. ` +
		`Si no puedes encontrar la respuesta en el contexto, indica que la información no está disponible. ` +
		`Cita las fuentes relevantes al final de la respuesta, haciendo referencia al 'numero_dictamen'. ` +
		`Contexto recuperado: %s`

	conversationalSystemPrompt = `Eres un asistente especializado en dictámenes de la Contraloría General de la República de Chile. ` +
		`Tu función es responder preguntas generales sobre la CGR y sus dictámenes usando tus conocimientos generales.

Instrucciones específicas:
- Para preguntas como '¿Qué es un dictamen CGR?', explica el concepto general de dictamen en el contexto de la CGR
- Para preguntas sobre la función de la CGR, explica su rol como órgano contralor del Estado
- Para preguntas sobre tipos de dictámenes, menciona las categorías principales (preventivos, reparos, etc.)
- Siempre mantén un tono institucional pero accesible
- Si la pregunta es muy específica sobre un caso particular, sugiere que se formule de manera más específica
- Enfócate siempre en el contexto de la Contraloría General de la República de Chile`

	rewriteSystemPrompt = `Eres un asistente experto en reformular preguntas sobre dictámenes de la Contraloría General de la República. ` +
		`Tu tarea es reescribir la pregunta del usuario para que sea una consulta standalone ` +
		`(que se entienda sin contexto previo) y optimizada para búsqueda semántica.

Instrucciones:
- Incorpora el contexto relevante del historial de conversación
- Haz que la pregunta sea clara y específica
- Mantén los términos legales y técnicos importantes
- Si la pregunta se refiere a algo mencionado anteriormente, inclúyelo explícitamente
- Responde SOLO con la pregunta reescrita, sin explicaciones adicionales`
)

func buildClassificationSystemPrompt(keywords KeywordSet) string {
	return fmt.Sprintf(`Eres un clasificador de intenciones especializado en consultas sobre dictámenes de la Contraloría General de la República de Chile. `+
		`Tu tarea es determinar si una consulta requiere búsqueda específica en la base de conocimiento o puede responderse con conocimientos generales.

Revisa toda la conversación y la consulta del usuario y determina si la pregunta del usuario ya fue respondida o no.
Si la pregunta ya fue respondida en la conversación o es un saludo, clasifícala como CONVERSACIONAL.
Si la pregunta implica SUMAR o contar dictámenes, clasifícala como CONVERSACIONAL: solo se dispone de búsqueda semántica, no de operaciones de agregación.
No juzgues en base a tu conocimiento actual. Cualquier cosa que no haya sido respondida previamente debe responderse con la base de datos.

Categorías de clasificación:
1. CONVERSACIONAL: Saludos, despedidas, preguntas sobre el asistente, preguntas ya respondidas
2. GENERAL_CGR: Preguntas conceptuales sobre la CGR, definiciones, funciones generales
3. ESPECIFICA: Consultas que requieren información específica de dictámenes, preguntas no respondidas previamente
4. LEGAL_LIST: Consultas sobre listado de dictámenes asociados a leyes específicas o conceptos jurídicos

Palabras clave de referencia:
- Conversacional: %s
- General CGR: %s
- Específica: %s
- Legal List: %s

Responde ÚNICAMENTE con una de estas opciones: CONVERSACIONAL, GENERAL_CGR, ESPECIFICA, o LEGAL_LIST`,
		exemplars(keywords.Conversational),
		exemplars(keywords.GeneralKnowledge),
		exemplars(keywords.Specific),
		exemplars(keywords.LegalList),
	)
}

func buildClassificationMessages(keywords KeywordSet, query string, history []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+2)
	out = append(out, domain.ChatMessage{Role: domain.ChatRoleSystem, Content: buildClassificationSystemPrompt(keywords)})
	out = append(out, historyToChat(history)...)
	out = append(out, domain.ChatMessage{Role: domain.ChatRoleUser, Content: "# User question:\n# user:\n" + query})
	return out
}

func buildRewriteMessages(query string, history []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+2)
	out = append(out, domain.ChatMessage{Role: domain.ChatRoleSystem, Content: rewriteSystemPrompt})
	out = append(out, historyToChat(history)...)
	out = append(out, domain.ChatMessage{
		Role:    domain.ChatRoleUser,
		Content: fmt.Sprintf("Pregunta original del usuario: %s\n\nPregunta reescrita:", query),
	})
	return out
}

func buildConversationalMessages(query string, history []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+2)
	out = append(out, domain.ChatMessage{Role: domain.ChatRoleSystem, Content: conversationalSystemPrompt})
	out = append(out, historyToChat(history)...)
	out = append(out, domain.ChatMessage{Role: domain.ChatRoleUser, Content: query})
	return out
}

func buildRetrievalMessages(query, contextBlock string, history []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+2)
	out = append(out, domain.ChatMessage{Role: domain.ChatRoleSystem, Content: fmt.Sprintf(retrievalSystemPrompt, contextBlock)})
	out = append(out, historyToChat(history)...)
	out = append(out, domain.ChatMessage{Role: domain.ChatRoleUser, Content: query})
	return out
}

// buildContextBlock joins retrieved documents as "Fuente/Contenido" pairs.
// No documents yields an empty block.
func buildContextBlock(docs []domain.RetrievedDocument) string {
	if len(docs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		parts = append(parts, fmt.Sprintf("Fuente: %s\nContenido: %s", doc.Identifier(), doc.Content))
	}
	return strings.Join(parts, "\n---\n")
}

func historyToChat(history []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history))
	for _, msg := range history {
		role := domain.ChatRoleUser
		if msg.Role == domain.RoleAssistant {
			role = domain.ChatRoleAssistant
		}
		out = append(out, domain.ChatMessage{Role: role, Content: msg.Content})
	}
	return out
}
