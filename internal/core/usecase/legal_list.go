package usecase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

const (
	listSummaryMaxChars   = 150
	listCrossRefMaxChars  = 100
	noRulingsFoundMessage = "No se encontraron dictámenes relacionados con tu consulta."
)

var isoDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// BuildListAnswer renders retrieved rulings as a markdown report, one table
// per ruling, preceded by the query and the result count.
func BuildListAnswer(docs []domain.RetrievedDocument, query string) string {
	var b strings.Builder
	b.WriteString("\n## 📋 Dictámenes Encontrados\n\n")
	fmt.Fprintf(&b, "Basado en tu consulta: *\"%s\"*\n\n", query)
	fmt.Fprintf(&b, "Se encontraron %d dictámenes relacionados:\n\n", len(docs))

	for i, doc := range docs {
		meta := doc.Metadata
		numero := metaOr(meta, domain.MetaNumeroDictamen, notAvailable)
		url := domain.MetadataString(meta, domain.MetaURL)
		urlText, urlHref := url, url
		if url == "" {
			urlText, urlHref = notAvailable, "#"
		}

		fmt.Fprintf(&b, "\n**%d. Dictamen %s**\n\n", i+1, numero)
		b.WriteString("| Campo | Información |\n")
		b.WriteString("|-------|-------------|\n")
		fmt.Fprintf(&b, "| **Número** | %s |\n", numero)
		fmt.Fprintf(&b, "| **Año** | %s |\n", metaOr(meta, domain.MetaAno, notAvailable))
		fmt.Fprintf(&b, "| **Fecha** | %s |\n", formatListDate(meta))
		fmt.Fprintf(&b, "| **Resumen** | %s |\n", truncateRunes(metaOr(meta, domain.MetaResumen, summaryUnavailable), listSummaryMaxChars))
		fmt.Fprintf(&b, "| **Leyes Aplicadas** | %s |\n", truncateRunes(metaOr(meta, domain.MetaLeyesAplicadas, notAvailable), listCrossRefMaxChars))
		fmt.Fprintf(&b, "| **Dictámenes Aplicados** | %s |\n", truncateRunes(metaOr(meta, domain.MetaDictamenesAplicados, notAvailable), listCrossRefMaxChars))
		fmt.Fprintf(&b, "| **URL** | [%s](%s) |\n\n---\n", urlText, urlHref)
	}

	b.WriteString("\n**Nota:** Estos son los dictámenes más recientes relacionados con tu consulta. " +
		"Para información más detallada, puedes acceder directamente a cada dictamen usando los enlaces proporcionados.\n")
	return b.String()
}

// formatListDate renders fecha as DD/MM/YYYY when it parses as an ISO date,
// the raw value otherwise, and the year when fecha is missing.
func formatListDate(meta map[string]any) string {
	fecha := strings.TrimSpace(domain.MetadataString(meta, domain.MetaFecha))
	if fecha == "" || fecha == notAvailable {
		return metaOr(meta, domain.MetaAno, notAvailable)
	}
	if t, ok := parseISODate(fecha); ok {
		return t.Format("02/01/2006")
	}
	return fecha
}

func documentDate(doc domain.RetrievedDocument) (time.Time, bool) {
	fecha := strings.TrimSpace(domain.MetadataString(doc.Metadata, domain.MetaFecha))
	if t, ok := parseISODate(fecha); ok {
		return t, true
	}
	ano := strings.TrimSpace(domain.MetadataString(doc.Metadata, domain.MetaAno))
	if year, err := strconv.Atoi(ano); err == nil && year > 0 {
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func parseISODate(raw string) (time.Time, bool) {
	if raw == "" || raw == notAvailable {
		return time.Time{}, false
	}
	for _, layout := range isoDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

func metaOr(meta map[string]any, key, fallback string) string {
	if v := domain.MetadataString(meta, key); v != "" {
		return v
	}
	return fallback
}
