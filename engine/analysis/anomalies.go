package analysis

import (
	"context"
	"strings"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/llm"
	"github.com/WessleyAI/filings-analyst/pkg/fn"
)

const anomaliesSystem = "You are a financial forensic analyst. From the provided SEC filing excerpts, detect anomalies in financial metrics that could signal risks (e.g., sharp revenue declines, margin compression, negative FCF, debt spikes, inventory build, receivables growth, customer churn, guidance cuts). Return compact JSON only."

var anomaliesPass = pass{
	name:        "anomalies",
	chunkLimit:  120,
	byteLimit:   18000,
	temperature: 0.1,
	system:      anomaliesSystem,
	user: func(title, text string) string {
		return "Document Title: " + title + "\n---\n" + text + "\n---\n" +
			`Return JSON with shape: { anomalies: [ { company?: string, metric: string, period?: string, change?: string, severity?: "low"|"medium"|"high", rationale?: string } ] }` + "\n" +
			"- Strictly numeric-backed or clearly stated anomalies only.\n" +
			"- Avoid duplicates.\n" +
			"- Severity based on potential risk exposure.\n" +
			"- Keep rationale very brief (<= 160 chars)."
	},
}

// Severity levels.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Anomaly is one flagged metric movement.
type Anomaly struct {
	Company   string `json:"company,omitempty"`
	Metric    string `json:"metric"`
	Period    string `json:"period,omitempty"`
	Change    string `json:"change,omitempty"`
	Severity  string `json:"severity"`
	Rationale string `json:"rationale,omitempty"`
	Document  string `json:"document"`
}

// AnomalyReport is the result of an anomaly pass.
type AnomalyReport struct {
	Anomalies []Anomaly `json:"anomalies"`
	Info      string    `json:"info,omitempty"`
}

type anomalyReply struct {
	Anomalies []Anomaly `json:"anomalies"`
}

// Anomalies collects de-duplicated anomalies across the newest limitDocs
// documents. limitDocs <= 0 means DefaultLimitDocs.
func (a *Analyzer) Anomalies(ctx context.Context, limitDocs int) (*AnomalyReport, error) {
	var all []Anomaly
	n, err := a.each(ctx, anomaliesPass, limitDocs, func(doc domain.Document, reply string) {
		parsed, ok := llm.ParseJSONObject[anomalyReply](reply)
		if !ok {
			a.logger.Warn("analysis: unparseable anomalies reply", "document_id", doc.ID)
		}
		for _, an := range parsed.Anomalies {
			if strings.TrimSpace(an.Metric) == "" {
				continue
			}
			an.Document = doc.Title
			an.Severity = normalizeSeverity(an.Severity)
			all = append(all, an)
		}
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &AnomalyReport{Anomalies: []Anomaly{}, Info: InfoNoDocuments}, nil
	}
	return &AnomalyReport{Anomalies: dedupAnomalies(all)}, nil
}

func normalizeSeverity(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return v
	default:
		return SeverityLow
	}
}

// dedupAnomalies keeps the first anomaly for each company/metric/period/change.
func dedupAnomalies(in []Anomaly) []Anomaly {
	return fn.UniqueBy(in, func(a Anomaly) string {
		company := a.Company
		if company == "" {
			company = "?"
		}
		return strings.ToLower(company + "|" + a.Metric + "|" + a.Period + "|" + a.Change)
	})
}
