package analysis

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/llm"
)

const sentimentSystem = "You are a precise financial NLP tool. Extract company names mentioned in the document text and assign an overall sentiment score for each company based on the narrative (earnings, guidance, risk). Return minified JSON only."

var sentimentPass = pass{
	name:        "sentiment",
	chunkLimit:  80,
	byteLimit:   16000,
	temperature: 0.1,
	system:      sentimentSystem,
	user: func(title, text string) string {
		return "Document Title: " + title + "\n---\n" + text + "\n---\n" +
			"Return JSON with shape: {\n  companies: [ { name: string, score: number, confidence?: number } ]\n}\n" +
			"- score must be a float in [-1,1] (negative = bearish, positive = bullish).\n" +
			"- Only include proper company entities (e.g., \"Apple Inc.\", \"Microsoft Corporation\").\n" +
			"- If none, return { companies: [] }."
	},
}

// CompanySentiment is the corpus-wide sentiment for one company.
type CompanySentiment struct {
	Name      string   `json:"name"`
	Score     float64  `json:"score"`
	Documents []string `json:"documents"`
	Count     int      `json:"count"`
}

// SentimentReport is the result of a sentiment pass.
type SentimentReport struct {
	Companies []CompanySentiment `json:"companies"`
	Info      string             `json:"info,omitempty"`
}

type sentimentReply struct {
	Companies []struct {
		Name       string   `json:"name"`
		Score      looseFloat `json:"score"`
		Confidence looseFloat `json:"confidence"`
	} `json:"companies"`
}

// looseFloat accepts a JSON number or a numeric string. Anything else leaves
// it unset rather than failing the whole reply.
type looseFloat struct {
	v  float64
	ok bool
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unq)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		*f = looseFloat{}
		return nil
	}
	*f = looseFloat{v: v, ok: true}
	return nil
}

type tally struct {
	total float64
	count int
	docs  []string
	seen  map[string]bool
}

// Sentiment scores every company mentioned across the newest limitDocs
// documents. limitDocs <= 0 means DefaultLimitDocs.
func (a *Analyzer) Sentiment(ctx context.Context, limitDocs int) (*SentimentReport, error) {
	tallies := map[string]*tally{}
	var keys []string
	n, err := a.each(ctx, sentimentPass, limitDocs, func(doc domain.Document, reply string) {
		parsed, ok := llm.ParseJSONObject[sentimentReply](reply)
		if !ok {
			a.logger.Warn("analysis: unparseable sentiment reply", "document_id", doc.ID)
		}
		for _, c := range parsed.Companies {
			key := strings.ToLower(strings.TrimSpace(c.Name))
			if key == "" {
				continue
			}
			t, found := tallies[key]
			if !found {
				t = &tally{seen: map[string]bool{}}
				tallies[key] = t
				keys = append(keys, key)
			}
			if c.Score.ok {
				t.total += c.Score.v
			}
			t.count++
			if !t.seen[doc.Title] {
				t.seen[doc.Title] = true
				t.docs = append(t.docs, doc.Title)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &SentimentReport{Companies: []CompanySentiment{}, Info: InfoNoDocuments}, nil
	}

	out := make([]CompanySentiment, 0, len(keys))
	for _, k := range keys {
		t := tallies[k]
		out = append(out, CompanySentiment{
			Name:      displayName(k),
			Score:     round(t.total/float64(max(1, t.count)), 3),
			Documents: t.docs,
			Count:     t.count,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return &SentimentReport{Companies: out}, nil
}

var (
	corporateSuffix = regexp.MustCompile(`(?i)\b(inc|corp|corporation|ltd|plc)\b\.?`)
	spaceBeforeDot  = regexp.MustCompile(`\s+\.`)
	wordStart       = regexp.MustCompile(`\b\w`)
)

// displayName turns a lower-cased aggregation key into a display name:
// corporate suffixes end with a period and every word is capitalised.
func displayName(key string) string {
	s := corporateSuffix.ReplaceAllString(key, "$1.")
	s = spaceBeforeDot.ReplaceAllString(s, ".")
	return wordStart.ReplaceAllStringFunc(s, strings.ToUpper)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
