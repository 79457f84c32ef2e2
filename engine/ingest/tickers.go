package ingest

import (
	"regexp"
	"strings"
)

const maxTickerSample = 60000

// labelledPatterns follow an explicit label, so the symbol may be in any case.
// They run on the upper-cased sample.
var labelledPatterns = []*regexp.Regexp{
	regexp.MustCompile(`TRADING SYMBOL\(S\)\s*:\s*([A-Z]{1,5}(?:\s*,\s*[A-Z]{1,5})*)`),
	regexp.MustCompile(`\bTICKER(?:\s*SYMBOL)?\s*[:\-]\s*([A-Z]{1,5})\b`),
}

// casedPatterns run on the original text: the exchange name or the word
// "symbol" may be in any case but the symbol itself must be upper case, so
// prose such as "on the NYSE under the symbol" is never read as a ticker.
var casedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i:\b(?:nasdaq|nyse|amex))\s*:?[\s\-]*([A-Z]{1,5})\b`),
	regexp.MustCompile(`(?i:\bsymbols?)\s*:?\s*["\x{201C}']?([A-Z]{1,5})\b`),
}

var lettersOnly = regexp.MustCompile(`^[A-Z]{1,5}$`)

// Filing vocabulary and file-name noise that looks like a symbol.
var notTickers = map[string]bool{
	"SEC": true, "USD": true, "US": true, "GAAP": true, "EPS": true, "EBITDA": true, "NET": true,
	"INCOME": true, "LOSS": true, "REVENUE": true, "CASH": true, "FLOW": true, "BALANCE": true,
	"SHEET": true, "Q": true, "Q1": true, "Q2": true, "Q3": true, "Q4": true, "FY": true, "FYE": true,
	"K": true, "S": true, "ITEM": true, "NOTE": true, "NOTES": true, "FORM": true, "EXHIBIT": true,
	"SERIES": true, "CLASS": true, "STOCK": true, "MARKET": true, "GLOBAL": true, "SELECT": true,
	"PDF": true, "DOC": true, "DOCX": true, "FINAL": true, "DRAFT": true, "REPORT": true,
	"EARNINGS": true, "TRANSCRIPT": true, "CALL": true, "PRESS": true, "RELEASE": true,
	"QUARTER": true, "ANNUAL": true, "V": true, "V1": true, "V2": true, "V3": true, "TXT": true,
	// English and exchange-name words that follow an exchange in all-caps prose.
	"THE": true, "AND": true, "OR": true, "OF": true, "ON": true, "IN": true, "AT": true, "AS": true,
	"BY": true, "FOR": true, "TO": true, "IS": true, "UNDER": true, "WITH": true, "FROM": true,
	"SYMBOL": true, "TICKER": true, "LISTED": true, "TRADED": true, "EXCHANGE": true, "NEW": true,
	"YORK": true, "ARCA": true, "AMERICAN": true, "INC": true, "CORP": true, "LLC": true, "LTD": true,
}

// ExtractTickers finds exchange symbols declared in a filing's text. File
// name tokens are used only when the text declares none.
func ExtractTickers(text, fileName string) []string {
	sample := truncate(text, maxTickerSample)
	upper := strings.ToUpper(sample)
	seen := map[string]bool{}
	var out []string
	add := func(tok string) {
		t := strings.TrimSpace(tok)
		if !lettersOnly.MatchString(t) || notTickers[t] || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}

	collect := func(patterns []*regexp.Regexp, in string) {
		for _, re := range patterns {
			for _, m := range re.FindAllStringSubmatch(in, -1) {
				for _, tok := range strings.Split(m[1], ",") {
					add(tok)
				}
			}
		}
	}
	collect(labelledPatterns, upper)
	collect(casedPatterns, sample)
	if len(out) > 0 {
		return out
	}

	for _, tok := range strings.FieldsFunc(strings.ToUpper(fileName), func(r rune) bool {
		return r < 'A' || r > 'Z'
	}) {
		add(tok)
	}
	return out
}
