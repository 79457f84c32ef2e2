package strategy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTickerMap maps the default tickers to the company names they are
// matched against in sentiment and anomaly results.
var DefaultTickerMap = TickerMap{"WMT": "Walmart", "MCD": "McDonald", "ADBE": "Adobe"}

// TickerMap maps an upper-case symbol to a company name fragment.
type TickerMap map[string]string

// LoadTickerMap reads a YAML mapping of symbol to company name. An empty
// path returns a copy of DefaultTickerMap.
func LoadTickerMap(path string) (TickerMap, error) {
	if path == "" {
		return DefaultTickerMap.clone(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("strategy: read ticker map: %w", err)
	}
	return ParseTickerMap(data)
}

// ParseTickerMap decodes YAML such as "WMT: Walmart".
func ParseTickerMap(data []byte) (TickerMap, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("strategy: parse ticker map: %w", err)
	}
	m := make(TickerMap, len(raw))
	for sym, name := range raw {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		name = strings.TrimSpace(name)
		if sym == "" || name == "" {
			continue
		}
		m[sym] = name
	}
	return m, nil
}

// Name returns the company name for sym, or sym itself when unmapped.
func (m TickerMap) Name(sym string) string {
	if n, ok := m[sym]; ok {
		return n
	}
	return sym
}

func (m TickerMap) clone() TickerMap {
	out := make(TickerMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
