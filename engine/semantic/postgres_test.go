package semantic

import (
	"strings"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/WessleyAI/filings-analyst/engine/domain"
)

func TestRowRoundTrip(t *testing.T) {
	doc := domain.Document{
		ID:        "7d9f3d4e-0c1a-4b5e-9f23-1a2b3c4d5e6f",
		Title:     "wmt-10k.pdf",
		Source:    domain.SourceUpload,
		Metadata:  domain.DocumentMetadata{Size: 2048, Pages: 3, Tickers: []string{"WMT"}},
		Status:    domain.StatusIndexed,
		CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	row, err := toRow(doc)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fromRow(row)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata.Pages != 3 || got.Metadata.Tickers[0] != "WMT" || got.Status != domain.StatusIndexed {
		t.Fatalf("unexpected document %+v", got)
	}
}

func TestFromRow_BadMetadata(t *testing.T) {
	row := documentRow{ID: "doc-1", Metadata: datatypes.JSON(`{"pages":"three"}`)}
	if _, err := fromRow(row); err == nil || !strings.Contains(err.Error(), "decode metadata of doc-1") {
		t.Fatalf("expected a metadata decode error, got %v", err)
	}

	row.Metadata = nil
	doc, err := fromRow(row)
	if err != nil || doc.ID != "doc-1" {
		t.Fatalf("empty metadata should decode to zero value, got %+v, %v", doc, err)
	}
}
