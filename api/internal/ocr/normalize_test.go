package ocr

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestNormalizeGeneral(t *testing.T) {
	dir := 1
	raw := RawGeneral{
		Direction: &dir,
		WordsResult: []RawWord{
			{Words: "机油", Probability: 0.9, Location: &Location{Left: 1, Top: 2, Width: 3, Height: 4}},
			{Words: "更换", Probability: 1.4},
		},
	}
	got := NormalizeGeneral(raw)
	if got.FullText != "机油\n更换" {
		t.Fatalf("full text = %q", got.FullText)
	}
	if got.Direction != 1 || got.Language != "unknown" {
		t.Fatalf("direction/language = %d/%q", got.Direction, got.Language)
	}
	if got.Words[0].BoundingBox == nil || got.Words[0].BoundingBox.Width != 3 {
		t.Fatalf("bounding box lost: %+v", got.Words[0])
	}
	if got.Words[1].Probability != 1 {
		t.Fatalf("probability not clamped: %v", got.Words[1].Probability)
	}
	if !reflect.DeepEqual(got, NormalizeGeneral(raw)) {
		t.Fatal("not deterministic")
	}
}

func TestNormalizeGeneralAbsentContainer(t *testing.T) {
	var raw RawGeneral
	if err := json.Unmarshal([]byte(`{"log_id":1}`), &raw); err != nil {
		t.Fatal(err)
	}
	got := NormalizeGeneral(raw)
	if got.Words == nil || len(got.Words) != 0 || got.FullText != "" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestFullTextIsJoinOfWords(t *testing.T) {
	raw := RawGeneral{WordsResult: []RawWord{{Words: "a"}, {Words: ""}, {Words: "c d"}}}
	got := NormalizeGeneral(raw)
	texts := make([]string, 0, len(got.Words))
	for _, w := range got.Words {
		texts = append(texts, w.Text)
	}
	if got.FullText != strings.Join(texts, "\n") {
		t.Fatalf("full text %q does not match words", got.FullText)
	}
}

func TestNormalizePlate(t *testing.T) {
	got := NormalizePlate(RawPlate{WordsResult: &RawPlateWords{
		Number: "京A12345", Color: "blue", Probability: 0.93,
		VertexesLocation: []Vertex{{1, 2}, {3, 4}},
	}})
	if got.PlateNumber != "京A12345" || got.Color != "blue" || got.Confidence != 0.93 || len(got.BoundingVertices) != 2 {
		t.Fatalf("unexpected plate: %+v", got)
	}
	if empty := NormalizePlate(RawPlate{}); !reflect.DeepEqual(empty, PlateResult{}) {
		t.Fatalf("absent words_result: %+v", empty)
	}
}

func TestNormalizeVin(t *testing.T) {
	g := GeneralResult{Words: []Word{
		{Text: "VIN:", Probability: 0.5},
		{Text: "LSVAM4187C2184847", Probability: 0.9},
		{Text: "LSVAM4187C2184847", Probability: 1},
		{Text: "IOQ00000000000000", Probability: 0.6},
	}}
	got := NormalizeVin(g)
	if !reflect.DeepEqual(got.CandidateVins, []string{"LSVAM4187C2184847"}) {
		t.Fatalf("candidates = %v", got.CandidateVins)
	}
	for _, v := range got.CandidateVins {
		if len(v) != 17 || strings.ContainsAny(v, "IOQ") {
			t.Fatalf("invalid candidate %q", v)
		}
	}
	if got.FullText != "VIN: LSVAM4187C2184847 LSVAM4187C2184847 IOQ00000000000000" {
		t.Fatalf("full text = %q", got.FullText)
	}
	if got.Confidence < 0.749 || got.Confidence > 0.751 {
		t.Fatalf("confidence = %v", got.Confidence)
	}
	if empty := NormalizeVin(GeneralResult{}); empty.Confidence != 0 || len(empty.CandidateVins) != 0 {
		t.Fatalf("empty: %+v", empty)
	}
}

func TestNormalizeInvoice(t *testing.T) {
	var raw RawInvoice
	payload := `{"words_result":{
		"InvoiceType":"电子普通发票",
		"InvoiceCode":"011002100111",
		"InvoiceNum":"12345678",
		"InvoiceDate":"2024年03月15日",
		"TotalAmount":"350.00",
		"SellerName":"某某汽修",
		"CommodityName":[{"row":"1","word":"机油"},{"row":"2","word":"滤芯"}],
		"CommodityAmount":[{"row":"1","word":"300.00"}],
		"CommodityPrice":[{"row":"1","word":"300"}]
	}}`
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		t.Fatal(err)
	}
	got := NormalizeInvoice(raw)
	if got.InvoiceNum != "12345678" || got.TotalAmount != "350.00" || got.PurchaserName != "" {
		t.Fatalf("unexpected invoice: %+v", got)
	}
	want := []CommodityDetail{{Name: "机油", Amount: "300.00", Price: "300"}}
	if !reflect.DeepEqual(got.CommodityDetails, want) {
		t.Fatalf("commodities = %+v", got.CommodityDetails)
	}
	if len(got.RawFields) != 9 {
		t.Fatalf("raw fields = %d", len(got.RawFields))
	}

	empty := NormalizeInvoice(RawInvoice{})
	if empty.InvoiceNum != "" || len(empty.CommodityDetails) != 0 || empty.RawFields == nil {
		t.Fatalf("empty: %+v", empty)
	}
}

func TestMeanProbability(t *testing.T) {
	if MeanProbability(nil) != 0 {
		t.Fatal("empty must be 0")
	}
	if got := MeanProbability([]Word{{Probability: 0.2}, {Probability: 0.6}}); got < 0.399 || got > 0.401 {
		t.Fatalf("mean = %v", got)
	}
}
