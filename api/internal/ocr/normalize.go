package ocr

import (
	"encoding/json"
	"regexp"
	"strings"
)

// vinPattern matches a 17 character VIN: digits and capitals without I, O and Q.
var vinPattern = regexp.MustCompile(`[A-HJ-NPR-Z0-9]{17}`)

const unknownLanguage = "unknown"

func NormalizeGeneral(raw RawGeneral) GeneralResult {
	res := GeneralResult{
		Language: unknownLanguage,
		Words:    make([]Word, 0, len(raw.WordsResult)),
	}
	if raw.Direction != nil {
		res.Direction = *raw.Direction
	}
	if raw.Language != nil && *raw.Language != "" {
		res.Language = string(*raw.Language)
	}
	texts := make([]string, 0, len(raw.WordsResult))
	for _, w := range raw.WordsResult {
		word := Word{
			Text:        w.Words,
			Probability: clamp01(float64(w.Probability)),
		}
		if w.Location != nil {
			loc := *w.Location
			word.BoundingBox = &loc
		}
		res.Words = append(res.Words, word)
		texts = append(texts, w.Words)
	}
	res.FullText = strings.Join(texts, "\n")
	return res
}

func NormalizePlate(raw RawPlate) PlateResult {
	w := raw.WordsResult
	if w == nil {
		return PlateResult{}
	}
	res := PlateResult{
		PlateNumber: string(w.Number),
		Color:       string(w.Color),
		Confidence:  clamp01(float64(w.Probability)),
	}
	if len(w.VertexesLocation) > 0 {
		res.BoundingVertices = append([]Vertex(nil), w.VertexesLocation...)
	}
	return res
}

// NormalizeVin derives VIN candidates from a latin general text recognition.
// Words are joined by a single space so a VIN split across boxes is not glued to
// its neighbours.
func NormalizeVin(g GeneralResult) VinResult {
	texts := make([]string, 0, len(g.Words))
	for _, w := range g.Words {
		texts = append(texts, w.Text)
	}
	full := strings.Join(texts, " ")

	seen := make(map[string]struct{})
	vins := make([]string, 0)
	for _, m := range vinPattern.FindAllString(full, -1) {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		vins = append(vins, m)
	}
	return VinResult{
		CandidateVins: vins,
		FullText:      full,
		Confidence:    MeanProbability(g.Words),
	}
}

// Invoice field names as reported by the provider.
const (
	fieldInvoiceType     = "InvoiceType"
	fieldInvoiceCode     = "InvoiceCode"
	fieldInvoiceNum      = "InvoiceNum"
	fieldInvoiceDate     = "InvoiceDate"
	fieldTotalAmount     = "TotalAmount"
	fieldAmountInWords   = "AmountInWords"
	fieldSellerName      = "SellerName"
	fieldPurchaserName   = "PurchaserName"
	fieldCommodityName   = "CommodityName"
	fieldCommodityAmount = "CommodityAmount"
	fieldCommodityPrice  = "CommodityPrice"
)

// NormalizeInvoice reads the fixed invoice field set. Only the first commodity
// line is captured, even when the provider reports several.
func NormalizeInvoice(raw RawInvoice) InvoiceResult {
	f := raw.Fields
	res := InvoiceResult{
		InvoiceType:      fieldText(f, fieldInvoiceType),
		InvoiceCode:      fieldText(f, fieldInvoiceCode),
		InvoiceNum:       fieldText(f, fieldInvoiceNum),
		InvoiceDate:      fieldText(f, fieldInvoiceDate),
		TotalAmount:      fieldText(f, fieldTotalAmount),
		AmountInWords:    fieldText(f, fieldAmountInWords),
		SellerName:       fieldText(f, fieldSellerName),
		PurchaserName:    fieldText(f, fieldPurchaserName),
		CommodityDetails: []CommodityDetail{},
		RawFields:        make(map[string]json.RawMessage, len(f)),
	}
	for k, v := range f {
		res.RawFields[k] = v
	}
	if name := fieldText(f, fieldCommodityName); name != "" {
		res.CommodityDetails = append(res.CommodityDetails, CommodityDetail{
			Name:   name,
			Amount: fieldText(f, fieldCommodityAmount),
			Price:  fieldText(f, fieldCommodityPrice),
		})
	}
	return res
}

// MeanProbability is the average word probability, 0 for no words.
func MeanProbability(words []Word) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Probability
	}
	return clamp01(sum / float64(len(words)))
}

func fieldText(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var t Text
	if err := json.Unmarshal(raw, &t); err != nil {
		return ""
	}
	return string(t)
}

func clamp01(f float64) float64 {
	switch {
	case f != f: // NaN
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
