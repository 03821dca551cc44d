package ocr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind selects which recognition route a request takes.
type Kind string

const (
	KindGeneral      Kind = "general"
	KindLicensePlate Kind = "license_plate"
	KindVIN          Kind = "vin"
	KindInvoice      Kind = "invoice"
)

// SupportedKinds lists every Kind in the order reported to clients.
var SupportedKinds = []Kind{KindGeneral, KindLicensePlate, KindVIN, KindInvoice}

// ErrUnsupportedKind is wrapped by ParseKind for unknown kind names.
var ErrUnsupportedKind = errors.New("unsupported recognition kind")

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, sk := range SupportedKinds {
		if k == sk {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// GeneralOptions are passed through to the provider's general text endpoint.
type GeneralOptions struct {
	LanguageType    string `json:"language_type,omitempty"` // CHN_ENG | ENG | ...
	DetectDirection bool   `json:"detect_direction"`
	DetectLanguage  bool   `json:"detect_language"`
	Probability     bool   `json:"probability"`
}

func DefaultGeneralOptions() GeneralOptions {
	return GeneralOptions{
		LanguageType:    "CHN_ENG",
		DetectDirection: true,
		DetectLanguage:  true,
		Probability:     true,
	}
}

// VinOptions is the general text profile used for VIN plates: latin only.
func VinOptions() GeneralOptions {
	return GeneralOptions{
		LanguageType:    "ENG",
		DetectDirection: true,
		Probability:     true,
	}
}

// ----- raw provider payloads -----

// Status is the provider-level outcome carried inside an otherwise successful response.
type Status struct {
	ErrorCode int    `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

// Err translates a non-zero provider code into an *EngineError.
func (s Status) Err() error {
	if s.ErrorCode == 0 {
		return nil
	}
	code := CodeRemoteRejected
	if isAuthCode(s.ErrorCode) {
		code = CodeUnauthorized
	}
	return &EngineError{
		Code:         code,
		ProviderCode: s.ErrorCode,
		Message:      s.ErrorMsg,
	}
}

// Probability accepts a bare number, an {"average": x} object, or a per-character array (mean).
type Probability float64

func (p *Probability) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*p = Probability(f)
		return nil
	}
	var obj struct {
		Average *float64 `json:"average"`
	}
	if err := json.Unmarshal(b, &obj); err == nil && obj.Average != nil {
		*p = Probability(*obj.Average)
		return nil
	}
	var arr []float64
	if err := json.Unmarshal(b, &arr); err == nil {
		if len(arr) == 0 {
			*p = 0
			return nil
		}
		var sum float64
		for _, v := range arr {
			sum += v
		}
		*p = Probability(sum / float64(len(arr)))
		return nil
	}
	// unknown shape: treat as missing
	*p = 0
	return nil
}

// Text accepts a string, a number, a {"word": "..."} object or a list of them (first entry wins).
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	case '{':
		var w struct {
			Word  string `json:"word"`
			Words string `json:"words"`
		}
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		if w.Word != "" {
			*t = Text(w.Word)
		} else {
			*t = Text(w.Words)
		}
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*t = ""
		if len(arr) > 0 {
			return t.UnmarshalJSON(arr[0])
		}
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			*t = Text(string(b))
			return nil
		}
		*t = Text(n.String())
	}
	return nil
}

// Location is an axis-aligned word box in pixels.
type Location struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Vertex struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type RawWord struct {
	Words       string      `json:"words"`
	Probability Probability `json:"probability"`
	Location    *Location   `json:"location,omitempty"`
}

type RawGeneral struct {
	Status
	Direction   *int      `json:"direction,omitempty"`
	Language    *Text     `json:"language,omitempty"`
	WordsResult []RawWord `json:"words_result,omitempty"`
}

type RawPlateWords struct {
	Number           Text        `json:"number"`
	Color            Text        `json:"color"`
	Probability      Probability `json:"probability"`
	VertexesLocation []Vertex    `json:"vertexes_location,omitempty"`
}

type RawPlate struct {
	Status
	WordsResult *RawPlateWords `json:"words_result,omitempty"`
}

// UnmarshalJSON accepts words_result as an object or, in multi-detect mode, a list (first plate wins).
func (r *RawPlate) UnmarshalJSON(b []byte) error {
	var env struct {
		Status
		WordsResult json.RawMessage `json:"words_result"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	r.Status = env.Status
	r.WordsResult = nil
	wr := bytes.TrimSpace(env.WordsResult)
	if len(wr) == 0 || bytes.Equal(wr, []byte("null")) {
		return nil
	}
	if wr[0] == '[' {
		var list []RawPlateWords
		if err := json.Unmarshal(wr, &list); err != nil {
			return fmt.Errorf("plate words_result: %w", err)
		}
		if len(list) > 0 {
			r.WordsResult = &list[0]
		}
		return nil
	}
	var w RawPlateWords
	if err := json.Unmarshal(wr, &w); err != nil {
		return fmt.Errorf("plate words_result: %w", err)
	}
	r.WordsResult = &w
	return nil
}

// ReceiptLinesField is the RawFields key under which line-list receipts are kept.
const ReceiptLinesField = "Lines"

type RawInvoice struct {
	Status
	Fields map[string]json.RawMessage `json:"words_result,omitempty"`
}

// UnmarshalJSON keeps structured invoices as a field map; receipts that answer with a
// list of recognised lines are stored under ReceiptLinesField.
func (r *RawInvoice) UnmarshalJSON(b []byte) error {
	var env struct {
		Status
		WordsResult json.RawMessage `json:"words_result"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	r.Status = env.Status
	r.Fields = nil
	wr := bytes.TrimSpace(env.WordsResult)
	if len(wr) == 0 || bytes.Equal(wr, []byte("null")) {
		return nil
	}
	if wr[0] == '[' {
		r.Fields = map[string]json.RawMessage{ReceiptLinesField: json.RawMessage(wr)}
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(wr, &m); err != nil {
		return fmt.Errorf("invoice words_result: %w", err)
	}
	r.Fields = m
	return nil
}

// ----- normalized results -----

type Word struct {
	Text        string    `json:"text"`
	Probability float64   `json:"probability"`
	BoundingBox *Location `json:"bounding_box,omitempty"`
}

type GeneralResult struct {
	Direction int    `json:"direction"`
	Language  string `json:"language"`
	Words     []Word `json:"words"`
	FullText  string `json:"full_text"`
}

type PlateResult struct {
	PlateNumber      string   `json:"plate_number"`
	Color            string   `json:"color"`
	Confidence       float64  `json:"confidence"`
	BoundingVertices []Vertex `json:"bounding_vertices,omitempty"`
}

type VinResult struct {
	CandidateVins []string `json:"candidate_vins"`
	FullText      string   `json:"full_text"`
	Confidence    float64  `json:"confidence"`
}

type CommodityDetail struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
}

type InvoiceResult struct {
	InvoiceType      string                     `json:"invoice_type"`
	InvoiceCode      string                     `json:"invoice_code"`
	InvoiceNum       string                     `json:"invoice_num"`
	InvoiceDate      string                     `json:"invoice_date"`
	TotalAmount      string                     `json:"total_amount"`
	AmountInWords    string                     `json:"amount_in_words"`
	SellerName       string                     `json:"seller_name"`
	PurchaserName    string                     `json:"purchaser_name"`
	CommodityDetails []CommodityDetail          `json:"commodity_details"`
	RawFields        map[string]json.RawMessage `json:"raw_fields"`
}
