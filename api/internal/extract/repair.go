// Package extract mines recognized text for vehicle service facts.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"carcare-ocr/api/internal/ocr"
)

// RepairInfo is what a service receipt tells about the job.
type RepairInfo struct {
	Amounts     []float64 `json:"amounts"`
	Dates       []string  `json:"dates"`
	RepairItems []string  `json:"repair_items"`
	Confidence  float64   `json:"confidence"`
}

// RuleSet holds the patterns and vocabulary used by Extract.
type RuleSet struct {
	Amount   *regexp.Regexp
	Date     *regexp.Regexp
	Keywords []string
}

// Rules is the built-in rule table.
var Rules = RuleSet{
	// label, optional colon, optional yuan sign, number with optional two decimals
	Amount: regexp.MustCompile(`(?:金额|费用|总计|合计|应付)[：:\s]*¥?(\d+(?:\.\d{2})?)`),
	Date:   regexp.MustCompile(`\d{4}[-年]\d{1,2}[-月]\d{1,2}日?`),
	Keywords: []string{
		"换油", "保养", "维修", "更换", "检查",
		"清洗", "调整", "修理", "机油", "刹车",
		"轮胎", "空调", "电池", "火花塞", "滤芯",
	},
}

var dateReplacer = strings.NewReplacer("年", "-", "月", "-", "日", "")

// Extract runs the built-in rules over g.
func Extract(g ocr.GeneralResult) RepairInfo {
	return Rules.Extract(g)
}

// Extract is total: an empty result gives empty lists and zero confidence.
func (rs RuleSet) Extract(g ocr.GeneralResult) RepairInfo {
	return RepairInfo{
		Amounts:     rs.amounts(g.FullText),
		Dates:       rs.dates(g.FullText),
		RepairItems: rs.keywords(g.FullText),
		Confidence:  ocr.MeanProbability(g.Words),
	}
}

func (rs RuleSet) amounts(text string) []float64 {
	out := []float64{}
	for _, m := range rs.Amount.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (rs RuleSet) dates(text string) []string {
	out := []string{}
	for _, m := range rs.Date.FindAllString(text, -1) {
		out = append(out, dateReplacer.Replace(m))
	}
	return out
}

func (rs RuleSet) keywords(text string) []string {
	out := []string{}
	for _, kw := range rs.Keywords {
		if strings.Contains(text, kw) {
			out = append(out, kw)
		}
	}
	return out
}
