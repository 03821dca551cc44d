package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"carcare-ocr/api/internal/ocr"
	"carcare-ocr/api/internal/pipeline"
)

const helpText = `Send a photo and I will recognize it.
/general  any text
/plate    licence plate
/vin      vehicle identification number
/invoice  invoice or service receipt
/engine   show or switch the recognition engine
/config   upload limits`

const modeCallbackPrefix = "mode:"

var commandKinds = map[string]ocr.Kind{
	"general": ocr.KindGeneral,
	"plate":   ocr.KindLicensePlate,
	"vin":     ocr.KindVIN,
	"invoice": ocr.KindInvoice,
}

func kindTitle(k ocr.Kind) string {
	switch k {
	case ocr.KindLicensePlate:
		return "licence plate"
	case ocr.KindVIN:
		return "VIN"
	case ocr.KindInvoice:
		return "invoice"
	default:
		return "general text"
	}
}

func modeKeyboard() tgbotapi.InlineKeyboardMarkup {
	btn := func(k ocr.Kind) tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardButtonData(kindTitle(k), modeCallbackPrefix+string(k))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(btn(ocr.KindGeneral), btn(ocr.KindLicensePlate)),
		tgbotapi.NewInlineKeyboardRow(btn(ocr.KindVIN), btn(ocr.KindInvoice)),
	)
}

func formatResult(res pipeline.Result) string {
	var b strings.Builder
	switch {
	case res.Plate != nil:
		p := res.Plate
		if p.PlateNumber == "" {
			return "No plate found."
		}
		fmt.Fprintf(&b, "🚗 Plate: %s\nColor: %s\nConfidence: %.0f%%", p.PlateNumber, orDash(p.Color), p.Confidence*100)
	case res.Vin != nil:
		v := res.Vin
		if len(v.CandidateVins) == 0 {
			b.WriteString("No VIN found.")
		} else {
			b.WriteString("🔎 VIN candidates:\n")
			for _, c := range v.CandidateVins {
				b.WriteString("• " + c + "\n")
			}
			fmt.Fprintf(&b, "Confidence: %.0f%%", v.Confidence*100)
		}
		if v.FullText != "" {
			b.WriteString("\n\nText: " + v.FullText)
		}
	case res.Invoice != nil:
		inv := res.Invoice
		b.WriteString("🧾 Invoice\n")
		line := func(label, v string) {
			if v != "" {
				fmt.Fprintf(&b, "%s: %s\n", label, v)
			}
		}
		line("Type", inv.InvoiceType)
		line("Code", inv.InvoiceCode)
		line("Number", inv.InvoiceNum)
		line("Date", inv.InvoiceDate)
		line("Seller", inv.SellerName)
		line("Buyer", inv.PurchaserName)
		line("Total", inv.TotalAmount)
		for _, c := range inv.CommodityDetails {
			fmt.Fprintf(&b, "Item: %s %s %s\n", c.Name, c.Amount, c.Price)
		}
		if ri := res.RepairInfo; ri != nil {
			if len(ri.Amounts) > 0 {
				amounts := make([]string, 0, len(ri.Amounts))
				for _, a := range ri.Amounts {
					amounts = append(amounts, fmt.Sprintf("%.2f", a))
				}
				b.WriteString("Amounts: " + strings.Join(amounts, ", ") + "\n")
			}
			if len(ri.Dates) > 0 {
				b.WriteString("Dates: " + strings.Join(ri.Dates, ", ") + "\n")
			}
			if len(ri.RepairItems) > 0 {
				b.WriteString("Work: " + strings.Join(ri.RepairItems, ", ") + "\n")
			}
		}
	case res.General != nil:
		if res.General.FullText == "" {
			return "No text found."
		}
		b.WriteString("📝 Recognized text:\n\n" + res.General.FullText)
	default:
		return "Nothing recognized."
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPolicy(p pipeline.UploadPolicy) string {
	kinds := make([]string, 0, len(p.SupportedKinds))
	for _, k := range p.SupportedKinds {
		kinds = append(kinds, string(k))
	}
	return fmt.Sprintf("Max file size: %d KB\nImage types: %s\nModes: %s",
		p.MaxFileSize/1024, strings.Join(p.AllowedMimeTypes, ", "), strings.Join(kinds, ", "))
}

func describeError(err error) string {
	switch pipeline.ClassOf(err) {
	case pipeline.ClassTimeout:
		return "The recognition service did not answer in time, try again."
	case pipeline.ClassUnauthorized:
		return "The recognition service rejected our credentials."
	case pipeline.ClassRemoteRejected:
		return "Could not recognize this image: " + err.Error()
	case pipeline.ClassInvalidInput, pipeline.ClassUnsupportedKind:
		return err.Error()
	}
	return "Recognition failed: " + err.Error()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
