package ocr

import (
	"context"
	"log/slog"
)

// RecognizeInvoice tries the structured VAT invoice endpoint first and falls back
// to the generic receipt endpoint when that call is rejected by the provider.
// Timeout, Unauthorized and Unknown failures end the run without fallback, and so
// does a VAT call that succeeds but reports a provider error code.
func RecognizeInvoice(ctx context.Context, eng Engine, image []byte, log *slog.Logger) (InvoiceResult, error) {
	if log == nil {
		log = slog.Default()
	}

	raw, err := eng.VATInvoice(ctx, image)
	if err != nil {
		if ctx.Err() != nil || CodeOf(err) != CodeRemoteRejected {
			return InvoiceResult{}, WithOp(TransportError(err), eng.Name(), "vat_invoice")
		}
		log.Warn("vat invoice rejected, falling back to receipt",
			"engine", eng.Name(), "err", err)

		raw, err = eng.Receipt(ctx, image)
		if err != nil {
			return InvoiceResult{}, WithOp(TransportError(err), eng.Name(), "receipt")
		}
		if err := raw.Status.Err(); err != nil {
			return InvoiceResult{}, WithOp(err, eng.Name(), "receipt")
		}
		return NormalizeInvoice(raw), nil
	}
	if err := raw.Status.Err(); err != nil {
		return InvoiceResult{}, WithOp(err, eng.Name(), "vat_invoice")
	}
	return NormalizeInvoice(raw), nil
}
