package payment

import (
	"fmt"
	"net/url"

	"tronpay/internal/common/money"
	"tronpay/internal/form"
	"tronpay/internal/tron"
)

// PaymentURL builds a wallet deep link that pre-fills the transfer. The
// amount is the tagged amount; the payer must not round it.
func PaymentURL(f *form.PaymentForm) string {
	params := url.Values{}
	params.Set("address", f.WalletAddress)
	params.Set("amount", f.TaggedAmount.Amount.StringFixed(6))
	if f.TaggedAmount.Currency == money.USDT {
		params.Set("token", tron.OfficialUSDTContract)
	}
	return "tronlink://send?" + params.Encode()
}

// QRPayload builds the string encoded into a payment QR code, using the
// generic tron: URI scheme understood by most wallets.
func QRPayload(f *form.PaymentForm) string {
	payload := fmt.Sprintf("tron:%s?amount=%s", f.WalletAddress, f.TaggedAmount.Amount.StringFixed(6))
	if f.TaggedAmount.Currency == money.USDT {
		payload += "&token=" + tron.OfficialUSDTContract
	}
	return payload
}
