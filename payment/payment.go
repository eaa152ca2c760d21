// Package payment is the boundary to the external payment gateway. The
// gateway is opaque: the console redirects the browser out with a return
// URL and later reads the outcome back from query parameters on that
// return URL. No other contract is assumed.
package payment

import (
	"net/url"

	"github.com/cockroachdb/errors"
)

// Gateway result statuses as carried on the return URL.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const (
	paramOrderRef  = "orderRef"
	paramReturnURL = "returnUrl"
	paramStatus    = "status"
	paramTxnRef    = "txnRef"
)

// Result is what the gateway reports back for one transaction.
type Result struct {
	Status   string
	TxnRef   string
	OrderRef string
}

// Succeeded reports whether the gateway confirmed the payment.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// RedirectURL builds the outbound gateway URL carrying the order reference
// and the URL the gateway should send the browser back to.
func RedirectURL(gatewayURL, orderRef, returnURL string) (string, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return "", errors.Wrap(err, "payment: parsing gateway url")
	}
	q := u.Query()
	q.Set(paramOrderRef, orderRef)
	q.Set(paramReturnURL, returnURL)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseReturn reads the gateway's verdict from the return URL. A missing
// status parameter is an error; everything else about the shape is the
// gateway's business.
func ParseReturn(returnURL string) (Result, error) {
	u, err := url.Parse(returnURL)
	if err != nil {
		return Result{}, errors.Wrap(err, "payment: parsing return url")
	}
	q := u.Query()
	status := q.Get(paramStatus)
	if status == "" {
		return Result{}, errors.New("payment: return url carries no status")
	}
	return Result{
		Status:   status,
		TxnRef:   q.Get(paramTxnRef),
		OrderRef: q.Get(paramOrderRef),
	}, nil
}
