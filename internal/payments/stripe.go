package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Settler is what the matcher needs from a payment backend: hold an amount
// when an agent commits, capture it on completion, release it on cancel.
type Settler interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string, amountCents int64) error
	Release(ctx context.Context, holdID string) error
}

// StripeClient implements Settler on Stripe PaymentIntents with manual capture.
type StripeClient struct{}

// NewStripeClient sets the package-level stripe key and returns a client.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its ID.
func (s *StripeClient) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a held PaymentIntent, optionally for a different amount
// than the hold (the actual fare can differ from the estimate).
func (s *StripeClient) Capture(ctx context.Context, holdID string, amountCents int64) error {
	var params *stripe.PaymentIntentCaptureParams
	if amountCents > 0 {
		params = &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amountCents)}
	}
	_, err := paymentintent.Capture(holdID, params)
	return err
}

// Release cancels the hold.
func (s *StripeClient) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
