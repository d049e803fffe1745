// Package checkout builds hosted-checkout URLs for agreed subscriptions.
package checkout

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/ajisai-dev/coachbot/internal/domain"
)

// StripeLinkBuilder parameterizes the payment processor's hosted checkout
// page with the negotiated price. It implements
// negotiation.CheckoutLinkBuilder.
type StripeLinkBuilder struct {
	baseURL    string
	successURL string
}

// NewStripeLinkBuilder creates a link builder for the given checkout base URL.
func NewStripeLinkBuilder(baseURL, successURL string) (*StripeLinkBuilder, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("checkout base URL cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse checkout base URL: %w", err)
	}
	return &StripeLinkBuilder{baseURL: baseURL, successURL: successURL}, nil
}

// BuildCheckoutURL produces the checkout URL for a finalized session. The
// price is carried in integer yen; a fresh reference ID ties the checkout
// back to the session for webhook reconciliation.
func (b *StripeLinkBuilder) BuildCheckoutURL(_ context.Context, userID string, sess *domain.NegotiationSession) (string, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse checkout base URL: %w", err)
	}

	q := u.Query()
	q.Set("client_reference_id", uuid.NewString())
	q.Set("prefilled_session", sess.ID)
	q.Set("prefilled_user", userID)
	q.Set("amount", fmt.Sprintf("%d", sess.CurrentOffer))
	q.Set("currency", "jpy")
	if b.successURL != "" {
		q.Set("success_url", b.successURL)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
