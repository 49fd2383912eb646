package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stripe/stripe-go/v78"

	"github.com/tobira-shop/storefront/internal/mail"
)

// BillingAPI is the payment-platform surface the self-service flows need.
type BillingAPI interface {
	SearchCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error)
	UpdateCustomer(ctx context.Context, id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error)
}

// BillingConfig carries the token and link settings.
type BillingConfig struct {
	ShopName    string
	TokenSecret string
	TokenTTL    time.Duration
	ManageURL   string
	ReturnURL   string
	ReplyTo     string
}

// BillingDeps wires the billing self-service dependencies.
type BillingDeps struct {
	API    BillingAPI
	Mailer Mailer
	Config BillingConfig
	Logger Logger

	// Now is overridable for tests.
	Now func() time.Time
}

// BillingService implements the passwordless billing flows: a signed,
// time-limited token embedding the requester's email is mailed out, and a
// verified token acts as the caller's identity for that single request.
type BillingService struct {
	api    BillingAPI
	mailer Mailer
	cfg    BillingConfig
	secret []byte
	logger Logger
	now    func() time.Time
}

// NewBillingService constructs the service validating dependencies.
func NewBillingService(deps BillingDeps) (*BillingService, error) {
	if deps.API == nil {
		return nil, errors.New("services: billing api is required")
	}
	if deps.Mailer == nil {
		return nil, errors.New("services: mailer is required")
	}
	if strings.TrimSpace(deps.Config.TokenSecret) == "" {
		return nil, errors.New("services: billing token secret is required")
	}
	cfg := deps.Config
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &BillingService{
		api:    deps.API,
		mailer: deps.Mailer,
		cfg:    cfg,
		secret: []byte(cfg.TokenSecret),
		logger: logger,
		now:    now,
	}, nil
}

// RequestAccess mails a sign-in link for the given email. Whether the
// email matches a customer is not revealed at this step.
func (s *BillingService) RequestAccess(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrMissingEmail
	}
	token, err := s.IssueToken(email)
	if err != nil {
		return err
	}
	link := s.cfg.ManageURL + "?token=" + url.QueryEscape(token)
	if err := s.mailer.Send(ctx, mail.Message{
		To:       []string{email},
		ReplyTo:  s.cfg.ReplyTo,
		Subject:  fmt.Sprintf("Manage your %s billing", s.cfg.ShopName),
		Template: mail.TemplateAuth,
		Data: map[string]any{
			"ShopName": s.cfg.ShopName,
			"Link":     link,
		},
	}); err != nil {
		return err
	}
	s.logger(ctx, "billing.access_requested", map[string]any{"email": email})
	return nil
}

// IssueToken mints a signed token embedding the email, valid for the
// configured window.
func (s *BillingService) IssueToken(email string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("services: sign billing token: %w", err)
	}
	return token, nil
}

// VerifyToken checks signature and expiry and returns the embedded email.
// The identity is valid for this single request only.
func (s *BillingService) VerifyToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// UpdateCard sets the default payment method on every customer matching
// the authenticated email that carries at least one subscription.
func (s *BillingService) UpdateCard(ctx context.Context, email, paymentMethodID string) error {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return errors.New("services: payment method id is required")
	}
	customers, err := s.api.SearchCustomersByEmail(ctx, email)
	if err != nil {
		return err
	}
	updated := 0
	for _, customer := range customers {
		subs, err := s.api.ListSubscriptionsByCustomer(ctx, customer.ID)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			continue
		}
		params := &stripe.CustomerParams{
			InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
				DefaultPaymentMethod: stripe.String(paymentMethodID),
			},
		}
		if _, err := s.api.UpdateCustomer(ctx, customer.ID, params); err != nil {
			return err
		}
		updated++
	}
	if updated == 0 {
		return fmt.Errorf("customer for %s: %w", email, ErrNotFound)
	}
	s.logger(ctx, "billing.card_updated", map[string]any{"email": email, "customers": updated})
	return nil
}

// SendPortalLinks mails one self-serve portal link per customer matching
// the authenticated email.
func (s *BillingService) SendPortalLinks(ctx context.Context, email string) error {
	customers, err := s.api.SearchCustomersByEmail(ctx, email)
	if err != nil {
		return err
	}
	var links []string
	for _, customer := range customers {
		session, err := s.api.CreateBillingPortalSession(ctx, customer.ID, s.cfg.ReturnURL)
		if err != nil {
			return err
		}
		links = append(links, session.URL)
	}
	if len(links) == 0 {
		return fmt.Errorf("customer for %s: %w", email, ErrNotFound)
	}
	if err := s.mailer.Send(ctx, mail.Message{
		To:       []string{email},
		ReplyTo:  s.cfg.ReplyTo,
		Subject:  fmt.Sprintf("Your %s subscriptions", s.cfg.ShopName),
		Template: mail.TemplateManageSubscriptions,
		Data: map[string]any{
			"ShopName": s.cfg.ShopName,
			"Links":    links,
		},
	}); err != nil {
		return err
	}
	s.logger(ctx, "billing.portal_links_sent", map[string]any{
		"email": email,
		"links": len(links),
	})
	return nil
}
