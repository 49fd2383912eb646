package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tobira-shop/storefront/internal/domain"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server   ServerConfig
	Shop     ShopConfig
	Stripe   StripeConfig
	USPS     USPSConfig
	Shipping ShippingConfig
	EasyPost EasyPostConfig
	ShipBob  ShipBobConfig
	PrintAPI PrintAPIConfig
	SMTP     SMTPConfig
	Session  SessionConfig
	Billing  BillingConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string        `env:"PORT" envDefault:"8080"`
	PathPrefix   string        `env:"SHOP_PATH_PREFIX" envDefault:"/shop"`
	BaseURL      string        `env:"SHOP_BASE_URL" envDefault:"http://localhost:8080"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
}

// ShopConfig carries storefront policy switches and operator contacts.
type ShopConfig struct {
	Name string `env:"SHOP_NAME" envDefault:"Storefront"`

	// DomesticCountry is the only country address normalization is attempted
	// for; everything else passes through unchanged.
	DomesticCountry       string `env:"SHOP_DOMESTIC_COUNTRY" envDefault:"US"`
	InternationalShipping bool   `env:"SHOP_INTL_SHIPPING" envDefault:"false"`

	// ShippingPerCycle defers subscription shipping cost to each invoice
	// instead of charging it upfront at checkout.
	ShippingPerCycle bool `env:"SHOP_SHIPPING_PER_CYCLE" envDefault:"false"`

	OperatorRecipients []string `env:"SHOP_ORDER_RECIPIENTS" envSeparator:","`
	ReplyTo            string   `env:"SHOP_MAIL_REPLY_TO"`
	Currency           string   `env:"SHOP_CURRENCY" envDefault:"usd"`
}

// StripeConfig collects the payment platform credentials.
type StripeConfig struct {
	APIKey                  string `env:"STRIPE_SECRET_KEY"`
	CheckoutWebhookSecret   string `env:"STRIPE_WEBHOOK_SECRET_CHECKOUT"`
	InvoiceWebhookSecret    string `env:"STRIPE_WEBHOOK_SECRET_INVOICE"`
	MaxTaxRates             int64  `env:"STRIPE_MAX_TAX_RATES" envDefault:"10"`
	CustomerSearchPageLimit int64  `env:"STRIPE_CUSTOMER_PAGE_LIMIT" envDefault:"100"`
}

// USPSConfig configures the address verification service.
type USPSConfig struct {
	UserID  string        `env:"USPS_USER_ID"`
	BaseURL string        `env:"USPS_BASE_URL" envDefault:"https://secure.shippingapis.com/ShippingAPI.dll"`
	Timeout time.Duration `env:"USPS_TIMEOUT" envDefault:"10s"`
}

// ShippingConfig selects backends and the origin address.
type ShippingConfig struct {
	DefaultBackend string `env:"SHIPPING_DEFAULT_BACKEND" envDefault:"easypost"`

	FromName       string `env:"SHIP_FROM_NAME"`
	FromLine1      string `env:"SHIP_FROM_LINE1"`
	FromLine2      string `env:"SHIP_FROM_LINE2"`
	FromCity       string `env:"SHIP_FROM_CITY"`
	FromState      string `env:"SHIP_FROM_STATE"`
	FromPostalCode string `env:"SHIP_FROM_POSTAL_CODE"`
	FromCountry    string `env:"SHIP_FROM_COUNTRY" envDefault:"US"`

	// Customs declarations are only assembled when these are set and the
	// destination country differs from the ship-from country.
	CustomsContentsType string `env:"CUSTOMS_CONTENTS_TYPE"`
	CustomsSigner       string `env:"CUSTOMS_SIGNER"`
	CustomsCertify      bool   `env:"CUSTOMS_CERTIFY" envDefault:"true"`
}

// FromAddress assembles the configured ship-from address.
func (s ShippingConfig) FromAddress() domain.ShippingInfo {
	return domain.ShippingInfo{
		Name: s.FromName,
		Address: domain.Address{
			Line1:      s.FromLine1,
			Line2:      s.FromLine2,
			City:       s.FromCity,
			State:      s.FromState,
			PostalCode: s.FromPostalCode,
			Country:    s.FromCountry,
		},
	}
}

// HasFromAddress reports whether a usable ship-from address is configured.
func (s ShippingConfig) HasFromAddress() bool {
	return strings.TrimSpace(s.FromLine1) != "" &&
		strings.TrimSpace(s.FromCity) != "" &&
		strings.TrimSpace(s.FromPostalCode) != ""
}

// HasCustoms reports whether a customs configuration block is present.
func (s ShippingConfig) HasCustoms() bool {
	return strings.TrimSpace(s.CustomsContentsType) != "" && strings.TrimSpace(s.CustomsSigner) != ""
}

// EasyPostConfig configures the label-broker backend.
type EasyPostConfig struct {
	APIKey  string        `env:"EASYPOST_API_KEY"`
	BaseURL string        `env:"EASYPOST_BASE_URL" envDefault:"https://api.easypost.com/v2"`
	Timeout time.Duration `env:"EASYPOST_TIMEOUT" envDefault:"20s"`
}

// ShipBobConfig configures the 3PL backend.
type ShipBobConfig struct {
	Token     string        `env:"SHIPBOB_API_KEY"`
	ChannelID string        `env:"SHIPBOB_CHANNEL_ID"`
	BaseURL   string        `env:"SHIPBOB_BASE_URL" envDefault:"https://api.shipbob.com/1.0"`
	Timeout   time.Duration `env:"SHIPBOB_TIMEOUT" envDefault:"20s"`
}

// PrintAPIConfig configures the print-on-demand fulfilment backend.
type PrintAPIConfig struct {
	BaseURL string        `env:"PRINTAPI_URL"`
	APIKey  string        `env:"PRINTAPI_API_KEY"`
	Timeout time.Duration `env:"PRINTAPI_TIMEOUT" envDefault:"20s"`
}

// SMTPConfig configures outbound email delivery.
type SMTPConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     string `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM"`
}

// SessionConfig controls the web session store.
type SessionConfig struct {
	Driver     string        `env:"SESSION_DRIVER" envDefault:"memory"`
	SQLitePath string        `env:"SESSION_SQLITE_PATH" envDefault:"sessions.db"`
	TTL        time.Duration `env:"SESSION_TTL" envDefault:"72h"`
	CookieName string        `env:"SESSION_COOKIE" envDefault:"storefront_session"`
	Secure     bool          `env:"SESSION_COOKIE_SECURE" envDefault:"false"`
}

// BillingConfig controls the passwordless billing self-service tokens.
type BillingConfig struct {
	TokenSecret string        `env:"BILLING_TOKEN_SECRET"`
	TokenTTL    time.Duration `env:"BILLING_TOKEN_TTL" envDefault:"1h"`
}

// Load reads configuration from the environment, with optional .env overrides
// applied first, and validates the result.
func Load(envFiles ...string) (Config, error) {
	// Missing .env files are not an error; real deployments configure the
	// process environment directly.
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements that env tags cannot express.
func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Stripe.APIKey) == "" {
		problems = append(problems, "STRIPE_SECRET_KEY is required")
	}
	if strings.TrimSpace(c.Shipping.DefaultBackend) == "" {
		problems = append(problems, "SHIPPING_DEFAULT_BACKEND is required")
	}
	if c.Shop.ShippingPerCycle && !c.Shipping.HasFromAddress() {
		problems = append(problems, "per-cycle shipping requires a ship-from address")
	}
	if strings.TrimSpace(c.Billing.TokenSecret) == "" {
		problems = append(problems, "BILLING_TOKEN_SECRET is required")
	}
	if len(c.Shop.DomesticCountry) != 2 {
		problems = append(problems, "SHOP_DOMESTIC_COUNTRY must be an ISO-3166 alpha-2 code")
	}

	if len(problems) > 0 {
		return &ValidationError{problems: problems}
	}
	return nil
}

// ValidationError is returned when required configuration fields are missing
// or inconsistent.
type ValidationError struct {
	problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "config validation failed: " + strings.Join(e.problems, "; ")
}

// Problems returns a copy of the individual validation failures.
func (e *ValidationError) Problems() []string {
	out := make([]string, len(e.problems))
	copy(out, e.problems)
	return out
}

// IsValidation reports whether err is a configuration validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
