package address

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tobira-shop/storefront/internal/domain"
)

// ErrUnverifiable marks addresses the verification service rejected.
var ErrUnverifiable = errors.New("address: unverifiable")

// Verifier submits a domestic address to the USPS verification service and
// returns its canonical form.
type Verifier interface {
	Verify(ctx context.Context, addr domain.Address) (domain.Address, error)
}

// USPSConfig configures the USPS Web Tools client.
type USPSConfig struct {
	UserID  string
	BaseURL string
	Timeout time.Duration
}

// USPSVerifier implements Verifier against the USPS Web Tools Verify API.
type USPSVerifier struct {
	http   *resty.Client
	userID string
}

// NewUSPSVerifier constructs a USPSVerifier validating required settings.
func NewUSPSVerifier(cfg USPSConfig) (*USPSVerifier, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("address: usps user id is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = "https://secure.shippingapis.com/ShippingAPI.dll"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout)
	return &USPSVerifier{http: httpClient, userID: cfg.UserID}, nil
}

// The USPS schema swaps the familiar order: Address1 is the secondary unit
// (apartment, suite) and Address2 is the street line.
type uspsAddress struct {
	ID       string     `xml:"ID,attr"`
	Address1 string     `xml:"Address1"`
	Address2 string     `xml:"Address2"`
	City     string     `xml:"City"`
	State    string     `xml:"State"`
	Zip5     string     `xml:"Zip5"`
	Zip4     string     `xml:"Zip4"`
	Error    *uspsError `xml:"Error"`
}

type uspsError struct {
	Number      string `xml:"Number"`
	Description string `xml:"Description"`
}

type uspsValidateRequest struct {
	XMLName xml.Name    `xml:"AddressValidateRequest"`
	UserID  string      `xml:"USERID,attr"`
	Address uspsAddress `xml:"Address"`
}

type uspsValidateResponse struct {
	XMLName xml.Name    `xml:"AddressValidateResponse"`
	Address uspsAddress `xml:"Address"`
}

// Verify implements the Verifier interface. A rejection from the service is
// reported as ErrUnverifiable; transport failures surface as plain errors.
func (v *USPSVerifier) Verify(ctx context.Context, addr domain.Address) (domain.Address, error) {
	request := uspsValidateRequest{
		UserID: v.userID,
		Address: uspsAddress{
			ID:       "0",
			Address1: addr.Line2,
			Address2: addr.Line1,
			City:     addr.City,
			State:    addr.State,
			Zip5:     addr.PostalCode,
		},
	}
	payload, err := xml.Marshal(request)
	if err != nil {
		return domain.Address{}, fmt.Errorf("address: encode usps request: %w", err)
	}

	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParam("API", "Verify").
		SetQueryParam("XML", string(payload)).
		Get("")
	if err != nil {
		return domain.Address{}, fmt.Errorf("address: call usps: %w", err)
	}
	if resp.IsError() {
		return domain.Address{}, fmt.Errorf("address: usps returned status %d", resp.StatusCode())
	}

	body := resp.Body()

	// A top-level <Error> means the request itself was rejected.
	var topErr uspsError
	if err := xml.Unmarshal(body, &topErr); err == nil && topErr.Description != "" {
		return domain.Address{}, fmt.Errorf("address: usps error: %s: %w", topErr.Description, ErrUnverifiable)
	}

	var response uspsValidateResponse
	if err := xml.Unmarshal(body, &response); err != nil {
		return domain.Address{}, fmt.Errorf("address: decode usps response: %w", err)
	}
	if response.Address.Error != nil {
		return domain.Address{}, fmt.Errorf("address: usps error: %s: %w", response.Address.Error.Description, ErrUnverifiable)
	}

	return domain.Address{
		Line1:      response.Address.Address2,
		Line2:      response.Address.Address1,
		City:       response.Address.City,
		State:      response.Address.State,
		PostalCode: response.Address.Zip5,
	}, nil
}
