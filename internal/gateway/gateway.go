// Package gateway builds payment references for the supported payment
// methods and authenticates what the payment gateway sends back.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/shopspring/decimal"
)

const (
	MethodBankTransfer = "bank_transfer"
	MethodHosted       = "hosted"
)

var (
	ErrUnknownMethod    = errors.New("unknown payment method")
	ErrBadSignature     = errors.New("invalid callback signature")
	ErrMalformedPayload = errors.New("malformed callback payload")
)

// Provider turns a pending transaction into whatever the customer needs to
// pay it: a redirect URL or transfer instructions.
type Provider interface {
	Name() string
	PaymentReference(tx *models.PaymentTransaction) (string, error)
}

// Signer computes HMAC-SHA256 over the canonical form of a parameter set.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Sign ignores the "signature" parameter itself.
func (s *Signer) Sign(params url.Values) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(params url.Values) error {
	got, err := hex.DecodeString(params.Get("signature"))
	if err != nil || len(got) == 0 {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(s.Sign(params))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

func canonical(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params.Get(k))
	}
	return b.String()
}

// Notification is a callback or return-URL hit after authentication.
type Notification struct {
	TransactionCode string
	Status          models.PaymentStatus
	Amount          *decimal.Decimal
}

// ParseNotification reads transaction_code, status and amount from params.
// The gateway may say "success"/"paid" or "failed"/"declined"/"cancelled".
func ParseNotification(params url.Values) (Notification, error) {
	code := strings.TrimSpace(params.Get("transaction_code"))
	if code == "" {
		return Notification{}, fmt.Errorf("%w: missing transaction_code", ErrMalformedPayload)
	}

	n := Notification{TransactionCode: code}
	switch strings.ToLower(strings.TrimSpace(params.Get("status"))) {
	case "success", "paid":
		n.Status = models.PaymentStatusSuccess
	case "failed", "declined", "cancelled":
		n.Status = models.PaymentStatusFailed
	default:
		return Notification{}, fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, params.Get("status"))
	}

	if raw := strings.TrimSpace(params.Get("amount")); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: amount %q", ErrMalformedPayload, raw)
		}
		n.Amount = &amount
	}

	return n, nil
}

// Registry maps payment methods to providers.
type Registry struct {
	providers map[string]Provider
	signer    *Signer
}

type Config struct {
	HostedURL string
	Secret    string
	ReturnURL string
}

// NewRegistry always offers bank transfer; the hosted method is added when a
// hosted URL is configured.
func NewRegistry(cfg Config) *Registry {
	signer := NewSigner(cfg.Secret)
	r := &Registry{
		providers: map[string]Provider{
			MethodBankTransfer: BankTransfer{},
		},
		signer: signer,
	}
	if cfg.HostedURL != "" {
		r.providers[MethodHosted] = &Hosted{baseURL: cfg.HostedURL, returnURL: cfg.ReturnURL, signer: signer}
	}
	return r
}

func (r *Registry) Provider(method string) (Provider, error) {
	p, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return p, nil
}

func (r *Registry) Signer() *Signer {
	return r.signer
}

// BankTransfer is paid outside the platform. The reference is what the
// customer quotes on the transfer; the bank's reconciliation feed calls back.
type BankTransfer struct{}

func (BankTransfer) Name() string { return MethodBankTransfer }

func (BankTransfer) PaymentReference(tx *models.PaymentTransaction) (string, error) {
	ref := strings.ToUpper(strings.ReplaceAll(tx.TransactionCode, "-", ""))
	if len(ref) > 12 {
		ref = ref[:12]
	}
	return "BT-" + ref, nil
}

// Hosted redirects the customer to the gateway's payment page with a signed
// query string.
type Hosted struct {
	baseURL   string
	returnURL string
	signer    *Signer
}

func (h *Hosted) Name() string { return MethodHosted }

func (h *Hosted) PaymentReference(tx *models.PaymentTransaction) (string, error) {
	u, err := url.Parse(h.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse hosted payment url: %w", err)
	}

	params := url.Values{}
	params.Set("transaction_code", tx.TransactionCode)
	params.Set("order_number", tx.OrderNumber)
	params.Set("amount", tx.Amount.StringFixed(2))
	if h.returnURL != "" {
		params.Set("return_url", h.returnURL)
	}
	params.Set("signature", h.signer.Sign(params))

	u.RawQuery = params.Encode()
	return u.String(), nil
}
