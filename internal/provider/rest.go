package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/resilience"
)

const maxResponseBytes = 1 << 20

// RESTOption configures a RESTProvider.
type RESTOption func(*RESTProvider)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) RESTOption {
	return func(p *RESTProvider) {
		p.http = hc
	}
}

// WithBreaker attaches a circuit breaker to quote calls.
func WithBreaker(cb *resilience.CircuitBreaker) RESTOption {
	return func(p *RESTProvider) {
		p.breaker = cb
	}
}

// RESTProvider speaks the JSON quote protocol shared by the REST-style
// grocery and delivery partners. Each instance owns its HTTP client, rate
// limiter and OAuth2 token cache.
type RESTProvider struct {
	id      string
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	tokens  *tokenCache
}

// NewRESTProvider creates a provider for cfg.
func NewRESTProvider(cfg model.ProviderConfig, opts ...RESTOption) *RESTProvider {
	p := &RESTProvider{
		id: cfg.ID,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(p)
	}
	if cfg.RateLimitRPS > 0 {
		burst := int(cfg.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	if cfg.Auth.Mode == model.AuthClientCredentials {
		p.tokens = newTokenCache(cfg.Auth, p.http)
	}
	return p
}

// ID returns the provider id.
func (p *RESTProvider) ID() string { return p.id }

// GetQuote prices req, retrying retryable failures up to cfg.Retries times.
func (p *RESTProvider) GetQuote(ctx context.Context, req QuoteRequest, cfg model.ProviderConfig) (*model.ProviderQuote, error) {
	attempt := func(ctx context.Context) (*model.ProviderQuote, error) {
		if p.breaker == nil {
			return p.quoteOnce(ctx, req, cfg)
		}
		return resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (*model.ProviderQuote, error) {
			return p.quoteOnce(ctx, req, cfg)
		})
	}

	pq, err := resilience.DoVal(ctx, resilience.ForProvider(cfg, IsRetryable), attempt)
	if err != nil {
		return nil, Classify(cfg.ID, err)
	}
	return pq, nil
}

// HealthCheck probes GET {base_url}/health within the provider timeout.
func (p *RESTProvider) HealthCheck(ctx context.Context, cfg model.ProviderConfig) bool {
	if cfg.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout())
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(cfg.BaseURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *RESTProvider) quoteOnce(ctx context.Context, req QuoteRequest, cfg model.ProviderConfig) (*model.ProviderQuote, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, Classify(cfg.ID, eris.Wrap(err, "rate limit wait"))
		}
	}

	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: marshal quote request", cfg.ID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.BaseURL, "/")+"/v1/quotes", bytes.NewReader(body))
	if err != nil {
		pe := NewError(cfg.ID, CodeConfig, "provider endpoint misconfigured")
		pe.Err = err
		return nil, pe
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)
	if err := p.authorize(httpReq, cfg); err != nil {
		return nil, err
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, Classify(cfg.ID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Classify(cfg.ID, eris.Wrap(err, "read response"))
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized && p.tokens != nil {
			p.tokens.invalidate()
		}
		return nil, FromStatus(cfg.ID, resp.StatusCode, string(respBody))
	}

	var wire wireQuoteResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		pe := NewError(cfg.ID, CodeInvalid, "provider returned an unreadable quote")
		pe.Detail = err.Error()
		pe.Err = err
		return nil, pe
	}
	return wire.toProviderQuote(cfg, req), nil
}

func (p *RESTProvider) authorize(r *http.Request, cfg model.ProviderConfig) error {
	switch cfg.Auth.Mode {
	case model.AuthAPIKey:
		if cfg.Auth.APIKey == "" {
			return NewError(cfg.ID, CodeConfig, "provider credentials missing")
		}
		r.Header.Set("Authorization", "Bearer "+cfg.Auth.APIKey)
	case model.AuthClientCredentials:
		tok, err := p.tokens.token()
		if err != nil {
			return classifyTokenError(cfg.ID, err)
		}
		tok.SetAuthHeader(r)
	}
	return nil
}

func classifyTokenError(providerID string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		pe := FromStatus(providerID, re.Response.StatusCode, string(re.Body))
		if re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 && !pe.Retryable {
			pe.Code = CodeAuthFailed
			pe.Message = "provider rejected credentials"
		}
		pe.Err = err
		return pe
	}
	return Classify(providerID, eris.Wrap(err, "fetch access token"))
}

// tokenCache owns one provider's client-credentials token. The underlying
// source refreshes on expiry; invalidate forces a fresh token after a 401.
type tokenCache struct {
	mu  sync.Mutex
	cfg clientcredentials.Config
	ctx context.Context
	src oauth2.TokenSource
}

func newTokenCache(auth model.AuthConfig, hc *http.Client) *tokenCache {
	var scopes []string
	if auth.Scope != "" {
		scopes = strings.Fields(auth.Scope)
	}
	return &tokenCache{
		cfg: clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       scopes,
		},
		ctx: context.WithValue(context.Background(), oauth2.HTTPClient, hc),
	}
}

func (c *tokenCache) token() (*oauth2.Token, error) {
	c.mu.Lock()
	if c.src == nil {
		c.src = c.cfg.TokenSource(c.ctx)
	}
	src := c.src
	c.mu.Unlock()
	return src.Token()
}

func (c *tokenCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.src = nil
}

// Wire shapes of the partner quote protocol.

type wireItem struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Quantity    float64  `json:"quantity"`
	Unit        string   `json:"unit,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
}

type wireAddress struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type wireQuoteRequest struct {
	RequestID string      `json:"request_id"`
	Items     []wireItem  `json:"items"`
	Address   wireAddress `json:"address"`
}

type wireLine struct {
	ItemID         string  `json:"item_id"`
	ProductName    string  `json:"product_name"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	LineTotalCents int64   `json:"line_total_cents"`
	Status         string  `json:"status"`
	Substitute     string  `json:"substitute,omitempty"`
}

type wireWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type wireQuoteResponse struct {
	Currency       string      `json:"currency"`
	SubtotalCents  int64       `json:"subtotal_cents"`
	FeesCents      int64       `json:"fees_cents"`
	TaxCents       int64       `json:"tax_cents"`
	TotalCents     int64       `json:"total_cents"`
	EtaMinutes     int         `json:"eta_minutes"`
	DeliveryWindow *wireWindow `json:"delivery_window,omitempty"`
	Lines          []wireLine  `json:"lines"`
	CheckoutURL    string      `json:"checkout_url,omitempty"`
}

func toWireRequest(req QuoteRequest) wireQuoteRequest {
	items := make([]wireItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = wireItem{ID: it.ID, Name: it.Name, Quantity: it.Quantity, Unit: it.Unit, Preferences: it.Preferences}
	}
	return wireQuoteRequest{
		RequestID: req.RequestID,
		Items:     items,
		Address: wireAddress{
			Street:     req.Address.Street,
			City:       req.Address.City,
			State:      req.Address.State,
			PostalCode: req.Address.PostalCode,
			Country:    req.Address.Country,
		},
	}
}

func wireStatus(s string) model.AvailabilityStatus {
	switch strings.ToLower(s) {
	case "found", "in_stock", "available":
		return model.AvailabilityFound
	case "substituted", "replacement", "substitute":
		return model.AvailabilitySubstituted
	default:
		return model.AvailabilityUnavailable
	}
}

func (w wireQuoteResponse) toProviderQuote(cfg model.ProviderConfig, req QuoteRequest) *model.ProviderQuote {
	byItem := make(map[string]wireLine, len(w.Lines))
	for _, l := range w.Lines {
		byItem[l.ItemID] = l
	}

	pq := &model.ProviderQuote{
		ProviderID:       cfg.ID,
		ProviderName:     cfg.Name,
		Config:           cfg,
		Mode:             model.QuoteModeReal,
		AffiliateURL:     w.CheckoutURL,
		ItemAvailability: make([]model.ItemAvailability, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		ia := model.ItemAvailability{ItemID: item.ID, Name: item.Name, Status: model.AvailabilityUnavailable}
		if l, ok := byItem[item.ID]; ok {
			ia.Status = wireStatus(l.Status)
			ia.Substitute = l.Substitute
			if ia.Status != model.AvailabilityUnavailable {
				pq.Cart = append(pq.Cart, model.CartLine{
					ItemID:         item.ID,
					RequestedName:  item.Name,
					ProductName:    l.ProductName,
					Quantity:       l.Quantity,
					UnitPriceCents: l.UnitPriceCents,
					LineTotalCents: l.LineTotalCents,
				})
			}
		}
		pq.ItemAvailability = append(pq.ItemAvailability, ia)
	}

	total := w.TotalCents
	if total == 0 {
		total = w.SubtotalCents + w.FeesCents + w.TaxCents
	}
	currency := w.Currency
	if currency == "" {
		currency = cfg.Currency
	}
	pq.Quote = model.Quote{
		SubtotalCents:            w.SubtotalCents,
		FeesCents:                w.FeesCents,
		TaxCents:                 w.TaxCents,
		TotalCents:               total,
		Currency:                 currency,
		EstimatedDeliveryMinutes: w.EtaMinutes,
	}
	if w.DeliveryWindow != nil {
		pq.Quote.DeliveryWindow = &model.DeliveryWindow{Earliest: w.DeliveryWindow.Start, Latest: w.DeliveryWindow.End}
	}
	return pq
}
