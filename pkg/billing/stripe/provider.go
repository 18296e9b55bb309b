package stripe

import (
	"context"
	"sort"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

const (
	providerName           = "stripe"
	defaultTierKeyWildcard = "*"
	defaultTierKeyDefault  = "default"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (TierMapping, Metrics, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// CustomerIDResolver optionally maps a principal to its Stripe customer when
	// a checkout request carries no customer ref.
	// If nil, falls back to the Stripe Search API on principal metadata.
	CustomerIDResolver func(ctx context.Context, principalKind, principalID string) (string, error)

	// TierWeights maps tier name -> priority weight (higher = better).
	// Used to order ListSubscriptions results.
	// If nil, auto-assigns weights based on TierMapping order.
	TierWeights map[string]int
}

// Provider implements billing.Client and billing.SessionCreator for Stripe.
type Provider struct {
	config             Config
	tierMapping        map[string]string // Price/Product ID -> Tier
	tierWeights        map[string]int    // Tier -> Weight (for priority)
	defaultTier        string
	webhookSecret      string
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string, string) (string, error)
	metrics            billing.Metrics
}

var (
	_ billing.Client         = (*Provider)(nil)
	_ billing.SessionCreator = (*Provider)(nil)
)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	tierMapping := make(map[string]string, len(config.TierMapping))
	for k, v := range config.TierMapping {
		tierMapping[strings.ToLower(strings.TrimSpace(k))] = v
	}

	// Unmapped prices resolve to "" unless a default key is configured.
	defaultTier := ""
	if t, ok := tierMapping[defaultTierKeyWildcard]; ok {
		defaultTier = t
	} else if t, ok := tierMapping[defaultTierKeyDefault]; ok {
		defaultTier = t
	}

	tierWeights := make(map[string]int)
	if config.TierWeights != nil {
		for tier, weight := range config.TierWeights {
			tierWeights[tier] = weight
		}
	} else {
		// First mapped tier = 100, second = 90, etc. Keys are sorted so the
		// assignment does not depend on map iteration order.
		weight := 100
		seen := make(map[string]bool)
		for _, price := range sortedKeys(config.TierMapping) {
			tier := config.TierMapping[price]
			if tier == defaultTier || seen[tier] {
				continue
			}
			tierWeights[tier] = weight
			seen[tier] = true
			if weight > 0 {
				weight -= 10
			}
		}
	}
	if defaultTier != "" {
		tierWeights[defaultTier] = 0
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		config:             config,
		tierMapping:        tierMapping,
		tierWeights:        tierWeights,
		defaultTier:        defaultTier,
		webhookSecret:      webhookSecret,
		stripeClient:       stripe.NewClient(apiKey),
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookSecret returns the configured signing secret.
func (p *Provider) WebhookSecret() string {
	return p.webhookSecret
}

// MapPriceToTier maps a Stripe Price ID or Product ID to a plan tier.
// Unmapped prices return the configured default tier, or "".
func (p *Provider) MapPriceToTier(priceID string) string {
	if priceID == "" {
		return p.defaultTier
	}
	if tier, ok := p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]; ok {
		return tier
	}
	return p.defaultTier
}

// GetTierWeight returns the weight for a given tier
func (p *Provider) GetTierWeight(tier string) int {
	if weight, ok := p.tierWeights[tier]; ok {
		return weight
	}
	return 0
}

// getPriceIDForTier returns the Stripe Price ID for a given tier name.
// When several prices map to the same tier the lexically smallest ID wins.
// Price IDs are case-sensitive in Stripe, so the configured spelling is used.
func (p *Provider) getPriceIDForTier(tier string) string {
	for _, priceID := range sortedKeys(p.config.TierMapping) {
		key := strings.ToLower(strings.TrimSpace(priceID))
		if key == defaultTierKeyWildcard || key == defaultTierKeyDefault {
			continue
		}
		if p.config.TierMapping[priceID] == tier {
			return priceID
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
