package store

import (
	"context"
	"fmt"

	"funnel-service/internal/models"

	"gopkg.in/yaml.v3"
)

// Seed is a YAML document describing catalog products and funnel definitions
type Seed struct {
	Products []SeedProduct `yaml:"products"`
	Funnels  []SeedFunnel  `yaml:"funnels"`
}

type SeedProduct struct {
	SKU         string `yaml:"sku"`
	Name        string `yaml:"name"`
	Price       int64  `yaml:"price"`
	DownloadURL string `yaml:"download_url"`
}

type SeedFunnel struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	EntrySKU    string     `yaml:"entry_sku"`
	Active      *bool      `yaml:"active"`
	Steps       []SeedStep `yaml:"steps"`
}

type SeedStep struct {
	Type             string `yaml:"type"`
	OfferSKU         string `yaml:"offer_sku"`
	Priority         int    `yaml:"priority"`
	PriceOverride    *int64 `yaml:"price_override"`
	Headline         string `yaml:"headline"`
	Subheadline      string `yaml:"subheadline"`
	CTAText          string `yaml:"cta_text"`
	DeclineText      string `yaml:"decline_text"`
	CountdownSeconds int    `yaml:"countdown_seconds"`
	Active           *bool  `yaml:"active"`
}

// ParseSeed decodes and validates a seed document
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}

	skus := make(map[string]bool, len(seed.Products))
	for _, p := range seed.Products {
		if p.SKU == "" {
			return nil, fmt.Errorf("product %q has no sku", p.Name)
		}
		if p.Price < 0 {
			return nil, fmt.Errorf("product %s has negative price", p.SKU)
		}
		skus[p.SKU] = true
	}

	for _, f := range seed.Funnels {
		if f.Name == "" {
			return nil, fmt.Errorf("funnel with entry %q has no name", f.EntrySKU)
		}
		if f.EntrySKU != "" && !skus[f.EntrySKU] {
			return nil, fmt.Errorf("funnel %q references unknown entry sku %q", f.Name, f.EntrySKU)
		}
		priorities := make(map[int]bool, len(f.Steps))
		for _, st := range f.Steps {
			if _, err := models.ParseStepType(st.Type); err != nil {
				return nil, fmt.Errorf("funnel %q: %w", f.Name, err)
			}
			if !skus[st.OfferSKU] {
				return nil, fmt.Errorf("funnel %q references unknown offer sku %q", f.Name, st.OfferSKU)
			}
			if st.PriceOverride != nil && *st.PriceOverride < 0 {
				return nil, fmt.Errorf("funnel %q step %s has negative price override", f.Name, st.OfferSKU)
			}
			if priorities[st.Priority] {
				return nil, fmt.Errorf("funnel %q has duplicate step priority %d", f.Name, st.Priority)
			}
			priorities[st.Priority] = true
		}
	}

	return &seed, nil
}

// ApplySeed upserts the seed's products and creates its funnels
func (s *Store) ApplySeed(ctx context.Context, seed *Seed) error {
	productIDs := make(map[string]int64, len(seed.Products))
	for _, sp := range seed.Products {
		product := &models.Product{
			SKU:         sp.SKU,
			Name:        sp.Name,
			Price:       sp.Price,
			DownloadURL: sp.DownloadURL,
		}
		if err := s.UpsertProduct(ctx, product); err != nil {
			return fmt.Errorf("failed to upsert product %s: %w", sp.SKU, err)
		}
		productIDs[sp.SKU] = product.ID
	}

	for _, sf := range seed.Funnels {
		funnel := &models.Funnel{
			Name:        sf.Name,
			Description: sf.Description,
			IsActive:    boolOr(sf.Active, true),
		}
		if sf.EntrySKU != "" {
			id := productIDs[sf.EntrySKU]
			funnel.EntryProductID = &id
		}
		if err := s.CreateFunnel(ctx, funnel); err != nil {
			return fmt.Errorf("failed to create funnel %q: %w", sf.Name, err)
		}

		for _, ss := range sf.Steps {
			stepType, _ := models.ParseStepType(ss.Type)
			step := &models.FunnelStep{
				FunnelID:         funnel.ID,
				StepType:         stepType,
				OfferProductID:   productIDs[ss.OfferSKU],
				Priority:         ss.Priority,
				PriceOverride:    ss.PriceOverride,
				Headline:         ss.Headline,
				Subheadline:      ss.Subheadline,
				CTAText:          ss.CTAText,
				DeclineText:      ss.DeclineText,
				CountdownSeconds: ss.CountdownSeconds,
				IsActive:         boolOr(ss.Active, true),
			}
			if err := s.CreateStep(ctx, step); err != nil {
				return fmt.Errorf("failed to create step %s of funnel %q: %w", ss.OfferSKU, sf.Name, err)
			}
		}
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
