package services

import (
	"fmt"
	"strings"

	"github.com/tbourn/go-publisher-backend/internal/catalog"
	"github.com/tbourn/go-publisher-backend/internal/productkey"
)

// ProductData is a validated, publishable candidate. It carries the identity
// fields the content key is derived from plus presentation basics.
type ProductData struct {
	URL      string
	Title    string
	Vendor   string
	OfferID  string
	MarketID string
	Priority int
}

// Key returns the deterministic content key for this product.
func (p ProductData) Key() string {
	return productkey.GenerateKey(p.Title, p.Vendor, p.OfferID, p.MarketID, p.URL)
}

// Render produces the stored message text. Deliberately minimal; richer
// caption generation is an external collaborator and replaces this text
// upstream when present.
func (p ProductData) Render() string {
	title := p.Title
	if title == "" {
		title = p.URL
	}
	if p.Vendor != "" {
		return fmt.Sprintf("%s — %s\n%s", p.Vendor, title, p.URL)
	}
	return fmt.Sprintf("%s\n%s", title, p.URL)
}

// Validator decides whether a raw catalog item is publishable.
type Validator interface {
	// Validate returns the accepted ProductData, or an error (ErrRejected,
	// ErrInvalidURL) when the item must be dropped before entering the queue.
	Validate(item catalog.Item) (ProductData, error)
}

// BasicValidator accepts items that carry a URL plus at least one identity
// field. It normalizes whitespace and nothing else; enrichment is out of its
// scope.
type BasicValidator struct{}

func (BasicValidator) Validate(item catalog.Item) (ProductData, error) {
	p := ProductData{
		URL:      strings.TrimSpace(item.URL),
		Title:    strings.TrimSpace(item.Title),
		Vendor:   strings.TrimSpace(item.Vendor),
		OfferID:  strings.TrimSpace(item.OfferID),
		MarketID: strings.TrimSpace(item.MarketID),
		Priority: item.Priority,
	}
	if p.URL == "" || !strings.HasPrefix(p.URL, "http") {
		return ProductData{}, ErrInvalidURL
	}
	if p.OfferID == "" && p.MarketID == "" && p.Title == "" {
		return ProductData{}, ErrRejected
	}
	return p, nil
}
