package pricing

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Kind string

const (
	KindSubscription Kind = "subscription"
	KindBundle       Kind = "bundle"
)

var (
	ErrDuplicatePrice = errors.New("duplicate_price_id")
	ErrInvalidPrice   = errors.New("invalid_price_entry")
)

// Price describes what a gateway price or plan identifier is worth in pages.
type Price struct {
	ID         string `mapstructure:"id" json:"id"`
	Pages      int64  `mapstructure:"pages" json:"pages"`
	Kind       Kind   `mapstructure:"kind" json:"kind"`
	Amount     int64  `mapstructure:"amount" json:"amount"`
	Currency   string `mapstructure:"currency" json:"currency"`
	BundleType string `mapstructure:"bundle_type" json:"bundle_type,omitempty"`
	ValidDays  int    `mapstructure:"valid_days" json:"valid_days,omitempty"`
}

func (p Price) IsZero() bool {
	return p.ID == ""
}

// Table is the immutable price-to-pages mapping loaded at startup.
type Table struct {
	prices map[string]Price
}

type file struct {
	Prices []Price `mapstructure:"prices"`
}

// Load reads the pricing file. Prices are a list rather than a map so that
// gateway identifiers keep their case.
func Load(path string) (*Table, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		v.SetConfigType(ext)
	} else {
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}

	var f file
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode pricing file %s: %w", path, err)
	}
	return NewTable(f.Prices...)
}

// NewTable builds a table from explicit entries.
func NewTable(prices ...Price) (*Table, error) {
	t := &Table{prices: make(map[string]Price, len(prices))}
	for _, price := range prices {
		price.ID = strings.TrimSpace(price.ID)
		if price.ID == "" || price.Pages < 0 || price.Amount < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, price.ID)
		}
		if _, ok := t.prices[price.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePrice, price.ID)
		}
		if price.Kind == "" {
			price.Kind = KindSubscription
		}
		price.Currency = strings.ToUpper(strings.TrimSpace(price.Currency))
		t.prices[price.ID] = price
	}
	return t, nil
}

// Pages returns the page count for a price id. Unknown ids are worth zero.
func (t *Table) Pages(priceID string) int64 {
	return t.Lookup(priceID).Pages
}

// Lookup returns the entry for a price id, or the zero Price when absent.
func (t *Table) Lookup(priceID string) Price {
	if t == nil {
		return Price{}
	}
	return t.prices[strings.TrimSpace(priceID)]
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prices)
}
