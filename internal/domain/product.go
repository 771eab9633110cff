package domain

import "github.com/shopspring/decimal"

// Product is the live catalog view supplied by the availability gateway.
type Product struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	SKU               string          `json:"sku"`
	Price             decimal.Decimal `json:"price"`
	InStock           bool            `json:"inStock"`
	AvailableQuantity *int            `json:"availableQuantity,omitempty"`
	Images            []string        `json:"images,omitempty"`
	Category          string          `json:"category,omitempty"`
	Brand             string          `json:"brand,omitempty"`
	Variants          []Variant       `json:"variants,omitempty"`
}

type Variant struct {
	ID                string           `json:"id"`
	Name              string           `json:"name,omitempty"`
	SKU               string           `json:"sku,omitempty"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	InStock           bool             `json:"inStock"`
	AvailableQuantity *int             `json:"availableQuantity,omitempty"`
	Image             string           `json:"image,omitempty"`
}

// Offer is the purchasable unit for a (product, variant) pair after variant
// overrides have been applied.
type Offer struct {
	ProductID string
	VariantID string
	Name      string
	SKU       string
	Image     string
	Category  string
	Brand     string
	Price     decimal.Decimal
	InStock   bool
	// Available is nil when stock is not tracked.
	Available *int
}

// Offer resolves the offer for variantID. An empty variantID selects the
// product itself. ok is false when the variant does not exist.
func (p Product) Offer(variantID string) (Offer, bool) {
	o := Offer{
		ProductID: p.ID,
		Name:      p.Name,
		SKU:       p.SKU,
		Category:  p.Category,
		Brand:     p.Brand,
		Price:     p.Price,
		InStock:   p.InStock,
		Available: p.AvailableQuantity,
	}
	if len(p.Images) > 0 {
		o.Image = p.Images[0]
	}
	if variantID == "" {
		return o, true
	}
	for _, v := range p.Variants {
		if v.ID != variantID {
			continue
		}
		o.VariantID = v.ID
		if v.Name != "" {
			o.Name = p.Name + " - " + v.Name
		}
		if v.SKU != "" {
			o.SKU = v.SKU
		}
		if v.Image != "" {
			o.Image = v.Image
		}
		if v.Price != nil {
			o.Price = *v.Price
		}
		o.InStock = p.InStock && v.InStock
		o.Available = v.AvailableQuantity
		return o, true
	}
	return Offer{}, false
}

// Purchasable reports whether at least one unit can be bought.
func (o Offer) Purchasable() bool {
	if !o.InStock {
		return false
	}
	return o.Available == nil || *o.Available > 0
}

// Allows reports whether qty units can be bought.
func (o Offer) Allows(qty int) bool {
	if !o.InStock {
		return false
	}
	return o.Available == nil || *o.Available >= qty
}

// Clamp bounds qty by the available stock.
func (o Offer) Clamp(qty int) int {
	if !o.InStock {
		return 0
	}
	if o.Available != nil && *o.Available < qty {
		return max(*o.Available, 0)
	}
	return qty
}
