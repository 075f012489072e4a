package importer

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"catalog-import-service/internal/models"
)

const maxSKULength = 64

// largest value a decimal(12,2) price column can hold
const maxPrice = 9999999999.99

var skuPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// knownColumns are the columns mapped onto dedicated product fields; any
// other column in the upload lands in the attributes JSON blob.
var knownColumns = map[string]bool{
	"sku":         true,
	"name":        true,
	"price":       true,
	"quantity":    true,
	"description": true,
}

// CandidateRecord is a validated row ready for dedup resolution. SKU is
// upper-cased here so every later comparison and the stored value agree.
type CandidateRecord struct {
	LineNumber  int64
	Raw         string
	SKU         string
	Name        string
	Description *string
	Price       string
	Quantity    *int
	Attributes  map[string]string
}

// Rejection describes a row excluded from the import along with enough
// context to diagnose it from the rejection log.
type Rejection struct {
	LineNumber int64
	Raw        string
	Reason     string
	Field      string
	Message    string
}

// ValidateRow checks a raw row against the product schema. It is a pure
// function: exactly one of the results is non-nil.
func ValidateRow(row RawRow) (*CandidateRecord, *Rejection) {
	reject := func(field, message string) (*CandidateRecord, *Rejection) {
		return nil, &Rejection{
			LineNumber: row.LineNumber,
			Raw:        row.Raw,
			Reason:     models.RejectReasonValidation,
			Field:      field,
			Message:    message,
		}
	}

	sku := strings.TrimSpace(row.Values["sku"])
	if sku == "" {
		return reject("sku", "sku is required")
	}
	if len(sku) > maxSKULength {
		return reject("sku", fmt.Sprintf("sku exceeds %d characters", maxSKULength))
	}
	if !skuPattern.MatchString(sku) {
		return reject("sku", "sku may only contain letters, digits, dot, dash and underscore")
	}

	name := strings.TrimSpace(row.Values["name"])
	if name == "" {
		return reject("name", "name is required")
	}

	priceRaw := strings.TrimSpace(row.Values["price"])
	if priceRaw == "" {
		return reject("price", "price is required")
	}
	price, err := strconv.ParseFloat(priceRaw, 64)
	if err != nil {
		return reject("price", fmt.Sprintf("invalid price %q", priceRaw))
	}
	// ParseFloat accepts NaN and Inf spellings, which the price column
	// cannot hold.
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return reject("price", fmt.Sprintf("invalid price %q", priceRaw))
	}
	if price < 0 {
		return reject("price", "price must not be negative")
	}
	if price > maxPrice {
		return reject("price", fmt.Sprintf("price exceeds %.2f", maxPrice))
	}

	record := &CandidateRecord{
		LineNumber: row.LineNumber,
		Raw:        row.Raw,
		SKU:        strings.ToUpper(sku),
		Name:       name,
		Price:      strconv.FormatFloat(price, 'f', 2, 64),
	}

	if raw, ok := row.Values["quantity"]; ok && strings.TrimSpace(raw) != "" {
		qty, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return reject("quantity", fmt.Sprintf("invalid quantity %q", raw))
		}
		if qty < 0 {
			return reject("quantity", "quantity must not be negative")
		}
		record.Quantity = &qty
	}

	if desc, ok := row.Values["description"]; ok && strings.TrimSpace(desc) != "" {
		d := strings.TrimSpace(desc)
		record.Description = &d
	}

	for column, value := range row.Values {
		if knownColumns[column] || strings.TrimSpace(value) == "" {
			continue
		}
		if record.Attributes == nil {
			record.Attributes = make(map[string]string)
		}
		record.Attributes[column] = value
	}

	return record, nil
}
