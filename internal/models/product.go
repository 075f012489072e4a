package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSON type for PostgreSQL JSONB (object/map)
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSON)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Product is a single row in the canonical catalog.
//
// SKU is normalized to upper-case on write and unique case-insensitively
// across the whole catalog.
type Product struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SKU         string    `gorm:"type:varchar(64);not null;uniqueIndex:uniq_products_sku" json:"sku"`
	Name        string    `gorm:"type:varchar(255);not null" json:"name"`
	Description *string   `gorm:"type:text" json:"description,omitempty"`
	Price       string    `gorm:"type:decimal(12,2);default:0" json:"price"`
	Quantity    *int      `json:"quantity,omitempty"`
	Attributes  *JSON     `gorm:"type:jsonb" json:"attributes,omitempty"`

	// Managed from the UI, never touched by imports on existing rows.
	IsActive bool `gorm:"default:true" json:"isActive"`

	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for Product
func (Product) TableName() string {
	return "products"
}
