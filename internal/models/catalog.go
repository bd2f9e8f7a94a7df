package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Catalog entities are owned by lab administrators; bookings only read them.
// Packages bundle tests through the package_tests join table, which bookings never read.

type Lab struct {
	bun.BaseModel `bun:"table:labs"`

	ID        string    `bun:"id,pk" json:"id"`
	Name      string    `bun:"name,notnull" json:"name"`
	City      string    `bun:"city" json:"city"`
	Active    bool      `bun:"active,notnull" json:"active"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"createdAt"`
}

type LabTest struct {
	bun.BaseModel `bun:"table:tests"`

	ID     string  `bun:"id,pk" json:"id"`
	LabID  string  `bun:"lab_id,notnull" json:"labId"`
	Name   string  `bun:"name,notnull" json:"name"`
	Price  float64 `bun:"price,notnull" json:"price"`
	Active bool    `bun:"active,notnull" json:"active"`
}

type Package struct {
	bun.BaseModel `bun:"table:packages"`

	ID     string  `bun:"id,pk" json:"id"`
	LabID  string  `bun:"lab_id,notnull" json:"labId"`
	Name   string  `bun:"name,notnull" json:"name"`
	Price  float64 `bun:"price,notnull" json:"price"`
	Active bool    `bun:"active,notnull" json:"active"`
}
