package models

import (
	"time"

	"github.com/uptrace/bun"
)

type User struct {
	bun.BaseModel `bun:"table:users"`

	ID            string    `bun:"id,pk" json:"id"`
	Email         string    `bun:"email,unique,notnull" json:"email"`
	FullName      string    `bun:"full_name,notnull" json:"fullName"`
	Phone         string    `bun:"phone" json:"phone,omitempty"`
	Role          string    `bun:"role,notnull,default:'user'" json:"role"`
	LabID         *string   `bun:"lab_id" json:"labId,omitempty"`
	WalletBalance float64   `bun:"wallet_balance,notnull,default:0" json:"-"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"createdAt"`
}
