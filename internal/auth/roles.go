package auth

import "context"

type Role string

const (
	RolePatient        Role = "user"
	RoleSuperAdmin     Role = "super_admin"
	RoleAdmin          Role = "admin"
	RoleLabAdmin       Role = "lab_admin"
	RoleMarketingAdmin Role = "marketing_admin"
	RoleSupportAdmin   Role = "support_admin"
	RoleViewerAdmin    Role = "viewer_admin"
	// RoleSystem is used for webhook and consumer driven actions, never issued to people.
	RoleSystem Role = "system"
)

type Capability string

const (
	CapBookOrder       Capability = "booking:create"
	CapBookOnBehalf    Capability = "booking:create_on_behalf"
	CapManageBookings  Capability = "booking:manage"
	CapViewAllBookings Capability = "booking:view_all"
	CapViewLabBookings Capability = "booking:view_lab"
	CapRedeemVoucher   Capability = "voucher:redeem"
)

var capabilities = map[Role]map[Capability]bool{
	RolePatient: {
		CapBookOrder: true,
	},
	RoleSuperAdmin: {
		CapBookOrder:       true,
		CapBookOnBehalf:    true,
		CapManageBookings:  true,
		CapViewAllBookings: true,
		CapViewLabBookings: true,
		CapRedeemVoucher:   true,
	},
	RoleAdmin: {
		CapBookOrder:       true,
		CapBookOnBehalf:    true,
		CapManageBookings:  true,
		CapViewAllBookings: true,
		CapRedeemVoucher:   true,
	},
	RoleSupportAdmin: {
		CapBookOrder:       true,
		CapBookOnBehalf:    true,
		CapManageBookings:  true,
		CapViewAllBookings: true,
	},
	RoleLabAdmin: {
		CapViewLabBookings: true,
		CapRedeemVoucher:   true,
	},
	RoleMarketingAdmin: {
		CapViewAllBookings: true,
	},
	RoleViewerAdmin: {
		CapViewAllBookings: true,
	},
	RoleSystem: {
		CapManageBookings: true,
	},
}

// ParseRole maps a claim value to a known role. Unknown values yield "" which holds no capabilities.
func ParseRole(s string) Role {
	r := Role(s)
	if _, ok := capabilities[r]; ok && r != RoleSystem {
		return r
	}
	return ""
}

// Identity is the authenticated caller as supplied by the identity provider.
type Identity struct {
	UserID string
	Email  string
	Role   Role
	// LabID is set for lab administrators.
	LabID string
}

func (i *Identity) Can(c Capability) bool {
	if i == nil {
		return false
	}
	return capabilities[i.Role][c]
}

// SystemIdentity is used when the caller is a trusted machine path such as a signed webhook.
func SystemIdentity(source string) *Identity {
	return &Identity{UserID: "system:" + source, Role: RoleSystem}
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns nil when the request was not authenticated.
func FromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// UserID is a shortcut for handlers and rate limiting keys.
func UserID(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}
