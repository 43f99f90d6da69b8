package auth

// PermissionSet is an immutable snapshot of what a request's identity may
// do. It is computed once from the token claims when the request is
// authenticated; checks against it are pure lookups with no I/O, so the
// answer cannot change mid-request.
type PermissionSet map[string]struct{}

// rolePermissions maps each role onto the permissions it grants.
var rolePermissions = map[string][]string{
	"admin": {
		"bills.read", "bills.write", "bills.void",
		"payments.write", "claims.write", "claims.decide",
		"refunds.write", "refunds.approve", "insurance.write",
	},
	"billing": {
		"bills.read", "bills.write", "bills.void",
		"payments.write", "claims.write", "claims.decide",
		"refunds.write", "refunds.approve", "insurance.write",
	},
	"front_desk": {
		"bills.read", "payments.write",
	},
	"doctor": {
		"bills.read",
	},
}

// Snapshot builds the permission set for a set of roles plus any explicit
// permission grants carried on the token.
func Snapshot(roles []string, extra []string) PermissionSet {
	ps := make(PermissionSet)
	for _, role := range roles {
		for _, p := range rolePermissions[role] {
			ps[p] = struct{}{}
		}
	}
	for _, p := range extra {
		ps[p] = struct{}{}
	}
	return ps
}

// Has reports whether the snapshot grants the permission.
func (ps PermissionSet) Has(permission string) bool {
	_, ok := ps[permission]
	return ok
}
