package rbac

import (
	"sort"
)

type scopeKey struct {
	scopeType ScopeType
	scopeID   int64
}

// Resolve projects a user's raw assignment rows into a RoleContext.
//
// Rows are grouped by scope instance; within a group the role with the highest
// policy priority wins, ties go to the most recently created assignment and then
// to the higher assignment id so the outcome never depends on input order.
// Rows belonging to other users or carrying malformed scopes are ignored.
func Resolve(userID int64, rows []Assignment, policy *Policy) RoleContext {
	rc := EmptyContext(userID)
	if len(rows) == 0 {
		return rc
	}

	winners := make(map[scopeKey]Assignment, len(rows))
	for _, row := range rows {
		if row.UserID != userID || row.Scope().Validate() != nil {
			continue
		}
		rc.Assignments = append(rc.Assignments, row)
		key := scopeKey{scopeType: row.ScopeType, scopeID: row.Scope().IDValue()}
		current, ok := winners[key]
		if !ok || outranks(row, current, policy) {
			winners[key] = row
		}
	}

	for key, winner := range winners {
		if key.scopeType == ScopeCompany {
			name := winner.RoleName
			rc.HighestRoles.Company = &name
			continue
		}
		rc.HighestRoles.bucket(key.scopeType)[key.scopeID] = winner.RoleName
	}

	sort.SliceStable(rc.Assignments, func(i, j int) bool {
		a, b := rc.Assignments[i], rc.Assignments[j]
		if a.ScopeType.Specificity() != b.ScopeType.Specificity() {
			return a.ScopeType.Specificity() > b.ScopeType.Specificity()
		}
		if a.Scope().IDValue() != b.Scope().IDValue() {
			return a.Scope().IDValue() < b.Scope().IDValue()
		}
		return outranks(a, b, policy)
	})
	return rc
}

// outranks reports whether candidate beats incumbent within the same scope instance.
func outranks(candidate, incumbent Assignment, policy *Policy) bool {
	cp, ip := policy.Priority(candidate.RoleName), policy.Priority(incumbent.RoleName)
	if cp != ip {
		return cp > ip
	}
	if !candidate.CreatedAt.Equal(incumbent.CreatedAt) {
		return candidate.CreatedAt.After(incumbent.CreatedAt)
	}
	return candidate.ID > incumbent.ID
}
