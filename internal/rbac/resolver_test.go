package rbac

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func row(id, userID int64, role string, scope Scope, at time.Time) Assignment {
	return Assignment{ID: id, UserID: userID, RoleName: role, ScopeType: scope.Type, ScopeID: scope.ID, CreatedAt: at}
}

func TestResolveEmpty(t *testing.T) {
	rc := Resolve(7, nil, DefaultPolicy())
	assert.Equal(t, EmptyContext(7), rc)
	assert.True(t, rc.IsEmpty())

	raw, err := json.Marshal(rc.HighestRoles)
	require.NoError(t, err)
	assert.JSONEq(t, `{"COMPANY":null,"DIVISION":{},"TEAM":{},"PROJECT":{}}`, string(raw))
}

func TestResolveHighestPerScope(t *testing.T) {
	rows := []Assignment{
		row(1, 7, "employee", CompanyScope(), t0),
		row(2, 7, "hr_manager", CompanyScope(), t0),
		row(3, 7, "asset_custodian", NewScope(ScopeDivision, 4), t0),
		row(4, 7, "division_head", NewScope(ScopeDivision, 4), t0),
		row(5, 7, "team_leader", NewScope(ScopeTeam, 2), t0),
		row(6, 7, "project_manager", NewScope(ScopeProject, 11), t0),
	}
	rc := Resolve(7, rows, DefaultPolicy())

	require.NotNil(t, rc.HighestRoles.Company)
	assert.Equal(t, "hr_manager", *rc.HighestRoles.Company)
	assert.Equal(t, map[int64]string{4: "division_head"}, rc.HighestRoles.Division)
	assert.Equal(t, map[int64]string{2: "team_leader"}, rc.HighestRoles.Team)
	assert.Equal(t, map[int64]string{11: "project_manager"}, rc.HighestRoles.Project)
	assert.Len(t, rc.Assignments, 6)

	name, ok := rc.HighestFor(ScopeDivision, 4)
	assert.True(t, ok)
	assert.Equal(t, "division_head", name)
	_, ok = rc.HighestFor(ScopeDivision, 5)
	assert.False(t, ok)
}

func TestResolveTieBreakByRecencyThenID(t *testing.T) {
	policy, err := NewPolicy([]RolePolicy{{Name: "alpha", Priority: 5}, {Name: "beta", Priority: 5}})
	require.NoError(t, err)

	older := row(10, 1, "alpha", CompanyScope(), t0)
	newer := row(3, 1, "beta", CompanyScope(), t0.Add(time.Minute))
	for _, rows := range [][]Assignment{{older, newer}, {newer, older}} {
		rc := Resolve(1, rows, policy)
		require.NotNil(t, rc.HighestRoles.Company)
		assert.Equal(t, "beta", *rc.HighestRoles.Company)
	}

	sameTimeLow := row(3, 1, "alpha", CompanyScope(), t0)
	sameTimeHigh := row(8, 1, "beta", CompanyScope(), t0)
	for _, rows := range [][]Assignment{{sameTimeLow, sameTimeHigh}, {sameTimeHigh, sameTimeLow}} {
		rc := Resolve(1, rows, policy)
		assert.Equal(t, "beta", *rc.HighestRoles.Company)
	}
}

func TestResolveSkipsForeignAndMalformedRows(t *testing.T) {
	rows := []Assignment{
		row(1, 99, "admin", CompanyScope(), t0),
		{ID: 2, UserID: 7, RoleName: "division_head", ScopeType: ScopeDivision},
		{ID: 3, UserID: 7, RoleName: "employee", ScopeType: ScopeCompany, ScopeID: int64Ptr(4)},
		{ID: 4, UserID: 7, RoleName: "employee", ScopeType: "GALAXY", ScopeID: int64Ptr(1)},
		row(5, 7, "employee", CompanyScope(), t0),
	}
	rc := Resolve(7, rows, DefaultPolicy())
	require.Len(t, rc.Assignments, 1)
	assert.Equal(t, int64(5), rc.Assignments[0].ID)
	assert.Equal(t, "employee", *rc.HighestRoles.Company)
	assert.Empty(t, rc.HighestRoles.Division)
}

func TestResolveOrdersNarrowestFirst(t *testing.T) {
	rows := []Assignment{
		row(1, 7, "employee", CompanyScope(), t0),
		row(2, 7, "division_head", NewScope(ScopeDivision, 1), t0),
		row(3, 7, "project_manager", NewScope(ScopeProject, 8), t0),
		row(4, 7, "project_manager", NewScope(ScopeProject, 2), t0),
		row(5, 7, "team_leader", NewScope(ScopeTeam, 3), t0),
	}
	rc := Resolve(7, rows, DefaultPolicy())

	var got []string
	for _, a := range rc.Assignments {
		got = append(got, a.Scope().String())
	}
	assert.Equal(t, []string{"PROJECT:2", "PROJECT:8", "TEAM:3", "DIVISION:1", "COMPANY"}, got)
}

func TestRoleContextRolesIn(t *testing.T) {
	rows := []Assignment{
		row(1, 7, "employee", CompanyScope(), t0),
		row(2, 7, "division_head", NewScope(ScopeDivision, 1), t0),
		row(3, 7, "division_head", NewScope(ScopeDivision, 2), t0),
	}
	rc := Resolve(7, rows, DefaultPolicy())

	assert.ElementsMatch(t, []string{"employee", "division_head"}, rc.RolesIn(NewScope(ScopeDivision, 1)))
	assert.Equal(t, []string{"employee"}, rc.RolesIn(CompanyScope()))
	assert.Equal(t, []string{"employee"}, rc.RolesIn(NewScope(ScopeProject, 1)))
	assert.True(t, rc.HasRole("Division_Head"))
	assert.False(t, rc.HasRole("admin"))
}
