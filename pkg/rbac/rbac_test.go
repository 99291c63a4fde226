package rbac_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/rbac"
)

func TestMatrix_ExplicitEntriesForEveryPair(t *testing.T) {
	m := rbac.NewMatrix()
	entries := m.Entries()
	assert.Len(t, entries, len(rbac.Roles())*len(rbac.Commands()))
}

func TestMatrix_Monotone(t *testing.T) {
	m := rbac.NewMatrix()
	roles := rbac.Roles()
	for i := 1; i < len(roles); i++ {
		weaker, stronger := roles[i-1], roles[i]
		for _, cmd := range rbac.Commands() {
			if m.Allowed(weaker, cmd) {
				assert.True(t, m.Allowed(stronger, cmd),
					"%s allows %s but %s does not", weaker, cmd, stronger)
			}
		}
	}
}

func TestMatrix_RoleBoundaries(t *testing.T) {
	m := rbac.NewMatrix()

	assert.True(t, m.Allowed(rbac.RoleRead, rbac.CommandReplayCompare))
	assert.False(t, m.Allowed(rbac.RoleRead, rbac.CommandReplayBackfill))

	assert.True(t, m.Allowed(rbac.RoleInvestigate, rbac.CommandIncidentAnnotate))
	assert.False(t, m.Allowed(rbac.RoleInvestigate, rbac.CommandIncidentResolve))

	assert.True(t, m.Allowed(rbac.RoleExecute, rbac.CommandIncidentArchive))
	assert.False(t, m.Allowed(rbac.RoleExecute, rbac.CommandPolicyUpdate))

	for _, cmd := range rbac.Commands() {
		assert.True(t, m.Allowed(rbac.RoleAdmin, cmd), "admin must run %s", cmd)
	}
}

func TestMatrix_UnknownDenied(t *testing.T) {
	m := rbac.NewMatrix()
	assert.False(t, m.Allowed(rbac.Role("superuser"), rbac.CommandConfigUpdate))
	assert.False(t, m.Allowed(rbac.RoleAdmin, rbac.Command("system.reboot")))
}

func TestRequire(t *testing.T) {
	m := rbac.NewMatrix()
	require.NoError(t, m.Require(rbac.RoleAdmin, rbac.CommandConfigUpdate))

	err := m.Require(rbac.RoleRead, rbac.CommandConfigUpdate)
	var perm *rbac.PermissionError
	require.True(t, errors.As(err, &perm))
	assert.Equal(t, rbac.RoleRead, perm.Role)
	assert.Equal(t, rbac.CommandConfigUpdate, perm.Command)
	assert.Contains(t, err.Error(), "config.update")
}

func TestAllowedCommands_StableOrder(t *testing.T) {
	m := rbac.NewMatrix()
	got := m.AllowedCommands(rbac.RoleInvestigate)
	assert.Equal(t, []rbac.Command{
		rbac.CommandReplayBackfill,
		rbac.CommandReplayCompare,
		rbac.CommandReplayIncident,
		rbac.CommandReplayExport,
		rbac.CommandIncidentAnnotate,
	}, got)
}
