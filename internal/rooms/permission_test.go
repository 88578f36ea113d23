package rooms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPermission(t *testing.T) {
	for _, op := range Operations {
		for _, role := range []Role{RoleOwner, RoleEditor, RoleViewer} {
			err := CheckPermission(role, op)
			if op == OpCursorMove || role != RoleViewer {
				assert.NoError(t, err, "%s as %s", op, role)
				continue
			}
			assert.True(t, IsPermissionDenied(err), "%s as %s", op, role)
		}
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Editor ")
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, r)

	_, err = ParseRole("admin")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
