package permission_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/bugtracker/internal/permission"
)

func TestLoadProjectsSeedsGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	fixture := `[{"id": 7, "owner_id": 1, "member_ids": [2]}, {"id": 8, "member_ids": []}]`
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))

	projects, err := permission.LoadProjectsFile(path)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Nil(t, projects[1].OwnerID)

	gate := permission.NewGate(permission.NewMemoryStore(projects...), time.Second, nil)
	ctx := context.Background()
	assert.True(t, gate.Authorize(ctx, owner, 7))
	assert.True(t, gate.Authorize(ctx, member, 7))
	assert.False(t, gate.Authorize(ctx, stranger, 7))
	assert.False(t, gate.Authorize(ctx, owner, 8))
}

func TestLoadProjectsRejectsBadFixtures(t *testing.T) {
	tests := []struct {
		name    string
		fixture string
	}{
		{name: "not json", fixture: "projects"},
		{name: "object instead of array", fixture: `{"id": 7}`},
		{name: "unknown field", fixture: `[{"id": 7, "name": "tracker"}]`},
		{name: "missing id", fixture: `[{"owner_id": 1}]`},
		{name: "bad member id", fixture: `[{"id": 7, "member_ids": [0]}]`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := permission.LoadProjects(strings.NewReader(tc.fixture))
			assert.Error(t, err)
		})
	}

	_, err := permission.LoadProjectsFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
