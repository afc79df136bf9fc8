package mapping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsyncd/pushgate/internal/metrics"
	"github.com/fsyncd/pushgate/internal/user"
)

func seededMapping(storage int64, access []Access) *StorageMapping {
	m := FromConnection(nil, "postgres", "oc_", metrics.New())
	m.Prime(storage, access)
	return m
}

func TestUsersForStoragePathPrefixFilter(t *testing.T) {
	alice := user.New("alice")
	bob := user.New("bob")
	m := seededMapping(1, []Access{
		{User: alice, Root: ""},
		{User: bob, Root: "files/shared"},
	})

	users, err := m.UsersForStoragePath(context.Background(), 1, "files/shared/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, []user.ID{alice, bob}, users)

	users, err = m.UsersForStoragePath(context.Background(), 1, "files/private/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, []user.ID{alice}, users)

	// the empty path matches every access root with an empty root
	users, err = m.UsersForStoragePath(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, []user.ID{alice}, users)
}

func TestCachedAccessTTL(t *testing.T) {
	now := time.Now()
	cached := newCachedAccess(nil, now)

	ttl := cached.validTill.Sub(now)
	assert.GreaterOrEqual(t, ttl, 4*time.Minute)
	assert.Less(t, ttl, 5*time.Minute)

	assert.True(t, cached.valid(now))
	assert.True(t, cached.valid(now.Add(3*time.Minute)))
	assert.False(t, cached.valid(now.Add(6*time.Minute)))
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "$1", FromConnection(nil, "postgres", "oc_", metrics.New()).placeholder())
	assert.Equal(t, "?", FromConnection(nil, "mysql", "oc_", metrics.New()).placeholder())
}
