package user

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDEquality(t *testing.T) {
	assert.Equal(t, New("alice"), New("alice"))
	assert.NotEqual(t, New("alice"), New("bob"))
	assert.Equal(t, New("alice").Hash(), New("alice").Hash())
}

func TestIDUnmarshalJSON(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte(`"alice"`), &id))
	assert.Equal(t, New("alice"), id)

	assert.Error(t, json.Unmarshal([]byte(`42`), &id))
}

func TestIDScan(t *testing.T) {
	var id ID
	require.NoError(t, id.Scan("alice"))
	assert.Equal(t, New("alice"), id)

	require.NoError(t, id.Scan([]byte("bob")))
	assert.Equal(t, New("bob"), id)

	assert.Error(t, id.Scan(42))
}
