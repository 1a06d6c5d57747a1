package keyring

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate(t *testing.T) {
	fs := afero.NewMemMapFs()

	first, created, err := LoadOrCreate(fs, "/keys/identity.key")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.CanSign())

	second, created, err := LoadOrCreate(fs, "/keys/identity.key")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Public, second.Public)

	sig := second.Sign([]byte("hello"))
	assert.True(t, first.Public.Verify([]byte("hello"), sig))

	assert.Error(t, Save(fs, "/keys/identity.key", first))
}

func TestLoad_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not hex", content: "zz"},
		{name: "wrong length", content: "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/k", []byte(tt.content), 0600))
			_, err := Load(fs, "/k")
			assert.IsType(t, CorruptKeyFile{}, err)
		})
	}
}
