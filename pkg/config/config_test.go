package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStoreType(t *testing.T) {
	tests := []struct {
		in      string
		want    StoreType
		wantErr bool
	}{
		{in: "", want: FileStore},
		{in: "file", want: FileStore},
		{in: "mongo", want: MongoStore},
		{in: "redis", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStoreType(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidStoreType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	store, err := NewStore(FileStore, &FileConfig{Path: path})
	require.NoError(t, err)

	in := map[string]string{"k": "v"}
	require.NoError(t, store.Save(in))
	var out map[string]string
	require.NoError(t, store.Load(&out))
	assert.Equal(t, in, out)

	_, err = NewStore(FileStore, &MongoConfig{})
	assert.Error(t, err)
	_, err = NewStore(StoreType(7), nil)
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}
