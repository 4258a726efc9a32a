package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobq/internal/api/storage"
)

func TestJobCursor(t *testing.T) {
	in := &storage.JobCursor{Created: time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC), UUID: "5f0c7c1e-0000-4000-8000-000000000001"}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.Created.Equal(out.Created))
	assert.Equal(t, in.UUID, out.UUID)

	none, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	enc := base64.RawURLEncoding.EncodeToString

	for _, c := range []string{"%%%", enc([]byte("no-separator")), enc([]byte("abc|id")), enc([]byte("123|"))} {
		_, err := DecodeJobCursor(c)
		assert.Error(t, err, c)
	}
}
