package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawPassthrough(t *testing.T) {
	t.Parallel()

	s := Raw{}

	data, err := s.Marshal([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	data, err = s.Marshal("hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	var out string
	require.NoError(t, s.Unmarshal([]byte("world"), &out))
	assert.Equal(t, "world", out)

	_, err = s.Marshal(42)
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	s := JSON{}

	data, err := s.Marshal(record{Name: "jobs", Count: 3})
	require.NoError(t, err)

	var out record
	require.NoError(t, s.Unmarshal(data, &out))
	assert.Equal(t, record{Name: "jobs", Count: 3}, out)
}
