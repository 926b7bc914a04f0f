package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Memory(t *testing.T) {
	s := NewMemStore()

	_, err := s.Get(context.Background(), "sub-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(context.Background(), "sub-1", 41))
	require.NoError(t, s.Set(context.Background(), "sub-1", 42))

	v, err := s.Get(context.Background(), "sub-1")
	require.NoError(t, err)
	require.EqualValues(t, 42, v)
}
