package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertGetRemove(t *testing.T) {
	r := New()
	id := uuid.New()

	_, err := r.Get(id)
	assert.ErrorIs(t, err, ErrNotRegistered)

	require.NoError(t, r.Insert(id, nil))
	h, err := r.Get(id)
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Equal(t, 1, r.Len())

	r.Remove(id)
	_, err = r.Get(id)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, 0, r.Len())
}

func TestInsertDuplicateIsError(t *testing.T) {
	r := New()
	id := uuid.New()
	require.NoError(t, r.Insert(id, nil))
	err := r.Insert(id, nil)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.Remove(uuid.New()) })
}
