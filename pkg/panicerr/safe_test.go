package panicerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTry(t *testing.T) {
	assert.NoError(t, Try(func() error { return nil }))

	sentinel := errors.New("plain failure")
	assert.ErrorIs(t, Try(func() error { return sentinel }), sentinel)

	err := Try(func() error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
