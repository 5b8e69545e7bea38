package errors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiError(t *testing.T) {
	var m MultiError
	require.NoError(t, m.ErrorOrNil())

	m.Append(nil)
	require.NoError(t, m.ErrorOrNil())

	m.Append(io.EOF)
	assert.Equal(t, "EOF", m.Error())

	m.Append(NewTransientError("pool close", errors.New("timed out")))
	err := m.ErrorOrNil()
	require.Error(t, err)
	assert.Equal(t, "2 errors occurred: EOF; pool close: timed out", err.Error())
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, IsTransient(err))
}

func TestRecover(t *testing.T) {
	t.Run("passes through errors", func(t *testing.T) {
		err := Recover(func() error { return io.ErrUnexpectedEOF })
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("converts panics", func(t *testing.T) {
		err := Recover(func() error { panic("boom") })
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "boom", pe.Value)
		assert.Contains(t, pe.StackTrace, "goroutine")
		assert.Equal(t, "panic: boom", err.Error())
	})
}
