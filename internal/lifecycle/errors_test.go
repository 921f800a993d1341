package lifecycle

import (
	"errors"
	"fmt"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
)

func TestFailure(t *testing.T) {
	f := notFound("can't find vm:%s", "i-1")
	assert.Equal(t, "can't find vm:i-1", f.Error())
	assert.True(t, errdefs.IsNotFound(f))

	wrapped := fmt.Errorf("outer: %w", f)
	got, ok := IsFailure(wrapped)
	assert.True(t, ok)
	assert.Same(t, f, got)

	_, ok = IsFailure(errors.New("plain"))
	assert.False(t, ok)
}

func TestOperationError(t *testing.T) {
	inner := errors.New("disk full")
	err := opError(OpStart, "i-1", inner)

	assert.Equal(t, "unable to start vm i-1: disk full", err.Error())
	assert.ErrorIs(t, err, inner)
	_, ok := IsFailure(err)
	assert.False(t, ok)
}
