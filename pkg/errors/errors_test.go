package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOfWrapped(t *testing.T) {
	err := Permanent("kafka", "write", stderrors.New("invalid credentials"))
	assert.Equal(t, ClassPermanent, ClassOf(err))

	// Classification survives further wrapping.
	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.Equal(t, ClassPermanent, ClassOf(wrapped))
	assert.True(t, IsPermanent(wrapped))
}

func TestClassOfInspection(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassOf(context.DeadlineExceeded))
	assert.Equal(t, ClassTransient, ClassOf(syscall.ENOSPC))
	assert.Equal(t, ClassTransient, ClassOf(syscall.ECONNREFUSED))
	assert.Equal(t, ClassPermanent, ClassOf(os.ErrPermission))
	assert.Equal(t, ClassPermanent, ClassOf(os.ErrNotExist))

	// Unknown errors get a bounded retry before escalation.
	assert.True(t, IsTransient(stderrors.New("mystery")))
}

func TestDeliveryErrorFormat(t *testing.T) {
	err := Transient("file-main", "append", stderrors.New("timeout"))
	assert.Contains(t, err.Error(), "file-main")
	assert.Contains(t, err.Error(), "transient")

	assert.Equal(t, "integrity", ClassIntegrity.String())
	assert.Equal(t, "overload", ClassOverload.String())
}
