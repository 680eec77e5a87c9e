package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNilLocker(t *testing.T) {
	l := NewLocker(nil)
	assert.Nil(t, l)

	token, ok, err := l.TryLock(context.Background(), "jobs:sample", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, token)

	assert.NoError(t, l.Release(context.Background(), "jobs:sample", "token"))
}
