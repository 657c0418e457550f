package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLastAttempt(t *testing.T) {
	j := &Job{}
	assert.False(t, j.LastAttempt())
	j.Attempt = MaxRetries - 1
	assert.True(t, j.LastAttempt())
}
