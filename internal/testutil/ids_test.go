package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs_Next(t *testing.T) {
	ids := NewSequentialIDs("sale")

	assert.Equal(t, "sale-0001", ids.Next())
	assert.Equal(t, "sale-0002", ids.Next())
	assert.Equal(t, "sale-0003", ids.Next())
}

func TestSequentialIDs_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "id-0001", NewSequentialIDs("").Next())
}
