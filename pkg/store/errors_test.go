package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates(t *testing.T) {
	var err error = &NotFoundError{Table: "Token", ID: "0x1"}
	assert.True(t, IsNotFound(err))
	assert.False(t, IsPastWrite(err))

	err = &PastWriteError{Table: "Token", ID: "0x1", Attempted: "a", Latest: "b"}
	assert.True(t, IsPastWrite(err))
	assert.False(t, IsSchemaConflict(err))

	err = &SchemaConflictError{Table: "Token", Err: errors.New("not null violation")}
	assert.True(t, IsSchemaConflict(err))
	assert.ErrorContains(t, err, "not null violation")
}

func TestSchemaConflictUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &SchemaConflictError{Table: "Token", Err: inner}
	assert.ErrorIs(t, err, inner)
}
