package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClosersRunInReverseOnError(t *testing.T) {
	var order []string
	var undo closers
	undo.add(func() { order = append(order, "bus") })
	undo.add(func() { order = append(order, "archive") })

	err := errors.New("init s3 client: endpoint is required")
	undo.closeIf(&err)
	assert.Equal(t, []string{"archive", "bus"}, order)
}

func TestClosersKeepResourcesOnSuccess(t *testing.T) {
	closed := false
	var undo closers
	undo.add(func() { closed = true })

	var err error
	undo.closeIf(&err)
	assert.False(t, closed)
}

func TestClosersSeeLateErrors(t *testing.T) {
	closed := false
	wire := func() (err error) {
		var undo closers
		defer undo.closeIf(&err)
		undo.add(func() { closed = true })
		return errors.New("scanner: store is required")
	}
	assert.Error(t, wire())
	assert.True(t, closed)
}
