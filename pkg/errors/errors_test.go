package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsSentinelAndCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := Wrap(ErrTransient, cause, "fetching page %d", 3)

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetching page 3")

	bare := Wrap(ErrParse, nil, "row %d", 2)
	assert.ErrorIs(t, bare, ErrParse)
	assert.Equal(t, "row 2: parse failure", bare.Error())
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(ErrConflict, http.StatusTeapot, "custom"), http.StatusTeapot},
		{fmt.Errorf("lookup: %w", ErrNotFound), http.StatusNotFound},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrTerminal, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{ErrTimeout, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatusCode(tt.err), tt.err.Error())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Wrap(ErrFatal, Wrap(ErrParse, nil, "page"), "giving up"), "fatal"},
		{context.DeadlineExceeded, "timeout"},
		{Wrap(ErrTransient, nil, "503"), "transient"},
		{ErrParse, "parse"},
		{ErrValidation, "validation"},
		{ErrConflict, "conflict"},
		{ErrNotFound, "not_found"},
		{ErrTerminal, "state"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err))
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Wrap(ErrTransient, nil, "429")))
	assert.True(t, IsTransient(fmt.Errorf("fetch: %w", ErrTimeout)))
	assert.False(t, IsTransient(Wrap(ErrParse, nil, "bad table")))
}
