package protocol

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

func TestErrorCodeMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("get: %w", domain.ErrSessionNotFound), ErrorCodeSessionNotFound, http.StatusNotFound},
		{domain.ErrRunInProgress, ErrorCodeRunInProgress, http.StatusConflict},
		{domain.ErrRunNotFound, ErrorCodeRunNotFound, http.StatusNotFound},
		{domain.ErrUnknownEngine, ErrorCodeUnknownEngine, http.StatusBadRequest},
		{domain.ErrInvalidPath, ErrorCodeInvalidMessage, http.StatusBadRequest},
		{fmt.Errorf("boom"), ErrorCodeInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ErrorCode(tc.err), tc.err.Error())
		assert.Equal(t, tc.status, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestNewError(t *testing.T) {
	msg := NewError("s1", domain.ErrRunInProgress)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, ErrorCodeRunInProgress, msg.Code)
}
