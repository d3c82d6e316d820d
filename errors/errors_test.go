package errors_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/Skryldev/imageproxy/errors"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"foreign", errors.New("x"), http.StatusInternalServerError},
		{"bad request", apperrors.BadRequest("op", "IPX_X", "bad"), http.StatusBadRequest},
		{"forbidden", apperrors.Forbidden("op", "IPX_X", "no"), http.StatusForbidden},
		{"not found", apperrors.NotFound("op", "IPX_X", "gone"), http.StatusNotFound},
		{"upstream keeps status", apperrors.Upstream("op", 410, "Gone"), http.StatusGone},
		{"upstream non-error status", apperrors.Upstream("op", 302, "Found"), http.StatusBadGateway},
		{"transient", apperrors.Transient("op", errors.New("reset")), http.StatusServiceUnavailable},
		{"canceled", apperrors.Canceled("op", context.Canceled), apperrors.StatusClientClosedRequest},
		{"decode", apperrors.New(apperrors.CategoryDecode, "op", errors.New("bad")), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("ctx: %w", apperrors.NotFound("op", "", "")), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.StatusOf(tt.err))
		})
	}
}

func TestWrapKeepsInnermostCategory(t *testing.T) {
	inner := apperrors.Forbidden("fs", "IPX_FORBIDDEN_PATH", "Forbidden path")
	err := apperrors.Wrap(apperrors.CategoryStorage, "outer", inner)
	assert.Equal(t, apperrors.CategoryForbidden, apperrors.CategoryOf(err))
	assert.Equal(t, "IPX_FORBIDDEN_PATH", apperrors.CodeOf(err))

	err = apperrors.Wrap(apperrors.CategoryStorage, "op", context.Canceled)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryStorage))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, apperrors.Wrap(apperrors.CategoryStorage, "op", nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, apperrors.IsRetryable(apperrors.Transient("op", errors.New("x"))))
	assert.False(t, apperrors.IsRetryable(apperrors.Upstream("op", 404, "Not Found")))
	assert.False(t, apperrors.IsRetryable(errors.New("x")))
}

func TestPublicMessage(t *testing.T) {
	internal := apperrors.New(apperrors.CategoryDecode, "native.load", errors.New("png: invalid format"))
	assert.Equal(t, "IPX Error (500)", apperrors.PublicMessage(internal, false))
	assert.Contains(t, apperrors.PublicMessage(internal, true), "png: invalid format")

	bad := apperrors.BadRequest("codec", "IPX_MISSING_ID", "Resource id is missing: /")
	assert.Equal(t, "Resource id is missing: /", apperrors.PublicMessage(bad, false))

	up := apperrors.Upstream("http", 502, "Bad Gateway")
	assert.Equal(t, "Fetch error", apperrors.PublicMessage(up, false))
	assert.Equal(t, "IPX_ERROR", apperrors.CodeOf(errors.New("x")))
}
