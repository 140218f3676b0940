package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/store"
)

func TestErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code connect.Code
		http int
	}{
		{errors.Wrap(store.ErrNotFound, "trace"), connect.CodeNotFound, http.StatusNotFound},
		{errors.Wrap(registry.ErrInvalidTransition, "attach"), connect.CodeInvalidArgument, http.StatusBadRequest},
		{errors.Wrap(registry.ErrBusy, "upload in progress"), connect.CodeUnavailable, http.StatusConflict},
		{ErrParamIDRequired, connect.CodeInvalidArgument, http.StatusBadRequest},
		{errors.New("disk full"), connect.CodeInternal, http.StatusInternalServerError},
	} {
		assert.Equal(t, tc.code, connect.CodeOf(ConnectError(tc.err)), tc.err.Error())

		w := httptest.NewRecorder()
		ErrorCode(w, tc.err, 0)
		assert.Equal(t, tc.http, w.Code, tc.err.Error())
	}
}
