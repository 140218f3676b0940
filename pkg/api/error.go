package api

import (
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"

	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/registry"
	"github.com/elastic/devfiler/pkg/store"
)

var (
	ErrParamIDRequired     = model.ValidationError{Err: errors.New("id parameter is required")}
	ErrRequestBodyRequired = model.ValidationError{Err: errors.New("request body required")}
)

type Errors struct {
	Errors []string `json:"errors"`
}

// Classify turns storage errors into the model's error kinds.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNoBytes):
		return model.NotFoundError{Err: err}
	case errors.Is(err, registry.ErrInvalidTransition):
		return model.ValidationError{Err: err}
	}
	return err
}

// ConnectError wraps err with the connect code matching its kind.
func ConnectError(err error) error {
	err = Classify(err)
	switch {
	case model.IsValidationError(err):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case model.IsNotFoundError(err):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, registry.ErrBusy):
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func Error(w http.ResponseWriter, err error) {
	ErrorCode(w, err, -1)
}

// ErrorCode replies to the request with the specified error message
// as JSON-encoded body.
//
// If HTTP code is less than 0, it will be deduced based on the error.
// If it fails, StatusInternalServerError will be returned without the
// response body. The error can be of multierror.Error type.
//
// It does not otherwise end the request; the caller should ensure
// no further writes are done to w.
func ErrorCode(w http.ResponseWriter, err error, code int) {
	err = Classify(err)
	switch {
	case err == nil:
		return
	case code > 0:
		w.WriteHeader(code)
	case model.IsValidationError(err):
		w.WriteHeader(http.StatusBadRequest)
	case model.IsNotFoundError(err):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, registry.ErrBusy):
		w.WriteHeader(http.StatusConflict)
	default:
		// Internal errors must not be shown to users.
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var e Errors
	if m := new(multierror.Error); errors.As(err, &m) {
		for _, x := range m.Errors {
			e.Errors = append(e.Errors, x.Error())
		}
	} else {
		e.Errors = []string{err.Error()}
	}
	MustJSON(w, e)
}

func MustJSON(w http.ResponseWriter, v interface{}) {
	resp, err := jsoniter.Marshal(v)
	if err != nil {
		panic(err)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}
