package resetflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripURL(t *testing.T) {
	cause := errors.New("connection refused")
	err := stripURL(&url.Error{Op: "Get", URL: "https://shop.example/reset?token=" + testToken, Err: cause})

	assert.EqualError(t, err, "get: connection refused")
	assert.ErrorIs(t, err, cause)

	plain := errors.New("boom")
	assert.Same(t, plain, stripURL(plain))
}

func TestGet_ErrorOmitsURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	link := srv.URL + "/reset?token=" + testToken
	srv.Close()

	_, err := get(context.Background(), srv.Client(), link)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testToken)
	assert.NotContains(t, err.Error(), srv.URL)
}

func TestSend_ErrorOmitsURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	req := Request{Method: http.MethodPost, URL: "{{.Link}}", Body: `{"token":"{{.Token}}"}`}
	data := TemplateData{Link: srv.URL + "/reset/" + testToken, Token: testToken}

	_, err := send(context.Background(), srv.Client(), CheckResetCompleted, req, data)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testToken)
	assert.NotContains(t, err.Error(), srv.URL)
}
