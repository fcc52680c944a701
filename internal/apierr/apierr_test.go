package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("finalize: %w", New(CodeSessionNotFound, "別のメッセージ", nil))
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.False(t, errors.Is(err, ErrJobNotFound))
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		ErrPayloadTooLarge:  http.StatusRequestEntityTooLarge,
		ErrSessionNotFound:  http.StatusNotFound,
		ErrJobNotFound:      http.StatusNotFound,
		ErrUploadNotFound:   http.StatusNotFound,
		ErrIncompleteUpload: http.StatusBadRequest,
		ErrInvalidInput:     http.StatusBadRequest,
		context.Canceled:    http.StatusRequestTimeout,
		errors.New("boom"):  http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, Status(err), "error %v", err)
	}
}

func TestRespondWritesCodeAndMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	Respond(c, fmt.Errorf("wrap: %w", ErrIncompleteUpload))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, CodeIncompleteUpload, payload["code"])
	assert.NotEmpty(t, payload["message"])
}

func TestRespondHidesInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	Respond(c, errors.New("disk exploded at /var/secret"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/secret")
}
