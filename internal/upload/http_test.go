package upload

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, chunkSize int64) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, _ := newTestManager(t, chunkSize)
	r := gin.New()
	RegisterRoutes(r, m)
	return r, m
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postChunk(t *testing.T, r http.Handler, uploadID string, index int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("uploadId", uploadID))
	require.NoError(t, mw.WriteField("chunkIndex", strconv.Itoa(index)))
	part, err := mw.CreateFormFile("chunk", "blob")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestChunkedUploadOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t, 16)
	data := payload(40)

	w := doJSON(t, r, http.MethodPost, "/upload/init", gin.H{"fileName": "song.mp3", "fileSize": len(data), "mimeType": "audio/mpeg"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	init := decode[InitResult](t, w)
	assert.Equal(t, 3, init.TotalChunks)

	for _, idx := range []int{2, 0, 1} {
		start := idx * 16
		end := min(start+16, len(data))
		w = postChunk(t, r, init.SessionID, idx, data[start:end])
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	chunk := decode[ChunkResult](t, w)
	assert.True(t, chunk.Complete)

	w = doJSON(t, r, http.MethodGet, "/upload/status/"+init.SessionID, nil)
	assert.Equal(t, StatusResult{Exists: true, Received: 3, Total: 3, Complete: true}, decode[StatusResult](t, w))

	w = doJSON(t, r, http.MethodPost, "/upload/finalize", gin.H{"uploadId": init.SessionID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	final := decode[map[string]string](t, w)
	assert.NotEmpty(t, final["fileId"])
	assert.Equal(t, "song.mp3", final["fileName"])

	w = doJSON(t, r, http.MethodGet, "/upload/status/"+init.SessionID, nil)
	assert.JSONEq(t, `{"exists":false}`, w.Body.String())
}

func TestUploadErrorsOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t, 4)

	w := doJSON(t, r, http.MethodPost, "/upload/init", gin.H{"fileName": "a.mp3", "fileSize": 1000})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = doJSON(t, r, http.MethodPost, "/upload/init", gin.H{"fileName": "a.txt", "fileSize": 4, "mimeType": "text/plain"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "UNSUPPORTED_MEDIA")

	w = postChunk(t, r, "missing", 0, []byte("aaaa"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/upload/init", gin.H{"fileName": "a.mp3", "fileSize": 8})
	require.Equal(t, http.StatusOK, w.Code)
	init := decode[InitResult](t, w)

	w = postChunk(t, r, init.SessionID, 0, []byte("aaaa"))
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/upload/finalize", gin.H{"uploadId": init.SessionID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INCOMPLETE_UPLOAD")

	w = doJSON(t, r, http.MethodPost, "/upload/finalize", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/upload/cancel", gin.H{"uploadId": init.SessionID})
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodPost, "/upload/cancel", gin.H{"uploadId": init.SessionID})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/upload/finalize", gin.H{"uploadId": init.SessionID})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, 4)
	w := doJSON(t, r, http.MethodGet, "/upload/config", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 4, body["chunkSize"])
	assert.EqualValues(t, 40, body["maxFileSize"])
	assert.Contains(t, body["allowedTypes"], "audio/mpeg")
}

func TestSimpleUploadOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t, 64)

	send := func(name string, data []byte) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := send("clip.mp3", payload(48))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "clip.mp3", decode[map[string]string](t, w)["fileName"])

	w = send("notes.txt", []byte(strings.Repeat("plain text ", 3)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send("big.mp3", payload(80))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
