// Package apierr はクライアントに返すエラーの分類と HTTP レスポンスへの変換を提供します。
package apierr

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// エラーコード一覧です。
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeUploadNotFound   = "UPLOAD_NOT_FOUND"
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodeIncompleteUpload = "INCOMPLETE_UPLOAD"
	CodeInternal         = "INTERNAL_ERROR"
	CodeRequestCanceled  = "REQUEST_CANCELED"
)

// Error はコードとユーザー向けメッセージを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

// 比較用のセンチネルです。errors.Is はコードで一致判定します。
var (
	ErrInvalidInput     = &Error{Code: CodeInvalidInput, Message: "入力内容が正しくありません。"}
	ErrUnsupportedMedia = &Error{Code: CodeUnsupportedMedia, Message: "音声ファイルのみアップロードできます。"}
	ErrPayloadTooLarge  = &Error{Code: CodePayloadTooLarge, Message: "ファイルサイズが上限を超えています。"}
	ErrSessionNotFound  = &Error{Code: CodeSessionNotFound, Message: "アップロードセッションが見つからないか、期限切れです。"}
	ErrUploadNotFound   = &Error{Code: CodeUploadNotFound, Message: "アップロードされたファイルが見つかりません。"}
	ErrJobNotFound      = &Error{Code: CodeJobNotFound, Message: "指定されたジョブは存在しません。"}
	ErrFileNotFound     = &Error{Code: CodeFileNotFound, Message: "ファイルが見つかりません。"}
	ErrIncompleteUpload = &Error{Code: CodeIncompleteUpload, Message: "すべてのチャンクが揃っていません。"}
)

// New は Error を作成します。
func New(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is はコードが一致する Error を同一とみなします。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Status はエラーに対応する HTTP ステータスを返します。
func Status(err error) int {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		switch apiErr.Code {
		case CodePayloadTooLarge:
			return http.StatusRequestEntityTooLarge
		case CodeSessionNotFound, CodeUploadNotFound, CodeJobNotFound, CodeFileNotFound:
			return http.StatusNotFound
		case CodeInternal:
			return http.StatusInternalServerError
		default:
			return http.StatusBadRequest
		}
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Respond はエラーを {"code","message"} 形式の JSON で返します。
func Respond(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr) && apiErr.Code != CodeInternal:
		c.JSON(Status(err), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    CodeRequestCanceled,
			"message": "リクエストがキャンセルされました。",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

// Invalid は INVALID_INPUT を指定メッセージで返します。
func Invalid(message string) *Error {
	return New(CodeInvalidInput, message, nil)
}
