package upload

import (
	"mime"
	"strings"
)

// AllowedTypes はクライアントに案内する受付可能な MIME タイプです。
var AllowedTypes = []string{
	"audio/mpeg",
	"audio/wav",
	"audio/x-wav",
	"audio/flac",
	"audio/ogg",
	"audio/aac",
	"audio/mp4",
	"audio/x-m4a",
	"audio/webm",
	"audio/opus",
}

// IsAudioMIME は宣言された MIME タイプが音声かどうかを判定します。
func IsAudioMIME(value string) bool {
	return mediaFamily(value) == "audio"
}

// IsMediaMIME は内容から判定した MIME タイプが音声または動画かどうかを判定します。
// mp4/webm などのコンテナは音声のみでも video/* と判定されるため動画も許可します。
func IsMediaMIME(value string) bool {
	switch mediaFamily(value) {
	case "audio", "video":
		return true
	default:
		return false
	}
}

func mediaFamily(value string) string {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	family, _, _ := strings.Cut(mediaType, "/")
	return family
}
