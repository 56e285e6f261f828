package util

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SniffImage 按文件内容而不是请求头校验图片类型。
// 返回的 reader 仍包含已读取的头部字节。
func SniffImage(reader io.Reader) (io.Reader, string, error) {
	buffer := make([]byte, 512)
	n, err := io.ReadFull(reader, buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, "", err
	}

	mimeType := http.DetectContentType(buffer[:n])
	rest := io.MultiReader(bytes.NewReader(buffer[:n]), reader)
	if !IsImage(mimeType) {
		return rest, mimeType, fmt.Errorf("%w: detected content type %q", ErrInvalidIcon, mimeType)
	}
	return rest, mimeType, nil
}

func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, MimeImage)
}
