package sip

import (
	"strconv"
	"strings"
)

// parseContentLength parses the Content-Length byte count.
func parseContentLength(headerName string, headerText string) (Header, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	if err != nil {
		return nil, err
	}
	contentLength := ContentLengthHeader(value)
	return &contentLength, nil
}

// parseContentType keeps the media type verbatim, parameters included.
func parseContentType(headerName string, headerText string) (Header, error) {
	contentType := ContentTypeHeader(strings.TrimSpace(headerText))
	return &contentType, nil
}
