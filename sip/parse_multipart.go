package sip

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// BodyPart is one part of a multipart message body.
type BodyPart struct {
	Headers textproto.MIMEHeader
	Body    []byte
}

// ParseMultipartBody splits a multipart/* payload on its boundary and
// returns the parts in order, each with its own headers and body.
// contentType is the full Content-Type value carrying the boundary
// parameter.
func ParseMultipartBody(contentType string, body []byte) ([]BodyPart, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse content type failed: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("not a multipart content type: %s", mediaType)
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, fmt.Errorf("multipart content type carries no boundary")
	}

	var parts []BodyPart
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return parts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart body failed: %w", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("read multipart part failed: %w", err)
		}
		parts = append(parts, BodyPart{
			Headers: part.Header,
			Body:    data,
		})
	}
}

// MessageBodyParts splits msg's body when its Content-Type is
// multipart/*; for any other type it returns nil parts and no error.
func MessageBodyParts(msg Message) ([]BodyPart, error) {
	ct := msg.ContentType()
	if ct == nil {
		return nil, nil
	}
	if !strings.HasPrefix(strings.ToLower(ct.Value()), "multipart/") {
		return nil, nil
	}
	return ParseMultipartBody(ct.Value(), msg.Body())
}
