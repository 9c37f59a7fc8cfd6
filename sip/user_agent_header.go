package sip

import (
	"io"
	"strings"
)

// UserAgentHeader is the User-Agent product token.
type UserAgentHeader string

func (h *UserAgentHeader) Name() string { return "User-Agent" }

func (h *UserAgentHeader) Value() string {
	if h == nil {
		return ""
	}
	return string(*h)
}

func (h *UserAgentHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *UserAgentHeader) StringWrite(w io.StringWriter) {
	w.WriteString(h.Name())
	w.WriteString(": ")
	w.WriteString(h.Value())
}

func (h *UserAgentHeader) headerClone() Header { return h }
