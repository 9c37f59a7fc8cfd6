package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// RFC3261BranchMagicCookie prefixes every branch generated by an RFC
// 3261 compliant element.
const RFC3261BranchMagicCookie = "z9hG4bK"

var (
	siptracer SIPTracer
)

// SIPTracer receives a copy of every message crossing a socket when
// installed with SIPDebugTracer.
type SIPTracer interface {
	SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte)
	SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte)
}

func SIPDebugTracer(t SIPTracer) {
	siptracer = t
}

func logSIPRead(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceRead(transport, laddr, raddr, sipmsg)
		return
	}
	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s read from %s <- %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

func logSIPWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceWrite(transport, laddr, raddr, sipmsg)
		return
	}
	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s write to %s -> %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

// GenerateBranch returns a fresh unique branch token.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns the magic cookie followed by n random characters.
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	generateBranchStringWrite(sb, n)
	return sb.String()
}

func generateBranchStringWrite(sb *strings.Builder, n int) {
	sb.Grow(len(RFC3261BranchMagicCookie) + n)
	sb.WriteString(RFC3261BranchMagicCookie)
	RandStringBytesMask(sb, n)
}

// GenerateTagN returns a fresh n-character tag token.
func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}

// MakeDialogIDFromResponse computes the dialog ID of a response as seen
// by the UAC that sent the original request: local tag is From, remote
// tag is To. Errors when Call-ID or either tag is absent.
func MakeDialogIDFromResponse(msg *Response) (string, error) {
	callID, toTag, fromTag, err := dialogIDParts(msg)
	if err != nil {
		return "", err
	}
	return MakeDialogID(callID, fromTag, toTag), nil
}

// UASReadRequestDialogID computes the dialog ID of a request as seen by
// the UAS that received it: local tag is To, remote tag is From.
func UASReadRequestDialogID(req *Request) (string, error) {
	return MakeDialogIDFromMessage(req)
}

// MakeDialogIDFromMessage computes the dialog ID of any in-dialog message
// from the UAS perspective (local tag is To, remote tag is From). Once a
// dialog's own tags are fixed this works uniformly for ACK, BYE and
// other in-dialog requests.
func MakeDialogIDFromMessage(msg Message) (string, error) {
	callID, toTag, fromTag, err := dialogIDParts(msg)
	if err != nil {
		return "", err
	}
	return MakeDialogID(callID, toTag, fromTag), nil
}

func dialogIDParts(msg Message) (callID string, toTag string, fromTag string, err error) {
	cid := msg.CallID()
	if cid == nil {
		return "", "", "", fmt.Errorf("missing Call-ID header")
	}

	to := msg.To()
	if to == nil {
		return "", "", "", fmt.Errorf("missing To header")
	}
	toTag, ok := to.Params.Get("tag")
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in To header")
	}

	from := msg.From()
	if from == nil {
		return "", "", "", fmt.Errorf("missing From header")
	}
	fromTag, ok = from.Params.Get("tag")
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in From header")
	}

	return string(*cid), toTag, fromTag, nil
}

// MakeDialogID joins Call-ID and the two tags into the canonical dialog
// key. Both sides must agree on which tag counts as local to compute the
// same string.
func MakeDialogID(callID, localTag, remoteTag string) string {
	return callID + ";local=" + localTag + ";remote=" + remoteTag
}
