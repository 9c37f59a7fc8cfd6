package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// parseCSeq parses the CSeq header: sequence number, one run of
// whitespace, method token.
func parseCSeq(headerName string, headerText string) (Header, error) {
	ind := strings.IndexAny(headerText, abnfWs)
	if ind < 1 || len(headerText)-ind < 2 {
		return nil, fmt.Errorf(
			"CSeq field should have precisely one whitespace section: '%s'",
			headerText,
		)
	}

	seqno, err := strconv.ParseUint(headerText[:ind], 10, 32)
	if err != nil {
		return nil, err
	}
	if seqno > maxCseq {
		return nil, fmt.Errorf("invalid CSeq %d: exceeds maximum permitted value 2**31 - 1", seqno)
	}

	return &CSeqHeader{
		SeqNo:      uint32(seqno),
		MethodName: RequestMethod(headerText[ind+1:]),
	}, nil
}

// parseMaxForwards parses the Max-Forwards hop counter.
func parseMaxForwards(headerName string, headerText string) (Header, error) {
	val, err := strconv.ParseUint(headerText, 10, 32)
	if err != nil {
		return nil, err
	}
	maxfwd := MaxForwardsHeader(val)
	return &maxfwd, nil
}
