package sipcore

import (
	"testing"
	"time"

	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/siptest"
	"github.com/stretchr/testify/require"
)

// UAS happy path: INVITE gets 100/180/200 with the server Contact on
// every response, the ACK confirms, the BYE ends the dialog.
func TestDialogServerHappyPath(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)
	defer ua.Close()

	cli, err := NewClient(ua)
	require.Nil(t, err)

	contactHDR := sip.ContactHeader{
		Address: sip.Uri{User: "test", Host: "test.com"},
	}
	dialogSrv := NewDialogServerCache(cli, contactHDR)

	invite, callid, ftag := createTestInvite(t, "sip:test@test.com", "udp", "127.0.0.1:5060")
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5060}})

	tx := siptest.NewServerTxRecorder(invite)
	dtx, err := dialogSrv.ReadInvite(invite, tx)
	require.Nil(t, err)

	require.Nil(t, dtx.Respond(sip.StatusRinging, "Ringing", nil))
	require.Equal(t, sip.DialogStateEarly, dtx.LoadState())

	res200 := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	go func() {
		// the ACK arrives while WriteResponse retransmits the 2xx
		time.Sleep(20 * time.Millisecond)
		ack := newAckRequestUAC(invite, res200, nil)
		require.Nil(t, dialogSrv.ReadAck(ack, siptest.NewServerTxRecorder(ack)))
	}()
	require.Nil(t, dtx.WriteResponse(res200))
	require.Equal(t, sip.DialogStateConfirmed, dtx.LoadState())

	// 100 (auto), 180, then at least one 200
	resps := tx.Result()
	require.GreaterOrEqual(t, len(resps), 3)
	require.Equal(t, sip.StatusTrying, resps[0].StatusCode)
	require.Equal(t, sip.StatusRinging, resps[1].StatusCode)
	require.Equal(t, sip.StatusOK, resps[2].StatusCode)
	for _, r := range resps[1:] {
		chdr := r.Contact()
		require.NotNil(t, chdr)
		require.Equal(t, contactHDR.Address.String(), chdr.Address.String())
	}

	// the generated To tag is stable across responses
	toTag := resps[1].To().Params.GetOr("tag", "")
	require.NotEmpty(t, toTag)
	require.Equal(t, toTag, resps[2].To().Params.GetOr("tag", ""))

	// BYE in dialog gets 200 and ends it
	bye := createTestBye(t, "sip:test@test.com", "udp", "127.0.0.1:5060", callid, ftag, toTag)
	bye.CSeq().SeqNo = invite.CSeq().SeqNo + 1
	byeTx := siptest.NewServerTxRecorder(bye)
	require.Nil(t, dialogSrv.ReadBye(bye, byeTx))

	byeResps := byeTx.Result()
	require.Len(t, byeResps, 1)
	require.Equal(t, sip.StatusOK, byeResps[0].StatusCode)
	require.Equal(t, sip.DialogStateEnded, dtx.LoadState())
}

// A stray in-dialog BYE answers 481 Call/Transaction Does Not Exist.
func TestDialogServerStrayBye(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)
	defer ua.Close()

	cli, err := NewClient(ua)
	require.Nil(t, err)

	dialogSrv := NewDialogServerCache(cli, sip.ContactHeader{
		Address: sip.Uri{User: "test", Host: "test.com"},
	})

	bye := createTestBye(t, "sip:test@test.com", "udp", "127.0.0.1:5060", "nodialog@localhost", "ftag123", "totag456")
	tx := siptest.NewServerTxRecorder(bye)
	err = dialogSrv.ReadBye(bye, tx)
	require.Error(t, err)

	resps := tx.Result()
	require.Len(t, resps, 1)
	require.Equal(t, sip.StatusCallTransactionDoesNotExists, resps[0].StatusCode)
}

// Target refresh: a Contact on an in-dialog request replaces the remote
// target used for subsequent requests.
func TestDialogTargetRefresh(t *testing.T) {
	ua, err := NewUA()
	require.Nil(t, err)
	defer ua.Close()

	cli, err := NewClient(ua)
	require.Nil(t, err)

	dialogSrv := NewDialogServerCache(cli, sip.ContactHeader{
		Address: sip.Uri{User: "test", Host: "test.com"},
	})

	invite, _, _ := createTestInvite(t, "sip:test@test.com", "udp", "127.0.0.1:5060")
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "old.example.com"}})

	tx := siptest.NewServerTxRecorder(invite)
	dtx, err := dialogSrv.ReadInvite(invite, tx)
	require.Nil(t, err)
	require.Equal(t, "old.example.com", dtx.RemoteTarget().Host)

	refresh := invite.Clone()
	refresh.CSeq().SeqNo = invite.CSeq().SeqNo + 1
	refresh.RemoveHeader("Contact")
	refresh.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "new.example.com"}})

	require.Nil(t, dtx.ReadRequest(refresh, siptest.NewServerTxRecorder(refresh)))
	require.Equal(t, "new.example.com", dtx.RemoteTarget().Host)
}
