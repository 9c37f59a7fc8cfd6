package sipcore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sipcore/sipcore/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrationDialog(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Use TEST_INTEGRATION env value to run this test")
		return
	}

	agent, _ := NewUA()
	defer agent.Close()
	srv, _ := NewServer(agent)
	client, _ := NewClient(agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverContact := sip.ContactHeader{
		Address: sip.Uri{User: "test", Host: "127.0.0.200", Port: 5099},
	}

	uasDialogs := NewDialogServerCache(client, serverContact)
	// serverChallenge := digest.Challenge{
	// 	Username: "alice",
	// 	Password: "alice123",
	// }
	serverChallenge := digest.Challenge{
		Realm:     "sipcore-server",
		Nonce:     fmt.Sprintf("%d", time.Now().UnixMicro()),
		Opaque:    "sipcore",
		Algorithm: "MD5",
	}
	authOpts := digest.Options{
		Method:   "INVITE",
		URI:      serverContact.Address.Addr(),
		Username: "alice",
		Password: "1234",
	}

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dialog, err := uasDialogs.ReadInvite(req, tx)
		require.NoError(t, err)
		// defer dialog.Close()

		if err := dialog.authDigest(&serverChallenge, authOpts); err != nil {
			// TODO check what is error
			t.Log(err)
			return
		}

		err = dialog.Respond(sip.StatusTrying, "Trying", nil)
		require.NoError(t, err)

		err = dialog.Respond(sip.StatusRinging, "Ringing", nil)
		require.NoError(t, err)

		err = dialog.Respond(sip.StatusOK, "OK", nil)
		require.NoError(t, err)

		state := dialog.LoadState()
		if state == sip.DialogStateEnded {
			return
		}

		time.Sleep(1 * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dialog.Bye(ctx)

		// ctx, _ := context.WithTimeout(ctx, 3*time.Second)
		// for state := range dialog.StateRead() {
		// 	if state == sip.DialogStateEnded {
		// 		return
		// 	}

		// 	time.Sleep(1 * time.Second)
		// 	ctx, _ := context.WithTimeout(context.Background(), 5*time.Second)
		// 	dialog.Bye(ctx)
		// 	return
		// }
	})

	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		if req.Recipient.Addr() != serverContact.Address.Addr() {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Not valid SIP uri", nil))
			return
		}
		if err := uasDialogs.ReadAck(req, tx); err != nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil))
		}
	})

	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		if req.Recipient.Addr() != serverContact.Address.Addr() {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Not valid SIP uri", nil))
			return
		}

		if err := uasDialogs.ReadBye(req, tx); err != nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil))
		}
	})

	srv.ServeRequest(func(r *sip.Request) {
		t.Log("UAS server: ", r.StartLine())
	})

	startTestServer(ctx, srv, serverContact.Address.HostPort())

	// Client
	{
		agent, _ := NewUA()
		defer agent.Close()

		srv, _ := NewServer(agent)
		client, _ := NewClient(agent, WithClientConnectionAddr("127.0.0.200:0"))

		// Use for now empheral contact based on client connection
		contactHDR := sip.ContactHeader{}
		uacDialogs := NewDialogClientCache(client, contactHDR)

		// Setup server side
		srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
			err := uacDialogs.ReadBye(req, tx)
			require.NoError(t, err)
		})
		srv.ServeRequest(func(r *sip.Request) {
			t.Log("UAC server: ", r.StartLine())
		})

		t.Run("UAShangup", func(t *testing.T) {
			// INVITE
			t.Log("UAC: INVITE")
			call, err := uacDialogs.Invite(context.TODO(), serverContact.Address, nil)
			require.NoError(t, err)
			defer call.Close()

			err = call.WaitAnswer(ctx, AnswerOptions{
				Username: authOpts.Username,
				Password: authOpts.Password,
			})
			require.NoError(t, err)
			require.Equal(t, sip.StatusOK, call.InviteResponse.StatusCode)

			// ACK
			t.Log("UAC: ACK")
			err = call.Ack(context.TODO())
			require.NoError(t, err)

			<-call.inviteTx.Done()
		})

		t.Run("UAC hangup", func(t *testing.T) {
			// INVITE
			t.Log("UAC: INVITE")
			call, err := uacDialogs.Invite(context.TODO(), serverContact.Address, nil)
			require.NoError(t, err)
			defer call.Close()

			err = call.WaitAnswer(ctx, AnswerOptions{
				Username: authOpts.Username,
				Password: authOpts.Password,
			})
			require.NoError(t, err)
			require.Equal(t, sip.StatusOK, call.InviteResponse.StatusCode)

			// ACK
			t.Log("UAC: ACK")
			err = call.Ack(context.TODO())
			require.NoError(t, err)
			// BYE
			t.Log("UAC: BYE")
			err = call.Bye(context.TODO())
			require.NoError(t, err)

			<-call.inviteTx.Done()
		})

		require.Empty(t, uacDialogs.dialogsLen())
	}

}

func TestIntegrationDialogBrokenUAC(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Use TEST_INTEGRATION env value to run this test")
		return
	}

	agent, _ := NewUA()
	defer agent.Close()
	srv, _ := NewServer(agent)
	client, _ := NewClient(agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverContact := sip.ContactHeader{
		Address: sip.Uri{User: "test", Host: "127.0.0.201", Port: 5099},
	}

	uasDialogs := NewDialogServerCache(client, serverContact)

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dialog, err := uasDialogs.ReadInvite(req, tx)
		require.NoError(t, err)
		// defer dialog.Close()

		err = dialog.Respond(sip.StatusTrying, "Trying", nil)
		if err != nil {
			fmt.Println("Error OnInvite", err)
			return
		}
		err = dialog.Respond(sip.StatusRinging, "Ringing", nil)
		if err != nil {
			fmt.Println("Error OnInvite", err)
			return
		}
		err = dialog.Respond(sip.StatusOK, "OK", nil)
		if err != nil {
			fmt.Println("Error OnInvite", err)
			return
		}
		<-dialog.Context().Done()
	})

	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		uasDialogs.ReadAck(req, tx)
	})

	srv.ServeRequest(func(r *sip.Request) {
		t.Log("UAS server: ", r.StartLine())
	})

	startTestServer(ctx, srv, serverContact.Address.HostPort())

	// Client
	{
		agent, _ := NewUA()
		defer agent.Close()

		srv, _ := NewServer(agent)
		client, _ := NewClient(agent)

		contactHDR := sip.ContactHeader{
			Address: sip.Uri{User: "test", Host: "127.0.0.201", Port: 5088},
		}
		uacDialogs := NewDialogClientCache(client, contactHDR)

		// Setup server side
		srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
			err := uacDialogs.ReadBye(req, tx)
			require.NoError(t, err)
		})
		srv.ServeRequest(func(r *sip.Request) {
			t.Log("UAC server: ", r.StartLine())
		})

		startTestServer(ctx, srv, contactHDR.Address.HostPort())

		t.Run("UAS BYE Error", func(t *testing.T) {
			srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
				tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "", nil))
			})
			// INVITE
			t.Log("UAC: INVITE ", serverContact.Address.String())
			call, err := uacDialogs.Invite(context.TODO(), serverContact.Address, nil)
			require.NoError(t, err)
			defer call.Close()

			err = call.WaitAnswer(ctx, AnswerOptions{})
			require.NoError(t, err)
			require.Equal(t, sip.StatusOK, call.InviteResponse.StatusCode)

			// ACK
			t.Log("UAC: ACK")
			err = call.Ack(context.TODO())
			require.NoError(t, err)
			// BYE
			t.Log("UAC: BYE")
			err = call.Bye(context.TODO())
			require.Error(t, err)
			require.Empty(t, uacDialogs.dialogsLen())
		})

		t.Run("UAS ACK Error", func(t *testing.T) {
			// INVITE
			t.Log("UAC: INVITE ", serverContact.Address.String())
			call, err := uacDialogs.Invite(context.TODO(), serverContact.Address, nil)
			require.NoError(t, err)
			defer call.Close()

			err = call.WaitAnswer(ctx, AnswerOptions{})
			require.NoError(t, err)
			require.Equal(t, sip.StatusOK, call.InviteResponse.StatusCode)

			// ACK
			t.Log("UAC: ACK")
			call.InviteResponse.Contact().Address.Host = "nodestination.dst"
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
			defer cancel()
			err = call.Ack(ctx)
			require.Error(t, err)

			call.Close()
			require.Empty(t, uacDialogs.dialogsLen())
		})

	}

}

func TestIntegrationDialogCancel(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Use TEST_INTEGRATION env value to run this test")
		return
	}

	agent, _ := NewUA()
	defer agent.Close()
	srv, _ := NewServer(agent)
	client, _ := NewClient(agent)
	// sip.SetTimers(10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverContact := sip.ContactHeader{
		Address: sip.Uri{User: "test", Host: "127.0.0.200", Port: 5099},
	}

	uasDialogs := NewDialogServerCache(client, serverContact)
	wg := sync.WaitGroup{}
	wg.Add(1)
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		defer wg.Done()
		dialog, err := uasDialogs.ReadInvite(req, tx)
		require.NoError(t, err)

		err = dialog.Respond(sip.StatusTrying, "Trying", nil)
		require.NoError(t, err)

		err = dialog.Respond(sip.StatusRinging, "Ringing", nil)
		require.NoError(t, err)

		<-dialog.Context().Done()
	})

	srv.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		fmt.Println("Cancel received")
	})

	srv.ServeRequest(func(r *sip.Request) {
		fmt.Println("UAS server: ", r.StartLine())
	})

	startTestServer(ctx, srv, serverContact.Address.HostPort())

	// Client
	{
		agent, _ := NewUA()
		defer agent.Close()

		srv, _ := NewServer(agent)
		client, _ := NewClient(agent)

		contactHDR := sip.ContactHeader{
			Address: sip.Uri{User: "test", Host: "127.0.0.200", Port: 5088},
		}
		uacDialogs := NewDialogClientCache(client, contactHDR)

		srv.ServeRequest(func(r *sip.Request) {
			t.Log("UAC server: ", r.StartLine())
		})

		startTestServer(ctx, srv, contactHDR.Address.HostPort())

		// INVITE
		t.Log("UAC: INVITE")
		call, err := uacDialogs.Invite(context.TODO(), serverContact.Address, nil)
		require.NoError(t, err)
		defer call.Close()

		// Cancel a call
		ctx, cancel := context.WithCancel(call.Context())
		err = call.WaitAnswer(ctx, AnswerOptions{OnResponse: func(res *sip.Response) error {
			if res.StatusCode == sip.StatusRinging {
				cancel()
			}
			return nil
		}})
		require.ErrorIs(t, err, context.Canceled)
		assert.EqualValues(t, 487, call.InviteResponse.StatusCode)
	}

	wg.Wait()
}

func startTestServer(ctx context.Context, srv *Server, hostPort string) {
	srvReady := make(chan struct{})
	go srv.ListenAndServe(
		context.WithValue(ctx, ListenReadyCtxKey, ListenReadyCtxValue(srvReady)),
		"udp",
		hostPort,
	)
	// Wait server to be ready
	<-srvReady
	time.Sleep(500 * time.Millisecond) // just to avoid race with listeners on UDP
}
