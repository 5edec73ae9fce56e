package engine

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
)

const (
	testUser   = "someuser@example.com"
	testBearer = "ya29.vF9dft4qmTc2Nvb3RlckBhdHRhdmlzdGEuY29tCg"
)

// saslPeer writes the peer's SASL header followed by bodies as SASL
// frames and returns the connection error.
func saslPeer(t *testing.T, c *Conn, bodies ...frames.Body) error {
	t.Helper()
	if _, err := c.Write(protoHeader(frames.ProtoSASL)); err != nil {
		return err
	}
	for _, body := range bodies {
		if _, err := c.Write(frameBytes(t, frames.TypeSASL, 0, body)); err != nil {
			return err
		}
	}
	return nil
}

// Known good challenges and responses from the XOAUTH2 protocol description:
// https://developers.google.com/gmail/imap/xoauth2-protocol#the_sasl_xoauth2_mechanism

func TestSaslXOAUTH2InitialResponse(t *testing.T) {
	wantedRespBase64 := "dXNlcj1zb21ldXNlckBleGFtcGxlLmNvbQFhdXRoPUJlYXJlciB5YTI5LnZGOWRmdDRxbVRjMk52YjNSbGNrQmhkSFJoZG1semRHRXVZMjl0Q2cBAQ=="
	wantedResp, err := base64.StdEncoding.DecodeString(wantedRespBase64)
	if err != nil {
		t.Fatal(err)
	}

	gotResp, err := saslXOAUTH2InitialResponse(testUser, testBearer)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(wantedResp, gotResp) {
		t.Errorf("Initial response does not match expected:\n %s", cmp.Diff(gotResp, wantedResp))
	}
}

// RFC6749 defines the OAUTH2 as comprising VSCHAR elements (\x20-7E)
func TestSaslXOAUTH2InvalidBearer(t *testing.T) {
	tests := []struct {
		label   string
		illegal string
	}{
		{
			label:   "char outside range",
			illegal: "illegalChar\x00",
		},
		{
			label:   "empty bearer",
			illegal: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			_, err := saslXOAUTH2InitialResponse(testUser, tt.illegal)
			if err == nil {
				t.Errorf("Expected invalid bearer to be rejected")
			}
		})
	}
}

func TestSaslXOAUTH2InvalidUsername(t *testing.T) {
	_, err := saslXOAUTH2InitialResponse("illegalChar\x01Within", testBearer)
	if err == nil {
		t.Errorf("Expected invalid username to be rejected")
	}
}

func TestSaslXOAUTH2EmptyUsername(t *testing.T) {
	_, err := saslXOAUTH2InitialResponse("", testBearer)
	if err != nil {
		t.Errorf("Expected empty username to be accepted")
	}
}

func TestConnSASLPlainAuthSuccess(t *testing.T) {
	c := newTestConn(t, ConnSASLPlain("user", "secret"), ConnHostname("example.com"))
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	if got := c.Output(); !bytes.Equal(got, protoHeader(frames.ProtoSASL)) {
		t.Fatalf("expected SASL header, got %q", got)
	}

	err := saslPeer(t, c, &frames.SASLMechanisms{Mechanisms: []encoding.Symbol{"SCRAM-SHA-1", frames.SASLMechanismPLAIN}})
	if err != nil {
		t.Fatal(err)
	}
	init, ok := onlyFrame(t, c).Body.(*frames.SASLInit)
	if !ok {
		t.Fatal("expected sasl-init")
	}
	want := &frames.SASLInit{
		Mechanism:       frames.SASLMechanismPLAIN,
		InitialResponse: []byte("\x00user\x00secret"),
		Hostname:        "example.com",
	}
	if diff := cmp.Diff(want, init); diff != "" {
		t.Errorf("sasl-init mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.Write(frameBytes(t, frames.TypeSASL, 0, &frames.SASLOutcome{Code: frames.CodeSASLOK})); err != nil {
		t.Fatal(err)
	}

	// the AMQP header and Open follow a successful outcome
	out := outputFrames(t, c)
	if len(out) != 1 {
		t.Fatalf("expected Open, got %v", out)
	}
	if _, ok := out[0].Body.(*frames.Open); !ok {
		t.Fatalf("expected Open, got %v", out[0].Body)
	}

	if _, err := c.Write(protoHeader(frames.ProtoAMQP)); err != nil {
		t.Fatal(err)
	}
	peerWrite(t, c, 0, peerOpen)
	if st := c.State(); st != ConnOpened {
		t.Errorf("state = %s, want %s", st, ConnOpened)
	}
}

func TestConnSASLAnonymous(t *testing.T) {
	c := newTestConn(t, ConnSASLAnonymous())
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	c.Output()

	if err := saslPeer(t, c, &frames.SASLMechanisms{Mechanisms: []encoding.Symbol{frames.SASLMechanismANONYMOUS}}); err != nil {
		t.Fatal(err)
	}
	init := onlyFrame(t, c).Body.(*frames.SASLInit)
	if string(init.InitialResponse) != "anonymous" {
		t.Errorf("unexpected initial response %q", init.InitialResponse)
	}
}

func TestConnSASLNoSupportedMechanism(t *testing.T) {
	c := newTestConn(t, ConnSASLPlain("user", "secret"))
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}

	err := saslPeer(t, c, &frames.SASLMechanisms{Mechanisms: []encoding.Symbol{"GSSAPI"}})
	switch {
	case err == nil:
		t.Errorf("negotiation is expected to fail")
	case !strings.Contains(err.Error(), "no supported auth mechanism"):
		t.Errorf("unexpected connection failure : %s", err)
	}
}

func TestConnSASLAuthFail(t *testing.T) {
	tests := []struct {
		label string
		opt   ConnOption
		mech  encoding.Symbol
	}{
		{"plain", ConnSASLPlain("user", "wrong"), frames.SASLMechanismPLAIN},
		{"xoauth2", ConnSASLXOAUTH2(testUser, testBearer, 512), frames.SASLMechanismXOAUTH2},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			c := newTestConn(t, tt.opt)
			if err := c.Open(); err != nil {
				t.Fatal(err)
			}

			err := saslPeer(t, c,
				&frames.SASLMechanisms{Mechanisms: []encoding.Symbol{tt.mech}},
				&frames.SASLOutcome{Code: frames.CodeSASLAuth},
			)
			switch {
			case err == nil:
				t.Errorf("authentication is expected to fail ")
			case !strings.Contains(err.Error(), fmt.Sprintf("code %#00x", frames.CodeSASLAuth)):
				t.Errorf("unexpected connection failure : %s", err)
			}
			if c.Err() == nil {
				t.Error("expected the connection to be failed")
			}
		})
	}
}

func TestConnSASLXOAUTH2AuthFailWithErrorResponse(t *testing.T) {
	c := newTestConn(t, ConnSASLXOAUTH2(testUser, testBearer, 512))
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	c.Output()

	err := saslPeer(t, c,
		&frames.SASLMechanisms{Mechanisms: []encoding.Symbol{frames.SASLMechanismXOAUTH2}},
		&frames.SASLChallenge{Challenge: []byte("{ \"status\":\"401\", \"schemes\":\"bearer\", \"scope\":\"https://mail.google.com/\" }")},
	)
	if err != nil {
		t.Fatal(err)
	}

	out := outputFrames(t, c)
	if len(out) != 2 {
		t.Fatalf("expected sasl-init and sasl-response, got %v", out)
	}
	resp, ok := out[1].Body.(*frames.SASLResponse)
	if !ok || len(resp.Response) != 0 {
		t.Fatalf("expected empty sasl-response, got %v", out[1].Body)
	}

	_, err = c.Write(frameBytes(t, frames.TypeSASL, 0, &frames.SASLOutcome{Code: frames.CodeSASLAuth}))
	switch {
	case err == nil:
		t.Errorf("authentication is expected to fail ")
	case !strings.Contains(err.Error(), fmt.Sprintf("code %#00x", frames.CodeSASLAuth)):
		t.Errorf("unexpected connection failure : %s", err)
	}
}

func TestConnSASLXOAUTH2AuthFailsAdditionalErrorResponse(t *testing.T) {
	c := newTestConn(t, ConnSASLXOAUTH2(testUser, testBearer, 512))
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}

	err := saslPeer(t, c,
		&frames.SASLMechanisms{Mechanisms: []encoding.Symbol{frames.SASLMechanismXOAUTH2}},
		&frames.SASLChallenge{Challenge: []byte("fail1")},
		&frames.SASLChallenge{Challenge: []byte("fail2")},
	)
	switch {
	case err == nil:
		t.Errorf("authentication is expected to fail ")
	case !strings.Contains(err.Error(), "Initial error response: fail1, additional response: fail2"):
		t.Errorf("unexpected connection failure : %s", err)
	}
}

func TestConnSASLXOAUTH2FrameSize(t *testing.T) {
	bigChallenge := bytes.Repeat([]byte("x"), 1000)

	t.Run("default limit", func(t *testing.T) {
		c := newTestConn(t, ConnSASLPlain("user", "secret"))
		if err := c.Open(); err != nil {
			t.Fatal(err)
		}
		err := saslPeer(t, c,
			&frames.SASLMechanisms{Mechanisms: []encoding.Symbol{frames.SASLMechanismPLAIN}},
			&frames.SASLChallenge{Challenge: bigChallenge},
		)
		if err == nil {
			t.Fatal("expected oversized SASL frame to fail")
		}
	})

	t.Run("raised limit", func(t *testing.T) {
		c := newTestConn(t, ConnSASLXOAUTH2(testUser, testBearer, 2048))
		if err := c.Open(); err != nil {
			t.Fatal(err)
		}
		err := saslPeer(t, c,
			&frames.SASLMechanisms{Mechanisms: []encoding.Symbol{frames.SASLMechanismXOAUTH2}},
			&frames.SASLChallenge{Challenge: bigChallenge},
		)
		if err != nil {
			t.Fatal(err)
		}
	})
}

func TestConnSASLUnexpectedAMQPFrame(t *testing.T) {
	c := newTestConn(t, ConnSASLAnonymous())
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write(protoHeader(frames.ProtoSASL)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write(frameBytes(t, frames.TypeAMQP, 0, peerOpen)); err == nil {
		t.Error("expected AMQP frame during SASL negotiation to fail")
	}
}
