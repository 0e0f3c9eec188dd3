package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParseRequest(t *testing.T) {
	req, ok := ParseRequest([]byte(`{"request":"join","id":"123456789","password":"abcABC123456"}`))
	if !ok {
		t.Fatal("expected a valid request")
	}
	if req.Request != VerbJoin || req.ID != "123456789" || req.Password != "abcABC123456" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestParseRequestRejectsNonRequests(t *testing.T) {
	cases := [][]byte{
		[]byte(``),
		[]byte(`IP10.0.0.127`),
		[]byte(`"just a string"`),
		[]byte(`[1,2,3]`),
		[]byte(`{"request":`),     // truncated
		[]byte(`{"id":"123"}`),    // object without verb
		[]byte("HEARTBEAT"),
	}
	for _, c := range cases {
		if _, ok := ParseRequest(c); ok {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestIsObject(t *testing.T) {
	if !IsObject([]byte(` {"request":"start"} `)) {
		t.Fatal("object with padding should be recognized")
	}
	if IsObject([]byte(`{"broken":`)) {
		t.Fatal("invalid JSON must not count as an object")
	}
	if IsObject([]byte(`candidate:1 1 UDP 2122252543`)) {
		t.Fatal("opaque payload must not count as an object")
	}
}

func TestIsHeartbeat(t *testing.T) {
	if !IsHeartbeat([]byte("HEARTBEAT")) {
		t.Fatal("exact token should match")
	}
	if IsHeartbeat([]byte(`{"request":"start"}`)) {
		t.Fatal("request frame is not a heartbeat")
	}
}

func TestErrorReasonLiterals(t *testing.T) {
	// These strings are matched verbatim by clients; a drift here is a
	// protocol break, not a cosmetic change.
	frame := Error(ReasonInvalidPassword).Encode()
	want := `{"response":"error","reason":"The password for this meeting is incorrect"}`
	if string(frame) != want {
		t.Fatalf("got %s, want %s", frame, want)
	}
}

func TestSuccessWaitingEncodesFlag(t *testing.T) {
	var got map[string]any
	if err := json.Unmarshal(SuccessWaiting(TypeConnected, false).Encode(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["response"] != "success" || got["type"] != "connected" {
		t.Fatalf("unexpected frame: %v", got)
	}
	if waiting, ok := got["waiting"].(bool); !ok || waiting {
		t.Fatalf("waiting=false must be present and false, got %v", got["waiting"])
	}
}

func TestTagDoesNotAliasPayload(t *testing.T) {
	payload := []byte("X")
	tagged := Tag(TagPeer, payload)
	if !bytes.Equal(tagged, []byte("CX")) {
		t.Fatalf("got %q, want CX", tagged)
	}
	tagged[1] = 'Y'
	if payload[0] != 'X' {
		t.Fatal("Tag must copy the payload")
	}
}
