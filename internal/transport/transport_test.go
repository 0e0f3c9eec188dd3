package transport

import (
	"errors"
	"net"
	"testing"
	"time"
)

// acceptEventually polls Accept until a connection arrives or the deadline
// passes, mirroring how the engines' acceptor loops use it.
func acceptEventually(t *testing.T, ln *StreamListener) *StreamConn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, _, err := ln.Accept()
		if err == nil {
			return conn
		}
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("accept: %v", err)
		}
	}
	t.Fatal("no connection accepted in time")
	return nil
}

// recvEventually polls Recv until data arrives or the deadline passes.
func recvEventually(t *testing.T, conn *StreamConn, max int) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := conn.Recv(max)
		if err == nil {
			return data
		}
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("recv: %v", err)
		}
	}
	t.Fatal("no data received in time")
	return nil
}

func TestStreamRoundTrip(t *testing.T) {
	ln, err := ListenStream(0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	conn := acceptEventually(t, ln)
	defer conn.Close()

	// Nothing sent yet: a poll reports would-block, not an error.
	if _, err := conn.Recv(128); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on idle conn, got %v", err)
	}

	if _, err := client.Write([]byte(`{"request":"start"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	data := recvEventually(t, conn, 128)
	if string(data) != `{"request":"start"}` {
		t.Fatalf("got %q", data)
	}

	if err := conn.Send([]byte("HEARTBEAT")); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 32)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "HEARTBEAT" {
		t.Fatalf("client got %q", buf[:n])
	}
}

func TestStreamRecvReportsClose(t *testing.T) {
	ln, err := ListenStream(0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := acceptEventually(t, ln)
	defer conn.Close()

	client.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := conn.Recv(128)
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("unexpected recv error: %v", err)
		}
	}
	t.Fatal("close never observed")
}

func TestAcceptAfterCloseReportsClosed(t *testing.T) {
	ln, err := ListenStream(0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.Close()
	if _, _, err := ln.Accept(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	server, err := ListenDatagram(0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	client, err := net.Dial("udp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	var data []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d, from, err := server.Recv(1024)
		if err == nil {
			data = d
			if err := server.Send(from, []byte("pong")); err != nil {
				t.Fatalf("send: %v", err)
			}
			break
		}
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("recv: %v", err)
		}
	}
	if string(data) != "ping" {
		t.Fatalf("server got %q", data)
	}

	buf := make([]byte, 32)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("client got %q", buf[:n])
	}
}
