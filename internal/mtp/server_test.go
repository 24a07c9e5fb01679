package mtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"
)

func socketpairConn(t *testing.T) (serverFD int, peerConn net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	peerFile := os.NewFile(uintptr(fds[1]), "peer")
	peerConn, err = net.FileConn(peerFile)
	require.NoError(t, err)
	_ = peerFile.Close()

	return fds[0], peerConn
}

func TestServerConnFullExchange(t *testing.T) {
	cert, _ := generateTestCert(t)
	serverFD, peerConn := socketpairConn(t)
	defer peerConn.Close()

	serverTLSConf := &tls.Config{Certificates: []tls.Certificate{cert}}

	var receivedPacket []byte
	var mu sync.Mutex
	cb := ServerCallbacks{
		OnPacket: func(body []byte) {
			mu.Lock()
			receivedPacket = append([]byte(nil), body...)
			mu.Unlock()
		},
	}

	sc, err := NewServerConn(serverFD, serverTLSConf, "test-peer", false, cb, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		peerTLS := tls.Client(peerConn, &tls.Config{InsecureSkipVerify: true})
		if err := peerTLS.Handshake(); err != nil {
			done <- err
			return
		}
		if _, err := peerTLS.Write([]byte(EncodeGreeting("0.3"))); err != nil {
			done <- err
			return
		}
		buf := make([]byte, 64)
		n, err := peerTLS.Read(buf)
		if err != nil {
			done <- err
			return
		}
		if _, err := ParseGreeting(string(buf[:n])); err != nil {
			done <- err
			return
		}

		body := makeBody(0x55)
		frame, err := EncodeDataFrame(body, false)
		if err != nil {
			done <- err
			return
		}
		if _, err := peerTLS.Write(frame); err != nil {
			done <- err
			return
		}

		ack := make([]byte, AckLen)
		if _, err := readFull(peerTLS, ack); err != nil {
			done <- err
			return
		}
		accepted, digest, err := DecodeAck(ack)
		if err != nil {
			done <- err
			return
		}
		if !accepted || digest != Digest(body, suffixReceived) {
			done <- fmt.Errorf("unexpected ack: accepted=%v digest=%x", accepted, digest)
			return
		}
		done <- nil
	}()

	stop := make(chan struct{})
	driveDone := make(chan struct{})
	go func() {
		defer close(driveDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			st, _ := sc.Process(true, true, false, -1)
			if !st.Open {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("peer exchange never completed")
	}
	close(stop)
	<-driveDone

	mu.Lock()
	require.Len(t, receivedPacket, PacketLen)
	mu.Unlock()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestServerConnTryTimeoutClosesIdle(t *testing.T) {
	cert, _ := generateTestCert(t)
	serverFD, peerConn := socketpairConn(t)
	defer peerConn.Close()

	sc, err := NewServerConn(serverFD, &tls.Config{Certificates: []tls.Certificate{cert}}, "peer", false, ServerCallbacks{}, nil)
	require.NoError(t, err)

	sc.lastActivity = time.Now().Add(-time.Hour)
	sc.TryTimeout(time.Now())
	require.False(t, sc.GetStatus().Open)
}

func TestServerConnRejectPackets(t *testing.T) {
	cert, _ := generateTestCert(t)
	serverFD, peerConn := socketpairConn(t)
	defer peerConn.Close()

	sc, err := NewServerConn(serverFD, &tls.Config{Certificates: []tls.Certificate{cert}}, "peer", true, ServerCallbacks{}, nil)
	require.NoError(t, err)
	require.True(t, sc.rejectPackets)
}
