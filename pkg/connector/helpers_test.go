package connector

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// mockSSHServer accepts SSH connections and keeps them open until the test
// finishes. Enough to exercise the pool and connection lifecycle; command
// behavior is covered through the LocalConnector.
type mockSSHServer struct {
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

func newMockSSHServer(t *testing.T) (addr string, cleanup func()) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	signer, err := generateTestHostKey()
	if err != nil {
		listener.Close()
		t.Fatalf("generate host key: %v", err)
	}
	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	ms := &mockSSHServer{listener: listener, done: make(chan struct{})}
	ms.wg.Add(1)
	go ms.acceptLoop(config)

	return listener.Addr().String(), func() {
		close(ms.done)
		ms.listener.Close()
		ms.wg.Wait()
	}
}

func (ms *mockSSHServer) acceptLoop(config *ssh.ServerConfig) {
	defer ms.wg.Done()
	for {
		conn, err := ms.listener.Accept()
		if err != nil {
			return
		}
		ms.wg.Add(1)
		go ms.handleConnection(conn, config)
	}
}

func (ms *mockSSHServer) handleConnection(c net.Conn, config *ssh.ServerConfig) {
	defer ms.wg.Done()
	defer c.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(c, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	go func() {
		for newChannel := range chans {
			newChannel.Reject(ssh.UnknownChannelType, "not supported")
		}
	}()
	<-ms.done
}

func generateTestHostKey() (ssh.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return ssh.NewSignerFromKey(key)
}

// setTestDialer swaps the package dialer for the duration of a test.
func setTestDialer(t *testing.T, dial dialSSHFunc) {
	t.Helper()
	original := currentDialer
	currentDialer = dial
	t.Cleanup(func() { currentDialer = original })
}

// countingDialer connects to the mock server and counts how often a real
// dial happened, regardless of the host in the config.
func countingDialer(addr string, count *atomic.Int32) dialSSHFunc {
	return func(ctx context.Context, cfg ConnectionCfg, timeout time.Duration) (*ssh.Client, *ssh.Client, error) {
		count.Add(1)
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, nil, err
		}
		clientCfg := &ssh.ClientConfig{
			User:            cfg.User,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		}
		clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return ssh.NewClient(clientConn, chans, reqs), nil, nil
	}
}
