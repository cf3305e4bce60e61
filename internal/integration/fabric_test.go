// Package integration exercises full agents end-to-end over real
// transports.
package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/postalsys/aronia/internal/agent"
	"github.com/postalsys/aronia/internal/config"
	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/node"
	"github.com/postalsys/aronia/internal/peer"
)

// freePort grabs an ephemeral TCP port for a listener config.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func agentConfig(t *testing.T, topic string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Agent.KeyFile = filepath.Join(dir, "node.key")
	cfg.Agent.LogLevel = "error"
	cfg.Topic = topic
	cfg.Control.Enabled = false
	return cfg
}

// startFabricPair brings up a listening agent and a dialing agent that
// whitelist each other on the same topic.
func startFabricPair(t *testing.T, topic string) (*agent.Agent, *agent.Agent) {
	t.Helper()

	listenAddr := freePort(t)

	cfgA := agentConfig(t, topic)
	cfgA.Swarm.Listeners = []config.EndpointConfig{{Transport: "tcp", Address: listenAddr}}

	cfgB := agentConfig(t, topic)
	cfgB.Swarm.Bootstrap = []config.EndpointConfig{{Transport: "tcp", Address: listenAddr}}

	// Each side needs the other's pubkey in its whitelist before the
	// first connection, so pre-generate both identities.
	kpA, _, err := identity.LoadOrCreate(cfgA.Agent.KeyFile)
	if err != nil {
		t.Fatalf("identity A: %v", err)
	}
	kpB, _, err := identity.LoadOrCreate(cfgB.Agent.KeyFile)
	if err != nil {
		t.Fatalf("identity B: %v", err)
	}
	cfgA.Trust.Whitelist = []string{kpB.Public.String()}
	cfgB.Trust.Whitelist = []string{kpA.Public.String()}

	a, err := agent.New(cfgA)
	if err != nil {
		t.Fatalf("agent A: %v", err)
	}
	b, err := agent.New(cfgB)
	if err != nil {
		t.Fatalf("agent B: %v", err)
	}

	if err := a.Start(); err != nil {
		t.Fatalf("start A: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	if err := b.Start(); err != nil {
		t.Fatalf("start B: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	waitForPeer(t, a.Node(), b.PublicKey())
	waitForPeer(t, b.Node(), a.PublicKey())

	return a, b
}

func waitForPeer(t *testing.T, n *node.Node, pub identity.PublicKey) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		for _, info := range n.Peers() {
			if info.Pubkey.Equal(pub) && info.Online {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("peer %s never connected", pub.ShortString())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestFabricConvergesWithinDeadline(t *testing.T) {
	start := time.Now()
	a, b := startFabricPair(t, "converge")

	// Both ends see each other, well inside the 10 s rendezvous bound.
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("convergence took %v", elapsed)
	}

	for _, info := range a.Node().Peers() {
		if !info.Pubkey.Equal(b.PublicKey()) {
			t.Errorf("unexpected peer %s", info.Pubkey.ShortString())
		}
	}
}

func TestFabricRPCEndToEnd(t *testing.T) {
	a, b := startFabricPair(t, "rpc")

	b.Node().RegisterMethod("echo", func(_ identity.PublicKey, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})

	result, err := a.Node().Request(b.PublicKey(), "echo", json.RawMessage(`{"n":7}`), 5*time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(result) != `{"n":7}` {
		t.Errorf("result = %s", result)
	}

	// Built-in ping also answers over the wire.
	if _, err := a.Node().Request(b.PublicKey(), "ping", nil, 5*time.Second); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestFabricEventsCross(t *testing.T) {
	a, b := startFabricPair(t, "events")

	if err := a.Node().Send(b.PublicKey(), json.RawMessage(`{"greeting":"hello"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-b.Node().Events():
			if ev.Type == node.EventMessage {
				if string(ev.Payload) != `{"greeting":"hello"}` {
					t.Errorf("payload = %s", ev.Payload)
				}
				return
			}
		case <-deadline:
			t.Fatal("event never crossed the fabric")
		}
	}
}

func TestFabricPeerShutdownFailsRequests(t *testing.T) {
	a, b := startFabricPair(t, "shutdown")

	release := make(chan struct{})
	b.Node().RegisterMethod("hang", func(_ identity.PublicKey, _ json.RawMessage) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	defer close(release)

	errc := make(chan error, 1)
	go func() {
		_, err := a.Node().Request(b.PublicKey(), "hang", nil, time.Minute)
		errc <- err
	}()
	time.Sleep(200 * time.Millisecond)

	b.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, peer.ErrPeerOffline) {
			t.Errorf("error = %v, want %v", err, peer.ErrPeerOffline)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("request never failed after peer shutdown")
	}
}

func TestFabricManyRequestsInterleave(t *testing.T) {
	a, b := startFabricPair(t, "interleave")

	b.Node().RegisterMethod("double", func(_ identity.PublicKey, params json.RawMessage) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(params, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * 2)
	})

	const calls = 20
	errc := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func(n int) {
			result, err := a.Node().Request(b.PublicKey(), "double", json.RawMessage(fmt.Sprintf("%d", n)), 10*time.Second)
			if err != nil {
				errc <- err
				return
			}
			var got int
			if err := json.Unmarshal(result, &got); err != nil {
				errc <- err
				return
			}
			if got != n*2 {
				errc <- fmt.Errorf("double(%d) = %d", n, got)
				return
			}
			errc <- nil
		}(i)
	}

	for i := 0; i < calls; i++ {
		if err := <-errc; err != nil {
			t.Errorf("call failed: %v", err)
		}
	}
}
