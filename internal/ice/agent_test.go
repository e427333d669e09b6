package ice

import (
	"net/netip"
	"testing"
	"time"
)

func hostPair(t *testing.T) (*Agent, *Agent) {
	t.Helper()
	controllingCreds := NewCredentials()
	controlledCreds := NewCredentials()

	client := New(true, controllingCreds)
	gateway := New(false, controlledCreds)
	client.SetRemoteCredentials(controlledCreds)
	gateway.SetRemoteCredentials(controllingCreds)
	return client, gateway
}

func TestHostOnlyICEConnectsWithinHalfSecond(t *testing.T) {
	t.Parallel()

	client, gateway := hostPair(t)
	now := time.Now()

	clientAddr := netip.MustParseAddrPort("10.0.0.1:51820")
	gatewayAddr := netip.MustParseAddrPort("10.0.0.2:51820")

	client.AddLocalCandidate(Candidate{Kind: CandidateHost, Addr: clientAddr, Base: clientAddr})
	gateway.AddLocalCandidate(Candidate{Kind: CandidateHost, Addr: gatewayAddr, Base: gatewayAddr})

	// Exchange candidates at t=0.
	client.AddRemoteCandidate(Candidate{Kind: CandidateHost, Addr: gatewayAddr, Base: gatewayAddr}, now)
	gateway.AddRemoteCandidate(Candidate{Kind: CandidateHost, Addr: clientAddr, Base: clientAddr}, now)

	deadline := now.Add(500 * time.Millisecond)
	for step := now; step.Before(deadline); step = step.Add(10 * time.Millisecond) {
		client.HandleTimeout(step)
		gateway.HandleTimeout(step)

		for {
			tx, ok := client.PollTransmit()
			if !ok {
				break
			}
			accepted, resp := gateway.HandleStunMessage(clientAddr, tx.Payload, step)
			if accepted && resp != nil {
				client.HandleStunMessage(gatewayAddr, resp.Payload, step)
			}
		}
		for {
			tx, ok := gateway.PollTransmit()
			if !ok {
				break
			}
			accepted, resp := client.HandleStunMessage(gatewayAddr, tx.Payload, step)
			if accepted && resp != nil {
				gateway.HandleStunMessage(clientAddr, resp.Payload, step)
			}
		}

		if client.Connected() && gateway.Connected() {
			break
		}
	}

	if !client.Connected() {
		t.Fatal("expected controlling agent to reach Connected within 500ms")
	}
	if !gateway.Connected() {
		t.Fatal("expected controlled agent to reach Connected within 500ms via USE-CANDIDATE")
	}
	for {
		if _, ok := client.PollEvent(); !ok {
			break
		}
	}
}

func TestHandshakeTimeoutFiresAtTenSeconds(t *testing.T) {
	t.Parallel()

	client, _ := hostPair(t)
	now := time.Now()

	clientAddr := netip.MustParseAddrPort("10.0.0.1:51820")
	client.AddLocalCandidate(Candidate{Kind: CandidateHost, Addr: clientAddr, Base: clientAddr})
	// Remote candidate exchanged, but no responses ever arrive (blackholed).
	client.AddRemoteCandidate(Candidate{Kind: CandidateHost, Addr: netip.MustParseAddrPort("203.0.113.9:1"), Base: netip.MustParseAddrPort("203.0.113.9:1")}, now)

	client.HandleTimeout(now.Add(9 * time.Second))
	for {
		ev, ok := client.PollEvent()
		if !ok {
			break
		}
		if ev.Kind == EventConnectionFailed {
			t.Fatal("ConnectionFailed fired before the 10s deadline")
		}
	}

	client.HandleTimeout(now.Add(10*time.Second + time.Millisecond))
	var sawFailed bool
	for {
		ev, ok := client.PollEvent()
		if !ok {
			break
		}
		if ev.Kind == EventConnectionFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatal("expected ConnectionFailed at the 10s handshake deadline")
	}
}

func TestRestartAfterThreeConsecutiveFailures(t *testing.T) {
	t.Parallel()

	client, _ := hostPair(t)
	now := time.Now()
	origCreds := client.LocalCredentials()

	client.NotifyPairFailure(now)
	client.NotifyPairFailure(now)
	if client.LocalCredentials() != origCreds {
		t.Fatal("restart should not trigger before the third consecutive failure")
	}
	client.NotifyPairFailure(now)
	if client.LocalCredentials() == origCreds {
		t.Fatal("expected new ufrag/pwd after the third consecutive failure")
	}

	var sawRestart bool
	for {
		ev, ok := client.PollEvent()
		if !ok {
			break
		}
		if ev.Kind == EventRestarted {
			sawRestart = true
		}
	}
	if !sawRestart {
		t.Fatal("expected EventRestarted")
	}
}
