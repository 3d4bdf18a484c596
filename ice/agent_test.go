package ice

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localAgent wraps an Agent plus the host candidates it has reported, for
// a two-agent loopback handshake test with no STUN/TURN server involved.
type localAgent struct {
	agent      *Agent
	mu         sync.Mutex
	candidates []*LocalCandidate
	ready      chan struct{}
}

func newLocalAgentPair(t *testing.T, aggressive bool) (*localAgent, *localAgent) {
	t.Helper()

	build := func() *localAgent {
		la := &localAgent{ready: make(chan struct{})}
		cfg := Config{
			ComponentCount:       1,
			LocalAddrs:           []net.IP{net.IPv4(127, 0, 0, 1)},
			UseLocal:             true,
			AggressiveNomination: aggressive,
		}
		events := Events{
			OnLocalCandidatesReady: func(candidates []*LocalCandidate) {
				la.mu.Lock()
				la.candidates = candidates
				la.mu.Unlock()
				close(la.ready)
			},
		}
		agent, err := NewAgent(cfg, events)
		require.NoError(t, err)
		la.agent = agent
		return la
	}

	return build(), build()
}

func (la *localAgent) hostCandidate(t *testing.T) CandidateInfo {
	t.Helper()
	select {
	case <-la.ready:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local candidates")
	}
	la.mu.Lock()
	defer la.mu.Unlock()
	require.NotEmpty(t, la.candidates)
	return la.candidates[0].CandidateInfo
}

func TestAgentPairNominatesHostCandidatesOverLoopback(t *testing.T) {
	controlling, controlled := newLocalAgentPair(t, true)

	readyComponents := make(chan int, 2)
	controlling.agent.events.OnComponentReady = func(componentID int) {
		readyComponents <- componentID
	}

	require.NoError(t, controlling.agent.Start(RoleControlling))
	require.NoError(t, controlled.agent.Start(RoleControlled))
	defer controlling.agent.Stop()
	defer controlled.agent.Stop()

	controllingUfrag, controllingPwd := controlling.agent.LocalCredentials()
	controlledUfrag, controlledPwd := controlled.agent.LocalCredentials()
	controlling.agent.SetRemoteCredentials(controlledUfrag, controlledPwd)
	controlled.agent.SetRemoteCredentials(controllingUfrag, controllingPwd)

	controllingHost := controlling.hostCandidate(t)
	controlledHost := controlled.hostCandidate(t)

	controlling.agent.AddRemoteCandidate(controlledHost)
	controlled.agent.AddRemoteCandidate(controllingHost)

	select {
	case componentID := <-readyComponents:
		assert.Equal(t, 1, componentID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for component ready")
	}
}

// TestAgentPairNominatesUnderRegularNomination covers the default
// (non-aggressive) nomination path: the controlling side must issue a
// second, USE-CANDIDATE-bearing check on a valid pair before either side
// considers the component ready, and Send must work once it does.
func TestAgentPairNominatesUnderRegularNomination(t *testing.T) {
	controlling, controlled := newLocalAgentPair(t, false)

	controllingReady := make(chan int, 2)
	controlledReady := make(chan int, 2)
	controlling.agent.events.OnComponentReady = func(componentID int) {
		controllingReady <- componentID
	}
	controlled.agent.events.OnComponentReady = func(componentID int) {
		controlledReady <- componentID
	}

	require.NoError(t, controlling.agent.Start(RoleControlling))
	require.NoError(t, controlled.agent.Start(RoleControlled))
	defer controlling.agent.Stop()
	defer controlled.agent.Stop()

	controllingUfrag, controllingPwd := controlling.agent.LocalCredentials()
	controlledUfrag, controlledPwd := controlled.agent.LocalCredentials()
	controlling.agent.SetRemoteCredentials(controlledUfrag, controlledPwd)
	controlled.agent.SetRemoteCredentials(controllingUfrag, controllingPwd)

	controllingHost := controlling.hostCandidate(t)
	controlledHost := controlled.hostCandidate(t)

	controlling.agent.AddRemoteCandidate(controlledHost)
	controlled.agent.AddRemoteCandidate(controllingHost)

	for _, ch := range []chan int{controllingReady, controlledReady} {
		select {
		case componentID := <-ch:
			assert.Equal(t, 1, componentID)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for component ready")
		}
	}

	assert.NoError(t, controlling.agent.Send(1, []byte("hello")))
}
