package ice

// PairState is the connectivity-check lifecycle of one CandidatePair
// (spec.md section 3).
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CandidatePair is a (local, remote) candidate combination under
// connectivity check, per spec.md section 3.
type CandidatePair struct {
	Local  *LocalCandidate
	Remote *RemoteCandidate

	Priority   uint64
	Foundation string
	State      PairState

	IsValid                bool
	IsNominated            bool
	IsTriggeredForNominated bool

	// forceNominate marks a pair regular nomination (spec.md section 4.8)
	// has selected and re-queued for a second check carrying USE-CANDIDATE,
	// independent of AggressiveNomination.
	forceNominate bool

	// binding is the in-flight check's cancel func, set only while
	// State == PairInProgress.
	binding func()
}

// key identifies a pair by the invariant spec.md section 3 requires pairs
// be unique under: (local.address, local.component-id, remote.address,
// remote.component-id).
func (p *CandidatePair) key() string {
	return p.Local.Address.Key() + "|" + itoa(p.Local.ComponentID) + "|" +
		p.Remote.Address.Key() + "|" + itoa(p.Remote.ComponentID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// PairPriority implements spec.md section 3:
// 2^32 * min(G,D) + 2 * max(G,D) + (G>D ? 1 : 0), where G is the
// controlling side's candidate priority and D the controlled side's.
func PairPriority(controllingPriority, controlledPriority uint32) uint64 {
	g, d := uint64(controllingPriority), uint64(controlledPriority)
	min, max := g, d
	if d < g {
		min, max = d, g
	}
	var tiebit uint64
	if g > d {
		tiebit = 1
	}
	return (1<<32)*min + 2*max + tiebit
}

// NewPair builds a CandidatePair between a local and remote candidate,
// with priority and foundation computed from the agent's role.
func NewPair(local *LocalCandidate, remote *RemoteCandidate, controlling bool) *CandidatePair {
	var controllingPriority, controlledPriority uint32
	if controlling {
		controllingPriority, controlledPriority = local.Priority, remote.Priority
	} else {
		controllingPriority, controlledPriority = remote.Priority, local.Priority
	}
	return &CandidatePair{
		Local:      local,
		Remote:     remote,
		Priority:   PairPriority(controllingPriority, controlledPriority),
		Foundation: local.Foundation + remote.Foundation,
		State:      PairFrozen,
	}
}
