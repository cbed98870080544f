package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearby/cmd/internal/ranging"
	"nearby/cmd/internal/ranging/simengine"
	"nearby/cmd/internal/transport/memtransport"
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) add(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[key]++
}

func (o *countingObserver) get(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[key]
}

func (o *countingObserver) Admission(outcome string) { o.add("admission." + outcome) }
func (o *countingObserver) Exchange(event string) { o.add("exchange." + event) }
func (o *countingObserver) Engine(kind string) { o.add("engine." + kind) }
func (o *countingObserver) Distance(float64) { o.add("distance") }
func (o *countingObserver) Connected(bool) {}

func newDevice(t *testing.T, node *memtransport.Node, engine ranging.Engine, deviceID string, obs Observer) *Coordinator {
	t.Helper()
	c, err := New(Config{
		ServiceType:     testServiceType,
		ServiceIdentity: testIdentity,
		DeviceID:        deviceID,
		InviteTimeout:   time.Second,
	}, Options{Transport: node, Engine: engine, Observer: obs})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		node.Close()
	})
	return c
}

func isRanging(c *Coordinator) bool {
	st := c.CurrentState()
	return st.Distance != nil &&
		!st.ConnectionLost &&
		st.SessionState == ranging.StateActiveBound.String()
}

func TestTwoDevicesPairAndRecover(t *testing.T) {
	t.Parallel()

	fabric := memtransport.NewFabric(nil)
	na, nb := fabric.Join("Alice"), fabric.Join("Bob")
	ea := simengine.New(simengine.Options{UpdateEvery: 10 * time.Millisecond, Directional: true})
	eb := simengine.New(simengine.Options{UpdateEvery: 10 * time.Millisecond})
	obs := &countingObserver{}

	ca := newDevice(t, na, ea, "dev-alice", obs)
	cb := newDevice(t, nb, eb, "dev-bob", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ca.Start(ctx))
	require.NoError(t, cb.Start(ctx))

	require.Eventually(t, func() bool { return isRanging(ca) && isRanging(cb) }, 5*time.Second, 10*time.Millisecond)

	st := ca.CurrentState()
	assert.Equal(t, "Bob", st.PeerName)
	assert.Equal(t, "dev-bob", st.PeerDeviceID)
	assert.True(t, st.InvitationClosed)
	assert.True(t, st.DirectionAvailable)
	require.NotNil(t, st.DirectionAngle)
	assert.Contains(t, []float64{AngleLeft, AngleRight}, *st.DirectionAngle)
	assert.Equal(t, "Alice", cb.CurrentState().PeerName)

	// Alice's engine fails; both sides converge on her replacement token.
	old := ea.Latest()
	old.Fail("internal-error")
	require.Eventually(t, func() bool {
		h := ea.Latest()
		return h != old &&
			eb.Latest().PeerToken().Equal(h.LocalToken()) &&
			isRanging(ca) && isRanging(cb)
	}, 5*time.Second, 10*time.Millisecond)

	// The radio link drops; the devices rediscover each other and resume.
	fabric.Sever(na.ID(), nb.ID())
	require.Eventually(t, func() bool {
		return obs.get("admission.lost") >= 1 && isRanging(ca) && isRanging(cb)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestThirdDeviceCannotJoin(t *testing.T) {
	t.Parallel()

	fabric := memtransport.NewFabric(nil)
	na, nb, nc := fabric.Join("Alice"), fabric.Join("Bob"), fabric.Join("Carol")
	opts := simengine.Options{UpdateEvery: 10 * time.Millisecond}

	ca := newDevice(t, na, simengine.New(opts), "dev-alice", nil)
	cb := newDevice(t, nb, simengine.New(opts), "dev-bob", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ca.Start(ctx))
	require.NoError(t, cb.Start(ctx))
	require.Eventually(t, func() bool { return isRanging(ca) && isRanging(cb) }, 5*time.Second, 10*time.Millisecond)

	cc := newDevice(t, nc, simengine.New(opts), "dev-carol", nil)
	require.NoError(t, cc.Start(ctx))

	require.Never(t, func() bool {
		return len(na.ConnectedPeers()) > 1 || len(nb.ConnectedPeers()) > 1 || len(nc.ConnectedPeers()) > 0
	}, 300*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, "Bob", ca.CurrentState().PeerName)
	assert.Equal(t, "Alice", cb.CurrentState().PeerName)
}
