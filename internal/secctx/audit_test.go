package secctx

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestAuditTrail_TrimByAgeThenCount(t *testing.T) {
	a := newAuditTrail(2, time.Hour)
	for i, offset := range []time.Duration{0, 10 * time.Minute, 50 * time.Minute, 55 * time.Minute, 58 * time.Minute} {
		a.append(at(testEpoch.Add(offset)), AuditEntry{
			EventType: EventContextCreated,
			ContextID: string(rune('a' + i)),
		})
	}

	// At +65m only the first entry is past maxAge; the count limit drops two more.
	assert.Equal(t, 3, a.trim(testEpoch.Add(65*time.Minute)))

	got := a.query(AuditFilter{})
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].ContextID)
	assert.Equal(t, "e", got[1].ContextID)
	assert.Equal(t, 0, a.trim(testEpoch.Add(65*time.Minute)))
}

func TestAuditTrail_Query(t *testing.T) {
	a := newAuditTrail(0, time.Hour)
	a.append(at(testEpoch), AuditEntry{EventType: EventContextCreated, ContextID: "c1"})
	a.append(at(testEpoch.Add(time.Minute)), AuditEntry{EventType: EventSecurityViolation, ContextID: "c1",
		Details: map[string]string{"type": "ACCESS_DENIED"}})
	a.append(at(testEpoch.Add(2*time.Minute)), AuditEntry{EventType: EventContextCreated, ContextID: "c2"})

	assert.Len(t, a.query(AuditFilter{ContextID: "c1"}), 2)
	assert.Len(t, a.query(AuditFilter{EventType: EventContextCreated}), 2)
	assert.Len(t, a.query(AuditFilter{Since: testEpoch.Add(time.Minute)}), 2)
	assert.Len(t, a.query(AuditFilter{Limit: 1}), 1)

	got := a.query(AuditFilter{EventType: EventSecurityViolation})
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	got[0].Details["type"] = "changed"
	assert.Equal(t, "ACCESS_DENIED", a.query(AuditFilter{EventType: EventSecurityViolation})[0].Details["type"])
}

func TestAuditTrail_ConcurrentAppendsStayOrdered(t *testing.T) {
	a := newAuditTrail(0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.append(time.Now, AuditEntry{EventType: EventContextCreated, ContextID: "c"})
		}()
	}
	wg.Wait()

	got := a.query(AuditFilter{})
	require.Len(t, got, 64)
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Timestamp.Before(got[j].Timestamp) }))
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].ID < got[j].ID }))
}

func TestParseSecurityLevel(t *testing.T) {
	l, err := ParseSecurityLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelInternal, l)

	l, err = ParseSecurityLevel("secret")
	require.NoError(t, err)
	assert.True(t, l.AtLeast(LevelConfidential))
	assert.False(t, LevelPublic.AtLeast(LevelInternal))

	_, err = ParseSecurityLevel("classified")
	assert.Error(t, err)
}

func TestNetworkPredicate(t *testing.T) {
	known, err := NetworkPredicate(DefaultKnownNetworks)
	require.NoError(t, err)

	assert.True(t, known("192.168.1.10"))
	assert.True(t, known("::1"))
	assert.False(t, known("8.8.8.8"))
	assert.False(t, known(""))
	assert.False(t, known("not-an-ip"))

	_, err = NetworkPredicate([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}
