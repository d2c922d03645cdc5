package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/errors"
)

// fakeService appends lifecycle calls to a shared journal
type fakeService struct {
	name        string
	journal     *[]string
	initErr     error
	shutdownErr error
	healthErr   error
	healthCalls int
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Initialize(ctx context.Context) error {
	*f.journal = append(*f.journal, "init:"+f.name)
	return f.initErr
}

func (f *fakeService) Shutdown(ctx context.Context) error {
	*f.journal = append(*f.journal, "stop:"+f.name)
	return f.shutdownErr
}

func (f *fakeService) HealthCheck(ctx context.Context) error {
	f.healthCalls++
	return f.healthErr
}

func newFake(name string, journal *[]string) *fakeService {
	return &fakeService{name: name, journal: journal}
}

func TestRegister_DuplicateName(t *testing.T) {
	var journal []string
	o := NewOrchestrator(zap.NewNop())

	require.NoError(t, o.Register(newFake("store", &journal)))
	err := o.Register(newFake("store", &journal))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyExists, errors.GetCode(err))
}

func TestInitializeAll_DependencyOrder(t *testing.T) {
	var journal []string
	o := NewOrchestrator(zap.NewNop())

	// registered out of dependency order on purpose
	require.NoError(t, o.Register(newFake("sync", &journal), "store", "connectivity"))
	require.NoError(t, o.Register(newFake("cache", &journal), "store", "connectivity"))
	require.NoError(t, o.Register(newFake("connectivity", &journal)))
	require.NoError(t, o.Register(newFake("store", &journal)))

	order, err := o.StartOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"store", "connectivity", "sync", "cache"}, order)

	require.NoError(t, o.InitializeAll(context.Background()))
	assert.Equal(t, []string{"init:store", "init:connectivity", "init:sync", "init:cache"}, journal)

	journal = nil
	require.NoError(t, o.ShutdownAll(context.Background()))
	assert.Equal(t, []string{"stop:cache", "stop:sync", "stop:connectivity", "stop:store"}, journal)
}

func TestInitializeAll_CycleIsFatalBeforeAnyStart(t *testing.T) {
	var journal []string
	o := NewOrchestrator(zap.NewNop())

	require.NoError(t, o.Register(newFake("standalone", &journal)))
	require.NoError(t, o.Register(newFake("a", &journal), "b"))
	require.NoError(t, o.Register(newFake("b", &journal), "c"))
	require.NoError(t, o.Register(newFake("c", &journal), "a"))

	err := o.InitializeAll(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCircularDependency))
	assert.Contains(t, err.Error(), "a b c a")
	assert.Empty(t, journal, "no service may start when the graph is invalid")
}

func TestInitializeAll_SelfDependency(t *testing.T) {
	var journal []string
	o := NewOrchestrator(zap.NewNop())
	require.NoError(t, o.Register(newFake("loop", &journal), "loop"))

	err := o.InitializeAll(context.Background())
	assert.True(t, stderrors.Is(err, errors.ErrCircularDependency))
}

func TestInitializeAll_MissingDependency(t *testing.T) {
	var journal []string
	o := NewOrchestrator(zap.NewNop())

	require.NoError(t, o.Register(newFake("store", &journal)))
	require.NoError(t, o.Register(newFake("sync", &journal), "store", "envelope"))

	err := o.InitializeAll(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrMissingDependency))
	assert.Contains(t, err.Error(), `"envelope"`)
	assert.Empty(t, journal)
}

func TestInitializeAll_StartFailureAborts(t *testing.T) {
	var journal []string
	o := NewOrchestrator(zap.NewNop())

	broken := newFake("connectivity", &journal)
	broken.initErr = fmt.Errorf("bind: address already in use")

	require.NoError(t, o.Register(newFake("store", &journal)))
	require.NoError(t, o.Register(broken, "store"))
	require.NoError(t, o.Register(newFake("sync", &journal), "connectivity"))

	err := o.InitializeAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeServiceInit, errors.GetCode(err))
	assert.Contains(t, err.Error(), "address already in use")
	assert.Equal(t, []string{"init:store", "init:connectivity"}, journal)

	journal = nil
	require.NoError(t, o.ShutdownAll(context.Background()))
	assert.Equal(t, []string{"stop:store"}, journal, "only started services are stopped")
}

func TestShutdownAll_BestEffort(t *testing.T) {
	var journal []string
	o := NewOrchestrator(zap.NewNop())

	store := newFake("store", &journal)
	sync := newFake("sync", &journal)
	sync.shutdownErr = fmt.Errorf("flush timed out")
	require.NoError(t, o.Register(store))
	require.NoError(t, o.Register(sync, "store"))
	require.NoError(t, o.InitializeAll(context.Background()))

	journal = nil
	err := o.ShutdownAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync: flush timed out")
	assert.Equal(t, []string{"stop:sync", "stop:store"}, journal)

	report := o.Report()
	require.Len(t, report, 2)
	assert.Equal(t, "flush timed out", report[1].ShutdownError)
	assert.True(t, report[1].Initialized, "a failed shutdown leaves the service running")
	assert.False(t, report[0].Initialized)
	assert.Empty(t, report[0].ShutdownError)

	// the failed service is still health-checked for real
	sync.healthErr = fmt.Errorf("writer stuck")
	results := o.HealthCheckAll(context.Background())
	assert.Equal(t, map[string]bool{"store": false, "sync": false}, results)
	assert.Equal(t, 1, sync.healthCalls)
	assert.Equal(t, "writer stuck", o.Report()[1].HealthError)

	// and a later shutdown retries only that service
	sync.shutdownErr = nil
	journal = nil
	require.NoError(t, o.ShutdownAll(context.Background()))
	assert.Equal(t, []string{"stop:sync"}, journal)
	assert.False(t, o.Report()[1].Initialized)
	assert.Empty(t, o.Report()[1].ShutdownError)
}

func TestHealthCheckAll(t *testing.T) {
	var journal []string
	o := NewOrchestrator(zap.NewNop())

	store := newFake("store", &journal)
	gossip := newFake("gossip", &journal)
	gossip.healthErr = fmt.Errorf("no members")
	require.NoError(t, o.Register(store))
	require.NoError(t, o.Register(gossip))

	results := o.HealthCheckAll(context.Background())
	assert.Equal(t, map[string]bool{"store": false, "gossip": false}, results)
	assert.Equal(t, 0, store.healthCalls, "uninitialized services are not checked")

	require.NoError(t, o.InitializeAll(context.Background()))
	results = o.HealthCheckAll(context.Background())
	assert.Equal(t, map[string]bool{"store": true, "gossip": false}, results)
	assert.Equal(t, 1, store.healthCalls)

	report := o.Report()
	assert.True(t, report[0].Healthy)
	assert.NotNil(t, report[0].StartedAt)
	assert.False(t, report[1].Healthy)
	assert.Equal(t, "no members", report[1].HealthError)
}
