package device_test

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinder/oppipeline/pkg/device"
	"github.com/viewfinder/oppipeline/pkg/kvstore/memory"
)

func TestConstructDeconstructOperationID(t *testing.T) {
	id := device.ConstructOperationID(7, 42)
	deviceID, counter, ok := device.DeconstructOperationID(id)
	require.True(t, ok)
	assert.Equal(t, int64(7), deviceID)
	assert.Equal(t, int64(42), counter)
}

func TestOperationIDsSortByDeviceThenCounter(t *testing.T) {
	ids := []string{
		device.ConstructOperationID(2, 1),
		device.ConstructOperationID(1, 100),
		device.ConstructOperationID(1, 2),
		device.ConstructOperationID(1, 1),
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	expected := []string{
		device.ConstructOperationID(1, 1),
		device.ConstructOperationID(1, 2),
		device.ConstructOperationID(1, 100),
		device.ConstructOperationID(2, 1),
	}
	assert.Equal(t, expected, sorted)
}

func TestNestedIDSortsBeforeParent(t *testing.T) {
	parent := device.ConstructOperationID(1, 5)
	nested := device.NestedOperationID(parent)
	doubleNested := device.NestedOperationID(nested)

	ids := []string{parent, nested, doubleNested}
	sort.Strings(ids)
	assert.Equal(t, []string{doubleNested, nested, parent}, ids)

	got, ok := device.NestedParentID(nested)
	require.True(t, ok)
	assert.Equal(t, parent, got)

	assert.True(t, device.IsNested(nested))
	assert.False(t, device.IsNested(parent))
}

func TestVerifyOperationID(t *testing.T) {
	id := device.ConstructOperationID(3, 1)
	assert.NoError(t, device.VerifyOperationID(id, 3))
	assert.Error(t, device.VerifyOperationID(id, 4))
	assert.Error(t, device.VerifyOperationID("garbage", 3))
}

func TestAllocatorCounterIsMonotonicPerDevice(t *testing.T) {
	a := device.NewAllocator(memory.New())
	ctx := context.Background()

	c1, err := a.AllocateCounter(ctx, 5)
	require.NoError(t, err)
	c2, err := a.AllocateCounter(ctx, 5)
	require.NoError(t, err)
	c3, err := a.AllocateCounter(ctx, 6)
	require.NoError(t, err)

	assert.Equal(t, int64(1), c1)
	assert.Equal(t, int64(2), c2)
	assert.Equal(t, int64(1), c3, "a different device has its own counter sequence")
}

func TestAllocateSystemOperationID(t *testing.T) {
	a := device.NewAllocator(memory.New())
	ctx := context.Background()

	id, err := a.AllocateSystemOperationID(ctx)
	require.NoError(t, err)

	deviceID, counter, ok := device.DeconstructOperationID(id)
	require.True(t, ok)
	assert.Equal(t, device.SystemDeviceID, deviceID)
	assert.Equal(t, int64(1), counter)
}
