// Package device allocates operation ids: a fixed-width, lexicographically
// sortable string encoding of (device_id, per-device counter), plus the
// parenthesized encoding used for nested operations. Ids sort by device,
// then counter, so a user's ops replay in the order each device issued
// them.
package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/viewfinder/oppipeline/pkg/kvstore"
)

// SystemDeviceID is the device id used for server-originated operations,
// e.g. ops created by a background sweeper rather than a user's device.
const SystemDeviceID int64 = 0

const counterTable = "device_counters"

// idWidth is the zero-padded width of each numeric component. 19 digits
// comfortably covers the full range of a non-negative int64.
const idWidth = 19

// ConstructOperationID builds a sortable operation id from a device id and
// a per-device counter value. Ids with a smaller device id sort first;
// within the same device, smaller counters sort first.
func ConstructOperationID(deviceID, counter int64) string {
	return fmt.Sprintf("o%0*d:%0*d", idWidth, deviceID, idWidth, counter)
}

// DeconstructOperationID extracts the device id and counter encoded in id.
// It returns ok=false for a nested id (which has no device/counter of its
// own, only a wrapped parent id).
func DeconstructOperationID(id string) (deviceID, counter int64, ok bool) {
	if !strings.HasPrefix(id, "o") {
		return 0, 0, false
	}
	rest := id[1:]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	deviceID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	counter, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return deviceID, counter, true
}

// NestedOperationID wraps parentID in parentheses, producing an id that
// sorts strictly before parentID (ASCII '(' < 'o'). Wrapping the result
// again yields an id that sorts before this one in turn (since "((" < "(o").
func NestedOperationID(parentID string) string {
	return "(" + parentID + ")"
}

// IsNested reports whether id was produced by NestedOperationID.
func IsNested(id string) bool {
	return strings.HasPrefix(id, "(") && strings.HasSuffix(id, ")")
}

// NestedParentID returns the parent id a nested id wraps, or ok=false if id
// is not a nested id.
func NestedParentID(id string) (string, bool) {
	if !IsNested(id) {
		return "", false
	}
	return id[1 : len(id)-1], true
}

// VerifyOperationID checks that a client-supplied operation id is well
// formed and was minted for deviceID, so one device cannot forge ids on
// another device's behalf.
func VerifyOperationID(id string, deviceID int64) error {
	gotDevice, _, ok := DeconstructOperationID(id)
	if !ok {
		return fmt.Errorf("device: malformed operation id %q", id)
	}
	if gotDevice != deviceID {
		return fmt.Errorf("device: operation id %q was not allocated for device %d", id, deviceID)
	}
	return nil
}

const attrCounter = "counter"

// Allocator hands out per-device monotonic counters backed by a
// kvstore.Store, used to mint operation ids when a caller does not supply
// its own (system-originated ops, and the first op a device submits).
type Allocator struct {
	store kvstore.Store
}

// NewAllocator creates an Allocator backed by store.
func NewAllocator(store kvstore.Store) *Allocator {
	return &Allocator{store: store}
}

// maxCounterAttempts bounds the compare-and-swap retry loop, mirroring the
// lock package's MAX_UPDATE_ATTEMPTS pattern for the same reason: races
// between concurrent allocators on the same device should retry, not hang.
const maxCounterAttempts = 10

// AllocateCounter returns the next counter value for deviceID, starting
// at 1. It is safe for concurrent callers across processes.
func (a *Allocator) AllocateCounter(ctx context.Context, deviceID int64) (int64, error) {
	key := strconv.FormatInt(deviceID, 10)

	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		row := make(map[string]any)
		found, err := a.store.Get(ctx, counterTable, key, row)
		if err != nil {
			return 0, err
		}

		if !found {
			err := a.store.Put(ctx, counterTable, key, map[string]any{attrCounter: int64(1)},
				map[string]kvstore.ExpectedValue{attrCounter: {Absent: true}})
			if err == nil {
				return 1, nil
			}
			if kvstore.IsConditionFailed(err) {
				continue
			}
			return 0, err
		}

		current, ok := toInt64(row[attrCounter])
		if !ok {
			return 0, fmt.Errorf("device: corrupt counter row for device %d", deviceID)
		}
		next := current + 1
		err = a.store.Put(ctx, counterTable, key, map[string]any{attrCounter: next},
			map[string]kvstore.ExpectedValue{attrCounter: {Value: row[attrCounter]}})
		if err == nil {
			return next, nil
		}
		if kvstore.IsConditionFailed(err) {
			continue
		}
		return 0, err
	}
	return 0, fmt.Errorf("device: too many counter allocation conflicts for device %d", deviceID)
}

// AllocateSystemOperationID mints a new operation id from the system
// device's counter, for ops the server creates itself (e.g. a sweeper
// re-driving a method, or a caller that did not supply its own op id).
func (a *Allocator) AllocateSystemOperationID(ctx context.Context) (string, error) {
	counter, err := a.AllocateCounter(ctx, SystemDeviceID)
	if err != nil {
		return "", err
	}
	return ConstructOperationID(SystemDeviceID, counter), nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
