package virtio

import (
	"fmt"
	"math"
	"sync"
)

// Size is the virtio-mmio v2 register window every transport exposes,
// irrespective of device type.
const Size = 0x1000

// MMIO register offsets (virtio-mmio version 2), spec.md §6.
const (
	RegMagicValue       = 0x000
	RegVersion          = 0x004
	RegDeviceID         = 0x008
	RegVendorID         = 0x00c
	RegDeviceFeatures   = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures   = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel         = 0x030
	RegQueueNumMax      = 0x034
	RegQueueNum         = 0x038
	RegQueueReady       = 0x044
	RegQueueNotify      = 0x050
	RegInterruptStatus  = 0x060
	RegInterruptACK     = 0x064
	RegStatus           = 0x070
	RegQueueDescLow     = 0x080
	RegQueueDescHigh    = 0x084
	RegQueueDriverLow   = 0x090
	RegQueueDriverHigh  = 0x094
	RegQueueDeviceLow   = 0x0a0
	RegQueueDeviceHigh  = 0x0a4
	RegConfigGeneration = 0x0fc
	RegConfig           = 0x100
)

const (
	magicValue = 0x74726976 // "virt"
	version    = 2
	vendorID   = 0x52495343 // "RISC" — DuVisor's vendor id
)

// Interrupt status bits.
const (
	IntVRing  = 1 << 0
	IntConfig = 1 << 1
)

// Device status bits (virtio spec 2.1).
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusFailed      = 1 << 7
)

// Descriptor flags.
const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2
)

// DeviceModel is implemented by concrete virtio devices (block) to
// supply their identity, feature bits, and config space.
type DeviceModel interface {
	DeviceID() uint32
	DeviceFeatures(sel uint32) uint32
	ReadConfig(offset uint16, size int) uint64
	WriteConfig(offset uint16, size int, value uint64)
	// QueueCount returns how many virtqueues this device exposes.
	QueueCount() int
	// OnQueueReady is invoked once a virtqueue transitions to ready.
	OnQueueReady(idx int, q *VirtQueue)
	// OnDriverOK is invoked once the driver has finished initialization.
	OnDriverOK()
}

// Transport implements the virtio-mmio register interface (spec.md §4.7,
// §6) sitting in front of a DeviceModel and its VirtQueues.
type Transport struct {
	mu sync.Mutex

	model DeviceModel
	mem   GuestMemory

	queues  []*VirtQueue
	queueSel uint32

	deviceFeaturesSel uint32
	driverFeatures    [2]uint32
	driverFeaturesSel uint32

	status            uint32
	interruptStatus   uint32
	configGeneration  uint32

	descLow, descHigh     uint32
	driverLow, driverHigh uint32
	deviceLow, deviceHigh uint32
}

// NewTransport builds the MMIO register front-end for model, creating one
// VirtQueue per model.QueueCount() backed by mem.
func NewTransport(model DeviceModel, mem GuestMemory, maxQueueSize uint16) *Transport {
	t := &Transport{model: model, mem: mem}
	t.queues = make([]*VirtQueue, model.QueueCount())
	for i := range t.queues {
		t.queues[i] = NewVirtQueue(mem, maxQueueSize)
	}
	return t
}

// Size implements mmiobus.Device; DuVisor allocates one 4KiB page per
// virtio-mmio device (spec.md §6).
func (t *Transport) Size() uint64 { return Size }

func (t *Transport) currentQueue() *VirtQueue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return t.queues[t.queueSel]
}

// Read implements mmiobus.Device.
func (t *Transport) Read(offset uint64, size int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch offset {
	case RegMagicValue:
		return magicValue, nil
	case RegVersion:
		return version, nil
	case RegDeviceID:
		return uint64(t.model.DeviceID()), nil
	case RegVendorID:
		return vendorID, nil
	case RegDeviceFeatures:
		return uint64(t.model.DeviceFeatures(t.deviceFeaturesSel)), nil
	case RegQueueNumMax:
		q := t.currentQueue()
		if q == nil {
			return 0, nil
		}
		return uint64(q.MaxSize), nil
	case RegQueueReady:
		q := t.currentQueue()
		if q == nil {
			return 0, nil
		}
		if q.Ready {
			return 1, nil
		}
		return 0, nil
	case RegInterruptStatus:
		return uint64(t.interruptStatus), nil
	case RegStatus:
		return uint64(t.status), nil
	case RegConfigGeneration:
		return uint64(t.configGeneration), nil
	}

	if offset >= RegConfig {
		return t.model.ReadConfig(uint16(offset-RegConfig), size), nil
	}
	return 0, nil
}

// Write implements mmiobus.Device.
func (t *Transport) Write(offset uint64, size int, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch offset {
	case RegDeviceFeaturesSel:
		t.deviceFeaturesSel = uint32(value)
	case RegDriverFeatures:
		t.driverFeatures[t.driverFeaturesSel] = uint32(value)
	case RegDriverFeaturesSel:
		t.driverFeaturesSel = uint32(value)
	case RegQueueSel:
		t.queueSel = uint32(value)
	case RegQueueNum:
		if q := t.currentQueue(); q != nil {
			if err := q.SetSize(uint16(value)); err != nil {
				return fmt.Errorf("virtio: queue_num: %w", err)
			}
		}
	case RegQueueReady:
		if q := t.currentQueue(); q != nil {
			q.SetAddresses(
				uint64(t.descLow)|uint64(t.descHigh)<<32,
				uint64(t.driverLow)|uint64(t.driverHigh)<<32,
				uint64(t.deviceLow)|uint64(t.deviceHigh)<<32,
			)
			q.SetReady(value != 0)
			if value != 0 {
				t.model.OnQueueReady(int(t.queueSel), q)
			}
		}
	case RegQueueNotify:
		if int(value) < len(t.queues) {
			select {
			case t.queues[value].NotifyEvent <- struct{}{}:
			default:
			}
		}
	case RegInterruptACK:
		t.interruptStatus &^= uint32(value)
	case RegStatus:
		t.status = uint32(value)
		if t.status == 0 {
			t.reset()
		} else if t.status&StatusDriverOK != 0 {
			t.model.OnDriverOK()
		}
	case RegQueueDescLow:
		t.descLow = uint32(value)
	case RegQueueDescHigh:
		t.descHigh = uint32(value)
	case RegQueueDriverLow:
		t.driverLow = uint32(value)
	case RegQueueDriverHigh:
		t.driverHigh = uint32(value)
	case RegQueueDeviceLow:
		t.deviceLow = uint32(value)
	case RegQueueDeviceHigh:
		t.deviceHigh = uint32(value)
	default:
		if offset >= RegConfig {
			t.model.WriteConfig(uint16(offset-RegConfig), size, value)
		}
	}
	return nil
}

func (t *Transport) reset() {
	for _, q := range t.queues {
		q.Reset()
	}
	t.queueSel = 0
	t.deviceFeaturesSel = 0
	t.driverFeatures = [2]uint32{}
	t.driverFeaturesSel = 0
	t.interruptStatus = 0
}

// RaiseVRingInterrupt sets the used-buffer-notification bit; the caller is
// responsible for posting the associated PLIC edge IRQ.
func (t *Transport) RaiseVRingInterrupt() {
	t.mu.Lock()
	t.interruptStatus |= IntVRing
	t.mu.Unlock()
}

// RaiseConfigInterrupt sets the config-change-notification bit and bumps
// the config generation counter.
func (t *Transport) RaiseConfigInterrupt() {
	t.mu.Lock()
	t.interruptStatus |= IntConfig
	t.configGeneration++
	t.mu.Unlock()
}

// Queue returns the idx'th virtqueue.
func (t *Transport) Queue(idx int) *VirtQueue {
	return t.queues[idx]
}

// guestOffset validates that [addr, addr+length) fits within an int64 byte
// offset, the range io.ReaderAt/io.WriterAt operate on.
func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: address %#x exceeds int64 range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: range [%#x,+%#x) overflows int64 range", addr, length)
	}
	return int64(addr), nil
}
