package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// GuestMemory is the narrow slice of guest-physical address space access a
// virtqueue needs: byte-addressed reads and writes keyed by GPA, the same
// shape internal/gmem.Map exposes over its region table.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// descriptorSize is the wire size of one entry in the descriptor table
// (addr uint64, len uint32, flags uint16, next uint16).
const descriptorSize = 16

// Descriptor is one entry of a virtqueue's descriptor table (spec.md §3).
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

func (d Descriptor) hasNext() bool  { return d.Flags&virtqDescFNext != 0 }
func (d Descriptor) writable() bool { return d.Flags&virtqDescFWrite != 0 }

// Payload is one buffer in a resolved descriptor chain: a GPA range plus
// the direction the driver marked it with.
type Payload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// VirtQueue is one negotiated virtqueue: its three ring addresses, size,
// and the cursor state needed to walk the avail ring and append to the
// used ring (spec.md §3, §4.7).
type VirtQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Enabled       bool
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory

	// NotifyEvent is signalled once per QueueNotify MMIO write, the
	// transport's handoff to a device's worker goroutine.
	NotifyEvent chan struct{}
}

// NewVirtQueue constructs a queue bounded to maxSize descriptors, backed by
// mem for all ring and descriptor-table access.
func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{
		MaxSize:     maxSize,
		mem:         mem,
		NotifyEvent: make(chan struct{}, 1),
	}
}

// Reset drops negotiated addresses and cursor state, the effect of the
// driver clearing QueueReady (spec.md §4.7).
func (q *VirtQueue) Reset() {
	q.Size = 0
	q.Ready = false
	q.Enabled = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetAddresses records the three ring addresses the driver wrote across
// QueueDesc{Low,High}/QueueDriver{Low,High}/QueueDevice{Low,High}.
func (q *VirtQueue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

// SetSize negotiates the queue's descriptor-table length.
func (q *VirtQueue) SetSize(size uint16) error {
	if size == 0 {
		return fmt.Errorf("virtio: queue size cannot be zero")
	}
	if size > q.MaxSize {
		return fmt.Errorf("virtio: queue size %d exceeds max %d", size, q.MaxSize)
	}
	q.Size = size
	return nil
}

// SetReady marks the queue usable; clearing it resets all negotiated state
// back to the pre-negotiation defaults.
func (q *VirtQueue) SetReady(ready bool) {
	q.Ready = ready
	if !ready {
		q.Reset()
	}
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("virtio: queue has no guest memory attached")
	}
	return nil
}

// ReadDescriptor fetches descriptor idx from the descriptor table.
func (q *VirtQueue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var raw [descriptorSize]byte
	if err := q.read(q.DescTableAddr+uint64(idx)*descriptorSize, raw[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(raw[0:8]),
		Length: binary.LittleEndian.Uint32(raw[8:12]),
		Flags:  binary.LittleEndian.Uint16(raw[12:14]),
		Next:   binary.LittleEndian.Uint16(raw[14:16]),
	}, nil
}

// GetAvailableBuffer pops the next unconsumed entry off the avail ring, if
// any, returning its descriptor-chain head index.
func (q *VirtQueue) GetAvailableBuffer() (head uint16, hasBuffer bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	var idxField [2]byte
	if err := q.read(q.AvailRingAddr+2, idxField[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(idxField[:])
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringSlot := q.lastAvailIdx % q.Size
	var headField [2]byte
	if err := q.read(q.AvailRingAddr+4+uint64(ringSlot)*2, headField[:]); err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return binary.LittleEndian.Uint16(headField[:]), true, nil
}

// GetAvailableBuffers drains every currently-posted entry from the avail
// ring, returning their descriptor-chain heads in order.
func (q *VirtQueue) GetAvailableBuffers() ([]uint16, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	var heads []uint16
	for {
		head, ok, err := q.GetAvailableBuffer()
		if err != nil {
			return heads, err
		}
		if !ok {
			return heads, nil
		}
		heads = append(heads, head)
	}
}

// ReadDescriptorChain walks the descriptor chain rooted at head, stopping
// at the first descriptor with VIRTQ_DESC_F_NEXT clear. A chain is never
// followed past q.Size links, since a well-formed chain cannot be longer
// than the table itself (a malicious or corrupt chain could otherwise loop
// forever).
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]Payload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	payloads := make([]Payload, 0, 4)
	idx := head
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(idx)
		if err != nil {
			return payloads, err
		}
		payloads = append(payloads, Payload{Addr: desc.Addr, Length: desc.Length, IsWrite: desc.writable()})
		if !desc.hasNext() {
			break
		}
		idx = desc.Next
	}
	return payloads, nil
}

// PutUsedBuffer appends one entry to the used ring and bumps its index,
// the device's side of completing a request (spec.md §3).
func (q *VirtQueue) PutUsedBuffer(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	slot := q.usedIdx % q.Size
	entry := q.UsedRingAddr + 4 + uint64(slot)*8
	var raw [8]byte
	binary.LittleEndian.PutUint32(raw[0:4], uint32(head))
	binary.LittleEndian.PutUint32(raw[4:8], length)
	if err := q.write(entry, raw[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idxField [2]byte
	binary.LittleEndian.PutUint16(idxField[:], q.usedIdx)
	return q.write(q.UsedRingAddr+2, idxField[:])
}

const usedFNoNotify = 1

// PutUsedBufferWithFlags is PutUsedBuffer plus toggling the used ring's
// VIRTQ_USED_F_NO_NOTIFY flag, letting a device batch completions without
// an interrupt per request.
func (q *VirtQueue) PutUsedBufferWithFlags(head uint16, length uint32, suppressInterrupt bool) error {
	if err := q.PutUsedBuffer(head, length); err != nil {
		return err
	}

	var flagsField [2]byte
	if err := q.read(q.UsedRingAddr, flagsField[:]); err != nil {
		return err
	}
	flags := binary.LittleEndian.Uint16(flagsField[:])
	if suppressInterrupt {
		flags |= usedFNoNotify
	} else {
		flags &^= usedFNoNotify
	}
	binary.LittleEndian.PutUint16(flagsField[:], flags)
	return q.write(q.UsedRingAddr, flagsField[:])
}

// ReadGuest copies length bytes out of guest memory at addr.
func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest copies data into guest memory at addr.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.write(addr, data)
}

func (q *VirtQueue) read(addr uint64, buf []byte) error {
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read at %#x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

func (q *VirtQueue) write(addr uint64, data []byte) error {
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest write at %#x (want %d, got %d)", addr, len(data), n)
	}
	return nil
}
