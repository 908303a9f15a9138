package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// Block device type (DeviceID) and request constants (virtio-blk spec,
// mirrored in spec.md §4.7/§6).
const (
	DeviceIDBlock = 2
	sectorSize    = 512

	blkTypeIn          = 0
	blkTypeOut         = 1
	blkTypeFlush       = 4

	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2

	intStatusUsedRing = 1 << 0

	// BlockIRQLine is the edge-triggered PLIC source the block device
	// posts completions on (spec.md §4.7: "raise edge IRQ 10+2").
	BlockIRQLine = 10 + 2
)

// blockRequest is the parsed form of a three-descriptor virtio-blk chain
// (spec.md §3: head readable type+sector, middle data buffer, tail
// writable status byte).
type blockRequest struct {
	kind       int
	unsupported uint32
	sector     uint64
	dataGPA    uint64
	dataLen    uint32
	dataWrite  bool // descriptor direction of the data buffer
	statusGPA  uint64
	descHead   uint16
}

// BlockIRQPoster raises the edge-triggered PLIC line for a completed
// virtio-blk request batch.
type BlockIRQPoster interface {
	TriggerEdgeIRQ(irq uint32)
}

// BlockDevice is the virtio-blk device model: a DeviceModel plus the
// worker thread that drains the avail ring against a backing file.
type BlockDevice struct {
	file      *os.File
	sizeBytes uint64

	transport *Transport
	plic      BlockIRQPoster

	killFD  int
	log     *slog.Logger
}

// NewBlockDevice opens path (read-write) and reports its size truncated
// down to a sector boundary (spec.md §4.7: "sizes not multiple of sector
// size truncate").
func NewBlockDevice(path string, plic BlockIRQPoster, logger *slog.Logger) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio-blk: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("virtio-blk: stat %s: %w", path, err)
	}

	killFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("virtio-blk: eventfd: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &BlockDevice{
		file:      f,
		sizeBytes: uint64(info.Size()) / sectorSize * sectorSize,
		plic:      plic,
		killFD:    killFD,
		log:       logger.With("device", "virtio-blk", "path", path),
	}, nil
}

// AttachTransport wires the transport this device model answers register
// reads/writes through; it is needed to raise the used-ring interrupt.
func (b *BlockDevice) AttachTransport(t *Transport) { b.transport = t }

func (b *BlockDevice) DeviceID() uint32 { return DeviceIDBlock }

func (b *BlockDevice) DeviceFeatures(sel uint32) uint32 { return 0 }

func (b *BlockDevice) QueueCount() int { return 1 }

func (b *BlockDevice) ReadConfig(offset uint16, size int) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], b.sizeBytes/sectorSize)
	var v uint64
	for i := 0; i < size && int(offset)+i < len(buf); i++ {
		v |= uint64(buf[int(offset)+i]) << (8 * i)
	}
	return v
}

func (b *BlockDevice) WriteConfig(offset uint16, size int, value uint64) {}

func (b *BlockDevice) OnQueueReady(idx int, q *VirtQueue) {}

func (b *BlockDevice) OnDriverOK() {}

// Close stops the worker (if running) and closes the backing file.
func (b *BlockDevice) Close() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	unix.Write(b.killFD, one[:])
	return b.file.Close()
}

// Run is the per-device worker thread (spec.md §4.7): an epoll loop over
// the queue's notify eventfd and a kill eventfd, draining the avail ring
// on each wake-up.
func (b *BlockDevice) Run() error {
	q := b.transport.Queue(0)

	queueFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("virtio-blk: queue eventfd: %w", err)
	}
	defer unix.Close(queueFD)

	go func() {
		one := make([]byte, 8)
		binary.LittleEndian.PutUint64(one, 1)
		for range q.NotifyEvent {
			unix.Write(queueFD, one)
		}
	}()

	epFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("virtio-blk: epoll_create1: %w", err)
	}
	defer unix.Close(epFD)

	for _, fd := range []int{queueFD, b.killFD} {
		ev := unix.EpollEvent{Fd: int32(fd), Events: unix.EPOLLIN}
		if err := unix.EpollCtl(epFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("virtio-blk: epoll_ctl: %w", err)
		}
	}

	events := make([]unix.EpollEvent, 2)
	drain := make([]byte, 8)
	for {
		n, err := unix.EpollWait(epFD, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("virtio-blk: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case b.killFD:
				return nil
			case queueFD:
				unix.Read(queueFD, drain)
				b.drainQueue(q)
			}
		}
	}
}

func (b *BlockDevice) drainQueue(q *VirtQueue) {
	processed := false
	for {
		head, ok, err := q.GetAvailableBuffer()
		if err != nil {
			b.log.Error("get available buffer", "err", err)
			return
		}
		if !ok {
			break
		}
		processed = true
		b.handleRequest(q, head)
	}

	if processed {
		b.transport.RaiseVRingInterrupt()
		b.plic.TriggerEdgeIRQ(BlockIRQLine)
	}
}

func (b *BlockDevice) handleRequest(q *VirtQueue, head uint16) {
	req, err := parseBlockRequest(q, head)
	if err != nil {
		b.log.Warn("malformed descriptor chain", "err", err)
		q.PutUsedBuffer(head, 0)
		return
	}

	status, written := b.execute(q, req)

	if err := q.WriteGuest(req.statusGPA, []byte{status}); err != nil {
		b.log.Error("write status byte", "err", err)
	}
	if err := q.PutUsedBuffer(head, written); err != nil {
		b.log.Error("put used buffer", "err", err)
	}
}

// parseBlockRequest walks the three-descriptor chain and enforces the
// head-readable / status-writable / direction invariants from spec.md §3.
func parseBlockRequest(q *VirtQueue, head uint16) (blockRequest, error) {
	payloads, err := q.ReadDescriptorChain(head)
	if err != nil {
		return blockRequest{}, err
	}
	if len(payloads) != 3 {
		return blockRequest{}, fmt.Errorf("expected 3 descriptors, got %d", len(payloads))
	}

	hdrDesc, dataDesc, statusDesc := payloads[0], payloads[1], payloads[2]

	if hdrDesc.IsWrite {
		return blockRequest{}, fmt.Errorf("header descriptor must be readable")
	}
	if !statusDesc.IsWrite || statusDesc.Length < 1 {
		return blockRequest{}, fmt.Errorf("status descriptor must be writable with length >= 1")
	}

	hdr, err := q.ReadGuest(hdrDesc.Addr, 16)
	if err != nil {
		return blockRequest{}, err
	}
	typ := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	req := blockRequest{
		sector:    sector,
		dataGPA:   dataDesc.Addr,
		dataLen:   dataDesc.Length,
		dataWrite: dataDesc.IsWrite,
		statusGPA: statusDesc.Addr,
		descHead:  head,
	}

	switch typ {
	case blkTypeIn:
		req.kind = blkTypeIn
		if !dataDesc.IsWrite {
			return blockRequest{}, fmt.Errorf("IN request data buffer must be writable")
		}
	case blkTypeOut:
		req.kind = blkTypeOut
		if dataDesc.IsWrite {
			return blockRequest{}, fmt.Errorf("OUT request data buffer must be readable")
		}
	case blkTypeFlush:
		req.kind = blkTypeFlush
	default:
		req.kind = -1
		req.unsupported = typ
	}

	return req, nil
}

// execute runs one parsed request against the backing file and returns the
// status byte and the used-ring length to report.
func (b *BlockDevice) execute(q *VirtQueue, req blockRequest) (status byte, written uint32) {
	switch req.kind {
	case blkTypeIn:
		buf := make([]byte, req.dataLen)
		n, err := b.file.ReadAt(buf, int64(req.sector)*sectorSize)
		if err != nil && n == 0 {
			return statusIOErr, 1
		}
		if err := q.WriteGuest(req.dataGPA, buf[:n]); err != nil {
			return statusIOErr, 1
		}
		return statusOK, uint32(n)

	case blkTypeOut:
		buf, err := q.ReadGuest(req.dataGPA, req.dataLen)
		if err != nil {
			return statusIOErr, 1
		}
		if _, err := b.file.WriteAt(buf, int64(req.sector)*sectorSize); err != nil {
			return statusIOErr, 1
		}
		return statusOK, 1

	case blkTypeFlush:
		if err := b.file.Sync(); err != nil {
			return statusIOErr, 1
		}
		return statusOK, 1

	default:
		return statusUnsupp, 1
	}
}
