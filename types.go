package aqlqueue

import "unsafe"

// AQL packet slot size. The hardware command processor consumes packets in
// fixed 64-byte slots.
const PacketBytes = 64

const packetDwords = PacketBytes / 4

// AQL packet types, encoded in the low byte of the packet header.
const (
	PacketTypeVendorSpecific uint16 = 0
	PacketTypeInvalid        uint16 = 1
	PacketTypeKernelDispatch uint16 = 2
	PacketTypeBarrierAnd     uint16 = 3
	PacketTypeAgentDispatch  uint16 = 4
	PacketTypeBarrierOr      uint16 = 5
)

// Packet header bit fields.
const (
	packetHeaderType                = 0
	packetHeaderScReleaseFenceScope = 11

	packetHeaderWidthScReleaseFenceScope = 2

	fenceScopeSystem uint16 = 2
)

// KernelDispatchPacket is the wire layout of an AQL kernel dispatch slot.
// The queue engine inspects only the dimensions and the per-thread scratch
// request when recovering from scratch faults.
type KernelDispatchPacket struct {
	Header             uint16
	Setup              uint16
	WorkgroupSizeX     uint16
	WorkgroupSizeY     uint16
	WorkgroupSizeZ     uint16
	Reserved0          uint16
	GridSizeX          uint32
	GridSizeY          uint32
	GridSizeZ          uint32
	PrivateSegmentSize uint32
	GroupSegmentSize   uint32
	KernelObject       uint64
	KernargAddress     uint64
	Reserved2          uint64
	CompletionSignal   uint64
}

// Type extracts the packet type from the header.
func (p *KernelDispatchPacket) Type() uint16 {
	return (p.Header >> packetHeaderType) & 0xFF
}

// Valid reports whether the slot holds consumable work.
func (p *KernelDispatchPacket) Valid() bool {
	t := p.Type()
	return t != PacketTypeInvalid && t <= PacketTypeBarrierOr
}

func packetAt(base uintptr, slot uint64) *KernelDispatchPacket {
	return (*KernelDispatchPacket)(unsafe.Pointer(base + uintptr(slot)*PacketBytes))
}

// Queue kinds and features exposed in the hardware queue descriptor.
const (
	queueTypeMulti       uint32 = 0
	queueTypeCooperative uint32 = 3

	queueFeatureKernelDispatch uint32 = 1
)

// Doorbell wire formats.
type DoorbellKind uint32

const (
	// DoorbellLegacyWrapped expects the packet index wrapped into the
	// (possibly doubled) ring window and converted to a dword count.
	DoorbellLegacyWrapped DoorbellKind = 0
	// DoorbellLegacyRaw expects the raw monotonic packet index.
	DoorbellLegacyRaw DoorbellKind = 1
	// DoorbellNativeAQL consumes true 64-bit AQL write-index semantics.
	DoorbellNativeAQL DoorbellKind = 2
)

// Queue-properties bitfield, read by the device.
const (
	queuePropertiesIsPtr64        uint32 = 1 << 0
	queuePropertiesUseScratchOnce uint32 = 1 << 1
)

// QueueDescriptor is the memory layout the device reads directly. The driver
// receives pointers into this structure at queue attach and the hardware
// consumer advances ReadDispatchID on its own; software never writes it.
//
// Field order keeps every 64-bit atomic 8-byte aligned.
type QueueDescriptor struct {
	Type        uint32
	Features    uint32
	BaseAddress uint64
	Size        uint32
	Reserved0   uint32
	ID          uint64

	WriteDispatchID uint64

	GroupSegmentApertureBaseHi   uint32
	PrivateSegmentApertureBaseHi uint32
	MaxCUID                      uint32
	MaxWaveID                    uint32

	MaxLegacyDoorbellDispatchIDPlus1 uint64
	LegacyDoorbellLock               uint32

	ReadDispatchIDFieldBaseByteOffset uint32

	ReadDispatchID uint64

	ComputeTmpringSize           uint32
	ScratchResourceDescriptor    [4]uint32
	Reserved1                    uint32
	ScratchBackingMemoryLocation uint64
	ScratchBackingMemoryByteSize uint64
	ScratchWave64LaneByteSize    uint32
	QueueProperties              uint32
}

// Scratch resource descriptor field encodings.
//
// Word 3 differs by hardware generation: GFX10 replaced the num/data format
// pair with a unified format field and added the resource-level bit.
const (
	sqSelX uint32 = 4
	sqSelY uint32 = 5
	sqSelZ uint32 = 6
	sqSelW uint32 = 7

	bufNumFormatUint uint32 = 4
	bufDataFormat32  uint32 = 4
	bufFormat32Uint  uint32 = 20

	sqRsrcBuf uint32 = 0
)

func srdWord1(baseHi, stride uint32, cacheSwizzle, swizzleEnable bool) uint32 {
	w := (baseHi & 0xFFFF) | ((stride & 0x3FFF) << 16)
	if cacheSwizzle {
		w |= 1 << 30
	}
	if swizzleEnable {
		w |= 1 << 31
	}
	return w
}

func srdWord3Legacy(atc bool) uint32 {
	w := sqSelX | (sqSelY << 3) | (sqSelZ << 6) | (sqSelW << 9)
	w |= bufNumFormatUint << 12
	w |= bufDataFormat32 << 15
	w |= 1 << 19 // element size 4
	w |= 3 << 21 // index stride 64
	w |= 1 << 23 // add thread id
	if atc {
		w |= 1 << 24
	}
	w |= sqRsrcBuf << 30
	return w
}

func srdWord3Gfx10() uint32 {
	w := sqSelX | (sqSelY << 3) | (sqSelZ << 6) | (sqSelW << 9)
	w |= bufFormat32Uint << 12
	// index stride filled in by the command processor
	w |= 1 << 23 // add thread id
	w |= 1 << 24 // resource level
	w |= 2 << 28 // no bounds check in swizzle mode
	w |= sqRsrcBuf << 30
	return w
}

// COMPUTE_TMPRING_SIZE register image: concurrent wave count in the low 12
// bits, per-wave scratch in KiB in the next 13.
func tmpringSize(waves, waveSizeKiB uint32) uint32 {
	return (waves & 0xFFF) | ((waveSizeKiB & 0x1FFF) << 12)
}

func tmpringWaveSize(image uint32) uint32 { return (image >> 12) & 0x1FFF }

func tmpringWaves(image uint32) uint32 { return image & 0xFFF }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
