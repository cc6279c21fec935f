package notifier

import (
	"encoding/binary"
	"fmt"
)

// headerSize is the fixed memcached binary protocol header size.
const headerSize = 24

// packet is one frame of the binary protocol: a 24-byte header plus
// optional extras/key/value, all of whose lengths are carried in the
// header. Requests carry a vbucket id where responses carry a status;
// field is reused as vbucketOrStatus and interpreted by the caller.
type packet struct {
	magic           byte
	op              opcode
	dataType        uint8
	vbucketOrStatus uint16
	opaque          uint32
	cas             uint64
	extras          []byte
	key             []byte
	value           []byte
}

// encodeRequest serializes a request packet.
func encodeRequest(op opcode, vbid uint16, opaque uint32, extras, key, value []byte) []byte {
	p := packet{
		magic:           magicRequest,
		op:              op,
		vbucketOrStatus: vbid,
		opaque:          opaque,
		extras:          extras,
		key:             key,
		value:           value,
	}
	return p.encode()
}

func (p *packet) encode() []byte {
	bodyLen := len(p.extras) + len(p.key) + len(p.value)
	buf := make([]byte, headerSize+bodyLen)

	buf[0] = p.magic
	buf[1] = byte(p.op)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.key)))
	buf[4] = byte(len(p.extras))
	buf[5] = p.dataType
	binary.BigEndian.PutUint16(buf[6:8], p.vbucketOrStatus)
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], p.opaque)
	binary.BigEndian.PutUint64(buf[16:24], p.cas)

	off := headerSize
	off += copy(buf[off:], p.extras)
	off += copy(buf[off:], p.key)
	copy(buf[off:], p.value)
	return buf
}

// tryDecodeFrame attempts to pull one complete frame off the front of
// buf. It returns the decoded packet, the number of bytes consumed, and
// whether a full frame was available. An error is returned only for a
// structurally invalid header (bad magic byte).
func tryDecodeFrame(buf []byte) (p packet, consumed int, ok bool, err error) {
	if len(buf) < headerSize {
		return packet{}, 0, false, nil
	}
	magic := buf[0]
	if magic != magicRequest && magic != magicResponse {
		return packet{}, 0, false, fmt.Errorf("notifier: rubbish magic byte %#x", magic)
	}

	keyLen := int(binary.BigEndian.Uint16(buf[2:4]))
	extraLen := int(buf[4])
	bodyLen := int(binary.BigEndian.Uint32(buf[8:12]))
	total := headerSize + bodyLen
	if len(buf) < total {
		return packet{}, 0, false, nil
	}
	if extraLen+keyLen > bodyLen {
		return packet{}, 0, false, fmt.Errorf("notifier: extras+key length %d exceeds body length %d", extraLen+keyLen, bodyLen)
	}

	p.magic = magic
	p.op = opcode(buf[1])
	p.dataType = buf[5]
	p.vbucketOrStatus = binary.BigEndian.Uint16(buf[6:8])
	p.opaque = binary.BigEndian.Uint32(buf[12:16])
	p.cas = binary.BigEndian.Uint64(buf[16:24])

	body := buf[headerSize:total]
	p.extras = append([]byte(nil), body[:extraLen]...)
	p.key = append([]byte(nil), body[extraLen:extraLen+keyLen]...)
	p.value = append([]byte(nil), body[extraLen+keyLen:]...)

	return p, total, true, nil
}

// notifyVBucketUpdateBody encodes the 32-byte body for
// notify_vbucket_update: u64 file_version, u64 header_offset, u32
// state_updated_flag, u32 state, u64 checkpoint.
func notifyVBucketUpdateBody(fileVersion, headerOffset uint64, stateUpdated bool, state uint32, checkpoint uint64) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:8], fileVersion)
	binary.BigEndian.PutUint64(buf[8:16], headerOffset)
	flag := uint32(0)
	if stateUpdated {
		flag = 1
	}
	binary.BigEndian.PutUint32(buf[16:20], flag)
	binary.BigEndian.PutUint32(buf[20:24], state)
	binary.BigEndian.PutUint64(buf[24:32], checkpoint)
	return buf
}

// notifyHeaderposUpdateBody encodes the header-position-only body used
// by notify_headerpos_update: u64 file_version, u64 header_offset.
func notifyHeaderposUpdateBody(fileVersion, headerOffset uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], fileVersion)
	binary.BigEndian.PutUint64(buf[8:16], headerOffset)
	return buf
}

// del_vbucket, flush and select_bucket requests have no extras or body; the
// vbucket id (if any) travels in the header's vbucket field and the
// bucket name (for select_bucket) travels in the key field.
func selectBucketKey(bucket string) []byte {
	return []byte(bucket)
}
