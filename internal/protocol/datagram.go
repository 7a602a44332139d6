package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Media datagram errors.
var (
	// ErrShortDatagram indicates a datagram smaller than its fixed header.
	ErrShortDatagram = errors.New("protocol: datagram shorter than header")

	// ErrBadDatagram indicates a header whose fields contradict the payload.
	ErrBadDatagram = errors.New("protocol: invalid datagram header")
)

// Audio datagram layout: 16-byte big-endian header followed by the Opus
// payload.
const (
	AudioHeaderLen = 16

	// AudioFlagServer marks datagrams originating from the server's mixer.
	AudioFlagServer uint32 = 1 << 0
)

// Audio frame parameters shared with clients: 48 kHz mono, 40 ms frames.
const (
	AudioSampleRate   = 48000
	AudioChannels     = 1
	AudioFrameMillis  = 40
	AudioFrameSamples = AudioSampleRate * AudioFrameMillis / 1000 // 1920
)

// AudioPacket is one decoded audio datagram.
type AudioPacket struct {
	UID     uint32
	Seq     uint32
	Flags   uint32
	Payload []byte // Opus frame
}

// FromServer reports whether the packet carries the server-origin flag.
func (p AudioPacket) FromServer() bool {
	return p.Flags&AudioFlagServer != 0
}

// EncodeAudio serialises p into a fresh datagram buffer.
func EncodeAudio(p AudioPacket) []byte {
	buf := make([]byte, AudioHeaderLen+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.UID)
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.Flags)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(p.Payload)))
	copy(buf[AudioHeaderLen:], p.Payload)
	return buf
}

// DecodeAudio parses one audio datagram. The returned payload aliases data.
func DecodeAudio(data []byte) (AudioPacket, error) {
	if len(data) < AudioHeaderLen {
		return AudioPacket{}, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(data))
	}
	length := binary.BigEndian.Uint32(data[12:16])
	if int(length) != len(data)-AudioHeaderLen {
		return AudioPacket{}, fmt.Errorf("%w: length field %d, payload %d", ErrBadDatagram, length, len(data)-AudioHeaderLen)
	}
	return AudioPacket{
		UID:     binary.BigEndian.Uint32(data[0:4]),
		Seq:     binary.BigEndian.Uint32(data[4:8]),
		Flags:   binary.BigEndian.Uint32(data[8:12]),
		Payload: data[AudioHeaderLen:],
	}, nil
}

// StreamKind distinguishes webcam video from screen sharing on the video
// socket.
type StreamKind uint8

const (
	StreamWebcam StreamKind = 0
	StreamScreen StreamKind = 1
)

// IsValid reports whether k is a recognised stream kind.
func (k StreamKind) IsValid() bool {
	return k == StreamWebcam || k == StreamScreen
}

// String implements fmt.Stringer for logging and metric labels.
func (k StreamKind) String() string {
	switch k {
	case StreamWebcam:
		return "webcam"
	case StreamScreen:
		return "screen"
	}
	return fmt.Sprintf("stream(%d)", uint8(k))
}

// Video datagram layout: 24-byte big-endian header followed by a JPEG slice.
// Field bytes 16..23 are padding.
const (
	VideoHeaderLen = 24

	// MaxChunkPayload keeps video datagrams under typical Ethernet MTU.
	MaxChunkPayload = 1400
)

// VideoPacket is one decoded video datagram: a single chunk of a JPEG frame.
type VideoPacket struct {
	SenderUID  uint32
	Kind       StreamKind
	FrameID    uint32
	ChunkIndex uint16
	ChunkTotal uint16
	Payload    []byte
}

// EncodeVideo serialises p into a fresh datagram buffer.
func EncodeVideo(p VideoPacket) []byte {
	buf := make([]byte, VideoHeaderLen+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.SenderUID)
	buf[4] = uint8(p.Kind)
	binary.BigEndian.PutUint32(buf[5:9], p.FrameID)
	binary.BigEndian.PutUint16(buf[9:11], p.ChunkIndex)
	binary.BigEndian.PutUint16(buf[11:13], p.ChunkTotal)
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(p.Payload)))
	// buf[15] reserved, buf[16:24] padding.
	copy(buf[VideoHeaderLen:], p.Payload)
	return buf
}

// DecodeVideo parses one video datagram. The returned payload aliases data.
func DecodeVideo(data []byte) (VideoPacket, error) {
	if len(data) < VideoHeaderLen {
		return VideoPacket{}, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(data))
	}
	p := VideoPacket{
		SenderUID:  binary.BigEndian.Uint32(data[0:4]),
		Kind:       StreamKind(data[4]),
		FrameID:    binary.BigEndian.Uint32(data[5:9]),
		ChunkIndex: binary.BigEndian.Uint16(data[9:11]),
		ChunkTotal: binary.BigEndian.Uint16(data[11:13]),
	}
	length := binary.BigEndian.Uint16(data[13:15])
	if int(length) != len(data)-VideoHeaderLen {
		return VideoPacket{}, fmt.Errorf("%w: length field %d, payload %d", ErrBadDatagram, length, len(data)-VideoHeaderLen)
	}
	if !p.Kind.IsValid() {
		return VideoPacket{}, fmt.Errorf("%w: stream kind %d", ErrBadDatagram, uint8(p.Kind))
	}
	if p.ChunkTotal == 0 || p.ChunkIndex >= p.ChunkTotal {
		return VideoPacket{}, fmt.Errorf("%w: chunk %d of %d", ErrBadDatagram, p.ChunkIndex, p.ChunkTotal)
	}
	p.Payload = data[VideoHeaderLen:]
	return p, nil
}

// ChunkFrame splits a complete JPEG frame into MTU-safe datagrams ready to
// send. An empty frame yields nil.
func ChunkFrame(senderUID uint32, kind StreamKind, frameID uint32, frame []byte) [][]byte {
	if len(frame) == 0 {
		return nil
	}
	total := (len(frame) + MaxChunkPayload - 1) / MaxChunkPayload
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxChunkPayload
		end := min(start+MaxChunkPayload, len(frame))
		out = append(out, EncodeVideo(VideoPacket{
			SenderUID:  senderUID,
			Kind:       kind,
			FrameID:    frameID,
			ChunkIndex: uint16(i),
			ChunkTotal: uint16(total),
			Payload:    frame[start:end],
		}))
	}
	return out
}
