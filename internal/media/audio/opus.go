package audio

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/huddle/internal/protocol"
)

// maxOpusBytes bounds one encoded 40 ms mono frame. Opus never comes close
// at conference bitrates.
const maxOpusBytes = 4000

// opusDecoder wraps a gopus decoder for a single sender stream. Each sender
// gets its own decoder to keep codec state consistent across consecutive
// frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(protocol.AudioSampleRate, protocol.AudioChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode turns one Opus packet into 1920 PCM samples.
func (d *opusDecoder) decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, protocol.AudioFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm, nil
}

// opusEncoder wraps a gopus encoder for one listener's personal mix. Each
// listener gets its own encoder for the same state reason as decoders.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(protocol.AudioSampleRate, protocol.AudioChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) encode(pcm []int16) ([]byte, error) {
	packet, err := e.enc.Encode(pcm, protocol.AudioFrameSamples, maxOpusBytes)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}
