// Package oggopus is the encoder, muxer and file sink of a capture segment:
// normalized audio is encoded to Opus frames and muxed into an Ogg file.
package oggopus

import (
	"fmt"
	"math/rand"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"

	"github.com/zachfi/wavecatch/pkg/media"
)

const (
	DefaultBitrate = 128000

	// Opus payload type in the dynamic range, only used to frame packets
	// for the muxer.
	payloadType = 111

	// RFC 6716 upper bound for a single Opus packet.
	maxPacketSize = 1275 * 3
)

// Writer encodes and muxes one segment.
type Writer struct {
	enc *opus.Encoder
	ogg *oggwriter.OggWriter

	pcm  []float32
	out  []byte
	seq  uint16
	ts   uint32
	ssrc uint32
}

// New creates path and writes the Ogg Opus headers.
func New(path string, bitrate int) (*Writer, error) {
	enc, err := opus.NewEncoder(media.SampleRate, media.Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("failed to set opus bitrate %d: %w", bitrate, err)
	}

	ogg, err := oggwriter.New(path, media.SampleRate, media.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create ogg file: %w", err)
	}

	return &Writer{
		enc:  enc,
		ogg:  ogg,
		pcm:  make([]float32, 0, 2*frameLen),
		out:  make([]byte, maxPacketSize),
		ssrc: rand.Uint32(),
	}, nil
}

const frameLen = media.FrameSize * media.Channels

// Write buffers samples and encodes every complete 20ms frame.
func (w *Writer) Write(samples [][2]float64) error {
	for _, s := range samples {
		w.pcm = append(w.pcm, float32(s[0]), float32(s[1]))
	}

	off := 0
	for len(w.pcm)-off >= frameLen {
		if err := w.encode(w.pcm[off : off+frameLen]); err != nil {
			return err
		}
		off += frameLen
	}
	w.pcm = append(w.pcm[:0], w.pcm[off:]...)
	return nil
}

func (w *Writer) encode(frame []float32) error {
	n, err := w.enc.EncodeFloat32(frame, w.out)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.ts,
			SSRC:           w.ssrc,
		},
		Payload: w.out[:n],
	}
	w.seq++
	w.ts += media.FrameSize

	if err := w.ogg.WriteRTP(pkt); err != nil {
		return fmt.Errorf("ogg mux: %w", err)
	}
	return nil
}

// Close pads the last partial frame with silence and finishes the Ogg
// stream, marking its last page as end-of-stream.
func (w *Writer) Close() error {
	if len(w.pcm) > 0 {
		frame := make([]float32, frameLen)
		copy(frame, w.pcm)
		w.pcm = w.pcm[:0]
		if err := w.encode(frame); err != nil {
			_ = w.ogg.Close()
			return err
		}
	}
	return w.ogg.Close()
}

// Abort drops pending samples and releases the file. The result is not
// guaranteed to be playable.
func (w *Writer) Abort() error {
	w.pcm = w.pcm[:0]
	return w.ogg.Close()
}
