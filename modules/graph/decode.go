package graph

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"

	"github.com/zachfi/wavecatch/pkg/media"
)

// RawCaps prefixes the caps of every decoded audio pad.
const RawCaps = "audio/x-raw"

var ErrNoAudio = errors.New("no decodable audio stream found")

type format int

const (
	formatUnknown format = iota
	formatMP3
	formatVorbis
	formatOpus
	formatFLAC
	formatWAV
)

func (f format) String() string {
	switch f {
	case formatMP3:
		return "mp3"
	case formatVorbis:
		return "vorbis"
	case formatOpus:
		return "opus"
	case formatFLAC:
		return "flac"
	case formatWAV:
		return "wav"
	default:
		return "unknown"
	}
}

const (
	sniffSize   = 4096
	id3Header   = 10
	readerSize  = 64 * 1024
	maxTagBytes = readerSize
)

// DecodeFunc turns the source bytes into a sample stream. Every output the
// decoder discovers is offered to link before DecodeFunc returns; link
// reports whether the pad was taken.
type DecodeFunc func(r io.Reader, contentType string, link func(media.Pad) bool) (beep.StreamCloser, beep.Format, error)

// Decode sniffs the container of r and decodes it with the matching beep
// decoder.
func Decode(r io.Reader, contentType string, link func(media.Pad) bool) (beep.StreamCloser, beep.Format, error) {
	br := bufio.NewReaderSize(r, readerSize)

	if skipped, err := skipID3(br); err != nil {
		return nil, beep.Format{}, err
	} else if skipped {
		link(media.Pad{Name: "id3", Caps: "application/x-id3"})
	}

	f, err := sniff(br, contentType)
	if err != nil {
		return nil, beep.Format{}, err
	}

	var (
		s  beep.StreamSeekCloser
		sf beep.Format
	)
	rc := io.NopCloser(br)
	switch f {
	case formatMP3:
		s, sf, err = mp3.Decode(rc)
	case formatVorbis:
		s, sf, err = vorbis.Decode(rc)
	case formatFLAC:
		s, sf, err = flac.Decode(br)
	case formatWAV:
		s, sf, err = wav.Decode(br)
	case formatOpus:
		link(media.Pad{Name: "src_0", Caps: "audio/x-opus"})
		return nil, beep.Format{}, fmt.Errorf("%w: opus streams are not supported", ErrNoAudio)
	default:
		return nil, beep.Format{}, ErrNoAudio
	}
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to decode %s stream: %w", f, err)
	}

	caps := fmt.Sprintf("%s, format=%s, rate=%d, channels=%d", RawCaps, f, sf.SampleRate, sf.NumChannels)
	if !link(media.Pad{Name: "src_0", Caps: caps}) {
		_ = s.Close()
		return nil, beep.Format{}, ErrNoAudio
	}

	return s, sf, nil
}

// skipID3 drops a leading ID3v2 tag.
func skipID3(br *bufio.Reader) (bool, error) {
	head, err := br.Peek(id3Header)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	if !bytes.HasPrefix(head, []byte("ID3")) {
		return false, nil
	}

	size := id3Header + (int(head[6]&0x7f)<<21 | int(head[7]&0x7f)<<14 | int(head[8]&0x7f)<<7 | int(head[9]&0x7f))
	if head[5]&0x10 != 0 {
		size += id3Header
	}
	if size > maxTagBytes {
		return false, fmt.Errorf("id3 tag of %d bytes too large", size)
	}

	if _, err := br.Discard(size); err != nil {
		return false, fmt.Errorf("failed to skip id3 tag: %w", err)
	}
	return true, nil
}

// sniff identifies the container from the leading bytes, falling back to the
// content type announced by the server.
func sniff(br *bufio.Reader, contentType string) (format, error) {
	head, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return formatUnknown, err
	}
	if len(head) == 0 {
		return formatUnknown, io.ErrUnexpectedEOF
	}

	switch {
	case bytes.HasPrefix(head, []byte("OggS")):
		if bytes.Contains(head, []byte("OpusHead")) {
			return formatOpus, nil
		}
		return formatVorbis, nil
	case bytes.HasPrefix(head, []byte("fLaC")):
		return formatFLAC, nil
	case len(head) >= 12 && bytes.HasPrefix(head, []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return formatWAV, nil
	}

	f := formatOfType(contentType)
	if f != formatUnknown && f != formatMP3 {
		return f, nil
	}

	// leading garbage before the first frame trips up the mp3 decoder
	if pos := findMP3FrameSync(head); pos >= 0 {
		if _, err := br.Discard(pos); err != nil {
			return formatUnknown, err
		}
		return formatMP3, nil
	}
	if f == formatMP3 {
		return f, nil
	}

	return formatUnknown, ErrNoAudio
}

func formatOfType(contentType string) format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch mt {
	case "audio/mpeg", "audio/mp3", "audio/mpeg3":
		return formatMP3
	case "audio/ogg", "audio/vorbis", "application/ogg":
		return formatVorbis
	case "audio/opus":
		return formatOpus
	case "audio/flac", "audio/x-flac":
		return formatFLAC
	case "audio/wav", "audio/x-wav", "audio/wave":
		return formatWAV
	default:
		return formatUnknown
	}
}

// findMP3FrameSync returns the position of the first MP3 frame sync word: 0xFF
// followed by a byte with the top three bits set. Returns -1 if not found.
func findMP3FrameSync(data []byte) int {
	for i := 0; i < len(data)-1; i++ {
		if data[i] == 0xFF && data[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}
