package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

// EncodeWAV wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)

	header := struct {
		RIFF     [4]byte
		FileSize uint32
		WAVE     [4]byte
		Fmt      [4]byte
		FmtSize  uint32
		Format   uint16
		Channels uint16
		Rate     uint32
		ByteRate uint32
		Align    uint16
		Bits     uint16
		Data     [4]byte
		DataSize uint32
	}{
		RIFF:     [4]byte{'R', 'I', 'F', 'F'},
		FileSize: 36 + dataSize,
		WAVE:     [4]byte{'W', 'A', 'V', 'E'},
		Fmt:      [4]byte{'f', 'm', 't', ' '},
		FmtSize:  16,
		Format:   1, // PCM
		Channels: numChannels,
		Rate:     uint32(sampleRate),
		ByteRate: byteRate,
		Align:    numChannels * bitsPerSample / 8,
		Bits:     bitsPerSample,
		Data:     [4]byte{'d', 'a', 't', 'a'},
		DataSize: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	_ = binary.Write(buf, binary.LittleEndian, header)
	buf.Write(pcm)
	return buf.Bytes()
}

// WriteWAVFile writes raw PCM16LE mono audio bytes as a WAV file. Used by
// the voicecli debug dump flag.
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAV(f, pcm, sampleRate)
}

// WriteWAV writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	_, err := out.Write(EncodeWAV(pcm, sampleRate))
	return err
}
