// Package media glues the audio pipeline together: PCM→WAV framing for STT
// ingestion and the STT/TTS collaborator contracts.
package media

import (
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// WrapPCMInWAV prepends the 44-byte little-endian RIFF/WAVE header for
// 16-bit PCM data. channels and sampleRate come from the audio stream's
// declared format.
func WrapPCMInWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}

	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	buf := make([]byte, wavHeaderSize+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(wavHeaderSize+len(pcm)-8))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)
	return buf, nil
}

// PCMDurationMs computes the play length of 16-bit PCM data.
func PCMDurationMs(pcmLen, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := pcmLen / (2 * channels)
	return samples * 1000 / sampleRate
}
