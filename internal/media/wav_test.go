package media

import (
	"encoding/binary"
	"testing"
)

func TestWrapPCMInWAV(t *testing.T) {
	pcm := make([]byte, 320) // 10ms of 16kHz mono 16-bit
	wav, err := WrapPCMInWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}

	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("bad magic: %q %q", wav[0:4], wav[8:12])
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(44+len(pcm)-8) {
		t.Errorf("riff size = %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[20:22]); got != 1 {
		t.Errorf("audio format = %d, want 1 (PCM)", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 16 {
		t.Errorf("bits per sample = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d", got)
	}
}

func TestWrapPCMInWAVDefaultsChannels(t *testing.T) {
	wav, err := WrapPCMInWAV(nil, 8000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
}

func TestWrapPCMInWAVRejectsBadRate(t *testing.T) {
	if _, err := WrapPCMInWAV(nil, 0, 1); err == nil {
		t.Fatal("zero sample rate accepted")
	}
}

func TestPCMDurationMs(t *testing.T) {
	tests := []struct {
		name       string
		pcmLen     int
		rate, chns int
		want       int
	}{
		{"one second mono 16k", 32000, 16000, 1, 1000},
		{"one second stereo 48k", 192000, 48000, 2, 1000},
		{"empty", 0, 16000, 1, 0},
		{"bad rate", 32000, 0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PCMDurationMs(tt.pcmLen, tt.rate, tt.chns); got != tt.want {
				t.Errorf("PCMDurationMs() = %d, want %d", got, tt.want)
			}
		})
	}
}
