// Package audio holds the sample-level building blocks of the voxmood
// pipeline: the lock-free [RingBuffer] that carries 16 kHz mono samples from
// the capture callback to the consumer, and the pure signal-processing helpers
// used on both sides of it ([Resample], [Normalize], [Standardize], [RMS],
// [DB], [Downmix], [StreamResampler]).
//
// Samples are float32 in the nominal range [-1, 1]. Wire formats coming from
// clients (little-endian int16 or float32 PCM) are converted with
// [DecodePCM16LE] and [DecodeFloat32LE].
//
// This package lives under pkg/ because capture sources outside this module
// are expected to produce [Block] values and push them through
// capture.Processor.
package audio

import "time"

// Format describes the sample rate and channel count of a capture device.
type Format struct {
	SampleRate int
	Channels   int
}

// Block is one real-time callback's worth of audio, split per channel
// (planar). All channels are expected to be the same length; a shorter
// channel truncates the block during downmix.
type Block struct {
	// Channels holds one slice of samples per input channel.
	Channels [][]float32

	// SampleRate is the device's native rate in Hz.
	SampleRate int

	// Timestamp marks when the block was captured.
	Timestamp time.Time
}

// Frames returns the number of sample frames in the block.
func (b Block) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	n := len(b.Channels[0])
	for _, ch := range b.Channels[1:] {
		if len(ch) < n {
			n = len(ch)
		}
	}
	return n
}
