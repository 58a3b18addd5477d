package core

import "sync/atomic"

// Flag is one bit of a handle's WebRTC state. The set mirrors the lifecycle
// of a negotiation: offer/answer phase, trickle bookkeeping, teardown
// interlocks and the negotiated media kinds.
type Flag uint64

const (
	FlagProcessingOffer Flag = 1 << iota
	FlagGotOffer
	FlagGotAnswer
	FlagReady
	FlagStart
	FlagTrickle
	FlagAllTrickles
	FlagResendTrickles
	FlagTrickleSynced
	FlagICERestart
	FlagCleaning
	FlagAlert
	FlagStop
	FlagHasAudio
	FlagHasVideo
	FlagDataChannels
	FlagRFC4588RTX
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagProcessingOffer, "processing-offer"},
	{FlagGotOffer, "got-offer"},
	{FlagGotAnswer, "got-answer"},
	{FlagReady, "ready"},
	{FlagStart, "start"},
	{FlagTrickle, "trickle"},
	{FlagAllTrickles, "all-trickles"},
	{FlagResendTrickles, "resend-trickles"},
	{FlagTrickleSynced, "trickle-synced"},
	{FlagICERestart, "ice-restart"},
	{FlagCleaning, "cleaning"},
	{FlagAlert, "alert"},
	{FlagStop, "stop"},
	{FlagHasAudio, "has-audio"},
	{FlagHasVideo, "has-video"},
	{FlagDataChannels, "data-channels"},
	{FlagRFC4588RTX, "rfc4588-rtx"},
}

// Flags is an atomic bitset. Individual bits are set and cleared from the
// dispatcher, the worker pool and the ICE collaborator concurrently; readers
// must tolerate seeing any interleaving of single-bit updates.
type Flags struct {
	bits atomic.Uint64
}

func (f *Flags) Is(flag Flag) bool {
	return f.bits.Load()&uint64(flag) != 0
}

func (f *Flags) Set(flag Flag) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, old|uint64(flag)) {
			return
		}
	}
}

func (f *Flags) Clear(flag Flag) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, old&^uint64(flag)) {
			return
		}
	}
}

// Snapshot renders the set bits by name, for handle_info.
func (f *Flags) Snapshot() map[string]bool {
	bits := f.bits.Load()
	out := make(map[string]bool, len(flagNames))
	for _, fn := range flagNames {
		out[fn.name] = bits&uint64(fn.flag) != 0
	}
	return out
}
