//go:build linux

package main

import (
	"deskcast/internal/audio"
	"deskcast/internal/config"
)

// newAudioOpener records through the PulseAudio protocol, which PipeWire
// also serves.
func newAudioOpener(cfg config.Config) audio.Opener {
	return audio.PulseOpener{Chunk: map[audio.Role]int{
		audio.RoleMic:     cfg.Audio.MicChunk,
		audio.RoleDesktop: cfg.Audio.DesktopChunk,
	}}
}
