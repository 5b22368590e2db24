//go:build !linux

package main

import (
	"deskcast/internal/audio"
	"deskcast/internal/config"
)

// newAudioOpener uses miniaudio; desktop audio needs WASAPI loopback and is
// reported unavailable elsewhere.
func newAudioOpener(config.Config) audio.Opener {
	return audio.MalgoOpener{}
}
