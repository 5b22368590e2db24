package input

import (
	"strings"
	"unicode/utf8"
)

// keyMap translates KeyboardEvent.key names to robotgo key names.
var keyMap = map[string]string{
	"Backspace":   "backspace",
	"Tab":         "tab",
	"Enter":       "enter",
	"Escape":      "esc",
	"Esc":         "esc",
	"Delete":      "delete",
	"Del":         "delete",
	"Insert":      "insert",
	"Home":        "home",
	"End":         "end",
	"PageUp":      "pageup",
	"PageDown":    "pagedown",
	"ArrowLeft":   "left",
	"ArrowUp":     "up",
	"ArrowRight":  "right",
	"ArrowDown":   "down",
	"Left":        "left",
	"Up":          "up",
	"Right":       "right",
	"Down":        "down",
	"Shift":       "shift",
	"Control":     "ctrl",
	"Alt":         "alt",
	"AltGraph":    "ralt",
	"Meta":        "cmd",
	"OS":          "cmd",
	"CapsLock":    "capslock",
	"NumLock":     "num_lock",
	"ScrollLock":  "scroll_lock",
	"Pause":       "pause",
	"PrintScreen": "printscreen",
	"ContextMenu": "menu",
	" ":           "space",
	"Spacebar":    "space",
	"F1":          "f1",
	"F2":          "f2",
	"F3":          "f3",
	"F4":          "f4",
	"F5":          "f5",
	"F6":          "f6",
	"F7":          "f7",
	"F8":          "f8",
	"F9":          "f9",
	"F10":         "f10",
	"F11":         "f11",
	"F12":         "f12",

	"AudioVolumeMute":    "audio_mute",
	"AudioVolumeDown":    "audio_vol_down",
	"AudioVolumeUp":      "audio_vol_up",
	"MediaPlayPause":     "audio_play",
	"MediaTrackNext":     "audio_next",
	"MediaTrackPrevious": "audio_prev",
}

// NormalizeKey maps a browser key name to the injector's name. Single
// printable characters pass through, letters lower-cased since the shift
// state is sent separately.
func NormalizeKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	if k, ok := keyMap[key]; ok {
		return k, true
	}
	if utf8.RuneCountInString(key) == 1 {
		r, _ := utf8.DecodeRuneInString(key)
		if r < 0x20 || r == 0x7f {
			return "", false
		}
		return strings.ToLower(key), true
	}
	// Names already in injector form, e.g. from non-browser clients.
	lower := strings.ToLower(key)
	for _, v := range keyMap {
		if v == lower {
			return lower, true
		}
	}
	return "", false
}
