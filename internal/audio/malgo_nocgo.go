//go:build !cgo

package audio

import "errors"

type MalgoOpener struct{}

func (MalgoOpener) Open(role Role) (Device, error) {
	return nil, errors.New("miniaudio capture requires cgo")
}
