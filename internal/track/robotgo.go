package track

import "github.com/go-vgo/robotgo"

// RobotgoPointer reads the host pointer position.
type RobotgoPointer struct{}

func (RobotgoPointer) Location() (int, int) { return robotgo.Location() }
