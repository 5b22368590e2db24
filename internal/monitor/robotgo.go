package monitor

import (
	"fmt"

	"github.com/go-vgo/robotgo"

	"deskcast/internal/types"
)

// RobotgoBackend enumerates displays through robotgo.
type RobotgoBackend struct{}

func (RobotgoBackend) Displays() []types.Monitor {
	n := robotgo.DisplaysNum()
	mons := make([]types.Monitor, 0, n)
	for i := 0; i < n; i++ {
		x, y, w, h := robotgo.GetDisplayBounds(i)
		if w <= 0 || h <= 0 {
			continue
		}
		mons = append(mons, types.Monitor{
			Index:  i,
			Name:   fmt.Sprintf("Monitor %d", i+1),
			X:      x,
			Y:      y,
			Width:  w,
			Height: h,
		})
	}
	return mons
}

func (RobotgoBackend) ScreenSize() (int, int) {
	return robotgo.GetScreenSize()
}
