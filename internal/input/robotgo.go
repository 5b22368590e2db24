package input

import "github.com/go-vgo/robotgo"

// RobotgoInjector drives the host pointer and keyboard through robotgo.
type RobotgoInjector struct{}

func (RobotgoInjector) Move(x, y int) error {
	robotgo.Move(x, y)
	return nil
}

func (RobotgoInjector) Button(button string, down bool) error {
	if down {
		return robotgo.Toggle(button)
	}
	return robotgo.Toggle(button, "up")
}

func (RobotgoInjector) Click(button string, double bool) error {
	robotgo.Click(button, double)
	return nil
}

func (RobotgoInjector) Scroll(dx, dy int) error {
	robotgo.Scroll(dx, dy)
	return nil
}

func (RobotgoInjector) Key(key string, down bool) error {
	if down {
		return robotgo.KeyToggle(key, "down")
	}
	return robotgo.KeyToggle(key, "up")
}

func (RobotgoInjector) ScreenSize() (int, int) {
	return robotgo.GetScreenSize()
}
