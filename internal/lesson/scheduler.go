package lesson

import "time"

// Timer is a cancelable scheduled task owned by one lesson session.
type Timer interface {
	Stop() bool
}

// Scheduler arms session timers. Tests swap in a manual clock.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

// RealScheduler uses the wall clock and time.AfterFunc.
func RealScheduler() Scheduler {
	return realScheduler{}
}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
