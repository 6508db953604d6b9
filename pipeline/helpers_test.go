package pipeline

import "time"

var testEpoch = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

const (
	testWait = 2 * time.Second
	testPoll = 10 * time.Millisecond
)
