package presence

import "errors"

var ErrStopped = errors.New("presence synchronizer stopped")
