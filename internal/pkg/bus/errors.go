package bus

import "errors"

var ErrClosed = errors.New("bus closed")
