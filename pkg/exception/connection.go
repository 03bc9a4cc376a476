package exception

import "github.com/yanun0323/errors"

// ErrNotConnected is returned by broker calls made before Connect or after Disconnect.
var ErrNotConnected = errors.New("broker: not connected")
