package protocol

import (
	"errors"

	"github.com/danmuck/meshctl/internal/protocol/frame"
)

var (
	ErrMalformed     = errors.New("protocol: malformed payload")
	ErrMissingPacket = errors.New("protocol: frame carries no mesh packet")

	ErrTruncated      = frame.ErrTruncated
	ErrOversizedFrame = frame.ErrOversizedFrame
)
