package protocol

import (
	"strconv"
	"strings"
)

// Request is a command as the server reads it off the wire.
type Request struct {
	Command Command
	Args    []string

	// Body is only set for put.
	Body []byte
}

// Uint parses the i'th argument as a base-10 unsigned integer.
func (r *Request) Uint(i int) (uint64, error) {
	if i >= len(r.Args) {
		return 0, ErrBadFormat
	}

	n, err := strconv.ParseUint(r.Args[i], 10, 64)
	if err != nil {
		return 0, ErrBadFormat
	}

	return n, nil
}

func (r *Request) String() string {
	if len(r.Args) == 0 {
		return string(r.Command)
	}

	return string(r.Command) + " " + strings.Join(r.Args, " ")
}

// arity is the number of arguments each command takes.
var arity = map[Command]int{
	CmdPut:                4,
	CmdUse:                1,
	CmdReserve:            0,
	CmdReserveWithTimeout: 1,
	CmdDelete:             1,
	CmdRelease:            3,
	CmdBury:               2,
	CmdTouch:              1,
	CmdWatch:              1,
	CmdIgnore:             1,
	CmdPeek:               1,
	CmdPeekReady:          0,
	CmdPeekDelayed:        0,
	CmdPeekBuried:         0,
	CmdKick:               1,
	CmdKickJob:            1,
	CmdStatsJob:           1,
	CmdStatsTube:          1,
	CmdStats:              0,
	CmdListTubes:          0,
	CmdListTubeUsed:       0,
	CmdListTubesWatched:   0,
	CmdPauseTube:          2,
	CmdQuit:               0,
}
