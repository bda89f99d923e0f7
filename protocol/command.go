package protocol

type Command string

const (
	CmdPut                Command = "put"
	CmdUse                Command = "use"
	CmdReserve            Command = "reserve"
	CmdReserveWithTimeout Command = "reserve-with-timeout"
	CmdDelete             Command = "delete"
	CmdRelease            Command = "release"
	CmdBury               Command = "bury"
	CmdTouch              Command = "touch"
	CmdWatch              Command = "watch"
	CmdIgnore             Command = "ignore"
	CmdPeek               Command = "peek"
	CmdPeekReady          Command = "peek-ready"
	CmdPeekDelayed        Command = "peek-delayed"
	CmdPeekBuried         Command = "peek-buried"
	CmdKick               Command = "kick"
	CmdKickJob            Command = "kick-job"
	CmdStatsJob           Command = "stats-job"
	CmdStatsTube          Command = "stats-tube"
	CmdStats              Command = "stats"
	CmdListTubes          Command = "list-tubes"
	CmdListTubeUsed       Command = "list-tube-used"
	CmdListTubesWatched   Command = "list-tubes-watched"
	CmdPauseTube          Command = "pause-tube"
	CmdQuit               Command = "quit"
)

type Status string

const (
	StatusInserted      Status = "INSERTED"
	StatusBuried        Status = "BURIED"
	StatusExpectedCRLF  Status = "EXPECTED_CRLF"
	StatusJobTooBig     Status = "JOB_TOO_BIG"
	StatusDraining      Status = "DRAINING"
	StatusUsing         Status = "USING"
	StatusReserved      Status = "RESERVED"
	StatusDeadlineSoon  Status = "DEADLINE_SOON"
	StatusTimedOut      Status = "TIMED_OUT"
	StatusDeleted       Status = "DELETED"
	StatusNotFound      Status = "NOT_FOUND"
	StatusReleased      Status = "RELEASED"
	StatusTouched       Status = "TOUCHED"
	StatusWatching      Status = "WATCHING"
	StatusNotIgnored    Status = "NOT_IGNORED"
	StatusFound         Status = "FOUND"
	StatusKicked        Status = "KICKED"
	StatusOk            Status = "OK"
	StatusPaused        Status = "PAUSED"
	StatusOutOfMemory   Status = "OUT_OF_MEMORY"
	StatusInternalError Status = "INTERNAL_ERROR"
	StatusBadFormat     Status = "BAD_FORMAT"
	StatusUnknown       Status = "UNKNOWN_COMMAND"
)

// payloadRule describes how a status line announces a body.
type payloadRule struct {
	// lengthField is the index into the status line's fields holding the body
	// length. The length field itself is consumed by framing.
	lengthField int
	// keep is how many leading fields remain visible on the Response.
	keep int
}

var payloadRules = map[Status]payloadRule{
	StatusReserved: {lengthField: 1, keep: 1},
	StatusFound:    {lengthField: 1, keep: 1},
	StatusOk:       {lengthField: 0, keep: 0},
}

// HasPayload reports whether a status line with this status word is followed
// by a length-prefixed body.
func (s Status) HasPayload() bool {
	_, ok := payloadRules[s]
	return ok
}
