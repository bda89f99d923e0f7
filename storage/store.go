package storage

import (
	"context"
	"errors"
	"time"

	"github.com/luma/beanstalk/protocol"
)

var (
	ErrNotFound     = errors.New("job or tube not found")
	ErrTimedOut     = errors.New("no job became ready before the timeout")
	ErrDeadlineSoon = errors.New("a reserved job is close to its ttr deadline")
	ErrNotIgnored   = errors.New("the last watched tube cannot be ignored")
	ErrClosed       = errors.New("store is closed")
)

type JobState string

const (
	StateReady    JobState = "ready"
	StateDelayed  JobState = "delayed"
	StateReserved JobState = "reserved"
	StateBuried   JobState = "buried"
)

// UrgentPriority is the priority below which a ready job counts as urgent.
const UrgentPriority = 1024

// Job is a snapshot of a stored job.
type Job struct {
	ID       uint64
	Tube     string
	Priority uint32
	State    JobState
	Body     []byte
}

// Store holds jobs and tubes with the semantics of a beanstalkd server. Every
// method taking a *Session acts on behalf of that client connection.
type Store interface {
	NewSession() *Session
	CloseSession(sess *Session)

	Use(sess *Session, tube string)
	Watch(sess *Session, tube string) int
	Ignore(sess *Session, tube string) (int, error)

	Put(sess *Session, priority uint32, delay, ttr time.Duration, body []byte) (uint64, error)
	Reserve(ctx context.Context, sess *Session, timeout time.Duration) (*Job, error)
	Delete(sess *Session, id uint64) error
	Release(sess *Session, id uint64, priority uint32, delay time.Duration) error
	Bury(sess *Session, id uint64, priority uint32) error
	Touch(sess *Session, id uint64) error

	Peek(id uint64) (*Job, error)
	PeekState(tube string, state JobState) (*Job, error)
	KickJob(id uint64) error
	Kick(tube string, bound int) int
	PauseTube(tube string, delay time.Duration) error

	JobStats(id uint64) (*protocol.JobStats, error)
	TubeStats(tube string) (*protocol.TubeStats, error)
	Stats() *protocol.SystemStats
	Tubes() []string
	CountCommand(cmd protocol.Command)

	Close() error
}
