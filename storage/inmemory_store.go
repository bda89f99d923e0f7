package storage

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/luma/beanstalk/protocol"
)

const (
	// deadlineMargin is how close to its ttr deadline a reserved job must be
	// before a blocked reserve answers DEADLINE_SOON.
	deadlineMargin = time.Second

	// pollInterval bounds how long a blocked reserve sleeps before looking
	// for delayed jobs becoming ready and ttrs running out.
	pollInterval = 50 * time.Millisecond

	Version = "1.12"
)

// Session is one client connection's view of the store: the tube it uses,
// the tubes it watches and the jobs it has reserved.
type Session struct {
	id       uint64
	used     string
	watched  []string
	reserved map[uint64]*job

	waiting  bool
	producer bool
	worker   bool
}

// Used returns the tube puts go to. Only the session's owner may call it.
func (s *Session) Used() string {
	return s.used
}

// Watched returns the watched tubes in the order they were watched. Only the
// session's owner may call it.
func (s *Session) Watched() []string {
	return append([]string(nil), s.watched...)
}

type job struct {
	Job

	delay     time.Duration
	ttr       time.Duration
	createdAt time.Time
	readyAt   time.Time
	deadline  time.Time
	owner     *Session

	reserves uint64
	timeouts uint64
	releases uint64
	buries   uint64
	kicks    uint64
}

func (j *job) snapshot() *Job {
	cp := j.Job
	return &cp
}

type tube struct {
	name        string
	jobs        map[uint64]*job
	using       int
	watching    int
	waiting     int
	totalJobs   uint64
	pauseDelay  time.Duration
	pausedUntil time.Time
	cmdDelete   uint64
	cmdPause    uint64
}

func (t *tube) paused(now time.Time) bool {
	return now.Before(t.pausedUntil)
}

type InmemoryStore struct {
	mu sync.Mutex

	nextJobID     uint64
	nextSessionID uint64

	jobs     map[uint64]*job
	tubes    map[string]*tube
	sessions map[*Session]struct{}

	commands         map[protocol.Command]uint64
	jobTimeouts      uint64
	totalJobs        uint64
	totalConnections uint64
	maxJobSize       int
	startedAt        time.Time

	// wake is closed and replaced whenever a job may have become reservable.
	wake chan struct{}

	// stop will be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore(maxJobSize int) *InmemoryStore {
	s := &InmemoryStore{
		jobs:       make(map[uint64]*job),
		tubes:      make(map[string]*tube),
		sessions:   make(map[*Session]struct{}),
		commands:   make(map[protocol.Command]uint64),
		maxJobSize: maxJobSize,
		startedAt:  time.Now(),
		wake:       make(chan struct{}),
		stop:       make(chan struct{}),
	}

	s.tubeLocked(protocol.DefaultTube)

	return s
}

func (s *InmemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning() {
		close(s.stop)
	}

	return nil
}

func (s *InmemoryStore) NewSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSessionID++
	s.totalConnections++

	sess := &Session{
		id:       s.nextSessionID,
		used:     protocol.DefaultTube,
		watched:  []string{protocol.DefaultTube},
		reserved: make(map[uint64]*job),
	}

	t := s.tubeLocked(protocol.DefaultTube)
	t.using++
	t.watching++

	s.sessions[sess] = struct{}{}

	return sess
}

// CloseSession returns the session's reserved jobs to their tubes.
func (s *InmemoryStore) CloseSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess]; !ok {
		return
	}
	delete(s.sessions, sess)

	for _, j := range sess.reserved {
		s.makeReadyLocked(j)
	}
	sess.reserved = make(map[uint64]*job)

	s.unrefLocked(sess.used, func(t *tube) { t.using-- })
	for _, name := range sess.watched {
		s.unrefLocked(name, func(t *tube) { t.watching-- })
	}

	s.broadcastLocked()
}

func (s *InmemoryStore) Use(sess *Session, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.used == name {
		return
	}

	s.tubeLocked(name).using++
	s.unrefLocked(sess.used, func(t *tube) { t.using-- })
	sess.used = name
}

func (s *InmemoryStore) Watch(sess *Session, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range sess.watched {
		if w == name {
			return len(sess.watched)
		}
	}

	s.tubeLocked(name).watching++
	sess.watched = append(sess.watched, name)

	return len(sess.watched)
}

func (s *InmemoryStore) Ignore(sess *Session, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, w := range sess.watched {
		if w == name {
			idx = i
		}
	}

	if idx < 0 {
		return len(sess.watched), nil
	}

	if len(sess.watched) == 1 {
		return 0, ErrNotIgnored
	}

	sess.watched = append(sess.watched[:idx], sess.watched[idx+1:]...)
	s.unrefLocked(name, func(t *tube) { t.watching-- })

	return len(sess.watched), nil
}

func (s *InmemoryStore) Put(sess *Session, priority uint32, delay, ttr time.Duration, body []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning() {
		return 0, ErrClosed
	}

	if ttr < time.Second {
		ttr = time.Second
	}

	now := time.Now()
	s.nextJobID++

	j := &job{
		Job: Job{
			ID:       s.nextJobID,
			Tube:     sess.used,
			Priority: priority,
			State:    StateReady,
			Body:     append([]byte(nil), body...),
		},
		delay:     delay,
		ttr:       ttr,
		createdAt: now,
	}

	if delay > 0 {
		j.State = StateDelayed
		j.readyAt = now.Add(delay)
	}

	t := s.tubeLocked(sess.used)
	t.jobs[j.ID] = j
	t.totalJobs++
	s.jobs[j.ID] = j
	s.totalJobs++
	sess.producer = true

	s.broadcastLocked()

	return j.ID, nil
}

// Reserve waits for a ready job in one of the session's watched tubes. A
// negative timeout waits forever.
func (s *InmemoryStore) Reserve(ctx context.Context, sess *Session, timeout time.Duration) (*Job, error) {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	s.mu.Lock()
	sess.worker = true
	defer func() {
		s.setWaitingLocked(sess, false)
		s.mu.Unlock()
	}()

	for {
		if !s.isRunning() {
			return nil, ErrClosed
		}

		now := time.Now()
		s.tickLocked(now)

		if j := s.nextReadyLocked(sess, now); j != nil {
			s.reserveLocked(sess, j, now)
			return j.snapshot(), nil
		}

		for _, j := range sess.reserved {
			if j.deadline.Sub(now) <= deadlineMargin {
				return nil, ErrDeadlineSoon
			}
		}

		if timeout == 0 {
			return nil, ErrTimedOut
		}

		s.setWaitingLocked(sess, true)
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-time.After(pollInterval):
		case <-deadline:
			s.mu.Lock()
			return nil, ErrTimedOut

		case <-ctx.Done():
			s.mu.Lock()
			return nil, ctx.Err()
		}

		s.mu.Lock()
	}
}

func (s *InmemoryStore) Delete(sess *Session, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || (j.State == StateReserved && j.owner != sess) {
		return ErrNotFound
	}

	if j.owner != nil {
		delete(j.owner.reserved, id)
	}

	t := s.tubes[j.Tube]
	delete(t.jobs, id)
	delete(s.jobs, id)
	t.cmdDelete++
	s.unrefLocked(j.Tube, func(*tube) {})

	return nil
}

func (s *InmemoryStore) Release(sess *Session, id uint64, priority uint32, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.reservedByLocked(sess, id)
	if err != nil {
		return err
	}

	delete(sess.reserved, id)
	j.owner = nil
	j.Priority = priority
	j.delay = delay
	j.releases++

	if delay > 0 {
		j.State = StateDelayed
		j.readyAt = time.Now().Add(delay)
	} else {
		j.State = StateReady
	}

	s.broadcastLocked()

	return nil
}

func (s *InmemoryStore) Bury(sess *Session, id uint64, priority uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.reservedByLocked(sess, id)
	if err != nil {
		return err
	}

	delete(sess.reserved, id)
	j.owner = nil
	j.Priority = priority
	j.State = StateBuried
	j.buries++

	return nil
}

func (s *InmemoryStore) Touch(sess *Session, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.reservedByLocked(sess, id)
	if err != nil {
		return err
	}

	j.deadline = time.Now().Add(j.ttr)

	return nil
}

func (s *InmemoryStore) Peek(id uint64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tickLocked(time.Now())

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	return j.snapshot(), nil
}

// PeekState returns the job in tube that is next in line for state: the most
// urgent ready job, the delayed job ready soonest, or the oldest buried job.
func (s *InmemoryStore) PeekState(name string, state JobState) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tickLocked(time.Now())

	t, ok := s.tubes[name]
	if !ok {
		return nil, ErrNotFound
	}

	var best *job
	for _, j := range t.jobs {
		if j.State != state {
			continue
		}

		if best == nil || peekBefore(state, j, best) {
			best = j
		}
	}

	if best == nil {
		return nil, ErrNotFound
	}

	return best.snapshot(), nil
}

func peekBefore(state JobState, a, b *job) bool {
	switch state {
	case StateReady:
		return readyBefore(a, b)

	case StateDelayed:
		if !a.readyAt.Equal(b.readyAt) {
			return a.readyAt.Before(b.readyAt)
		}
	}

	return a.ID < b.ID
}

func (s *InmemoryStore) KickJob(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tickLocked(time.Now())

	j, ok := s.jobs[id]
	if !ok || (j.State != StateBuried && j.State != StateDelayed) {
		return ErrNotFound
	}

	s.kickLocked(j)

	return nil
}

// Kick moves up to bound buried jobs in tube back to ready. When the tube has
// no buried jobs it kicks delayed jobs instead.
func (s *InmemoryStore) Kick(name string, bound int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tickLocked(time.Now())

	t, ok := s.tubes[name]
	if !ok {
		return 0
	}

	candidates := s.inStateLocked(t, StateBuried)
	if len(candidates) == 0 {
		candidates = s.inStateLocked(t, StateDelayed)
	}

	if len(candidates) > bound {
		candidates = candidates[:bound]
	}

	for _, j := range candidates {
		s.kickLocked(j)
	}

	return len(candidates)
}

func (s *InmemoryStore) PauseTube(name string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tubes[name]
	if !ok {
		return ErrNotFound
	}

	t.pauseDelay = delay
	t.pausedUntil = time.Now().Add(delay)
	t.cmdPause++

	s.broadcastLocked()

	return nil
}

func (s *InmemoryStore) JobStats(id uint64) (*protocol.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.tickLocked(now)

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	stats := &protocol.JobStats{
		ID:       j.ID,
		Tube:     j.Tube,
		State:    string(j.State),
		Priority: j.Priority,
		Age:      wholeSeconds(now.Sub(j.createdAt)),
		Delay:    wholeSeconds(j.delay),
		TTR:      wholeSeconds(j.ttr),
		Reserves: j.reserves,
		Timeouts: j.timeouts,
		Releases: j.releases,
		Buries:   j.buries,
		Kicks:    j.kicks,
	}

	switch j.State {
	case StateReserved:
		stats.TimeLeft = wholeSeconds(j.deadline.Sub(now))
	case StateDelayed:
		stats.TimeLeft = wholeSeconds(j.readyAt.Sub(now))
	}

	return stats, nil
}

func (s *InmemoryStore) TubeStats(name string) (*protocol.TubeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.tickLocked(now)

	t, ok := s.tubes[name]
	if !ok {
		return nil, ErrNotFound
	}

	stats := &protocol.TubeStats{
		Name:            t.name,
		TotalJobs:       t.totalJobs,
		CurrentUsing:    uint64(t.using),
		CurrentWatching: uint64(t.watching),
		CurrentWaiting:  uint64(t.waiting),
		Pause:           wholeSeconds(t.pauseDelay),
		CmdDelete:       t.cmdDelete,
		CmdPauseTube:    t.cmdPause,
	}

	if t.paused(now) {
		stats.PauseTimeLeft = wholeSeconds(t.pausedUntil.Sub(now))
	}

	for _, j := range t.jobs {
		switch j.State {
		case StateReady:
			stats.CurrentJobsReady++
			if j.Priority < UrgentPriority {
				stats.CurrentJobsUrgent++
			}
		case StateReserved:
			stats.CurrentJobsReserved++
		case StateDelayed:
			stats.CurrentJobsDelayed++
		case StateBuried:
			stats.CurrentJobsBuried++
		}
	}

	return stats, nil
}

func (s *InmemoryStore) Stats() *protocol.SystemStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.tickLocked(now)

	stats := &protocol.SystemStats{
		CmdPut:                s.commands[protocol.CmdPut],
		CmdPeek:               s.commands[protocol.CmdPeek],
		CmdPeekReady:          s.commands[protocol.CmdPeekReady],
		CmdPeekDelayed:        s.commands[protocol.CmdPeekDelayed],
		CmdPeekBuried:         s.commands[protocol.CmdPeekBuried],
		CmdReserve:            s.commands[protocol.CmdReserve],
		CmdReserveWithTimeout: s.commands[protocol.CmdReserveWithTimeout],
		CmdDelete:             s.commands[protocol.CmdDelete],
		CmdRelease:            s.commands[protocol.CmdRelease],
		CmdUse:                s.commands[protocol.CmdUse],
		CmdWatch:              s.commands[protocol.CmdWatch],
		CmdIgnore:             s.commands[protocol.CmdIgnore],
		CmdBury:               s.commands[protocol.CmdBury],
		CmdKick:               s.commands[protocol.CmdKick],
		CmdTouch:              s.commands[protocol.CmdTouch],
		CmdStats:              s.commands[protocol.CmdStats],
		CmdStatsJob:           s.commands[protocol.CmdStatsJob],
		CmdStatsTube:          s.commands[protocol.CmdStatsTube],
		CmdListTubes:          s.commands[protocol.CmdListTubes],
		CmdListTubeUsed:       s.commands[protocol.CmdListTubeUsed],
		CmdListTubesWatched:   s.commands[protocol.CmdListTubesWatched],
		CmdPauseTube:          s.commands[protocol.CmdPauseTube],
		JobTimeouts:           s.jobTimeouts,
		TotalJobs:             s.totalJobs,
		MaxJobSize:            uint64(s.maxJobSize),
		CurrentTubes:          uint64(len(s.tubes)),
		CurrentConnections:    uint64(len(s.sessions)),
		TotalConnections:      s.totalConnections,
		PID:                   uint64(os.Getpid()),
		Version:               Version,
		Uptime:                wholeSeconds(now.Sub(s.startedAt)),
	}

	stats.Hostname, _ = os.Hostname()

	for _, j := range s.jobs {
		switch j.State {
		case StateReady:
			stats.CurrentJobsReady++
			if j.Priority < UrgentPriority {
				stats.CurrentJobsUrgent++
			}
		case StateReserved:
			stats.CurrentJobsReserved++
		case StateDelayed:
			stats.CurrentJobsDelayed++
		case StateBuried:
			stats.CurrentJobsBuried++
		}
	}

	for sess := range s.sessions {
		if sess.producer {
			stats.CurrentProducers++
		}
		if sess.worker {
			stats.CurrentWorkers++
		}
		if sess.waiting {
			stats.CurrentWaiting++
		}
	}

	return stats
}

func (s *InmemoryStore) Tubes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tubes))
	for name := range s.tubes {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func (s *InmemoryStore) CountCommand(cmd protocol.Command) {
	s.mu.Lock()
	s.commands[cmd]++
	s.mu.Unlock()
}

// tickLocked promotes delayed jobs whose delay has passed and returns
// reserved jobs whose ttr ran out.
func (s *InmemoryStore) tickLocked(now time.Time) {
	changed := false

	for _, j := range s.jobs {
		switch {
		case j.State == StateDelayed && !now.Before(j.readyAt):
			j.State = StateReady
			changed = true

		case j.State == StateReserved && !now.Before(j.deadline):
			j.timeouts++
			s.jobTimeouts++
			s.makeReadyLocked(j)
			changed = true
		}
	}

	if changed {
		s.broadcastLocked()
	}
}

func (s *InmemoryStore) nextReadyLocked(sess *Session, now time.Time) *job {
	var best *job

	for _, name := range sess.watched {
		t, ok := s.tubes[name]
		if !ok || t.paused(now) {
			continue
		}

		for _, j := range t.jobs {
			if j.State == StateReady && (best == nil || readyBefore(j, best)) {
				best = j
			}
		}
	}

	return best
}

func readyBefore(a, b *job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}

	return a.ID < b.ID
}

func (s *InmemoryStore) reserveLocked(sess *Session, j *job, now time.Time) {
	j.State = StateReserved
	j.owner = sess
	j.deadline = now.Add(j.ttr)
	j.reserves++
	sess.reserved[j.ID] = j
}

func (s *InmemoryStore) makeReadyLocked(j *job) {
	if j.owner != nil {
		delete(j.owner.reserved, j.ID)
		j.owner = nil
	}

	j.State = StateReady
}

func (s *InmemoryStore) kickLocked(j *job) {
	j.State = StateReady
	j.kicks++
	s.broadcastLocked()
}

func (s *InmemoryStore) reservedByLocked(sess *Session, id uint64) (*job, error) {
	j, ok := s.jobs[id]
	if !ok || j.State != StateReserved || j.owner != sess {
		return nil, ErrNotFound
	}

	return j, nil
}

func (s *InmemoryStore) inStateLocked(t *tube, state JobState) []*job {
	var out []*job
	for _, j := range t.jobs {
		if j.State == state {
			out = append(out, j)
		}
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].ID < out[b].ID
	})

	return out
}

func (s *InmemoryStore) setWaitingLocked(sess *Session, waiting bool) {
	if sess.waiting == waiting {
		return
	}
	sess.waiting = waiting

	delta := 1
	if !waiting {
		delta = -1
	}

	for _, name := range sess.watched {
		if t, ok := s.tubes[name]; ok {
			t.waiting += delta
		}
	}
}

func (s *InmemoryStore) tubeLocked(name string) *tube {
	t, ok := s.tubes[name]
	if !ok {
		t = &tube{name: name, jobs: make(map[uint64]*job)}
		s.tubes[name] = t
	}

	return t
}

// unrefLocked applies release to a tube and drops the tube once nothing uses,
// watches or stores jobs in it. The default tube is never dropped.
func (s *InmemoryStore) unrefLocked(name string, release func(t *tube)) {
	t, ok := s.tubes[name]
	if !ok {
		return
	}

	release(t)

	if name != protocol.DefaultTube && t.using <= 0 && t.watching <= 0 && len(t.jobs) == 0 {
		delete(s.tubes, name)
	}
}

func (s *InmemoryStore) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// isRunning returns true if Close has not been called
func (s *InmemoryStore) isRunning() bool {
	select {
	case <-s.stop:
		return false

	default:
		return true
	}
}

func wholeSeconds(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}

	return uint64(d / time.Second)
}

var _ Store = (*InmemoryStore)(nil)
