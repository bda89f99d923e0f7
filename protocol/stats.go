package protocol

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// JobStats is the body of an OK reply to stats-job.
type JobStats struct {
	ID       uint64 `yaml:"id"`
	Tube     string `yaml:"tube"`
	State    string `yaml:"state"`
	Priority uint32 `yaml:"pri"`
	Age      uint64 `yaml:"age"`
	Delay    uint64 `yaml:"delay"`
	TTR      uint64 `yaml:"ttr"`
	TimeLeft uint64 `yaml:"time-left"`
	File     uint64 `yaml:"file"`
	Reserves uint64 `yaml:"reserves"`
	Timeouts uint64 `yaml:"timeouts"`
	Releases uint64 `yaml:"releases"`
	Buries   uint64 `yaml:"buries"`
	Kicks    uint64 `yaml:"kicks"`
}

// TubeStats is the body of an OK reply to stats-tube.
type TubeStats struct {
	Name                string `yaml:"name"`
	CurrentJobsUrgent   uint64 `yaml:"current-jobs-urgent"`
	CurrentJobsReady    uint64 `yaml:"current-jobs-ready"`
	CurrentJobsReserved uint64 `yaml:"current-jobs-reserved"`
	CurrentJobsDelayed  uint64 `yaml:"current-jobs-delayed"`
	CurrentJobsBuried   uint64 `yaml:"current-jobs-buried"`
	TotalJobs           uint64 `yaml:"total-jobs"`
	CurrentUsing        uint64 `yaml:"current-using"`
	CurrentWaiting      uint64 `yaml:"current-waiting"`
	CurrentWatching     uint64 `yaml:"current-watching"`
	Pause               uint64 `yaml:"pause"`
	CmdDelete           uint64 `yaml:"cmd-delete"`
	CmdPauseTube        uint64 `yaml:"cmd-pause-tube"`
	PauseTimeLeft       uint64 `yaml:"pause-time-left"`
}

// SystemStats is the body of an OK reply to stats.
type SystemStats struct {
	CurrentJobsUrgent     uint64 `yaml:"current-jobs-urgent"`
	CurrentJobsReady      uint64 `yaml:"current-jobs-ready"`
	CurrentJobsReserved   uint64 `yaml:"current-jobs-reserved"`
	CurrentJobsDelayed    uint64 `yaml:"current-jobs-delayed"`
	CurrentJobsBuried     uint64 `yaml:"current-jobs-buried"`
	CmdPut                uint64 `yaml:"cmd-put"`
	CmdPeek               uint64 `yaml:"cmd-peek"`
	CmdPeekReady          uint64 `yaml:"cmd-peek-ready"`
	CmdPeekDelayed        uint64 `yaml:"cmd-peek-delayed"`
	CmdPeekBuried         uint64 `yaml:"cmd-peek-buried"`
	CmdReserve            uint64 `yaml:"cmd-reserve"`
	CmdReserveWithTimeout uint64 `yaml:"cmd-reserve-with-timeout"`
	CmdDelete             uint64 `yaml:"cmd-delete"`
	CmdRelease            uint64 `yaml:"cmd-release"`
	CmdUse                uint64 `yaml:"cmd-use"`
	CmdWatch              uint64 `yaml:"cmd-watch"`
	CmdIgnore             uint64 `yaml:"cmd-ignore"`
	CmdBury               uint64 `yaml:"cmd-bury"`
	CmdKick               uint64 `yaml:"cmd-kick"`
	CmdTouch              uint64 `yaml:"cmd-touch"`
	CmdStats              uint64 `yaml:"cmd-stats"`
	CmdStatsJob           uint64 `yaml:"cmd-stats-job"`
	CmdStatsTube          uint64 `yaml:"cmd-stats-tube"`
	CmdListTubes          uint64 `yaml:"cmd-list-tubes"`
	CmdListTubeUsed       uint64 `yaml:"cmd-list-tube-used"`
	CmdListTubesWatched   uint64 `yaml:"cmd-list-tubes-watched"`
	CmdPauseTube          uint64 `yaml:"cmd-pause-tube"`
	JobTimeouts           uint64 `yaml:"job-timeouts"`
	TotalJobs             uint64 `yaml:"total-jobs"`
	MaxJobSize            uint64 `yaml:"max-job-size"`
	CurrentTubes          uint64 `yaml:"current-tubes"`
	CurrentConnections    uint64 `yaml:"current-connections"`
	CurrentProducers      uint64 `yaml:"current-producers"`
	CurrentWorkers        uint64 `yaml:"current-workers"`
	CurrentWaiting        uint64 `yaml:"current-waiting"`
	TotalConnections      uint64 `yaml:"total-connections"`
	PID                   uint64 `yaml:"pid"`
	Version               string `yaml:"version"`
	Uptime                uint64 `yaml:"uptime"`
	Draining              bool   `yaml:"draining"`
	ID                    string `yaml:"id"`
	Hostname              string `yaml:"hostname"`
}

var yamlDocStart = []byte("---\n")

// DecodeStats decodes a YAML stats body into one of the stats records.
func DecodeStats(payload []byte, out interface{}) error {
	if err := yaml.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}

	return nil
}

// DecodeList decodes a YAML sequence body, as sent for list-tubes and
// list-tubes-watched.
func DecodeList(payload []byte) ([]string, error) {
	var list []string
	if err := yaml.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}

	return list, nil
}

// EncodeYAML renders v the way the server sends structured bodies.
func EncodeYAML(v interface{}) ([]byte, error) {
	body, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}

	return append(append([]byte{}, yamlDocStart...), bytes.TrimPrefix(body, yamlDocStart)...), nil
}
