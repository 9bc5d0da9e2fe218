// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package leader

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/jobflow/engine/autoscaler"
	"github.com/pingcap/jobflow/engine/batch/local"
	"github.com/pingcap/jobflow/engine/batch/slurm"
	"github.com/pingcap/jobflow/engine/model"
	"github.com/pingcap/jobflow/pkg/errors"
	"github.com/pingcap/jobflow/pkg/logutil"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// CleanPolicy decides when the job store is destroyed after a run.
type CleanPolicy string

// Clean policies.
const (
	CleanAlways    CleanPolicy = "always"
	CleanOnError   CleanPolicy = "onError"
	CleanNever     CleanPolicy = "never"
	CleanOnSuccess CleanPolicy = "onSuccess"
)

func (p CleanPolicy) valid() bool {
	switch p {
	case CleanAlways, CleanOnError, CleanNever, CleanOnSuccess:
		return true
	}
	return false
}

// shouldClean reports whether the store is destroyed after a run ending
// with runErr.
func (p CleanPolicy) shouldClean(runErr error) bool {
	switch p {
	case CleanAlways:
		return true
	case CleanOnError:
		return runErr != nil
	case CleanOnSuccess:
		return runErr == nil
	}
	return false
}

const (
	defaultBatchSystem      = local.Name
	defaultRetries          = 1
	defaultCores            = "1"
	defaultMemory           = "2Gi"
	defaultDisk             = "2Gi"
	defaultPollInterval     = "1s"
	defaultRescueInterval   = "1m"
	defaultLostGrace        = "30s"
	defaultProgressInterval = "10s"
	defaultStatsInterval    = "5s"
)

// Config is the configuration of a run.
type Config struct {
	LogConf logutil.Config `toml:"log" json:"log"`

	JobStore    string        `toml:"job-store" json:"job-store"`
	BatchSystem string        `toml:"batch-system" json:"batch-system"`
	Local       *local.Config `toml:"local" json:"local"`
	Slurm       *slurm.Config `toml:"slurm" json:"slurm"`

	// WorkerCommand is the program the batch system launches for a job,
	// followed by fixed arguments. The leader appends the job store and job
	// ID flags. Defaults to this executable's worker subcommand.
	WorkerCommand []string `toml:"worker-command" json:"worker-command"`
	WorkDir       string   `toml:"work-dir" json:"work-dir"`

	DefaultCores       string `toml:"default-cores" json:"default-cores"`
	DefaultMemory      string `toml:"default-memory" json:"default-memory"`
	DefaultDisk        string `toml:"default-disk" json:"default-disk"`
	DefaultPreemptable bool   `toml:"default-preemptable" json:"default-preemptable"`
	DefaultRetries     int    `toml:"default-retries" json:"default-retries"`

	Clean         CleanPolicy `toml:"clean" json:"clean"`
	StopOnFailure bool        `toml:"stop-on-failure" json:"stop-on-failure"`
	Stats         bool        `toml:"stats" json:"stats"`

	PollIntervalStr     string `toml:"poll-interval" json:"poll-interval"`
	RescueIntervalStr   string `toml:"rescue-interval" json:"rescue-interval"`
	LostGraceStr        string `toml:"lost-grace" json:"lost-grace"`
	MaxJobDurationStr   string `toml:"max-job-duration" json:"max-job-duration"`
	ProgressIntervalStr string `toml:"progress-interval" json:"progress-interval"`
	StatsIntervalStr    string `toml:"stats-interval" json:"stats-interval"`

	PollInterval     time.Duration `toml:"-" json:"-"`
	RescueInterval   time.Duration `toml:"-" json:"-"`
	LostGrace        time.Duration `toml:"-" json:"-"`
	MaxJobDuration   time.Duration `toml:"-" json:"-"`
	ProgressInterval time.Duration `toml:"-" json:"-"`
	StatsInterval    time.Duration `toml:"-" json:"-"`

	DefaultRequirements model.Requirements `toml:"-" json:"-"`

	Autoscaler *autoscaler.Config `toml:"autoscaler" json:"autoscaler"`
}

// GetDefaultConfig returns the default run config.
func GetDefaultConfig() *Config {
	return &Config{
		LogConf:             *logutil.DefaultConfig(),
		BatchSystem:         defaultBatchSystem,
		Local:               &local.Config{},
		Slurm:               &slurm.Config{},
		DefaultCores:        defaultCores,
		DefaultMemory:       defaultMemory,
		DefaultDisk:         defaultDisk,
		DefaultRetries:      defaultRetries,
		Clean:               CleanOnSuccess,
		PollIntervalStr:     defaultPollInterval,
		RescueIntervalStr:   defaultRescueInterval,
		LostGraceStr:        defaultLostGrace,
		ProgressIntervalStr: defaultProgressInterval,
		StatsIntervalStr:    defaultStatsInterval,
		Autoscaler:          &autoscaler.Config{},
	}
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("leader config", c), logutil.ShortError(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// ConfigFromFile loads config from file and merges items into c.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WrapError(errors.ErrConfigDecode, err)
	}
	return checkUndecodedItems(metaData)
}

// ConfigFromString is ConfigFromFile for TOML text.
func (c *Config) ConfigFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return errors.WrapError(errors.ErrConfigDecode, err)
	}
	return checkUndecodedItems(metaData)
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return errors.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}

func parseDuration(name, s string, allowZero bool) (time.Duration, error) {
	if s == "" && allowZero {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, errors.ErrInvalidArgument.GenWithStackByArgs(name + " " + s)
	}
	return d, nil
}

// Adjust validates the config and fills derived fields.
func (c *Config) Adjust() (err error) {
	c.LogConf.Adjust()
	if c.BatchSystem == "" {
		c.BatchSystem = defaultBatchSystem
	}
	if c.Clean == "" {
		c.Clean = CleanOnSuccess
	}
	if !c.Clean.valid() {
		return errors.ErrInvalidArgument.GenWithStackByArgs("clean policy " + string(c.Clean))
	}
	if c.DefaultRetries < 0 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("negative default-retries")
	}
	if c.Local == nil {
		c.Local = &local.Config{}
	}
	if c.Slurm == nil {
		c.Slurm = &slurm.Config{}
	}
	if c.Autoscaler == nil {
		c.Autoscaler = &autoscaler.Config{}
	}
	if err := c.Autoscaler.Adjust(); err != nil {
		return err
	}

	c.DefaultRequirements, err = model.ParseRequirements(
		c.DefaultCores, c.DefaultMemory, c.DefaultDisk, c.DefaultPreemptable)
	if err != nil {
		return err
	}

	if c.PollInterval, err = parseDuration("poll-interval", c.PollIntervalStr, false); err != nil {
		return err
	}
	if c.RescueInterval, err = parseDuration("rescue-interval", c.RescueIntervalStr, false); err != nil {
		return err
	}
	if c.LostGrace, err = parseDuration("lost-grace", c.LostGraceStr, true); err != nil {
		return err
	}
	if c.MaxJobDuration, err = parseDuration("max-job-duration", c.MaxJobDurationStr, true); err != nil {
		return err
	}
	if c.ProgressInterval, err = parseDuration("progress-interval", c.ProgressIntervalStr, false); err != nil {
		return err
	}
	if c.StatsInterval, err = parseDuration("stats-interval", c.StatsIntervalStr, false); err != nil {
		return err
	}
	return nil
}

// batchConfig returns the section of the selected batch system.
func (c *Config) batchConfig() interface{} {
	switch c.BatchSystem {
	case local.Name:
		return c.Local
	case slurm.Name:
		return c.Slurm
	}
	return nil
}
