// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

var (
	ErrMarginOutOfRange       = errors.New("estimate margin must be within [0, 1)")
	ErrPenaltyOutOfRange      = errors.New("congested penalty must be within [0, 1)")
	ErrConfirmationsTooLow    = errors.New("upgrade confirmations must be at least 1")
	ErrTimeoutCyclesTooLow    = errors.New("command timeout cycles must be at least 1")
	ErrEvaluationIntervalZero = errors.New("evaluation interval must be positive")
)

type Config struct {
	Allocator      AllocatorConfig `yaml:"allocator,omitempty"`
	Estimate       EstimateConfig  `yaml:"estimate,omitempty"`
	Logging        LoggingConfig   `yaml:"logging,omitempty"`
	PrometheusPort uint32          `yaml:"prometheus_port,omitempty"`
	Development    bool            `yaml:"development,omitempty"`
}

type AllocatorConfig struct {
	// cadence of timer-driven evaluation cycles, estimate and catalog
	// changes evaluate on arrival
	EvaluationInterval time.Duration `yaml:"evaluation_interval,omitempty"`

	// a source transitioned less than this long ago is left alone,
	// pauses are exempt
	MinDwell time.Duration `yaml:"min_dwell,omitempty"`

	// consecutive cycles an upgrade has to be proposed before it commits
	UpgradeConfirmations uint32 `yaml:"upgrade_confirmations,omitempty"`

	// a subscription command unconfirmed for this many cycles is failed
	CommandTimeoutCycles uint64 `yaml:"command_timeout_cycles,omitempty"`

	// coalesces bursts of catalog changes, 0 evaluates immediately
	SourceSettleDelay time.Duration `yaml:"source_settle_delay,omitempty"`
}

type EstimateConfig struct {
	// fraction of the estimate held back as safety headroom
	Margin float64 `yaml:"margin,omitempty"`

	// fraction of the budget withheld while congested
	CongestedPenalty float64 `yaml:"congested_penalty,omitempty"`

	// how long the last good estimate keeps driving allocation before
	// the budget collapses to zero
	EstimateGrace time.Duration `yaml:"estimate_grace,omitempty"`

	// estimates above this are treated as malformed
	MaxEstimateBps int64 `yaml:"max_estimate_bps,omitempty"`

	Trend TrendConfig `yaml:"trend,omitempty"`
}

type TrendConfig struct {
	Enabled                bool          `yaml:"enabled,omitempty"`
	RequiredSamples        int           `yaml:"required_samples,omitempty"`
	DownwardTrendThreshold float64       `yaml:"downward_trend_threshold,omitempty"`
	CollapseThreshold      time.Duration `yaml:"collapse_threshold,omitempty"`
	ValidityWindow         time.Duration `yaml:"validity_window,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

var DefaultConfig = Config{
	Allocator: AllocatorConfig{
		EvaluationInterval:   500 * time.Millisecond,
		MinDwell:             2 * time.Second,
		UpgradeConfirmations: 2,
		CommandTimeoutCycles: 40,
		SourceSettleDelay:    0,
	},
	Estimate: EstimateConfig{
		Margin:           0.1,
		CongestedPenalty: 0.25,
		EstimateGrace:    6 * time.Second,
		MaxEstimateBps:   1_000_000_000,
		Trend: TrendConfig{
			Enabled:                true,
			RequiredSamples:        8,
			DownwardTrendThreshold: -0.5,
			CollapseThreshold:      500 * time.Millisecond,
			ValidityWindow:         10 * time.Second,
		},
	},
	Logging: LoggingConfig{
		Config: logger.Config{
			Level: "info",
		},
	},
}

func NewConfig(confString string, strictMode bool) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err = yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (conf *Config) Validate() error {
	if conf.Estimate.Margin < 0.0 || conf.Estimate.Margin >= 1.0 {
		return ErrMarginOutOfRange
	}
	if conf.Estimate.CongestedPenalty < 0.0 || conf.Estimate.CongestedPenalty >= 1.0 {
		return ErrPenaltyOutOfRange
	}
	if conf.Allocator.UpgradeConfirmations < 1 {
		return ErrConfirmationsTooLow
	}
	if conf.Allocator.CommandTimeoutCycles < 1 {
		return ErrTimeoutCyclesTooLow
	}
	if conf.Allocator.EvaluationInterval <= 0 {
		return ErrEvaluationIntervalZero
	}
	return nil
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "downlink-allocator")
}
