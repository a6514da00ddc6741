// Copyright 2024 LiveKit, Inc.
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

package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/downlink-allocator/pkg/config"
	"github.com/livekit/downlink-allocator/pkg/telemetry/prometheus"
	"github.com/livekit/downlink-allocator/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to allocator config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "allocator config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"ALLOCATOR_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "scenario",
		Usage: "path to scenario YAML with sources, preferences, and the bandwidth timeline",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	app := &cli.App{
		Name:        "allocsim",
		Usage:       "downlink video allocation simulator",
		Description: "replays a scenario against the allocator and reports stream transitions",
		Flags:       baseFlags,
		Action:      runScenario,
		Commands: []*cli.Command{
			{
				Name:   "validate",
				Usage:  "parses the config and scenario without running them",
				Action: validateScenario,
			},
			{
				Name:   "print-defaults",
				Usage:  "prints the default config as YAML",
				Action: printDefaults,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode)
	if err != nil {
		return nil, err
	}

	if c.Bool("dev") {
		conf.Development = true
		conf.Logging.Level = "debug"
	}
	config.InitLoggerFromConfig(&conf.Logging)
	return conf, nil
}

func getScenario(c *cli.Context) (*Scenario, error) {
	scenarioFile := c.String("scenario")
	if scenarioFile == "" {
		return nil, errors.New("no scenario given, use --scenario")
	}
	return LoadScenario(scenarioFile)
}

func runScenario(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	scenario, err := getScenario(c)
	if err != nil {
		return err
	}

	prometheus.Init("allocsim")
	if conf.PrometheusPort > 0 {
		promLn, err := net.Listen("tcp", fmt.Sprintf(":%d", conf.PrometheusPort))
		if err != nil {
			return err
		}
		promServer := &http.Server{
			Handler: promhttp.Handler(),
		}
		go promServer.Serve(promLn)
	}

	sim := NewSimulation(conf, scenario)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, aborting scenario", "signal", sig)
		sim.Abort()
	}()

	report, err := sim.Run()
	if err != nil {
		return err
	}
	report.Render(os.Stdout)
	return nil
}

func validateScenario(c *cli.Context) error {
	if _, err := getConfig(c); err != nil {
		return err
	}

	scenario, err := getScenario(c)
	if err != nil {
		return err
	}

	fmt.Printf("scenario ok: %d sources, %d preferences, %d timeline steps\n",
		len(scenario.Sources), len(scenario.Preferences), len(scenario.Timeline))
	return nil
}

func printDefaults(c *cli.Context) error {
	out, err := yaml.Marshal(&config.DefaultConfig)
	if err != nil {
		return err
	}

	fmt.Print(string(out))
	return nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
