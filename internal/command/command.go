// Package command parses control-plane messages into fleet configurations.
package command

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fleetsim/fleetsim/internal/simulation"
)

// Parse failures are non-fatal: the caller logs them and leaves the active
// configuration untouched.
var (
	ErrEmptyCommand     = errors.New("empty command")
	ErrInvalidArguments = errors.New("invalid command arguments")
	ErrUnknownCommand   = errors.New("unknown command")
)

// defaultSeed applies when a start command omits its seed argument.
const defaultSeed uint64 = 1

// Command is one parsed control-plane message. Stop carries the zero
// parameter set, so applying any command is a plain Simulation.Apply.
type Command struct {
	Name   string
	Params simulation.Parameters
}

// Parse turns a whitespace-delimited command string into a Command.
//
//	start <device_count> <data_points> <cycle_interval_secs> [seed]
//	stop
func Parse(input string) (Command, error) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return Command{}, ErrEmptyCommand
	}

	switch parts[0] {
	case "start":
		return parseStart(parts)
	case "stop":
		return Command{Name: "stop"}, nil
	default:
		return Command{}, ErrUnknownCommand
	}
}

func parseStart(parts []string) (Command, error) {
	if len(parts) != 4 && len(parts) != 5 {
		return Command{}, ErrInvalidArguments
	}

	devices, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Command{}, ErrInvalidArguments
	}
	dataPoints, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Command{}, ErrInvalidArguments
	}
	intervalSecs, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return Command{}, ErrInvalidArguments
	}

	seed := defaultSeed
	if len(parts) == 5 {
		seed, err = strconv.ParseUint(parts[4], 10, 64)
		if err != nil {
			return Command{}, ErrInvalidArguments
		}
	}

	return Command{
		Name: "start",
		Params: simulation.Parameters{
			DeviceCount:         int(devices),
			DataPointsPerDevice: int(dataPoints),
			CycleInterval:       time.Duration(intervalSecs) * time.Second,
			Seed:                seed,
		},
	}, nil
}
