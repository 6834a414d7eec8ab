package main

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/streamlab/accessorylink/pkg/cli"
	"github.com/streamlab/accessorylink/pkg/device/catprinter"
	"github.com/streamlab/accessorylink/pkg/device/cooler"
	"github.com/streamlab/accessorylink/pkg/device/dji"
	"github.com/streamlab/accessorylink/pkg/device/djigimbal"
	"github.com/streamlab/accessorylink/pkg/device/heartrate"
	"github.com/streamlab/accessorylink/pkg/device/tesla"
	"github.com/streamlab/accessorylink/pkg/lifecycle"
	"github.com/streamlab/accessorylink/pkg/scanner"
	"github.com/streamlab/accessorylink/pkg/telemetry"
	"github.com/streamlab/accessorylink/pkg/transport"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrRequiresDevice  = errors.New("command requires a device (-device)")
	ErrRequiresVIN     = errors.New("command requires a VIN (-vin)")
	ErrUnknownCommand  = errors.New("unrecognized command")
)

// session is what commands run against. It outlives individual commands in the interactive shell.
type session struct {
	config   *cli.Config
	central  transport.Central
	options  lifecycle.Options
	recorder *telemetry.Recorder
}

func (s *session) record(device, kind string, value interface{}) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(device, kind, value); err != nil {
		writeErr("Couldn't record %s: %s", kind, err)
	}
}

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, s *session, args map[string]string) error

type Command struct {
	help            string
	requiresDevice  bool // True if command requires -device
	requiresVehicle bool // True if command requires a VIN and a private key
	streaming       bool // True if command runs for a requested duration instead of the command timeout
	args            []Argument
	optional        []Argument
	handler         Handler
}

func checkReadiness(commandName string, haveDevice, haveVIN bool) (*Command, error) {
	info, ok := commands[commandName]
	if !ok {
		return nil, ErrUnknownCommand
	}
	if info.requiresDevice && !haveDevice {
		return nil, ErrRequiresDevice
	}
	if info.requiresVehicle && !haveVIN {
		return nil, ErrRequiresVIN
	}
	return info, nil
}

func execute(ctx context.Context, s *session, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, err := checkReadiness(args[0], s.config.Device != "", s.config.VIN != "")
	if err != nil {
		return err
	}

	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, s, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func GetSeconds(value string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("%w: expected a positive number of seconds", ErrCommandLineArgs)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func GetByte(name, value string) (uint8, error) {
	n, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be in the range [0, 255]", ErrCommandLineArgs, name)
	}
	return uint8(n), nil
}

func GetPercent(name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || n > 100 {
		return 0, fmt.Errorf("%w: %s must be in the range [0, 100]", ErrCommandLineArgs, name)
	}
	return n, nil
}

var thermalStates = map[string]cooler.ThermalState{
	"NOMINAL":  cooler.Nominal,
	"FAIR":     cooler.Fair,
	"SERIOUS":  cooler.Serious,
	"CRITICAL": cooler.Critical,
}

func GetThermalState(value string) (cooler.ThermalState, error) {
	if state, ok := thermalStates[strings.ToUpper(value)]; ok {
		return state, nil
	}
	return 0, fmt.Errorf("%w: unrecognized thermal state '%s'", ErrCommandLineArgs, value)
}

var keyRoles = map[string]tesla.KeyRole{
	"OWNER":  tesla.KeyRoleOwner,
	"DRIVER": tesla.KeyRoleDriver,
}

func GetKeyRole(value string) (tesla.KeyRole, error) {
	if role, ok := keyRoles[strings.ToUpper(value)]; ok {
		return role, nil
	}
	return tesla.KeyRoleNone, fmt.Errorf("%w: role must be owner or driver", ErrCommandLineArgs)
}

// LoadPublicKey reads a PEM-encoded NIST-P256 public key and returns its uncompressed point.
func LoadPublicKey(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%s does not contain a PEM public key", filename)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s is not an elliptic curve key", filename)
	}
	ecdhKey, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, err
	}
	if ecdhKey.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%s is not a NIST-P256 key", filename)
	}
	return ecdhKey.Bytes(), nil
}

type device interface {
	Start(id string)
	Stop()
	State() lifecycle.State
}

// connect starts d and waits until it is connected.
func connect(ctx context.Context, d device, id string) error {
	d.Start(id)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for d.State() != lifecycle.Connected {
		select {
		case <-ctx.Done():
			d.Stop()
			return fmt.Errorf("couldn't connect to %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// await submits an operation and waits for its completion callback.
func await(ctx context.Context, submit func(done func(error)) error) error {
	result := make(chan error, 1)
	if err := submit(func(err error) { result <- err }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifiers() []scanner.Classifier {
	return []scanner.Classifier{
		catprinter.Classifier(),
		cooler.Classifier(),
		heartrate.Classifier(),
		tesla.Classifier(),
		dji.Classifier(),
	}
}

func scan(ctx context.Context, s *session, args map[string]string) error {
	duration := 5 * time.Second
	if value, ok := args["SECONDS"]; ok {
		var err error
		if duration, err = GetSeconds(value); err != nil {
			return err
		}
	}
	registry, err := s.config.Registry()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	sc := scanner.New(s.central, classifiers()...)
	done := make(chan error, 1)
	go func() { done <- sc.Run(ctx) }()
	for {
		select {
		case d := <-sc.Discovered():
			key := registry.Remember(d)
			fmt.Printf("%s  %-12s %-12s %-20s %s (%d dBm)\n", key, d.Family, d.Model, d.ID, d.Name, d.RSSI)
		case err := <-done:
			// Pick up the last-seen times of devices seen more than once.
			for _, d := range sc.Devices() {
				registry.Remember(d)
			}
			return err
		}
	}
}

// vehicle starts a vehicle. Commands submitted before the session is ready are queued.
func vehicle(s *session) (*tesla.Vehicle, error) {
	cfg, err := s.config.VehicleConfig()
	if err != nil {
		return nil, err
	}
	car, err := tesla.New(s.central, cfg, s.options)
	if err != nil {
		return nil, err
	}
	// Without -device the vehicle is found by its advertised name.
	id, err := s.config.DeviceID()
	if err != nil && !errors.Is(err, cli.ErrNoDeviceSpecified) {
		return nil, err
	}
	car.Start(id)
	return car, nil
}

func vehicleAction(submit func(car *tesla.Vehicle, done func(error)) error) Handler {
	return func(ctx context.Context, s *session, args map[string]string) error {
		car, err := vehicle(s)
		if err != nil {
			return err
		}
		defer car.Stop()
		return await(ctx, func(done func(error)) error { return submit(car, done) })
	}
}

func watchCooler(ctx context.Context, s *session, id string, c *cooler.Cooler) {
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-c.Events():
			fmt.Printf("phone %.1f C, heatsink %.1f C, cooling %d%%, fan %d%%\n",
				status.PhoneTemperature, status.HeatsinkTemperature, status.CoolingPower, status.FanSpeed)
			s.record(id, "cooler-status", status)
		}
	}
}

var commands = map[string]*Command{
	"scan": &Command{
		help:     "Discover accessories and remember them",
		optional: []Argument{Argument{name: "SECONDS", help: "How long to scan (default 5)"}},
		handler:  scan,
	},
	"devices": &Command{
		help: "List remembered accessories",
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			registry, err := s.config.Registry()
			if err != nil {
				return err
			}
			for _, e := range registry.Entries() {
				fmt.Printf("%s  %-12s %-12s %-20s %s (last seen %s)\n", e.Key, e.Family, e.Model, e.ID, e.Name, e.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	},
	"forget": &Command{
		help: "Forget a remembered accessory",
		args: []Argument{Argument{name: "KEY", help: "Key printed by scan"}},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			registry, err := s.config.Registry()
			if err != nil {
				return err
			}
			entry, err := registry.Lookup(args["KEY"])
			if err != nil {
				return err
			}
			registry.Forget(entry.Key)
			return nil
		},
	},
	"print": &Command{
		help:           "Print an image on a thermal printer",
		requiresDevice: true,
		args:           []Argument{Argument{name: "FILE", help: "PNG, JPEG or GIF image"}},
		optional:       []Argument{Argument{name: "DITHER", help: "floyd-steinberg (default) or atkinson"}},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			cfg := catprinter.Config{}
			if name, ok := args["DITHER"]; ok {
				algorithm, err := catprinter.ParseAlgorithm(name)
				if err != nil {
					return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
				}
				cfg.Algorithm = algorithm
			}
			file, err := os.Open(args["FILE"])
			if err != nil {
				return err
			}
			defer file.Close()
			img, _, err := image.Decode(file)
			if err != nil {
				return fmt.Errorf("couldn't decode %s: %w", args["FILE"], err)
			}
			id, err := s.config.DeviceID()
			if err != nil {
				return err
			}
			printer := catprinter.New(s.central, cfg, s.options)
			defer printer.Stop()
			if err := connect(ctx, printer, id); err != nil {
				return err
			}
			return await(ctx, func(done func(error)) error { return printer.Print(img, done) })
		},
	},
	"cool": &Command{
		help:           "Run a phone cooler as if the phone were in the given thermal state",
		requiresDevice: true,
		streaming:      true,
		args: []Argument{
			Argument{name: "STATE", help: "nominal, fair, serious or critical"},
			Argument{name: "SECONDS", help: "How long to run"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			state, err := GetThermalState(args["STATE"])
			if err != nil {
				return err
			}
			duration, err := GetSeconds(args["SECONDS"])
			if err != nil {
				return err
			}
			id, err := s.config.DeviceID()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()
			c := cooler.New(s.central, cooler.ThermalFunc(func() cooler.ThermalState { return state }), cooler.Config{}, s.options)
			defer c.Stop()
			if err := connect(ctx, c, id); err != nil {
				return err
			}
			watchCooler(ctx, s, id, c)
			return nil
		},
	},
	"led": &Command{
		help:           "Set the ring light of a phone cooler",
		requiresDevice: true,
		args: []Argument{
			Argument{name: "RED", help: "0-255"},
			Argument{name: "GREEN", help: "0-255"},
			Argument{name: "BLUE", help: "0-255"},
			Argument{name: "BRIGHTNESS", help: "0-100, or 0 to turn the light off"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			var color cooler.Color
			var err error
			if color.Red, err = GetByte("RED", args["RED"]); err != nil {
				return err
			}
			if color.Green, err = GetByte("GREEN", args["GREEN"]); err != nil {
				return err
			}
			if color.Blue, err = GetByte("BLUE", args["BLUE"]); err != nil {
				return err
			}
			brightness, err := GetPercent("BRIGHTNESS", args["BRIGHTNESS"])
			if err != nil {
				return err
			}
			id, err := s.config.DeviceID()
			if err != nil {
				return err
			}
			c := cooler.New(s.central, cooler.ThermalFunc(func() cooler.ThermalState { return cooler.Nominal }), cooler.Config{}, s.options)
			defer c.Stop()
			if err := connect(ctx, c, id); err != nil {
				return err
			}
			if brightness == 0 {
				return c.TurnOffLED()
			}
			return c.SetLEDColor(color, brightness)
		},
	},
	"heart-rate": &Command{
		help:           "Show heart rate and running metrics",
		requiresDevice: true,
		streaming:      true,
		args:           []Argument{Argument{name: "SECONDS", help: "How long to listen"}},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			duration, err := GetSeconds(args["SECONDS"])
			if err != nil {
				return err
			}
			id, err := s.config.DeviceID()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()
			monitor := heartrate.New(s.central, s.options)
			defer monitor.Stop()
			if err := connect(ctx, monitor, id); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case sample := <-monitor.Events():
					switch sample.Kind {
					case heartrate.HeartRateSample:
						fmt.Printf("%s  %d bpm\n", sample.At.Format(time.TimeOnly), sample.HeartRate)
					case heartrate.RunSample:
						fmt.Printf("%s  cadence %d, %.0f m\n", sample.At.Format(time.TimeOnly), sample.Run.Cadence, sample.Run.DistanceMeters)
					}
					s.record(id, sample.Kind.String(), sample)
				}
			}
		},
	},
	"gimbal": &Command{
		help:           "Show button presses and zoom changes from a gimbal",
		requiresDevice: true,
		streaming:      true,
		args:           []Argument{Argument{name: "SECONDS", help: "How long to listen"}},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			duration, err := GetSeconds(args["SECONDS"])
			if err != nil {
				return err
			}
			id, err := s.config.DeviceID()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()
			gimbal := djigimbal.New(s.central, s.options)
			defer gimbal.Stop()
			if err := connect(ctx, gimbal, id); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case e := <-gimbal.Events():
					switch e.Kind {
					case djigimbal.TriggerPressed:
						fmt.Printf("%s %s\n", e.Kind, e.Press)
					case djigimbal.Zoomed:
						fmt.Printf("%s %d\n", e.Kind, e.Zoom)
					default:
						fmt.Println(e.Kind)
					}
					s.record(id, "gimbal-"+e.Kind.String(), e)
				}
			}
		},
	},
	"live": &Command{
		help:           "Stream live video from a camera to an RTMP server",
		requiresDevice: true,
		streaming:      true,
		args: []Argument{
			Argument{name: "RTMP_URL", help: "rtmp:// URL to publish to"},
			Argument{name: "SSID", help: "Wi-Fi network the camera should join"},
			Argument{name: "PASSWORD", help: "Wi-Fi password"},
			Argument{name: "SECONDS", help: "How long to stream"},
		},
		optional: []Argument{
			Argument{name: "RESOLUTION", help: "480p, 720p or 1080p (default)"},
			Argument{name: "STABILIZATION", help: "off (default), rocksteady, rocksteady+, horizon-balancing or horizon-steady"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			duration, err := GetSeconds(args["SECONDS"])
			if err != nil {
				return err
			}
			cfg := dji.Config{
				RTMPURL:      args["RTMP_URL"],
				WifiSSID:     args["SSID"],
				WifiPassword: args["PASSWORD"],
				Resolution:   dji.Resolution1080p,
			}
			if name, ok := args["RESOLUTION"]; ok {
				if cfg.Resolution, err = dji.ParseResolution(name); err != nil {
					return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
				}
			}
			if name, ok := args["STABILIZATION"]; ok {
				if cfg.Stabilization, err = dji.ParseStabilization(name); err != nil {
					return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
				}
			}
			id, err := s.config.DeviceID()
			if err != nil {
				return err
			}
			camera := dji.New(s.central, cfg, s.options)
			defer camera.Stop()
			if err := connect(ctx, camera, id); err != nil {
				return err
			}

			var streamEnd <-chan time.Time
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-streamEnd:
					return camera.StopLive()
				case e := <-camera.Events():
					if e.Err != nil {
						return e.Err
					}
					fmt.Println(e.State)
					if e.State == dji.Streaming && streamEnd == nil {
						streamEnd = time.After(duration)
					}
				}
			}
		},
	},
	"honk": &Command{
		help:            "Honk horn",
		requiresVehicle: true,
		handler:         vehicleAction((*tesla.Vehicle).Honk),
	},
	"flash-lights": &Command{
		help:            "Flash lights",
		requiresVehicle: true,
		handler:         vehicleAction((*tesla.Vehicle).FlashLights),
	},
	"trunk-open": &Command{
		help:            "Open the rear trunk",
		requiresVehicle: true,
		handler:         vehicleAction((*tesla.Vehicle).OpenTrunk),
	},
	"trunk-close": &Command{
		help:            "Close the rear trunk. Not supported by all vehicles.",
		requiresVehicle: true,
		handler:         vehicleAction((*tesla.Vehicle).CloseTrunk),
	},
	"frunk-open": &Command{
		help:            "Open the front trunk",
		requiresVehicle: true,
		handler: vehicleAction(func(car *tesla.Vehicle, done func(error)) error {
			return car.MoveClosure(tesla.FrontTrunk, tesla.ClosureMoveOpen, done)
		}),
	},
	"add-key-request": &Command{
		help:            "Ask the vehicle to add PUBLIC_KEY. Confirm by tapping a key card on the center console.",
		requiresVehicle: true,
		args: []Argument{
			Argument{name: "PUBLIC_KEY", help: "File containing a PEM-encoded public key"},
			Argument{name: "ROLE", help: "owner or driver"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			role, err := GetKeyRole(args["ROLE"])
			if err != nil {
				return err
			}
			publicKey, err := LoadPublicKey(args["PUBLIC_KEY"])
			if err != nil {
				return err
			}
			return vehicleAction(func(car *tesla.Vehicle, done func(error)) error {
				return car.AddKey(publicKey, role, done)
			})(ctx, s, args)
		},
	},
}
