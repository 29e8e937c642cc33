// Command haloctl talks to the Avi-on cloud directly: list an account's
// inventory and drive individual lights, groups and scenes without running
// the bridge daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"halo-bridge/internal/avion"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	app := kingpin.New("haloctl", "Query and control HALO Home lights through the Avi-on cloud.")
	app.Version(version)

	email := app.Flag("email", "Avi-on account email.").Envar("HALO_EMAIL").Required().String()
	password := app.Flag("password", "Avi-on account password.").Envar("HALO_PASSWORD").Required().String()
	apiURL := app.Flag("api", "Avi-on API base URL.").Default(avion.DefaultBaseURL).String()
	timeout := app.Flag("timeout", "Deadline for the whole command.").Default("30s").Duration()
	debug := app.Flag("debug", "Log cloud requests to stderr.").Bool()

	locationsCmd := app.Command("locations", "List the account's locations.")

	devicesCmd := app.Command("devices", "List devices, with their product IDs.")
	devicesLoc := devicesCmd.Flag("location", "Location PID (default: every location).").Int64()

	groupsCmd := app.Command("groups", "List device groups.")
	groupsLoc := groupsCmd.Flag("location", "Location PID (default: every location).").Int64()

	scenesCmd := app.Command("scenes", "List scenes.")
	scenesLoc := scenesCmd.Flag("location", "Location PID (default: every location).").Int64()

	stateCmd := app.Command("state", "Show an entity's current state.")
	statePID := stateCmd.Arg("pid", "Entity PID.").Required().Int64()
	stateKind := stateCmd.Flag("kind", "Entity kind: device, group or scene.").Default("device").Enum("device", "group", "scene")

	onCmd := app.Command("on", "Turn a device or group on.")
	onPID := onCmd.Arg("pid", "Device PID.").Required().Int64()
	onGroup := onCmd.Flag("group", "Target a group instead of a device.").Bool()

	offCmd := app.Command("off", "Turn a device or group off.")
	offPID := offCmd.Arg("pid", "Device PID.").Required().Int64()
	offGroup := offCmd.Flag("group", "Target a group instead of a device.").Bool()

	dimCmd := app.Command("dim", "Set brightness.")
	dimPID := dimCmd.Arg("pid", "Device PID.").Required().Int64()
	dimLevel := dimCmd.Arg("level", "Brightness 0-255.").Required().Int()
	dimGroup := dimCmd.Flag("group", "Target a group instead of a device.").Bool()

	tempCmd := app.Command("temp", "Set white color temperature.")
	tempPID := tempCmd.Arg("pid", "Device PID.").Required().Int64()
	tempKelvin := tempCmd.Arg("kelvin", "Color temperature in kelvin.").Required().Int()
	tempGroup := tempCmd.Flag("group", "Target a group instead of a device.").Bool()

	activateCmd := app.Command("activate", "Activate a scene.")
	activatePID := activateCmd.Arg("pid", "Scene PID.").Required().Int64()
	activateOff := activateCmd.Flag("off", "Deactivate the scene instead.").Bool()

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	api := avion.NewClient(*email, *password, logger, avion.WithBaseURL(*apiURL))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	app.FatalIfError(api.Authenticate(ctx), "")

	var err error
	switch cmd {
	case locationsCmd.FullCommand():
		err = runLocations(ctx, api)
	case devicesCmd.FullCommand():
		err = runDevices(ctx, api, *devicesLoc)
	case groupsCmd.FullCommand():
		err = runGroups(ctx, api, *groupsLoc)
	case scenesCmd.FullCommand():
		err = runScenes(ctx, api, *scenesLoc)
	case stateCmd.FullCommand():
		err = runState(ctx, api, *stateKind, *statePID)
	case onCmd.FullCommand():
		err = runPower(ctx, api, *onPID, *onGroup, true)
	case offCmd.FullCommand():
		err = runPower(ctx, api, *offPID, *offGroup, false)
	case dimCmd.FullCommand():
		err = runDim(ctx, api, *dimPID, *dimGroup, *dimLevel)
	case tempCmd.FullCommand():
		err = runTemp(ctx, api, *tempPID, *tempGroup, *tempKelvin)
	case activateCmd.FullCommand():
		err = runActivate(ctx, api, *activatePID, !*activateOff)
	}
	app.FatalIfError(err, "")
}

func runLocations(ctx context.Context, api avion.API) error {
	locs, err := api.Locations(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-12s %s\n", "PID", "NAME")
	for _, l := range locs {
		fmt.Printf("%-12d %s\n", l.PID, l.Name)
	}
	return nil
}

func runDevices(ctx context.Context, api avion.API, locPID int64) error {
	locs, err := targetLocations(ctx, api, locPID)
	if err != nil {
		return err
	}
	for i, loc := range locs {
		devs, err := api.AbstractDevices(ctx, loc.PID)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s (location %d)\n", loc.Name, loc.PID)
		fmt.Printf("%-12s %-10s %s\n", "PID", "PRODUCT", "NAME")
		for _, d := range devs {
			fmt.Printf("%-12d %-10d %s\n", d.PID, d.ProductID, d.Name)
		}
	}
	return nil
}

func runGroups(ctx context.Context, api avion.API, locPID int64) error {
	locs, err := targetLocations(ctx, api, locPID)
	if err != nil {
		return err
	}
	for i, loc := range locs {
		groups, err := api.Groups(ctx, loc.PID)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s (location %d)\n", loc.Name, loc.PID)
		fmt.Printf("%-12s %s\n", "PID", "NAME")
		for _, g := range groups {
			fmt.Printf("%-12d %s\n", g.PID, g.Name)
		}
	}
	return nil
}

func runScenes(ctx context.Context, api avion.API, locPID int64) error {
	locs, err := targetLocations(ctx, api, locPID)
	if err != nil {
		return err
	}
	for i, loc := range locs {
		scenes, err := api.Scenes(ctx, loc.PID)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s (location %d)\n", loc.Name, loc.PID)
		fmt.Printf("%-12s %s\n", "PID", "NAME")
		for _, s := range scenes {
			fmt.Printf("%-12d %s\n", s.PID, s.Name)
		}
	}
	return nil
}

func runState(ctx context.Context, api avion.API, kind string, pid int64) error {
	var props []avion.Property
	var err error
	switch kind {
	case "group":
		props, err = api.GroupState(ctx, pid)
	case "scene":
		props, err = api.SceneState(ctx, pid)
	default:
		props, err = api.DeviceState(ctx, pid)
	}
	if err != nil {
		return err
	}
	state := avion.ParseState(props)
	if on, ok := avion.PropBool(state, avion.PropOnOff); ok {
		fmt.Printf("%-12s %v\n", "on:", on)
	}
	if dim, ok := avion.PropInt(state, avion.PropDim); ok {
		fmt.Printf("%-12s %d\n", "dim:", dim)
	}
	if kelvin, ok := avion.PropInt(state, avion.PropWhite); ok {
		fmt.Printf("%-12s %d K (%d mired)\n", "white:", kelvin, avion.MiredFromKelvin(kelvin))
	}
	fmt.Printf("%-12s %d\n", "brightness:", avion.Brightness(state))
	return nil
}

func runPower(ctx context.Context, api avion.API, pid int64, group, on bool) error {
	if _, err := setState(ctx, api, pid, group)(avion.OnOff(on)); err != nil {
		return err
	}
	word := "off"
	if on {
		word = "on"
	}
	fmt.Printf("%s %d is now %s\n", entityWord(group), pid, word)
	return nil
}

func runDim(ctx context.Context, api avion.API, pid int64, group bool, level int) error {
	if level < 0 || level > 255 {
		return fmt.Errorf("brightness must be 0-255, got %d", level)
	}
	if _, err := setState(ctx, api, pid, group)(avion.Dim(uint8(level))); err != nil {
		return err
	}
	fmt.Printf("%s %d brightness set to %d\n", entityWord(group), pid, level)
	return nil
}

func runTemp(ctx context.Context, api avion.API, pid int64, group bool, kelvin int) error {
	if kelvin < 1500 || kelvin > 9000 {
		return fmt.Errorf("color temperature must be 1500-9000 K, got %d", kelvin)
	}
	if _, err := setState(ctx, api, pid, group)(avion.White(kelvin)); err != nil {
		return err
	}
	fmt.Printf("%s %d white set to %d K\n", entityWord(group), pid, kelvin)
	return nil
}

func runActivate(ctx context.Context, api avion.API, pid int64, on bool) error {
	if _, err := api.SetSceneState(ctx, pid, avion.OnOff(on)); err != nil {
		return err
	}
	word := "deactivated"
	if on {
		word = "activated"
	}
	fmt.Printf("scene %d %s\n", pid, word)
	return nil
}

// setState picks the device or group write endpoint.
func setState(ctx context.Context, api avion.API, pid int64, group bool) func(avion.Property) ([]avion.Property, error) {
	return func(p avion.Property) ([]avion.Property, error) {
		if group {
			return api.SetGroupState(ctx, pid, p)
		}
		return api.SetDeviceState(ctx, pid, p)
	}
}

func entityWord(group bool) string {
	if group {
		return "group"
	}
	return "device"
}

// targetLocations resolves the --location flag: a specific location when
// given, otherwise every location on the account.
func targetLocations(ctx context.Context, api avion.API, pid int64) ([]avion.Location, error) {
	locs, err := api.Locations(ctx)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return locs, nil
	}
	for _, l := range locs {
		if l.PID == pid {
			return []avion.Location{l}, nil
		}
	}
	return nil, fmt.Errorf("location %d not found", pid)
}
