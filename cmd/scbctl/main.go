// cmd/scbctl/main.go
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"scb-bridge/internal/config"
	"scb-bridge/internal/configblock"
	"scb-bridge/internal/cyusb"
	"scb-bridge/internal/utils"
	"scb-bridge/pkg/bridge"
)

const usage = `Usage: scbctl <command> [flags]

Commands:
  scan                      list bridge devices on the bus
  info                      show firmware version, silicon ID and configuration
  dump <file>               save the configuration table to a file
  mode <i2c|spi|uart>       switch the device operating mode
  serial                    print the OS serial port of a CDC UART device
  set-serial <serial>       program a new serial number
  set-vidpid <vvvv:pppp>    program a new VID/PID pair
  flash-read <addr> <len>   read user flash (page aligned)
  flash-write <addr> <hex>  program user flash (page aligned)

Flags:
  -device <serial>          select a device by serial number
  -scb <n>                  serial control block index (default 0)
`

// Application holds the wired-up tool state.
type Application struct {
	config *config.Config
	logger *zap.Logger
	bridge *bridge.Bridge

	device string
	scb    int
}

func main() {
	flags := flag.NewFlagSet("scbctl", flag.ExitOnError)
	device := flags.String("device", "", "device serial number")
	scb := flags.Int("scb", 0, "serial control block index")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	if err := flags.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	app, err := newApplication(*device, *scb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scbctl: %v\n", err)
		os.Exit(1)
	}
	defer app.close()
	defer utils.LogPanic(app.logger)

	if err := app.run(command, flags.Args()); err != nil {
		utils.LogError(app.logger, "command failed", err, zap.String("command", command))
		fmt.Fprintf(os.Stderr, "scbctl: %v\n", err)
		os.Exit(1)
	}
}

func newApplication(device string, scb int) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	// The environment shapes the log output: production stays machine
	// readable, development gets the verbose console form.
	if cfg.IsProduction() {
		cfg.Logging.Format = "json"
	} else if cfg.IsDevelopment() {
		cfg.Logging.Format = "console"
	}
	if cfg.IsDebugEnabled() {
		cfg.Logging.Level = "debug"
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, err
	}
	br, err := bridge.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Application{
		config: cfg,
		logger: logger,
		bridge: br,
		device: device,
		scb:    scb,
	}, nil
}

func (app *Application) close() {
	if err := app.bridge.Close(); err != nil {
		app.logger.Warn("closing bridge", zap.Error(err))
	}
	utils.CloseLogger(app.logger)
}

func (app *Application) run(command string, args []string) error {
	switch command {
	case "scan":
		return app.scan()
	case "info":
		return app.info()
	case "dump":
		if len(args) != 1 {
			return fmt.Errorf("dump needs a file argument")
		}
		return app.dump(args[0])
	case "mode":
		if len(args) != 1 {
			return fmt.Errorf("mode needs a target argument")
		}
		return app.setMode(args[0])
	case "serial":
		return app.serialPort()
	case "set-serial":
		if len(args) != 1 {
			return fmt.Errorf("set-serial needs a serial argument")
		}
		return app.setSerial(args[0])
	case "set-vidpid":
		if len(args) != 1 {
			return fmt.Errorf("set-vidpid needs a vvvv:pppp argument")
		}
		return app.setVIDPID(args[0])
	case "flash-read":
		if len(args) != 2 {
			return fmt.Errorf("flash-read needs addr and len arguments")
		}
		return app.flashRead(args[0], args[1])
	case "flash-write":
		if len(args) != 2 {
			return fmt.Errorf("flash-write needs addr and hex data arguments")
		}
		return app.flashWrite(args[0], args[1])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (app *Application) scan() error {
	devices, err := app.bridge.Scan()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no bridge devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Println(d)
	}
	return nil
}

func (app *Application) info() error {
	h, err := app.bridge.OpenMFG(app.device)
	if err != nil {
		return err
	}
	defer h.Close()

	ver, err := h.FirmwareVersion()
	if err != nil {
		return err
	}
	silicon, err := h.SiliconID()
	if err != nil {
		return err
	}
	block, err := h.ReadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("device:    %s\n", h.Identity)
	fmt.Printf("firmware:  %s\n", ver)
	fmt.Printf("silicon:   0x%08X\n", silicon)
	fmt.Printf("config:    %s\n", block)
	return nil
}

func (app *Application) dump(path string) error {
	h, err := app.bridge.OpenMFG(app.device)
	if err != nil {
		return err
	}
	defer h.Close()

	block, err := h.ReadConfig()
	if err != nil {
		return err
	}
	if err := block.Save(path); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", block.Size(), path)
	return nil
}

func (app *Application) setMode(target string) error {
	switch strings.ToLower(target) {
	case "i2c":
		h, err := app.bridge.OpenI2C(app.device, app.scb)
		if err != nil {
			return err
		}
		defer h.Close()
		fmt.Printf("device %s is in I2C mode\n", h.Identity.Serial)
	case "spi":
		h, err := app.bridge.OpenSPI(app.device, app.scb)
		if err != nil {
			return err
		}
		defer h.Close()
		fmt.Printf("device %s is in SPI mode\n", h.Identity.Serial)
	case "uart":
		h, err := app.bridge.OpenUART(app.device)
		if err != nil {
			return err
		}
		fmt.Printf("device %s is in UART mode on %s\n", h.Identity.Serial, h.Port)
	default:
		return fmt.Errorf("unknown mode %q, want i2c, spi or uart", target)
	}
	return nil
}

func (app *Application) serialPort() error {
	h, err := app.bridge.OpenUART(app.device)
	if err != nil {
		return err
	}
	fmt.Println(h.Port)
	return nil
}

func (app *Application) setSerial(serial string) error {
	h, err := app.bridge.OpenMFG(app.device)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.UpdateConfig(func(b *configblock.Block) (*configblock.Block, error) {
		return b.WithSerial(serial)
	}); err != nil {
		return err
	}
	fmt.Printf("serial number set to %s, device is re-enumerating\n", serial)
	return nil
}

func (app *Application) setVIDPID(pair string) error {
	vid, pid, err := config.ParseVIDPID(pair)
	if err != nil {
		return err
	}
	h, err := app.bridge.OpenMFG(app.device)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.UpdateConfig(func(b *configblock.Block) (*configblock.Block, error) {
		return b.WithVIDPID(vid, pid), nil
	}); err != nil {
		return err
	}
	fmt.Printf("identity set to %04x:%04x, device is re-enumerating\n", vid, pid)
	return nil
}

func (app *Application) flashRead(addrArg, lenArg string) error {
	addr, err := strconv.Atoi(addrArg)
	if err != nil {
		return fmt.Errorf("invalid address %q", addrArg)
	}
	size, err := strconv.Atoi(lenArg)
	if err != nil {
		return fmt.Errorf("invalid length %q", lenArg)
	}

	h, err := app.bridge.OpenMFG(app.device)
	if err != nil {
		return err
	}
	defer h.Close()

	data, err := h.ReadUserFlash(addr, size)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(data))
	return nil
}

func (app *Application) flashWrite(addrArg, hexArg string) error {
	addr, err := strconv.Atoi(addrArg)
	if err != nil {
		return fmt.Errorf("invalid address %q", addrArg)
	}
	data, err := hex.DecodeString(hexArg)
	if err != nil {
		return fmt.Errorf("invalid hex data: %w", err)
	}
	if len(data)%cyusb.UserFlashPageSize != 0 {
		return fmt.Errorf("data must be a multiple of %d bytes", cyusb.UserFlashPageSize)
	}

	h, err := app.bridge.OpenMFG(app.device)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.ProgramUserFlash(addr, data); err != nil {
		return err
	}
	fmt.Printf("programmed %d bytes at offset %d\n", len(data), addr)
	return nil
}
