// Command usbtmc is a small console for USBTMC/USB488 instruments: list
// devices, send SCPI queries, and poke the class-level controls.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/instrbus/usbtmc"
)

var (
	resourceFlag = &cli.StringFlag{
		Name:    "resource",
		Aliases: []string{"r"},
		Usage:   "VISA resource string, e.g. USB::0x1ab1::0x0588::INSTR",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Value: 2 * time.Second,
		Usage: "logical I/O timeout",
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "log transfers to stderr",
	}
	quirksFileFlag = &cli.StringFlag{
		Name:  "quirks",
		Usage: "TOML quirks overlay file",
	}
)

func main() {
	app := &cli.App{
		Name:  "usbtmc",
		Usage: "talk to USB Test & Measurement Class instruments",
		Flags: []cli.Flag{resourceFlag, timeoutFlag, verboseFlag, quirksFileFlag},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list USBTMC-capable devices",
				Action: runList,
			},
			{
				Name:   "idn",
				Usage:  "send *IDN? and print the reply",
				Action: withDevice(runIDN),
			},
			{
				Name:      "query",
				Usage:     "send a SCPI command and print the reply",
				ArgsUsage: "<command>",
				Action:    withDevice(runQuery),
			},
			{
				Name:      "write",
				Usage:     "send a SCPI command without reading a reply",
				ArgsUsage: "<command>",
				Action:    withDevice(runWrite),
			},
			{
				Name:   "capabilities",
				Usage:  "print the interface capability record",
				Action: withDevice(runCapabilities),
			},
			{
				Name:   "clear",
				Usage:  "run the USBTMC clear sequence",
				Action: withDevice(func(c *cli.Context, d *usbtmc.Device) error { return d.Clear() }),
			},
			{
				Name:   "trigger",
				Usage:  "send the USB488 trigger message",
				Action: withDevice(func(c *cli.Context, d *usbtmc.Device) error { return d.Trigger() }),
			},
			{
				Name:   "stb",
				Usage:  "read the IEEE 488 status byte",
				Action: withDevice(runSTB),
			},
			{
				Name:   "pulse",
				Usage:  "blink the device's activity indicator",
				Action: withDevice(func(c *cli.Context, d *usbtmc.Device) error { return d.IndicatorPulse() }),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "usbtmc:", err)
		os.Exit(1)
	}
}

func runList(c *cli.Context) error {
	devices, err := usbtmc.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no USBTMC devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("bus %03d addr %03d  %04x:%04x  %s %s  serial %s\n",
			d.Bus, d.Address, d.VendorID, d.ProductID, d.Manufacturer, d.Product, d.SerialNumber)
	}
	return nil
}

func withDevice(fn func(*cli.Context, *usbtmc.Device) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		sel := usbtmc.Any()
		if r := c.String("resource"); r != "" {
			var err error
			if sel, err = usbtmc.ParseResource(r); err != nil {
				return err
			}
		}

		opts := []usbtmc.Option{usbtmc.WithTimeout(c.Duration("timeout"))}
		if c.Bool("verbose") {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()
			opts = append(opts, usbtmc.WithLogger(log))
		}
		if path := c.String("quirks"); path != "" {
			if err := usbtmc.DefaultRegistry.LoadQuirksFile(path); err != nil {
				return err
			}
		}

		dev, err := usbtmc.Open(sel, opts...)
		if err != nil {
			return err
		}
		defer dev.Close()
		return fn(c, dev)
	}
}

func runIDN(c *cli.Context, d *usbtmc.Device) error {
	reply, err := d.Query([]byte("*IDN?\n"), 4096)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimRight(string(reply), "\r\n"))
	return nil
}

func runQuery(c *cli.Context, d *usbtmc.Device) error {
	if c.NArg() != 1 {
		return fmt.Errorf("query takes exactly one SCPI command")
	}
	cmd := c.Args().First()
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	reply, err := d.Query([]byte(cmd), 1<<20)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimRight(string(reply), "\r\n"))
	return nil
}

func runWrite(c *cli.Context, d *usbtmc.Device) error {
	if c.NArg() != 1 {
		return fmt.Errorf("write takes exactly one SCPI command")
	}
	cmd := c.Args().First()
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	_, err := d.Write([]byte(cmd))
	return err
}

func runCapabilities(c *cli.Context, d *usbtmc.Device) error {
	caps := d.Capabilities()
	fmt.Printf("USBTMC %s  indicator=%v talk-only=%v listen-only=%v termchar=%v\n",
		caps.USBTMCVersion, caps.IndicatorPulse, caps.TalkOnly, caps.ListenOnly, caps.TermChar)
	fmt.Printf("USB488 %s  488.2=%v remote-local=%v trigger=%v scpi=%v sr1=%v rl1=%v dt1=%v\n",
		caps.USB488Version, caps.Is4882, caps.AcceptsRemoteLocal, caps.AcceptsTrigger,
		caps.SCPICompliant, caps.SR1Capable, caps.RL1Capable, caps.DT1Capable)
	if caps.Unreliable {
		fmt.Println("(capability record flagged unreliable for this device)")
	}
	return nil
}

func runSTB(c *cli.Context, d *usbtmc.Device) error {
	stb, err := d.ReadSTB()
	if err != nil {
		return err
	}
	fmt.Printf("STB = 0x%02x\n", stb)
	return nil
}
