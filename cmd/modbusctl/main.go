package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/arcwire-automation/modbus"
)

func main() {
	app := &cli.App{
		Name:  "modbusctl",
		Usage: "Command-line tool for Modbus RTU/ASCII communication",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "protocol",
				Aliases:  []string{"p"},
				Usage:    "Protocol type: rtu or ascii",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "Serial device path, e.g. /dev/ttyUSB0",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "unit-id",
				Aliases: []string{"u"},
				Usage:   "Modbus unit ID",
				Value:   1,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Per-request response timeout",
				Value:   time.Second,
			},
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Baud rate",
				Value: 19200,
			},
			&cli.IntFlag{
				Name:  "data-bits",
				Usage: "Data bits",
				Value: 8,
			},
			&cli.IntFlag{
				Name:  "stop-bits",
				Usage: "Stop bits",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "parity",
				Usage: "Parity: none, odd, even",
				Value: "even",
			},
			&cli.StringFlag{
				Name:  "priority",
				Usage: "Request priority: low, normal, high, critical",
				Value: "normal",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "read-coils",
				Usage: "Read coils (function code 1)",
				Flags: quantityFlags("Number of coils to read (1-2000)"),
				Action: readAction(func(ctx context.Context, cl *modbus.Client, unit byte, start uint16, count int, pr modbus.Priority, to time.Duration) (modbus.ResponseEnvelope, error) {
					return cl.ReadCoils(ctx, unit, start, count, pr, to)
				}, true),
			},
			{
				Name:  "read-discrete-inputs",
				Usage: "Read discrete inputs (function code 2)",
				Flags: quantityFlags("Number of discrete inputs to read (1-2000)"),
				Action: readAction(func(ctx context.Context, cl *modbus.Client, unit byte, start uint16, count int, pr modbus.Priority, to time.Duration) (modbus.ResponseEnvelope, error) {
					return cl.ReadDiscreteInputs(ctx, unit, start, count, pr, to)
				}, true),
			},
			{
				Name:  "read-holding-registers",
				Usage: "Read holding registers (function code 3)",
				Flags: quantityFlags("Number of registers to read (1-125)"),
				Action: readAction(func(ctx context.Context, cl *modbus.Client, unit byte, start uint16, count int, pr modbus.Priority, to time.Duration) (modbus.ResponseEnvelope, error) {
					return cl.ReadHoldingRegisters(ctx, unit, start, count, pr, to)
				}, false),
			},
			{
				Name:  "read-input-registers",
				Usage: "Read input registers (function code 4)",
				Flags: quantityFlags("Number of registers to read (1-125)"),
				Action: readAction(func(ctx context.Context, cl *modbus.Client, unit byte, start uint16, count int, pr modbus.Priority, to time.Duration) (modbus.ResponseEnvelope, error) {
					return cl.ReadInputRegisters(ctx, unit, start, count, pr, to)
				}, false),
			},
			{
				Name:  "write-single-coil",
				Usage: "Write a single coil (function code 5)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Required: true},
					&cli.BoolFlag{Name: "value"},
				},
				Action: func(c *cli.Context) error {
					client, closeFn, err := createClient(c)
					if err != nil {
						return err
					}
					defer closeFn()
					ctx, cancel := createContextWithSignalHandler()
					defer cancel()
					resp, err := client.WriteSingleCoil(ctx, unitID(c), uint16(c.Uint("address")), c.Bool("value"), priority(c), c.Duration("timeout"))
					if err != nil {
						return fmt.Errorf("write single coil: %w", err)
					}
					fmt.Printf("ok: wrote coil 0x%04X\n", resp.Address)
					return nil
				},
			},
			{
				Name:  "write-single-register",
				Usage: "Write a single holding register (function code 6)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Required: true},
					&cli.UintFlag{Name: "value", Required: true},
				},
				Action: func(c *cli.Context) error {
					client, closeFn, err := createClient(c)
					if err != nil {
						return err
					}
					defer closeFn()
					ctx, cancel := createContextWithSignalHandler()
					defer cancel()
					resp, err := client.WriteSingleRegister(ctx, unitID(c), uint16(c.Uint("address")), uint16(c.Uint("value")), priority(c), c.Duration("timeout"))
					if err != nil {
						return fmt.Errorf("write single register: %w", err)
					}
					fmt.Printf("ok: wrote register 0x%04X\n", resp.Address)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func quantityFlags(usage string) []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
		&cli.UintFlag{Name: "count", Usage: usage, Required: true},
		&cli.StringFlag{Name: "format", Usage: "Output format: hex, decimal, binary", Value: "hex"},
	}
}

func unitID(c *cli.Context) byte { return byte(c.Int("unit-id")) }

func priority(c *cli.Context) modbus.Priority {
	switch c.String("priority") {
	case "low":
		return modbus.PriorityLow
	case "high":
		return modbus.PriorityHigh
	case "critical":
		return modbus.PriorityCritical
	default:
		return modbus.PriorityNormal
	}
}

func createClient(c *cli.Context) (*modbus.Client, func(), error) {
	protocol := c.String("protocol")
	var proto modbus.Protocol
	switch protocol {
	case "rtu":
		proto = modbus.ProtocolRTU
	case "ascii":
		proto = modbus.ProtocolASCII
	default:
		return nil, nil, fmt.Errorf("unsupported protocol: %s (must be rtu or ascii)", protocol)
	}

	cfg := modbus.DefaultSerialConfig(c.String("address"))
	cfg.BaudRate = c.Int("baud")
	cfg.DataBits = c.Int("data-bits")
	cfg.StopBits = parseStopBits(c.Int("stop-bits"))
	cfg.Parity = parseParity(c.String("parity"))
	cfg.Timeout = c.Duration("timeout")

	transport := modbus.NewSerialTransport(cfg)
	client := modbus.NewClient(transport, modbus.ClientConfig{Protocol: proto})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connecting: %w", err)
	}
	return client, func() { client.Disconnect() }, nil
}

func parseStopBits(bits int) modbus.StopBits {
	switch bits {
	case 2:
		return modbus.TwoStopBits
	default:
		return modbus.OneStopBit
	}
}

func parseParity(parity string) modbus.Parity {
	switch parity {
	case "none":
		return modbus.NoParity
	case "odd":
		return modbus.OddParity
	default:
		return modbus.EvenParity
	}
}

func createContextWithSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("received interrupt signal, cancelling operation")
		cancel()
	}()

	return ctx, cancel
}

func readAction(do func(ctx context.Context, cl *modbus.Client, unit byte, start uint16, count int, pr modbus.Priority, to time.Duration) (modbus.ResponseEnvelope, error), bits bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		client, closeFn, err := createClient(c)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := createContextWithSignalHandler()
		defer cancel()

		start := uint16(c.Uint("start"))
		count := int(c.Uint("count"))
		format := c.String("format")

		resp, err := do(ctx, client, unitID(c), start, count, priority(c), c.Duration("timeout"))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if bits {
			printBitResults(start, resp.Bits, format)
		} else {
			printRegisterResults(start, resp.Registers, format)
		}
		return nil
	}
}

func printBitResults(start uint16, bits []byte, format string) {
	for i, b := range bits {
		switch format {
		case "decimal":
			fmt.Printf("0x%04X: %d\n", start+uint16(i), b)
		case "binary":
			fmt.Printf("0x%04X: %08b\n", start+uint16(i), b)
		default:
			fmt.Printf("0x%04X: 0x%X\n", start+uint16(i), b)
		}
	}
}

func printRegisterResults(start uint16, regs []uint16, format string) {
	for i, v := range regs {
		switch format {
		case "decimal":
			fmt.Printf("0x%04X: %d\n", start+uint16(i), v)
		case "binary":
			fmt.Printf("0x%04X: %016b\n", start+uint16(i), v)
		default:
			fmt.Printf("0x%04X: 0x%04X\n", start+uint16(i), v)
		}
	}
}
