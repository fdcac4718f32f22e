// Command esptool flashes and inspects ESP8266/ESP32-family devices
// through their ROM bootloader's serial protocol.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/esp-flasher/internal/config"
	"github.com/bigbag/esp-flasher/internal/detect"
	"github.com/bigbag/esp-flasher/internal/flasher"
	"github.com/bigbag/esp-flasher/internal/loader"
	"github.com/bigbag/esp-flasher/internal/port"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultBaudRate = 460800

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

var (
	portFlag      string
	baudFlag      int
	verifyFlag    bool
	manifest      string
	rawSerialFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "esptool",
		Short: "Flash and inspect ESP8266/ESP32-family devices over their ROM bootloader",
	}

	flashCmd := &cobra.Command{
		Use:   "flash [<address> <firmware.bin>]",
		Short: "Flash one region, or every region named in --manifest",
		Args:  cobra.RangeArgs(0, 2),
		RunE:  runFlash,
	}
	flashCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	flashCmd.Flags().IntVarP(&baudFlag, "baud", "b", defaultBaudRate, "Baud rate")
	flashCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify each region after flashing")
	flashCmd.Flags().StringVarP(&manifest, "manifest", "m", "", "YAML manifest describing regions to flash")
	flashCmd.Flags().BoolVar(&rawSerialFlag, "raw-serial", false, "Use the syscall-only termios backend instead of go.bug.st/serial")

	memLoadCmd := &cobra.Command{
		Use:   "mem-load <address> <image.bin>",
		Short: "Load a stub image into RAM and optionally jump to its entry point",
		Args:  cobra.ExactArgs(2),
		RunE:  runMemLoad,
	}
	memLoadCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	memLoadCmd.Flags().IntVarP(&baudFlag, "baud", "b", defaultBaudRate, "Baud rate")
	memLoadCmd.Flags().Uint32("entry", 0, "Entry point to jump to after loading (0 stays in the ROM loader)")
	memLoadCmd.Flags().BoolVar(&rawSerialFlag, "raw-serial", false, "Use the syscall-only termios backend instead of go.bug.st/serial")

	readIDCmd := &cobra.Command{
		Use:   "read-id",
		Short: "Probe the SPI flash chip's JEDEC size",
		RunE:  runReadID,
	}
	readIDCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	readIDCmd.Flags().IntVarP(&baudFlag, "baud", "b", defaultBaudRate, "Baud rate")
	readIDCmd.Flags().BoolVar(&rawSerialFlag, "raw-serial", false, "Use the syscall-only termios backend instead of go.bug.st/serial")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify flash contents against the last streamed image's digest",
		RunE:  runVerify,
	}
	verifyCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	verifyCmd.Flags().IntVarP(&baudFlag, "baud", "b", defaultBaudRate, "Baud rate")
	verifyCmd.Flags().BoolVar(&rawSerialFlag, "raw-serial", false, "Use the syscall-only termios backend instead of go.bug.st/serial")

	regCmd := &cobra.Command{
		Use:   "reg <read|write> <address> [value]",
		Short: "Read or write a target register directly",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runReg,
	}
	regCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	regCmd.Flags().IntVarP(&baudFlag, "baud", "b", defaultBaudRate, "Baud rate")
	regCmd.Flags().BoolVar(&rawSerialFlag, "raw-serial", false, "Use the syscall-only termios backend instead of go.bug.st/serial")

	baudCmd := &cobra.Command{
		Use:   "baud <new-rate>",
		Short: "Switch the bootloader session to a new baud rate",
		Args:  cobra.ExactArgs(1),
		RunE:  runBaud,
	}
	baudCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	baudCmd.Flags().IntVarP(&baudFlag, "baud", "b", defaultBaudRate, "Current baud rate")
	baudCmd.Flags().BoolVar(&rawSerialFlag, "raw-serial", false, "Use the syscall-only termios backend instead of go.bug.st/serial")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("esptool %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, memLoadCmd, readIDCmd, verifyCmd, regCmd, baudCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// sessionPort is the subset of loader.Port openSession manages directly,
// satisfied by both the go.bug.st/serial-backed port.Serial and the raw
// termios port.RawSerial.
type sessionPort interface {
	loader.Port
	Close() error
	Reconfigure(baudRate int) error
}

// openPort opens name at baud using the syscall-only termios backend when
// --raw-serial is set, or go.bug.st/serial otherwise.
func openPort(name string, baud int) (sessionPort, error) {
	if rawSerialFlag {
		return port.OpenRaw(name, baud)
	}
	return port.Open(name, baud)
}

// openSession resolves portFlag (auto-detecting if empty), opens it at
// baudFlag, and connects a bootloader session on top.
func openSession(baud int) (sessionPort, *loader.Session, error) {
	name := portFlag
	if name == "" {
		log.Info("scanning for a device")
		result, err := detect.DetectDevice(baud)
		if err != nil {
			return nil, nil, fmt.Errorf("auto-detect: %w", err)
		}
		name = result.Port
		if result.ChipID != nil {
			log.Info("found device", "target", result.Target, "port", result.Port, "chip_id", fmt.Sprintf("0x%08X", *result.ChipID))
		} else {
			log.Info("found device", "target", result.Target, "port", result.Port)
		}
	}

	p, err := openPort(name, baud)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}

	sess := loader.NewSession(p)
	if err := sess.Connect(10, loader.DefaultTimeout/2); err != nil {
		p.Close()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	log.Info("connected", "target", sess.Target(), "port", name)
	return p, sess, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	var regions []flasher.FlashRegion

	if manifest != "" {
		cfg, err := config.Load(manifest)
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
		if portFlag == "" {
			portFlag = cfg.Port
		}
		if !cmd.Flags().Changed("baud") {
			baudFlag = cfg.Baud
		}
		verifyFlag = cfg.Verify

		for _, r := range cfg.Regions {
			data, err := os.ReadFile(r.File)
			if err != nil {
				return fmt.Errorf("read %s: %w", r.File, err)
			}
			regions = append(regions, flasher.FlashRegion{
				Address:          r.Address,
				Data:             data,
				Name:             r.Name,
				Compressed:       r.Compressed,
				UncompressedSize: r.UncompressedSize,
			})
		}
	} else {
		if len(args) != 2 {
			return fmt.Errorf("flash requires <address> <firmware.bin>, or --manifest")
		}
		var addr uint32
		if _, err := fmt.Sscanf(args[0], "0x%x", &addr); err != nil {
			if _, err := fmt.Sscanf(args[0], "%d", &addr); err != nil {
				return fmt.Errorf("invalid address %q", args[0])
			}
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}
		regions = append(regions, flasher.FlashRegion{Address: addr, Data: data, Name: args[1]})
	}

	p, sess, err := openSession(baudFlag)
	if err != nil {
		return err
	}
	defer p.Close()

	f := flasher.New(sess)

	totalBlocks := 0
	for _, r := range regions {
		totalBlocks += (len(r.Data) + 0x4000 - 1) / 0x4000
	}
	bar := progressbar.NewOptions(totalBlocks,
		progressbar.OptionSetDescription("flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)
	f.SetProgressCallback(func(current, total int) { bar.Set(current) })

	if err := f.FlashMultiple(regions, verifyFlag); err != nil {
		return err
	}
	bar.Finish()

	log.Info("flash complete", "regions", len(regions))
	if err := f.Reboot(); err != nil {
		log.Warn("reboot failed", "err", err)
	}
	return nil
}

func runMemLoad(cmd *cobra.Command, args []string) error {
	var addr uint32
	if _, err := fmt.Sscanf(args[0], "0x%x", &addr); err != nil {
		if _, err := fmt.Sscanf(args[0], "%d", &addr); err != nil {
			return fmt.Errorf("invalid address %q", args[0])
		}
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[1], err)
	}
	entry, _ := cmd.Flags().GetUint32("entry")

	p, sess, err := openSession(baudFlag)
	if err != nil {
		return err
	}
	defer p.Close()

	const blockSize = 0x400
	if err := sess.MemStart(addr, uint32(len(data)), blockSize); err != nil {
		return fmt.Errorf("mem begin: %w", err)
	}
	for start := 0; start < len(data); start += blockSize {
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		if err := sess.MemWrite(data[start:end]); err != nil {
			return fmt.Errorf("mem data: %w", err)
		}
	}
	if err := sess.MemFinish(entry); err != nil {
		return fmt.Errorf("mem end: %w", err)
	}
	log.Info("mem-load complete", "address", fmt.Sprintf("0x%X", addr), "entry", fmt.Sprintf("0x%X", entry))
	return nil
}

func runReadID(cmd *cobra.Command, args []string) error {
	p, sess, err := openSession(baudFlag)
	if err != nil {
		return err
	}
	defer p.Close()

	size, err := sess.FlashID()
	if err != nil {
		return fmt.Errorf("read flash id: %w", err)
	}
	fmt.Printf("flash size: %d bytes (%d MB)\n", size, size/(1024*1024))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	p, sess, err := openSession(baudFlag)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := sess.FlashVerify(); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	fmt.Println("digest matches")
	return nil
}

func runReg(cmd *cobra.Command, args []string) error {
	op := args[0]
	var addr uint32
	if _, err := fmt.Sscanf(args[1], "0x%x", &addr); err != nil {
		return fmt.Errorf("invalid address %q", args[1])
	}

	p, sess, err := openSession(baudFlag)
	if err != nil {
		return err
	}
	defer p.Close()

	switch op {
	case "read":
		value, err := sess.ReadReg(addr)
		if err != nil {
			return fmt.Errorf("read reg 0x%X: %w", addr, err)
		}
		fmt.Printf("0x%X = 0x%08X\n", addr, value)
	case "write":
		if len(args) != 3 {
			return fmt.Errorf("reg write requires a value")
		}
		var value uint32
		if _, err := fmt.Sscanf(args[2], "0x%x", &value); err != nil {
			return fmt.Errorf("invalid value %q", args[2])
		}
		if err := sess.WriteReg(addr, value, 0xFFFFFFFF, 0); err != nil {
			return fmt.Errorf("write reg 0x%X: %w", addr, err)
		}
		fmt.Printf("wrote 0x%08X to 0x%X\n", value, addr)
	default:
		return fmt.Errorf("reg op must be read or write, got %q", op)
	}
	return nil
}

func runBaud(cmd *cobra.Command, args []string) error {
	var newBaud uint32
	if _, err := fmt.Sscanf(args[0], "%d", &newBaud); err != nil {
		return fmt.Errorf("invalid baud rate %q", args[0])
	}

	p, sess, err := openSession(baudFlag)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := sess.ChangeBaudRate(newBaud); err != nil {
		return fmt.Errorf("change baud rate: %w", err)
	}
	if err := p.Reconfigure(int(newBaud)); err != nil {
		return fmt.Errorf("reconfigure local port: %w", err)
	}
	fmt.Printf("switched to %d baud\n", newBaud)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := port.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	fmt.Println("available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}
