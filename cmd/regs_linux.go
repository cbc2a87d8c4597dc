//go:build linux

package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/pfmailbox/regfifo"
)

var regsCmd = &cobra.Command{
	Use:   "regs",
	Short: "Dump the mailbox register block of a PCIe function.",
	Long: "`regs --bar RESOURCE --offset OFF` maps the register block at " +
		"OFF within the BAR resource file and prints it. With --reset, both " +
		"FIFOs are flushed first.",
	Run: func(cmd *cobra.Command, _ []string) {
		bar, _ := cmd.Flags().GetString("bar")
		offset, _ := cmd.Flags().GetInt64("offset")
		reset, _ := cmd.Flags().GetBool("reset")

		err := dumpRegs(bar, offset, reset)
		if err != nil {
			log.Printf("regs failed: %v", err)
			atexit.Exit(1)
		}

		atexit.Exit(0)
	},
}

func init() {
	regsCmd.Flags().String("bar", "", "BAR resource file, e.g. "+
		"/sys/bus/pci/devices/0000:65:00.1/resource0.")
	regsCmd.Flags().Int64("offset", 0, "Offset of the register block.")
	regsCmd.Flags().Bool("reset", false, "Flush both FIFOs.")
	_ = regsCmd.MarkFlagRequired("bar")

	rootCmd.AddCommand(regsCmd)
}

var regNames = []struct {
	name string
	off  uint32
}{
	{"STATUS", regfifo.RegStatus},
	{"SIT", regfifo.RegSIT},
	{"RIT", regfifo.RegRIT},
	{"IS", regfifo.RegIS},
	{"IE", regfifo.RegIE},
	{"IP", regfifo.RegIP},
}

func dumpRegs(bar string, offset int64, reset bool) error {
	mmio, err := regfifo.OpenMMIO(bar, offset)
	if err != nil {
		return err
	}
	defer mmio.Close()

	t := regfifo.MakeBuilder().WithRegisters(mmio).Build("FIFO")

	if reset {
		t.Reset()
	}

	for _, r := range regNames {
		fmt.Printf("%-6s (%#04x) = %#010x\n", r.name, r.off, mmio.Read32(r.off))
	}

	fmt.Printf("tx ready: %v, rx ready: %v\n", t.TxReady(), t.RxReady(true))

	return nil
}
