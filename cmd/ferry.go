package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/pfmailbox/swchan"
	"github.com/sarchlab/pfmailbox/wire"
)

var ferryCmd = &cobra.Command{
	Use:   "ferry",
	Short: "Ferry software channel messages between two mailbox devices.",
	Long: "`ferry --a DEV --b DEV` is the user-space daemon of the software " +
		"channel. It reads whole framed messages from each pseudo-device and " +
		"writes them to the other one until interrupted.",
	Run: func(cmd *cobra.Command, _ []string) {
		a, _ := cmd.Flags().GetString("a")
		b, _ := cmd.Flags().GetString("b")
		bufSize, _ := cmd.Flags().GetInt("buffer")

		if a == "" || b == "" {
			log.Print("both --a and --b are required")
			atexit.Exit(2)
		}

		err := runFerry(a, b, bufSize)
		if err != nil {
			log.Printf("ferry failed: %v", err)
			atexit.Exit(1)
		}

		atexit.Exit(0)
	},
}

func init() {
	ferryCmd.Flags().String("a", "", "Pseudo-device of one function.")
	ferryCmd.Flags().String("b", "", "Pseudo-device of the other function.")
	ferryCmd.Flags().Int("buffer", swchan.DefaultFerryBufferSize,
		"Initial read buffer size in bytes.")

	rootCmd.AddCommand(ferryCmd)
}

// fileEndpoint is the pseudo-device file of a real driver.
type fileEndpoint struct {
	f *os.File
}

func (e fileEndpoint) ReadContext(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := e.f.Read(p)
	if errors.Is(err, syscall.EMSGSIZE) {
		return n, fmt.Errorf("%w: %s: %v", wire.ErrSize, e.f.Name(), err)
	}

	return n, err
}

func (e fileEndpoint) WriteContext(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := e.f.Write(p)
	if errors.Is(err, syscall.EMSGSIZE) {
		return n, fmt.Errorf("%w: %s: %v", wire.ErrSize, e.f.Name(), err)
	}

	return n, err
}

func runFerry(pathA, pathB string, bufSize int) error {
	fa, err := os.OpenFile(pathA, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fa.Close()

	fb, err := os.OpenFile(pathB, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fb.Close()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	a, b := fileEndpoint{fa}, fileEndpoint{fb}

	go func() { errs <- swchan.Ferry(ctx, a, b, bufSize) }()
	go func() { errs <- swchan.Ferry(ctx, b, a, bufSize) }()

	log.Printf("ferrying between %s and %s", pathA, pathB)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}
