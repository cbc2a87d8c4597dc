package cmd

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/pfmailbox/idgen"
	"github.com/sarchlab/pfmailbox/mailbox"
	"github.com/sarchlab/pfmailbox/monitoring"
	"github.com/sarchlab/pfmailbox/regfifo"
	"github.com/sarchlab/pfmailbox/swchan"
	"github.com/sarchlab/pfmailbox/tracing"
	"github.com/sarchlab/pfmailbox/wire"
)

var loopbackCmd = &cobra.Command{
	Use:   "loopback",
	Short: "Run both ends of a mailbox in one process.",
	Long: "`loopback` joins a management and a user mailbox through a " +
		"simulated register FIFO and an in-process software channel " +
		"ferry, then has the management side send peer_data requests that " +
		"the user side echoes back.",
	Run: func(cmd *cobra.Command, _ []string) {
		opts := loopbackOptions{}
		opts.count, _ = cmd.Flags().GetInt("count")
		opts.size, _ = cmd.Flags().GetInt("size")
		opts.maxPayload, _ = cmd.Flags().GetInt("max-payload")
		opts.interrupts, _ = cmd.Flags().GetBool("interrupts")
		opts.switched, _ = cmd.Flags().GetStringSlice("switch")
		opts.traceDB, _ = cmd.Flags().GetString("trace-db")
		opts.clickHouse, _ = cmd.Flags().GetString("trace-clickhouse")
		opts.monitor, _ = cmd.Flags().GetBool("monitor")
		opts.port, _ = cmd.Flags().GetInt("port")
		opts.open, _ = cmd.Flags().GetBool("open")
		opts.hold, _ = cmd.Flags().GetBool("hold")

		err := runLoopback(opts)
		if err != nil {
			log.Printf("loopback failed: %v", err)
			atexit.Exit(1)
		}

		atexit.Exit(0)
	},
}

func init() {
	loopbackCmd.Flags().Int("count", 10, "Number of requests to send.")
	loopbackCmd.Flags().Int("size", 64, "Size of each request in bytes.")
	loopbackCmd.Flags().Int("max-payload", cfg.MaxPayload,
		"Payload bytes per hardware packet, 0 for the packet capacity.")
	loopbackCmd.Flags().Bool("interrupts", cfg.Interrupts,
		"Drive the simulated FIFO with interrupts instead of polling.")
	loopbackCmd.Flags().StringSlice("switch", nil,
		"Request kinds to move over the software channel, e.g. peer_data.")
	loopbackCmd.Flags().String("trace-db", cfg.TraceDB,
		"Record a transport trace into this SQLite database.")
	loopbackCmd.Flags().String("trace-clickhouse", cfg.ClickHouse,
		"Record a transport trace into the ClickHouse server at host:port.")
	loopbackCmd.Flags().Bool("monitor", false,
		"Serve the mailbox state over HTTP.")
	loopbackCmd.Flags().Int("port", cfg.MonitorPort,
		"Port of the monitoring server, 0 for a random one.")
	loopbackCmd.Flags().Bool("open", false,
		"Open the monitoring server in a browser.")
	loopbackCmd.Flags().Bool("hold", false,
		"Keep running after the requests, until interrupted.")

	rootCmd.AddCommand(loopbackCmd)
}

type loopbackOptions struct {
	count, size, maxPayload int
	interrupts              bool
	switched                []string
	traceDB, clickHouse     string
	monitor, open, hold     bool
	port                    int
}

type loopback struct {
	mgmt, user *mailbox.Mailbox
	trace      *tracing.MemoryBackend
	monitor    *monitoring.Monitor
	cancel     context.CancelFunc
}

func buildLoopback(opts loopbackOptions) (*loopback, error) {
	pair := regfifo.NewSimPair(regfifo.DefaultSimDepth)

	build := func(name string, seed uint64, regs regfifo.Registers) *mailbox.Mailbox {
		return mailbox.MakeBuilder().
			WithRegisters(regs).
			WithMaxPayload(opts.maxPayload).
			WithInterrupts(opts.interrupts).
			WithTickInterval(cfg.TickInterval).
			WithRecvRateLimit(cfg.RecvRateLimit).
			WithVerbose(cfg.Verbose).
			WithIDGenerator(idgen.NewIDGenerator(seed)).
			Build(name)
	}

	l := &loopback{
		mgmt:  build("MGMT", 0, pair.A),
		user:  build("USER", 1<<32, pair.B),
		trace: tracing.NewMemoryBackend(0),
	}

	var switched uint64
	for _, name := range opts.switched {
		k, err := wire.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}

		switched |= k.Bit()
	}

	for _, m := range []*mailbox.Mailbox{l.mgmt, l.user} {
		if err := m.Set(mailbox.StateChanSwitch, switched); err != nil {
			return nil, err
		}
	}

	backends := []tracing.Backend{l.trace}

	if opts.traceDB != "" {
		db, err := tracing.NewSQLiteBackend(opts.traceDB)
		if err != nil {
			return nil, err
		}

		backends = append(backends, db)
	}

	if opts.clickHouse != "" {
		ch, err := tracing.NewClickHouseBackend(tracing.ClickHouseConfig{
			Addr:     opts.clickHouse,
			Database: "default",
		})
		if err != nil {
			return nil, err
		}

		backends = append(backends, ch)
	}

	tracer := tracing.NewTracer(tracing.NewMultiBackend(backends...))
	tracing.CollectMailbox(l.mgmt, tracer)
	tracing.CollectMailbox(l.user, tracer)

	l.user.Listen(func(req []byte, id uint64, _ bool) {
		err := l.user.PostResponse(wire.KindOf(req), id, req)
		if err != nil {
			log.Printf("USER: failed to respond to %#x: %v", id, err)
		}
	})

	if opts.monitor {
		l.monitor = monitoring.NewMonitor().WithPortNumber(opts.port)
		l.monitor.RegisterMailbox(l.mgmt)
		l.monitor.RegisterMailbox(l.user)
		l.monitor.RegisterTrace(l.trace)
	}

	return l, nil
}

func (l *loopback) start() {
	var ctx context.Context
	ctx, l.cancel = context.WithCancel(context.Background())

	go l.ferry(ctx, l.mgmt.Device(), l.user.Device())
	go l.ferry(ctx, l.user.Device(), l.mgmt.Device())

	l.mgmt.Start()
	l.user.Start()
}

func (l *loopback) ferry(ctx context.Context, src, dst *swchan.Device) {
	err := swchan.Ferry(ctx, src, dst, 0)
	if err != nil && ctx.Err() == nil {
		log.Printf("ferry %s -> %s stopped: %v", src.Name(), dst.Name(), err)
	}
}

func (l *loopback) stop() {
	l.cancel()
	l.mgmt.Stop()
	l.user.Stop()
}

func (l *loopback) ping(count, size int) error {
	if size < wire.RequestHeaderSize {
		size = wire.RequestHeaderSize
	}

	var bar *monitoring.ProgressBar
	if l.monitor != nil {
		bar = l.monitor.CreateProgressBar("ping", uint64(count))
		defer l.monitor.CompleteProgressBar(bar)
	}

	resp := make([]byte, size)
	start := time.Now()
	failed := 0

	for i := 0; i < count; i++ {
		data := bytes.Repeat([]byte{byte(i)}, size-wire.RequestHeaderSize)
		req := wire.Request{Kind: wire.KindPeerData, Data: data}.Marshal()

		if bar != nil {
			bar.IncrementInProgress(1)
		}

		n, err := l.mgmt.Request(req, resp)
		if err == nil && !bytes.Equal(resp[:n], req) {
			err = fmt.Errorf("request %d came back corrupted", i)
		}

		if err != nil {
			failed++
			log.Printf("MGMT: request %d failed: %v", i, err)

			if bar != nil {
				bar.MoveInProgressToFailed(1)
			}

			continue
		}

		if bar != nil {
			bar.MoveInProgressToFinished(1)
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("%d requests of %d bytes, %d failed, %v per round trip\n",
		count, size, failed, elapsed/time.Duration(max(count, 1)))

	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, count)
	}

	return nil
}

func runLoopback(opts loopbackOptions) error {
	l, err := buildLoopback(opts)
	if err != nil {
		return err
	}

	l.start()
	defer l.stop()

	if l.monitor != nil {
		port := l.monitor.StartServer()

		if opts.open {
			url := fmt.Sprintf("http://localhost:%d/api/list_mailboxes", port)
			if err := browser.OpenURL(url); err != nil {
				log.Printf("failed to open %s: %v", url, err)
			}
		}
	}

	err = l.ping(opts.count, opts.size)

	for _, m := range []*mailbox.Mailbox{l.mgmt, l.user} {
		metrics := m.Metrics()
		fmt.Fprintf(os.Stdout, "%s: %d packets sent, %d received, "+
			"%d messages sent, %d received, %d timeouts\n",
			m.Name(), metrics.PacketsSent, metrics.PacketsReceived,
			metrics.MessagesSent, metrics.MessagesReceived, metrics.Timeouts)
	}

	if opts.hold {
		fmt.Fprintln(os.Stderr, "Holding, press Ctrl+C to exit.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
	}

	return err
}
