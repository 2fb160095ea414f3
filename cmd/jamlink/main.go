// ABOUTME: Entry point for the jamlink binary
// ABOUTME: Parses CLI flags and runs a peer session or hub server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jamlink-audio/jamlink-go/internal/audiohost"
	"github.com/jamlink-audio/jamlink-go/internal/discovery"
	"github.com/jamlink-audio/jamlink-go/internal/hub"
	"github.com/jamlink-audio/jamlink-go/internal/monitor"
	"github.com/jamlink-audio/jamlink-go/internal/netio"
	"github.com/jamlink-audio/jamlink-go/internal/ui"
	"github.com/jamlink-audio/jamlink-go/internal/version"
	"github.com/jamlink-audio/jamlink-go/pkg/packet"
	"github.com/jamlink-audio/jamlink-go/pkg/plugins"
	"github.com/jamlink-audio/jamlink-go/pkg/ring"
	"github.com/jamlink-audio/jamlink-go/pkg/session"
)

// Exit codes.
const (
	exitOK        = 0
	exitConfig    = 1
	exitAudioHost = 2
	exitTimeout   = 3
	exitHandshake = 4
)

var (
	// Mode selection.
	clientHost = flag.String("c", "", "client mode: connect to HOST")
	serverMode = flag.Bool("s", false, "server mode: await one peer")
	hubClient  = flag.String("C", "", "hub client mode: connect to hub HOST")
	hubServer  = flag.Bool("S", false, "hub server mode")

	// Stream parameters.
	channels   = flag.Int("n", 2, "number of audio channels")
	queueLen   = flag.Int("q", 4, "jitter buffer length in periods")
	redundancy = flag.Int("r", 1, "packet redundancy factor")
	bitRes     = flag.Int("b", 16, "wire bit resolution (8, 16, 24, 32)")
	zeros      = flag.Bool("z", false, "underrun policy zeros (default wavetable)")

	// Network.
	localPort  = flag.Int("B", session.DefaultPort, "local UDP port")
	remotePort = flag.Int("P", session.DefaultPort, "remote UDP port")
	basePort   = flag.Int("U", hub.DefaultBasePort, "hub base ephemeral port")
	timeoutSec = flag.Int("timeout", 10, "peer silence timeout in seconds")
	stopOnTO   = flag.Bool("t", false, "stop the session on first peer timeout")
	rtPrio     = flag.Bool("rtprio", false, "elevate network threads to realtime priority")

	// Naming and hub behavior.
	clientName = flag.String("J", "jamlink", "local audio client name")
	remoteName = flag.String("K", "", "remote client name (hub client mode)")
	patchMode  = flag.String("p", "server-to-client", "hub auto-patch mode")
	noAutoConn = flag.Bool("D", false, "do not auto-connect audio (hub: no-auto patching)")
	maxClients = flag.Int("a", 1, "expected outbound client count for limiter headroom")
	matrixFile = flag.String("matrix", "", "routing matrix file for reserved-matrix patching")

	// Plugins.
	limiterOn  = flag.String("O", "", "attach limiter: i, o or io")
	pluginSpec = flag.String("f", "", "plugin chain spec, e.g. \"i:gain(-3);o:limiter(2)\"")

	// Stats and observability.
	statsSec    = flag.Int("I", 0, "emit I/O stats every N seconds (0 = off)")
	statsFile   = flag.String("statsfile", "", "append per-interval stats records to FILE")
	monitorAddr = flag.String("monitorport", "", "monitor/metrics HTTP address, e.g. :8927")
	broadcastQ  = flag.Int("broadcast", 0, "broadcast queue length in periods (0 = off)")
	useTUI      = flag.Bool("tui", false, "show the status TUI")
	logFile     = flag.String("logfile", "", "also log to FILE")

	// Audio device.
	audioBackend = flag.String("audio", "oto", "audio backend: oto or null")
	sampleRate   = flag.Int("srate", 48000, "sample rate in Hz")
	periodFrames = flag.Int("frames", 128, "period size in frames")

	// Discovery.
	useMDNS  = flag.Bool("d", false, "discover the server via mDNS (client modes)")
	noMDNS   = flag.Bool("nomdns", false, "do not advertise via mDNS (server modes)")
	simLoss  = flag.Float64("simloss", 0, "simulate outbound packet loss probability")
	simJitMs = flag.Int("simjitter", 0, "simulate up to N ms of outbound jitter")
	simDelay = flag.Float64("simdelay", 0, "simulate constant delay in periods")

	showVersion = flag.Bool("version", false, "print the version and exit")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *showVersion {
		fmt.Printf("%s %s\n", version.Product, version.Version)
		return exitOK
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Printf("error opening log file: %v", err)
			return exitConfig
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	modes := 0
	for _, on := range []bool{*clientHost != "", *serverMode, *hubClient != "", *hubServer} {
		if on {
			modes++
		}
	}
	// -d alone means "find a server and be its client".
	if modes != 1 && !(modes == 0 && *useMDNS) {
		log.Printf("exactly one of -c, -s, -C, -S is required")
		flag.Usage()
		return exitConfig
	}

	host, err := buildHost()
	if err != nil {
		log.Printf("audio host: %v", err)
		return exitAudioHost
	}

	if *hubServer {
		return runHub(host)
	}
	return runSession(host)
}

// buildHost selects the audio backend.
func buildHost() (audiohost.Host, error) {
	switch *audioBackend {
	case "oto":
		return audiohost.NewOto(*sampleRate, *periodFrames), nil
	case "null":
		return audiohost.NewNull(*sampleRate, *periodFrames), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", *audioBackend)
	}
}

func underrunPolicy() ring.UnderrunPolicy {
	if *zeros {
		return ring.Zeros
	}
	return ring.Wavetable
}

func impairment() netio.Impairment {
	periodDur := time.Duration(*periodFrames) * time.Second / time.Duration(*sampleRate)
	return netio.Impairment{
		Loss:      *simLoss,
		JitterMax: time.Duration(*simJitMs) * time.Millisecond,
		Delay:     time.Duration(*simDelay * float64(periodDur)),
	}
}

// runSession handles -s, -c and -C.
func runSession(host audiohost.Host) int {
	mode := session.ModeServer
	remoteHost := ""
	switch {
	case *clientHost != "":
		mode, remoteHost = session.ModeClient, *clientHost
	case *hubClient != "":
		mode, remoteHost = session.ModeClient, *hubClient
		if *remoteName != "" {
			log.Printf("requesting remote client name %q", *remoteName)
		}
	case !*serverMode && *useMDNS:
		mode = session.ModeClient
	}

	// mDNS can stand in for an explicit host in client mode.
	if mode == session.ModeClient && *useMDNS && remoteHost == "" {
		info, err := discovery.DiscoverFirst(3 * time.Second)
		if err != nil {
			log.Printf("%v", err)
			return exitConfig
		}
		remoteHost = info.Host
		*remotePort = info.Port
	}

	cfg := session.Config{
		Mode:           mode,
		RemoteHost:     remoteHost,
		LocalPort:      *localPort,
		RemotePort:     *remotePort,
		ChannelsIn:     *channels,
		ChannelsOut:    *channels,
		BitResolution:  uint8(*bitRes),
		QueueLen:       *queueLen,
		Redundancy:     *redundancy,
		UnderrunPolicy: underrunPolicy(),
		ReplayFade:     !*zeros,
		Timeout:        time.Duration(*timeoutSec) * time.Second,
		StopOnTimeout:  *stopOnTO,
		ClientName:     *clientName,
		RTPriority:     *rtPrio,
		Sim:            impairment(),
		BroadcastQueue: *broadcastQ,
	}

	s, err := session.New(cfg, host)
	if err != nil {
		return exitFor(err)
	}

	if err := attachPlugins(s); err != nil {
		log.Printf("%v", err)
		return exitConfig
	}

	var advertiser *discovery.Manager
	if mode == session.ModeServer && !*noMDNS {
		advertiser = discovery.NewManager(discovery.Config{
			InstanceName: *clientName,
			Port:         *localPort,
		})
		if err := advertiser.Advertise(); err != nil {
			log.Printf("%v", err)
		} else {
			defer advertiser.Stop()
		}
	}

	// Install the handler first: a server blocks in Start until a peer
	// probes, and Ctrl-C must still tear it down.
	stopOnSignal(s.Stop)

	if err := s.Start(context.Background()); err != nil {
		s.Stop()
		return exitFor(err)
	}

	tui, reporter, mon, err := startObservers(s, mode, remoteHost)
	if err != nil {
		log.Printf("%v", err)
		s.Stop()
		return exitConfig
	}
	if reporter != nil {
		defer reporter.Stop()
	}
	if mon != nil {
		defer mon.Stop()
	}
	if tui != nil {
		go func() {
			<-tui.QuitChan()
			s.Stop()
		}()
		defer tui.Stop()
	}

	err = s.Wait()
	if err != nil {
		log.Printf("session ended: %v", err)
		return exitFor(err)
	}
	log.Printf("session ended cleanly")
	return exitOK
}

// attachPlugins wires -f chains and the -O limiter before start.
func attachPlugins(s *session.Session) error {
	if *pluginSpec != "" {
		toNet, fromNet, err := plugins.ParseChains(*pluginSpec, *channels)
		if err != nil {
			return err
		}
		for _, p := range toNet {
			if err := s.Engine().AppendProcessPluginToNetwork(p); err != nil {
				return err
			}
		}
		for _, p := range fromNet {
			if err := s.Engine().AppendProcessPluginFromNetwork(p); err != nil {
				return err
			}
		}
	}

	switch *limiterOn {
	case "":
	case "i":
		return s.Engine().AppendProcessPluginToNetwork(plugins.NewLimiter(*channels, *maxClients))
	case "o":
		return s.Engine().AppendProcessPluginFromNetwork(plugins.NewLimiter(*channels, *maxClients))
	case "io":
		if err := s.Engine().AppendProcessPluginToNetwork(plugins.NewLimiter(*channels, *maxClients)); err != nil {
			return err
		}
		return s.Engine().AppendProcessPluginFromNetwork(plugins.NewLimiter(*channels, *maxClients))
	default:
		return fmt.Errorf("-O wants i, o or io, got %q", *limiterOn)
	}
	return nil
}

// startObservers brings up the reporter, monitor server and TUI.
func startObservers(s *session.Session, mode session.Mode, remoteHost string) (*ui.TUI, *session.Reporter, *monitor.Server, error) {
	var mon *monitor.Server
	if *monitorAddr != "" {
		mon = monitor.NewServer(*monitorAddr, monitor.NewMetrics())
		if s.BroadcastRing() != nil {
			mon.AttachBroadcast(s.BroadcastRing(), s.Header())
		}
		if err := mon.Start(); err != nil {
			return nil, nil, nil, err
		}
	}

	var tui *ui.TUI
	if *useTUI {
		tui = ui.New()
		modeName := "server"
		if mode == session.ModeClient {
			modeName = "client"
		}
		initial := ui.Status{
			Mode:   modeName,
			Peer:   remoteHost,
			State:  s.State(),
			Stream: streamLabel(s.Header()),
		}
		go func() {
			if err := tui.Start(initial); err != nil {
				log.Printf("tui: %v", err)
			}
		}()
	}

	interval := *statsSec
	if interval == 0 && (mon != nil || tui != nil) {
		interval = 1 // observers need a pulse even without -I
	}
	if interval == 0 && *statsFile == "" {
		return tui, nil, mon, nil
	}
	if interval == 0 {
		interval = 1
	}

	reporter, err := session.NewReporter(s, time.Duration(interval)*time.Second, *statsFile)
	if err != nil {
		return tui, nil, mon, err
	}
	if mon != nil {
		reporter.Subscribe(mon.Publish)
	}
	if tui != nil {
		t := tui
		modeName := "server"
		if mode == session.ModeClient {
			modeName = "client"
		}
		hdr := s.Header()
		reporter.Subscribe(func(snap session.Snapshot) {
			t.Update(ui.Status{
				Mode:        modeName,
				Peer:        remoteHost,
				State:       snap.State,
				Stream:      streamLabel(hdr),
				PacketsSent: snap.PacketsSent,
				PacketsRecv: snap.PacketsRecv,
				SeqGaps:     snap.SeqGaps,
				Underruns:   snap.Recv.Underruns,
				Overflows:   snap.Recv.Overflows,
				Occupancy:   snap.Recv.MeanOccupancy,
			})
		})
	}
	reporter.Start()
	return tui, reporter, mon, nil
}

// runHub handles -S.
func runHub(host audiohost.Host) int {
	policy, err := hub.ParsePolicy(*patchMode)
	if err != nil {
		log.Printf("%v", err)
		return exitConfig
	}
	if *noAutoConn {
		policy = hub.NoAuto
	}

	cfg := hub.Config{
		Port:           *localPort,
		BasePort:       *basePort,
		Channels:       *channels,
		BitResolution:  uint8(*bitRes),
		QueueLen:       *queueLen,
		Redundancy:     *redundancy,
		UnderrunPolicy: underrunPolicy(),
		Timeout:        time.Duration(*timeoutSec) * time.Second,
		RTPriority:     *rtPrio,
		Policy:         policy,
		MatrixFile:     *matrixFile,
		ClientName:     *clientName,
	}

	l, err := hub.NewListener(cfg, host)
	if err != nil {
		return exitFor(err)
	}

	var advertiser *discovery.Manager
	if !*noMDNS {
		advertiser = discovery.NewManager(discovery.Config{
			InstanceName: *clientName,
			Port:         *localPort,
		})
		if err := advertiser.Advertise(); err != nil {
			log.Printf("%v", err)
		} else {
			defer advertiser.Stop()
		}
	}

	if err := l.Start(context.Background()); err != nil {
		return exitFor(err)
	}

	stopOnSignal(l.Stop)

	if *statsSec > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(*statsSec) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					active, max := l.Workers()
					log.Printf("hub: %d/%d workers, %d dropped probes", active, max, l.Mismatches())
				case <-l.Done():
					return
				}
			}
		}()
	}

	<-l.Done()
	return exitOK
}

// stopOnSignal runs stop once on SIGINT/SIGTERM.
func stopOnSignal(stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received %v, shutting down", sig)
		stop()
	}()
}

func streamLabel(hdr packet.Header) string {
	return fmt.Sprintf("%dch %dbit %s F=%d",
		hdr.NumInChannels, hdr.BitResolution, hdr.SamplingRate, hdr.BufferSize)
}

// exitFor maps the error taxonomy onto the documented exit codes.
func exitFor(err error) int {
	switch {
	case err == nil, errors.Is(err, session.ErrPeerStopped):
		// A peer-initiated shutdown is an ordinary disconnect.
		return exitOK
	case errors.Is(err, session.ErrHandshakeTimeout),
		errors.Is(err, session.ErrIncompatiblePeer),
		errors.Is(err, session.ErrServerBusy):
		return exitHandshake
	case errors.Is(err, session.ErrPeerTimeout):
		if *stopOnTO {
			// A requested stop-on-timeout is the expected outcome.
			return exitOK
		}
		return exitTimeout
	case errors.Is(err, session.ErrAudioHostUnavailable),
		errors.Is(err, session.ErrAudioHostShutdown):
		return exitAudioHost
	default:
		return exitConfig
	}
}
