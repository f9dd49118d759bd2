// shmex-ping drives one side of a shared-memory exchange for manual testing
// on a single host. Run the server first, then the client against the same
// instance and session:
//
//	shmex-ping -mode server -instance demo -session 7
//	shmex-ping -mode client -instance demo -session 7 -count 100
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	shmex "github.com/ehrlich-b/go-shmex"
)

type settings struct {
	mode     string
	instance string
	session  uint64
	count    int
	payload  int
	timeout  time.Duration
	level    string
	cleanup  bool
}

// logrusLogger adapts a logrus logger to the shmex Logger interface.
type logrusLogger struct {
	l *logrus.Logger
}

func (a *logrusLogger) Printf(format string, args ...any) {
	a.l.Infof(format, args...)
}

func (a *logrusLogger) Debugf(format string, args ...any) {
	a.l.Debugf(format, args...)
}

func main() {
	var (
		configPath = flag.String("config", "", "Optional ini file with an [exchange] section")
		mode       = flag.String("mode", "", "server or client")
		instance   = flag.String("instance", "demo", "Instance id used in segment names")
		session    = flag.Uint64("session", 1, "Session id of the exchange")
		count      = flag.Int("count", 10, "Requests to send (client mode)")
		payload    = flag.Int("payload", 64, "Request payload size in bytes (client mode)")
		timeout    = flag.Duration("timeout", shmex.DefaultSendTimeout, "Per-request deadline (client mode)")
		level      = flag.String("level", "info", "Log level: debug, info, warn, error")
		cleanup    = flag.Bool("cleanup", true, "Purge stale segments for the instance at startup (server mode)")
	)
	flag.Parse()

	cfg := settings{
		mode:     *mode,
		instance: *instance,
		session:  *session,
		count:    *count,
		payload:  *payload,
		timeout:  *timeout,
		level:    *level,
		cleanup:  *cleanup,
	}
	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.level); err == nil {
		log.SetLevel(lvl)
	}
	options := &shmex.Options{Logger: &logrusLogger{l: log}}

	switch cfg.mode {
	case "server":
		runServer(log, cfg, options)
	case "client":
		runClient(log, cfg, options)
	default:
		fmt.Fprintln(os.Stderr, "usage: shmex-ping -mode server|client [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}
}

// loadConfig overlays values from an ini file onto the flag values. Only
// keys present in the file are applied.
func loadConfig(path string, cfg *settings) error {
	file, err := ini.Load(path)
	if err != nil {
		return err
	}
	sec := file.Section("exchange")
	if k := sec.Key("instance"); k.String() != "" {
		cfg.instance = k.String()
	}
	if k := sec.Key("session"); k.String() != "" {
		v, err := k.Uint64()
		if err != nil {
			return fmt.Errorf("bad session id %q: %w", k.String(), err)
		}
		cfg.session = v
	}
	if k := sec.Key("timeout"); k.String() != "" {
		d, err := time.ParseDuration(k.String())
		if err != nil {
			return fmt.Errorf("bad timeout %q: %w", k.String(), err)
		}
		cfg.timeout = d
	}
	if k := sec.Key("level"); k.String() != "" {
		cfg.level = k.String()
	}
	return nil
}

func runServer(log *logrus.Logger, cfg settings, options *shmex.Options) {
	if cfg.cleanup {
		removed, err := shmex.CleanupInstance(cfg.instance)
		if err != nil {
			log.WithError(err).Fatal("startup cleanup failed")
		}
		if removed > 0 {
			log.WithField("removed", removed).Info("purged stale segments")
		}
	}

	metrics := shmex.NewMetrics()
	options.Observer = shmex.NewMetricsObserver(metrics)

	ex := shmex.Create(cfg.instance, cfg.session, options)
	defer ex.Close()

	served := 0
	listener := shmex.StartListener(ex, func(size uint64) {
		// Request bytes are already in the shared buffer; echoing them is
		// just publishing the same size back.
		ex.Respond(size)
		served++
	})

	log.WithFields(logrus.Fields{
		"segment": ex.Name(),
		"payload": ex.MaxPayloadSize(),
	}).Info("serving; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	listener.Close()
	metrics.Stop()
	snap := metrics.Snapshot()
	log.WithFields(logrus.Fields{
		"served":   served,
		"responds": snap.RespondOps,
		"bytes":    snap.RespondBytes,
	}).Info("server stopped")
}

func runClient(log *logrus.Logger, cfg settings, options *shmex.Options) {
	metrics := shmex.NewMetrics()
	options.Observer = shmex.NewMetricsObserver(metrics)

	ex := shmex.Open(cfg.instance, cfg.session, options)
	defer ex.Close()

	if cfg.payload > ex.MaxPayloadSize() {
		log.WithFields(logrus.Fields{
			"payload": cfg.payload,
			"max":     ex.MaxPayloadSize(),
		}).Fatal("payload does not fit in the segment")
	}

	ok := 0
	for i := 0; i < cfg.count; i++ {
		buf := ex.Obtain(uint64(cfg.payload))
		for j := range buf {
			buf[j] = byte(i + j)
		}

		reply, err := ex.Send(time.Now().Add(cfg.timeout))
		if err != nil {
			log.WithError(err).Error("send failed")
			if shmex.IsShutdown(err) {
				break
			}
			continue
		}
		if reply.Oversize() {
			log.WithField("size", reply.Size).Warn("reply did not fit in segment")
			continue
		}
		ok++
	}

	metrics.Stop()
	snap := metrics.Snapshot()
	log.WithFields(logrus.Fields{
		"requests":  cfg.count,
		"succeeded": ok,
		"p50_us":    snap.LatencyP50Ns / 1000,
		"p99_us":    snap.LatencyP99Ns / 1000,
		"avg_us":    snap.AvgLatencyNs / 1000,
	}).Info("client done")
}
