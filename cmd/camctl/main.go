package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jvbridge/camctl/internal/cmdport"
	"github.com/jvbridge/camctl/internal/config"
	"github.com/jvbridge/camctl/internal/configstore"
	"github.com/jvbridge/camctl/internal/discovery"
	"github.com/jvbridge/camctl/internal/engine"
	"github.com/jvbridge/camctl/internal/httpapi"
	"github.com/jvbridge/camctl/internal/logging"
	"github.com/jvbridge/camctl/internal/midi"
	"github.com/jvbridge/camctl/internal/model"
	"github.com/jvbridge/camctl/internal/parammodel"
	"github.com/jvbridge/camctl/internal/paramspec"
	"github.com/jvbridge/camctl/internal/tally"
	"github.com/jvbridge/camctl/internal/umd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if len(os.Args) > 1 {
		cfg = cfg.WithConfigFile(os.Args[1])
	}
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.ConfigDir(), 0o755); err != nil {
		logger.Error("failed to create config directory", "err", err)
		os.Exit(1)
	}

	store, err := configstore.Open(cfg.ConfigPath)
	if err != nil {
		logger.Error("failed to open device config store", "err", err)
		os.Exit(1)
	}

	history, err := configstore.OpenHistory(ctx, cfg.HistoryDBPath, logger)
	if err != nil {
		logger.Error("failed to open edit history store", "err", err)
		os.Exit(1)
	}
	defer history.Close()

	registry := paramspec.NewRegistry()
	disco := discovery.New(logger)

	var tallyStore *tally.Store
	var umdListener *umd.Listener
	if cfg.UMDAddr != "off" {
		tallyStore, err = tally.OpenStore(cfg.TallyDBPath)
		if err != nil {
			logger.Error("failed to open tally store", "err", err)
			os.Exit(1)
		}
		defer tallyStore.Close()

		umdListener = umd.NewListener(logger, cfg.UMDAddr)
	}

	eng := engine.New(logger, store, history, disco, registry, nil, engine.Options{
		RequestTimeout:  cfg.RequestTimeout,
		PollInterval:    cfg.PollInterval,
		MotionHeartbeat: cfg.MotionHeartbeat,
		ShutdownGrace:   cfg.ShutdownGrace,
		PreviewMinGap:   cfg.PreviewMinGap,
	})

	var tallyRouter *tally.Router
	if umdListener != nil {
		tallyRouter = tally.New(logger, tallyStore, eng, umdListener)
		if err := tallyRouter.Load(); err != nil {
			logger.Warn("failed to load persisted tally maps", "err", err)
		}
		eng.SetTallyRouter(tallyRouter)
	}

	hub := httpapi.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	eng.OnModelReady = func(id model.DeviceId, pmodel *parammodel.Model) {
		go forwardChanges(ctx, id, pmodel, hub)
	}

	var vector *cmdport.Vector
	var cmdServer *cmdport.Server
	if cfg.CmdPortAddr != "off" && tallyRouter != nil {
		vector = cmdport.NewVector()
		cmdServer = cmdport.NewServer(logger, cfg.CmdPortAddr, vector, func(idx model.DeviceIndex, program, preview *bool) {
			tallyRouter.WriteDirect(idx, program, preview)
		})
		tallyRouter.SetVector(vector)
	}

	var midiBridge *midi.Bridge
	if cfg.MIDIPort != "" {
		var bindings []midi.Binding
		for _, deviceCfg := range store.List() {
			bindings = append(bindings, midi.DefaultBindings(deviceCfg.DeviceIndex)...)
		}
		table := midi.NewTable(bindings)
		midiBridge = midi.NewBridge(logger, cfg.MIDIPort, cfg.MIDIBaud, table, midiResolver{eng})
	}

	api := &httpapi.API{
		Engine:   eng,
		Tally:    tallyRouter,
		Registry: registry,
		Hub:      hub,
		Log:      logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(api),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("engine starting")
		if err := eng.Run(ctx); err != nil {
			logger.Error("engine terminated with error", "err", err)
		}
	}()

	if umdListener != nil {
		go func() {
			if err := umdListener.Run(ctx); err != nil {
				logger.Error("umd listener terminated with error", "err", err)
			}
		}()
	}
	if cmdServer != nil {
		go func() {
			if err := cmdServer.Run(ctx); err != nil {
				logger.Error("command port terminated with error", "err", err)
			}
		}()
	}
	if midiBridge != nil {
		go func() {
			if err := midiBridge.Run(ctx); err != nil {
				logger.Error("midi bridge terminated with error", "err", err)
			}
		}()
	}

	logger.Info("http api starting", "addr", httpServer.Addr)
	if err := httpapi.RunServer(ctx, httpServer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http api terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("camctl stopped")
}

// midiResolver adapts Engine's tally.ParamSetter-typed SetterForIndex to
// the midi.Setter interface the bridge expects; the two interfaces share
// an identical method set (Set(ctx, group, name, value) error) so this
// is a pure type-boundary shim, not a behavioral one.
type midiResolver struct {
	eng *engine.Engine
}

func (r midiResolver) SetterForIndex(idx model.DeviceIndex) (midi.Setter, bool) {
	return r.eng.SetterForIndex(idx)
}

// forwardChanges relays one device's parameter model changes to every
// WebSocket subscriber until ctx is cancelled.
func forwardChanges(ctx context.Context, id model.DeviceId, pmodel *parammodel.Model, hub *httpapi.Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-pmodel.Changes():
			if !ok {
				return
			}
			hub.BroadcastChange(string(id), c.Group+"."+c.Param, c.Value, c.UpdatedAt)
		}
	}
}
