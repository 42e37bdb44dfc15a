// ABOUTME: The host command: mounts every configured plugin slot in a headless host shell.
// ABOUTME: Serves the sample remote locally when no slot file exists and prints the resulting tree.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/2389/plughost/internal/broker"
	"github.com/2389/plughost/internal/config"
	"github.com/2389/plughost/internal/host"
	"github.com/2389/plughost/plugins/core"
	"github.com/2389/plughost/plugins/federation"
	"github.com/2389/plughost/plugins/samplewidget"
)

// settleTimeout bounds how long the host waits for every plugin to load.
const settleTimeout = 30 * time.Second

func runHost(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slots, ok, err := config.LoadSlots(cfg.PluginsFile)
	if err != nil {
		return err
	}
	if !ok {
		base, shutdown, err := serveSampleRemote()
		if err != nil {
			return err
		}
		defer shutdown()

		backend := apiURL
		if backend == "" {
			backend = fmt.Sprintf("http://localhost:%d", cfg.Port)
		}
		log.Printf("No slot file at %s; mounting the sample widget from %s", cfg.PluginsFile, base)
		slots = config.DefaultSlots(base, backend)
	}

	return runShell(ctx, slots, newRequester(cfg), cmd.OutOrStdout())
}

func newRequester(cfg *config.Config) core.TokenRequester {
	var issuer broker.Issuer = broker.StaticIssuer{Token: cfg.StaticToken}
	if cfg.TokenAuthorityURL != "" {
		log.Printf("Token authority: %s", cfg.TokenAuthorityURL)
		issuer = broker.NewAuthorityIssuer(cfg.TokenAuthorityURL, nil)
	}
	return broker.New(issuer).Requester()
}

// serveSampleRemote publishes the sample remote on a loopback port and returns its base URL.
func serveSampleRemote() (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen for sample remote: %w", err)
	}

	r := chi.NewRouter()
	r.Mount(config.SampleRemotePath, samplewidget.Remote().Handler())
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("sample remote: %v", err)
		}
	}()

	return "http://" + ln.Addr().String(), func() { srv.Close() }, nil
}

// runShell mounts slots, applies --open and --analyze, then writes the tree and status to w.
func runShell(ctx context.Context, slots []config.Slot, requester core.TokenRequester, w io.Writer) error {
	registry := core.NewRegistry(federation.NewLoader(nil))
	h, err := host.New(host.Options{Registry: registry, Requester: requester})
	if err != nil {
		return err
	}
	defer h.Close()

	for _, s := range slots {
		if err := h.AddSlot(ctx, s.Descriptor(), s.PluginProps()); err != nil {
			return fmt.Errorf("add slot %s: %w", s.Name, err)
		}
	}
	if err := h.MountAll(ctx); err != nil {
		return err
	}

	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	for _, s := range slots {
		// A failed plugin only affects its own slot.
		if err := h.WaitSettled(settleCtx, s.Name); err != nil {
			log.Printf("Slot %s failed: %v", s.Name, err)
		}
	}

	if openSlot != "" {
		if err := h.OpenModal(ctx, openSlot); err != nil {
			return fmt.Errorf("open %s: %w", openSlot, err)
		}
	}

	if analyze {
		for _, s := range slots {
			c, err := h.Component(ctx, s.Name)
			if err != nil {
				return err
			}
			widget, ok := c.(*samplewidget.Widget)
			if !ok {
				continue
			}
			results, err := widget.Analyze(ctx)
			if err != nil {
				fmt.Fprintf(w, "analyze %s: %v\n", s.Name, err)
				continue
			}
			for _, r := range results {
				if r.Err != nil {
					fmt.Fprintf(w, "analyze %s: %s failed: %v\n", s.Name, r.ImageID, r.Err)
				} else {
					fmt.Fprintf(w, "analyze %s: %s ok\n", s.Name, r.ImageID)
				}
			}
		}
	}

	if err := h.Sync(ctx); err != nil {
		return err
	}
	tree, err := h.Render(ctx)
	if err != nil {
		return err
	}
	statuses, err := h.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, tree)
	for _, st := range statuses {
		line := fmt.Sprintf("%-20s %-8s %-10s parent=%s", st.Name, st.State, st.Mode, st.Parent)
		if st.Error != "" {
			line += " error=" + st.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
