package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/opd-ai/beam/config"
	"github.com/opd-ai/beam/pipe"
	"github.com/opd-ai/beam/session"
	"github.com/opd-ai/beam/signaling"
	"github.com/opd-ai/beam/transfer"
)

var receiveCmd = &cobra.Command{
	Use:   "receive <pin>",
	Short: "Receive a file from a peer by PIN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		pin := session.Canonicalize(args[0])
		if !session.IsValidPin(pin) {
			return fmt.Errorf("invalid PIN %q", args[0])
		}

		ctx := cmd.Context()

		client, err := signaling.DialClient(ctx, cfg.SignalingURL)
		if err != nil {
			return err
		}
		defer client.Close()

		p, err := newPeer(client)
		if err != nil {
			return err
		}
		defer p.close()
		client.OnEnvelope(p.dispatch)

		channels := make(chan *webrtc.DataChannel, 1)
		p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() == dataChannelLabel {
				channels <- dc
			}
		})

		if err := client.Join(ctx, pin); err != nil {
			return err
		}
		fmt.Println("Joined session, waiting for the sender...")

		var dc *webrtc.DataChannel
		select {
		case dc = <-channels:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(60 * time.Second):
			return fmt.Errorf("no data channel from the sender")
		}

		opened := make(chan struct{})
		var openOnce sync.Once
		markOpen := func() { openOnce.Do(func() { close(opened) }) }
		dc.OnOpen(markOpen)
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			markOpen()
		}

		select {
		case <-opened:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(60 * time.Second):
			return fmt.Errorf("data channel did not open")
		}

		receiver := transfer.NewReceiver(pipe.NewWebRTCPipe(dc), transfer.ReceiverConfig{
			SinkProvider: func(meta transfer.Meta) (transfer.Sink, error) {
				path := filepath.Join(cfg.DownloadDir, filepath.Base(meta.Name))
				fmt.Printf("Receiving %s (%d bytes) -> %s\n", meta.Name, meta.Size, path)
				return transfer.CreateFileSink(path)
			},
		})
		receiver.OnProgress(printProgress("received"))

		done := make(chan error, 1)
		receiver.OnComplete(func(err error) { done <- err })

		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("transfer failed: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		fmt.Printf("\nDone: %s\n", receiver.Meta().Name)
		return nil
	},
}
