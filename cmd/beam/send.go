package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/beam/config"
	"github.com/opd-ai/beam/pipe"
	"github.com/opd-ai/beam/signaling"
	"github.com/opd-ai/beam/transfer"
)

var sendChecksum bool

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file to a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		src, err := transfer.OpenFile(args[0])
		if err != nil {
			return err
		}
		defer src.Close()

		if sendChecksum {
			if err := src.AttachChecksum(); err != nil {
				return fmt.Errorf("compute checksum: %w", err)
			}
		}

		ctx := cmd.Context()

		client, err := signaling.DialClient(ctx, cfg.SignalingURL)
		if err != nil {
			return err
		}
		defer client.Close()

		pin, err := client.Register(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Share this PIN with the receiver: %s\n", pin)

		if _, err := client.WaitFor(ctx, signaling.TypePeerJoined); err != nil {
			return err
		}
		fmt.Println("Peer joined, negotiating connection...")

		p, err := newPeer(client)
		if err != nil {
			return err
		}
		defer p.close()
		client.OnEnvelope(p.dispatch)

		dc, err := p.pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}

		opened := make(chan struct{})
		dc.OnOpen(func() { close(opened) })

		if err := p.sendOffer(); err != nil {
			return err
		}

		select {
		case <-opened:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(60 * time.Second):
			return fmt.Errorf("data channel did not open")
		}

		sender := transfer.NewSender(pipe.NewWebRTCPipe(dc), transfer.SenderConfig{})
		sender.OnProgress(printProgress("sent"))

		result, err := sender.Send(ctx, src)
		if err != nil {
			return err
		}
		if err := result.Wait(ctx); err != nil {
			return err
		}

		fmt.Printf("\nDone: %s (%d bytes)\n", src.Meta().Name, src.Meta().Size)
		return nil
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendChecksum, "checksum", false, "attach a SHA-256 checksum for receiver verification")
}

// printProgress renders a single-line progress meter.
func printProgress(verb string) func(transfer.Progress) {
	var lastPercent float64 = -1
	return func(p transfer.Progress) {
		if p.Status == transfer.StatusFailed {
			fmt.Printf("\ntransfer failed: %v\n", p.Err)
			return
		}
		// Redraw only on visible change to keep output calm.
		if p.Percent-lastPercent < 1 && p.Status != transfer.StatusComplete {
			return
		}
		lastPercent = p.Percent
		fmt.Printf("\r%6.1f%% %s (%.0f KB/s)", p.Percent, verb, p.Speed/1024)
	}
}
