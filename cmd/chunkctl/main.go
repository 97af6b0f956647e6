// chunkctl transfers a single resource to or from a chunkserv endpoint:
// "get" downloads a resource into a local file, "put" uploads a local file
// into a resource.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"

	"github.com/chunkflow/chunkflow/internal/config"
	"github.com/chunkflow/chunkflow/internal/logging"
	"github.com/chunkflow/chunkflow/internal/quiclink"
	"github.com/chunkflow/chunkflow/internal/transfer"
	"github.com/chunkflow/chunkflow/internal/wslink"
	"github.com/chunkflow/chunkflow/pkg/protocol"
)

func main() {
	cfg := config.ClientFromEnv()
	var output string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "chunkctl",
		Short: "Transfer resources over the chunkflow protocol",
	}
	root.PersistentFlags().StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "server URL (ws://, wss:// or quic://)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	root.PersistentFlags().Uint32Var(&cfg.MaxChunkSize, "max-chunk-size", cfg.MaxChunkSize, "max data chunk payload in bytes")
	root.PersistentFlags().Uint32Var(&cfg.WindowBytes, "window", cfg.WindowBytes, "receive window in bytes")
	root.PersistentFlags().BoolVar(&cfg.Legacy, "legacy", cfg.Legacy, "speak the legacy protocol generation")
	root.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "overall transfer timeout")

	getCmd := &cobra.Command{
		Use:   "get <resource-id>",
		Short: "Download a resource into a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cfg, args[0], output, timeout)
		},
	}
	getCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: resource-<id>)")

	putCmd := &cobra.Command{
		Use:   "put <resource-id> <file>",
		Short: "Upload a local file into a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cfg, args[0], args[1], timeout)
		},
	}
	root.AddCommand(getCmd, putCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseResourceID(arg string) (uint32, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("resource id %q: %w", arg, err)
	}
	return uint32(id), nil
}

func runGet(cfg config.ClientConfig, idArg, output string, timeout time.Duration) error {
	id, err := parseResourceID(idArg)
	if err != nil {
		return err
	}
	if output == "" {
		output = fmt.Sprintf("resource-%d", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, logger, err := connect(ctx, cfg)
	if err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	d, err := client.Download(id, f)
	if err != nil {
		return err
	}
	select {
	case <-d.Done():
	case <-ctx.Done():
		return fmt.Errorf("download timed out")
	}
	if status := d.Status(); !status.OK() {
		os.Remove(output)
		return fmt.Errorf("download failed: %s", status)
	}
	logger.Info("download finished", "resource", id, "output", output)
	return nil
}

func runPut(cfg config.ClientConfig, idArg, path string, timeout time.Duration) error {
	id, err := parseResourceID(idArg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, logger, err := connect(ctx, cfg)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	u, err := client.Upload(id, f)
	if err != nil {
		return err
	}
	select {
	case <-u.Done():
	case <-ctx.Done():
		return fmt.Errorf("upload timed out")
	}
	if status := u.Status(); !status.OK() {
		return fmt.Errorf("upload failed: %s", status)
	}
	logger.Info("upload finished", "resource", id, "file", path)
	return nil
}

// connect establishes the endpoint link: two persistent message streams,
// one per transfer direction, over whichever transport the URL names.
func connect(ctx context.Context, cfg config.ClientConfig) (*transfer.Client, *slog.Logger, error) {
	logger := logging.New("chunkctl", cfg.LogLevel)

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("server url: %w", err)
	}

	version := protocol.VersionTwo
	if cfg.Legacy {
		version = protocol.VersionLegacy
	}

	var readStream, writeStream transfer.MessageStream
	var runRead, runWrite func(handle func(msg []byte)) error

	switch u.Scheme {
	case "ws", "wss":
		linkID := uuid.NewString()
		rs, err := dialWS(ctx, *u, linkID, "read", logger)
		if err != nil {
			return nil, nil, err
		}
		ws, err := dialWS(ctx, *u, linkID, "write", logger)
		if err != nil {
			return nil, nil, err
		}
		readStream, writeStream = rs, ws
		runRead, runWrite = rs.Run, ws.Run
	case "quic":
		conn, err := quic.DialAddr(ctx, u.Host, quiclink.ClientTLSConfig(), quiclink.DefaultQUICConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("quic dial: %w", err)
		}
		rs, err := quiclink.Open(ctx, conn, quiclink.HeaderRead, logger)
		if err != nil {
			return nil, nil, err
		}
		ws, err := quiclink.Open(ctx, conn, quiclink.HeaderWrite, logger)
		if err != nil {
			return nil, nil, err
		}
		readStream, writeStream = rs, ws
		runRead, runWrite = rs.Run, ws.Run
	default:
		return nil, nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	link := transfer.NewLink(readStream, writeStream, cfg.MaxChunkSize, cfg.WindowBytes)
	client := transfer.NewClient(link, version, logger)
	go runRead(func(msg []byte) { client.HandleMessage(transfer.DirRead, msg) })
	go runWrite(func(msg []byte) { client.HandleMessage(transfer.DirWrite, msg) })
	return client, logger, nil
}

func dialWS(ctx context.Context, u url.URL, linkID, stream string, logger *slog.Logger) (*wslink.Stream, error) {
	u.Path = "/transfer"
	q := u.Query()
	q.Set("link", linkID)
	q.Set("stream", stream)
	u.RawQuery = q.Encode()
	return wslink.Dial(ctx, u.String(), logger.With("stream", stream))
}
