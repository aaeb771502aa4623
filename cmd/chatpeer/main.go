package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/shayananique/BitChatClient/network/p2p"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "chatpeer"
	app.Usage = "exercise the p2p connection manager standalone"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "port", Value: 0, Usage: "local listen port (0 = ephemeral)"},
		cli.StringFlag{Name: "dial", Value: "", Usage: "remote host:port to connect to on startup"},
		cli.StringFlag{Name: "echo-url", Value: "", Usage: "echo service URL for reachability checks"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := p2p.NewLog()

	localId := p2p.MustNewPeerId()
	mgr, err := p2p.NewManager(p2p.Config{
		LocalPeerId: localId,
		ListenPort:  uint16(c.Int("port")),
		EchoURL:     c.String("echo-url"),
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer mgr.Dispose()

	log.WithFields(logrus.Fields{
		"peer_id": localId.Hex(),
		"port":    mgr.LocalPort(),
	}).Info("chatpeer: listening")

	mgr.OnConnectivityChange(func(state p2p.ConnectivityState) {
		log.WithFields(logrus.Fields{
			"internet_status": state.InternetStatus.String(),
			"upnp_status":     state.UPnPStatus.String(),
		}).Info("chatpeer: connectivity changed")
	})

	if dial := c.String("dial"); dial != "" {
		target, err := parseEndpoint(dial)
		if err != nil {
			return err
		}
		conn, err := mgr.MakeConnection(context.Background(), target)
		if err != nil {
			log.WithError(err).Warn("chatpeer: dial failed")
		} else {
			log.WithField("remote", conn.RemoteEndpoint()).Info("chatpeer: connected")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func parseEndpoint(hostport string) (p2p.Endpoint, error) {
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return p2p.Endpoint{}, err
	}
	ep, ok := p2p.EndpointFromAddr(addr)
	if !ok {
		return p2p.Endpoint{}, fmt.Errorf("chatpeer: could not resolve %q", hostport)
	}
	return ep, nil
}
