// Package net carries chain-sync over a single multiplexed TCP connection to
// one peer.
package net

import (
	"context"
	"fmt"
	stdnet "net"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/rs/zerolog"

	"epochsync/net/chainsync"
)

// Node is a connection to one peer.
type Node struct {
	conn  stdnet.Conn
	mux   *Mux
	magic uint32
	log   zerolog.Logger
}

// Dial connects to the peer at a multiaddr such as /dns4/relay/tcp/3001.
func Dial(ctx context.Context, addr string, magic uint32, log zerolog.Logger) (*Node, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("peer address %q: %w", addr, err)
	}
	network, host, err := manet.DialArgs(maddr)
	if err != nil {
		return nil, fmt.Errorf("peer address %q: %w", addr, err)
	}
	var d stdnet.Dialer
	conn, err := d.DialContext(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	log.Info().Str("peer", addr).Str("remote", conn.RemoteAddr().String()).Msg("connected")
	return NewNode(conn, magic, log), nil
}

// NewNode wraps an established connection.
func NewNode(conn stdnet.Conn, magic uint32, log zerolog.Logger) *Node {
	return &Node{
		conn:  conn,
		mux:   NewMux(conn, log),
		magic: magic,
		log:   log,
	}
}

func (n *Node) Close() error {
	return n.conn.Close()
}

// closeOnDone closes the connection when ctx ends so blocked reads return.
// The returned func stops the watcher.
func (n *Node) closeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { n.conn.Close() })
}

// Handshake negotiates a node-to-node version and returns it.
func (n *Node) Handshake(ctx context.Context) (uint64, error) {
	defer n.closeOnDone(ctx)()
	if deadline, ok := ctx.Deadline(); ok {
		n.conn.SetDeadline(deadline)
		defer n.conn.SetDeadline(time.Time{})
	}

	propose, err := encodeProposeVersions(n.magic)
	if err != nil {
		return 0, err
	}
	if err := n.mux.Send(ProtocolHandshake, propose); err != nil {
		return 0, n.ctxErr(ctx, err)
	}
	reply, err := n.mux.Receive(ProtocolHandshake)
	if err != nil {
		return 0, n.ctxErr(ctx, fmt.Errorf("handshake: %w", err))
	}
	version, err := decodeHandshakeReply(reply, n.magic)
	if err != nil {
		return 0, err
	}
	n.log.Info().Uint64("version", version).Uint32("magic", n.magic).Msg("handshake accepted")
	return version, nil
}

// RunChainSync alternates client sends and peer replies until the client is
// done, a fatal error occurs or ctx ends. Non-fatal receive errors are logged
// by the client and skipped.
func (n *Node) RunChainSync(ctx context.Context, client *chainsync.Client) error {
	defer n.closeOnDone(ctx)()

	for !client.Done() {
		for client.Agency() == chainsync.AgencyClient {
			data, err := client.Send()
			if err != nil {
				return err
			}
			if err := n.mux.Send(ProtocolChainSync, data); err != nil {
				return n.ctxErr(ctx, err)
			}
		}
		if client.Done() {
			break
		}

		data, err := n.mux.Receive(ProtocolChainSync)
		if err != nil {
			return n.ctxErr(ctx, fmt.Errorf("chain-sync: %w", err))
		}
		if err := client.Receive(data); err != nil && chainsync.IsFatal(err) {
			return err
		}
	}

	n.log.Info().Interface("result", client.Result()).Msg("chain-sync finished")
	return nil
}

// ctxErr prefers the context error when the connection was closed because ctx
// ended.
func (n *Node) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
