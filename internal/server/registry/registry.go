// Package registry maps subdomains to the tunnel sessions that own them.
// Register and unregister serialize through the registry mutex while lookups
// stay concurrent against a read-mostly sync.Map.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/protocol"
	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
	"github.com/burrowhq/burrow/pkg/logger"
)

// DirectoryTimeout bounds cross-node directory and info RPCs. A timeout is
// treated as not-found.
const DirectoryTimeout = 5 * time.Second

// FrameSender pushes control frames onto a tunnel session's WebSocket.
type FrameSender interface {
	SendFrame(m protocol.Message) error
}

// Tunnel is the registry's record of one HTTP tunnel.
type Tunnel struct {
	ID        string
	Subdomain string
	SessionID uuid.UUID
	PublicKey string // client public key, base64
	LocalHost string
	LocalPort int
	CreatedAt time.Time
	Session   FrameSender
}

// RemoteClient fetches tunnel info from another cluster member's registry.
type RemoteClient interface {
	FetchTunnel(ctx context.Context, member, subdomain string) (*Tunnel, error)
}

// Registry holds this node's tunnels plus the cluster directory view.
type Registry struct {
	directory Directory
	member    string // this node's directory member name
	remote    RemoteClient

	mu        sync.Mutex // serializes register/unregister
	tunnels   sync.Map   // subdomain -> *Tunnel
	byClient  map[string]map[string]*Tunnel // public key -> subdomain -> tunnel
	bySession map[uuid.UUID][]string        // session -> subdomains
	size      int
}

// New creates a registry publishing under member in the given directory.
// remote may be nil on single-node deployments.
func New(directory Directory, member string, remote RemoteClient) *Registry {
	return &Registry{
		directory: directory,
		member:    member,
		remote:    remote,
		byClient:  make(map[string]map[string]*Tunnel),
		bySession: make(map[uuid.UUID][]string),
	}
}

// Register claims the tunnel's subdomain cluster-wide and records it
// locally. Fails with ErrSubdomainTaken when any member already holds the
// subdomain.
func (r *Registry) Register(ctx context.Context, tun *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tunnels.Load(tun.Subdomain); exists {
		return pkgerrors.ErrSubdomainTaken
	}

	claimCtx, cancel := context.WithTimeout(ctx, DirectoryTimeout)
	defer cancel()
	if err := r.directory.Claim(claimCtx, tun.Subdomain, r.member); err != nil {
		return err
	}

	tun.CreatedAt = time.Now()
	r.tunnels.Store(tun.Subdomain, tun)
	r.size++

	subs, ok := r.byClient[tun.PublicKey]
	if !ok {
		subs = make(map[string]*Tunnel)
		r.byClient[tun.PublicKey] = subs
	}
	subs[tun.Subdomain] = tun
	r.bySession[tun.SessionID] = append(r.bySession[tun.SessionID], tun.Subdomain)

	logger.InfoEvent().
		Str("tunnel_id", tun.ID).
		Str("subdomain", tun.Subdomain).
		Str("session_id", tun.SessionID.String()).
		Msg("Tunnel registered")

	return nil
}

// Lookup resolves a subdomain to tunnel info, consulting cluster membership
// first. Entries held by another member are fetched through the remote
// client; RPC failure or timeout reads as not-found.
func (r *Registry) Lookup(ctx context.Context, subdomain string) (*Tunnel, error) {
	dirCtx, cancel := context.WithTimeout(ctx, DirectoryTimeout)
	defer cancel()

	member, err := r.directory.Lookup(dirCtx, subdomain)
	if err != nil {
		return nil, pkgerrors.ErrTunnelNotFound
	}

	switch member {
	case "":
		return nil, pkgerrors.ErrTunnelNotFound
	case r.member:
		if value, ok := r.tunnels.Load(subdomain); ok {
			return value.(*Tunnel), nil
		}
		return nil, pkgerrors.ErrTunnelNotFound
	default:
		if r.remote == nil {
			return nil, pkgerrors.ErrTunnelNotFound
		}
		rpcCtx, cancelRPC := context.WithTimeout(ctx, DirectoryTimeout)
		defer cancelRPC()
		tun, err := r.remote.FetchTunnel(rpcCtx, member, subdomain)
		if err != nil {
			logger.WarnEvent().
				Err(err).
				Str("subdomain", subdomain).
				Str("member", member).
				Msg("Cross-node tunnel lookup failed")
			return nil, pkgerrors.ErrTunnelNotFound
		}
		return tun, nil
	}
}

// ListByClient returns this node's tunnels registered by the given client
// public key.
func (r *Registry) ListByClient(publicKey string) []*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byClient[publicKey]
	tunnels := make([]*Tunnel, 0, len(subs))
	for _, tun := range subs {
		tunnels = append(tunnels, tun)
	}
	return tunnels
}

// UnregisterSession removes every tunnel owned by the session from local
// state and cluster membership. Returns the removed tunnels.
func (r *Registry) UnregisterSession(sessionID uuid.UUID) []*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	subdomains := r.bySession[sessionID]
	delete(r.bySession, sessionID)

	removed := make([]*Tunnel, 0, len(subdomains))
	for _, subdomain := range subdomains {
		value, ok := r.tunnels.LoadAndDelete(subdomain)
		if !ok {
			continue
		}
		tun := value.(*Tunnel)
		removed = append(removed, tun)
		r.size--

		if subs := r.byClient[tun.PublicKey]; subs != nil {
			delete(subs, subdomain)
			if len(subs) == 0 {
				delete(r.byClient, tun.PublicKey)
			}
		}

		releaseCtx, cancel := context.WithTimeout(context.Background(), DirectoryTimeout)
		r.directory.Release(releaseCtx, subdomain, r.member)
		cancel()

		logger.InfoEvent().
			Str("tunnel_id", tun.ID).
			Str("subdomain", subdomain).
			Str("session_id", sessionID.String()).
			Msg("Tunnel unregistered")
	}

	return removed
}

// Count returns the number of tunnels on this node.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// ClusterCount returns the number of tunnels across the cluster.
func (r *Registry) ClusterCount(ctx context.Context) (int, error) {
	dirCtx, cancel := context.WithTimeout(ctx, DirectoryTimeout)
	defer cancel()
	return r.directory.Count(dirCtx)
}
