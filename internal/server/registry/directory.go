package registry

import (
	"context"
	"sync"

	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
)

// Directory is the cluster-wide subdomain membership service. A claim is
// atomic across the cluster: whichever publication lands first wins and the
// loser sees ErrSubdomainTaken. Single-node deployments use LocalDirectory;
// a clustered deployment plugs in a consensus- or gossip-backed directory
// with the same contract.
type Directory interface {
	// Claim publishes membership of subdomain under member. Fails with
	// pkgerrors.ErrSubdomainTaken when another member already holds it.
	Claim(ctx context.Context, subdomain, member string) error

	// Release withdraws a claim. Releasing an unclaimed subdomain is a no-op.
	Release(ctx context.Context, subdomain, member string)

	// Lookup returns the member holding subdomain, or "" when unclaimed.
	Lookup(ctx context.Context, subdomain string) (string, error)

	// Count returns the number of claimed subdomains cluster-wide.
	Count(ctx context.Context) (int, error)
}

// LocalDirectory is the single-node Directory: a mutex-guarded map.
type LocalDirectory struct {
	mu      sync.Mutex
	members map[string]string // subdomain -> member
}

// NewLocalDirectory creates an empty single-node directory.
func NewLocalDirectory() *LocalDirectory {
	return &LocalDirectory{members: make(map[string]string)}
}

// Claim implements Directory.
func (d *LocalDirectory) Claim(_ context.Context, subdomain, member string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if holder, exists := d.members[subdomain]; exists && holder != member {
		return pkgerrors.ErrSubdomainTaken
	}
	d.members[subdomain] = member
	return nil
}

// Release implements Directory.
func (d *LocalDirectory) Release(_ context.Context, subdomain, member string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if holder, exists := d.members[subdomain]; exists && holder == member {
		delete(d.members, subdomain)
	}
}

// Lookup implements Directory.
func (d *LocalDirectory) Lookup(_ context.Context, subdomain string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[subdomain], nil
}

// Count implements Directory.
func (d *LocalDirectory) Count(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.members), nil
}
