//go:build !unix

package cluster

import (
	"context"
	"net"
)

// Listen binds addr without socket sharing; multi-worker clustering needs a
// unix platform.
func Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, addr)
}
