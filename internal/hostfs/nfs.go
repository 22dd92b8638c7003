package hostfs

import (
	"context"
	"fmt"
	"net"
	"time"

	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	log "github.com/sirupsen/logrus"
)

// nfsCacheSize bounds the billy adapter's NFS file-handle cache.
const nfsCacheSize = 65536

// NFSServer serves Core's read-only tree over NFSv3, for hosts (notably
// macOS) where FUSE is unavailable or undesirable.
type NFSServer struct {
	core     *Core
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
	done     chan struct{}
	log      log.FieldLogger
}

// NewNFSServer constructs an NFSServer bound to addr (e.g. "127.0.0.1:0");
// it does not start serving until Serve is called.
func NewNFSServer(core *Core, addr string) (*NFSServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("hostfs: listening on %s: %w", addr, err)
	}

	billyFS := NewBillyAdapter(core)
	handler := nfshelper.NewNullAuthHandler(billyFS)
	cachingHandler := nfshelper.NewCachingHandler(handler, nfsCacheSize)

	ctx, cancel := context.WithCancel(context.Background())
	return &NFSServer{
		core:     core,
		listener: listener,
		server:   &nfs.Server{Handler: cachingHandler, Context: ctx},
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      core.Log,
	}, nil
}

// Addr returns the address the server is listening on.
func (s *NFSServer) Addr() net.Addr { return s.listener.Addr() }

// Serve blocks, accepting and serving NFS connections until Shutdown is
// called. It always returns a non-nil error (the listener's Accept error
// on shutdown, per net.Listener convention).
func (s *NFSServer) Serve() error {
	defer close(s.done)
	s.log.WithField("addr", s.listener.Addr()).Info("hostfs: NFS server listening")
	return s.server.Serve(s.listener)
}

// Shutdown stops accepting new connections, gives in-flight requests a
// moment to complete, and cancels the server's context.
func (s *NFSServer) Shutdown() error {
	err := s.listener.Close()
	time.Sleep(100 * time.Millisecond)
	s.cancel()
	<-s.done
	return err
}
