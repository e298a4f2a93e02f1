// Package metadatasvc serves runtime metadata over gRPC.
//
// The service runs the metadata entry point of runtime code sent with the
// request or looked up in a code store by hash. Messages are CBOR encoded.
package metadatasvc

import (
	"context"
	"errors"
	"time"

	"github.com/fortiblox/stratus-metadata/internal/types"
	"github.com/fortiblox/stratus-metadata/pkg/codestore"
	"github.com/fortiblox/stratus-metadata/pkg/metadata"
	"github.com/fortiblox/stratus-metadata/pkg/svm/executor"
	"github.com/fortiblox/stratus-metadata/pkg/svm/syscall"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Default configuration values.
const (
	// DefaultComputeLimit bounds a single metadata call.
	DefaultComputeLimit = 10_000_000_000

	// DefaultMaxMessageSize is the largest request or response accepted.
	// Runtime code and metadata both run to a few MiB.
	DefaultMaxMessageSize = 64 * 1024 * 1024
)

// Config holds service configuration.
type Config struct {
	// HeapPages is used when a request does not name a heap size.
	HeapPages uint64

	// ComputeLimit bounds every call. Zero leaves calls unmetered.
	ComputeLimit uint64

	// MaxMessageSize bounds gRPC messages in both directions.
	MaxMessageSize int
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		HeapPages:      executor.DefaultHeapPages,
		ComputeLimit:   DefaultComputeLimit,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// CodeStore is the subset of the code store the service uses.
type CodeStore interface {
	Get(hash types.Hash) ([]byte, error)
	Put(code []byte) (types.Hash, error)
	Has(hash types.Hash) bool
}

// Service implements MetadataServer.
type Service struct {
	config  Config
	store   CodeStore
	metrics *Metrics
	log     commonlog.Logger
}

// New creates a service. store may be nil, in which case hash lookups and
// uploads fail with FailedPrecondition. metrics may be nil.
func New(config Config, store CodeStore, metrics *Metrics) *Service {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		config:  config,
		store:   store,
		metrics: metrics,
		log:     commonlog.GetLogger("stratus.metadatasvc"),
	}
}

// NewServer returns a gRPC server with the service registered and the CBOR
// codec forced.
func NewServer(svc *Service, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.MaxRecvMsgSize(svc.config.MaxMessageSize),
		grpc.MaxSendMsgSize(svc.config.MaxMessageSize),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	RegisterMetadataServer(srv, svc)
	return srv
}

// Fetch runs the metadata entry point of the requested runtime.
func (s *Service) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	start := time.Now()

	out, hash, err := s.fetch(ctx, req)
	outcome, err := s.classify(err)
	s.metrics.observe(outcome, time.Since(start).Seconds(), len(out))
	if err != nil {
		return nil, err
	}

	s.log.Debugf("fetched %d bytes of metadata for %s in %s", len(out), hash, time.Since(start))
	return &FetchResponse{Metadata: out, CodeHash: hash.Bytes()}, nil
}

func (s *Service) fetch(ctx context.Context, req *FetchRequest) ([]byte, types.Hash, error) {
	var hash types.Hash
	code := req.Code

	switch {
	case len(req.Code) > 0 && len(req.CodeHash) > 0:
		return nil, hash, status.Error(codes.InvalidArgument, "set either code or code hash, not both")

	case len(req.Code) > 0:
		hash = types.CodeHash(code)

	case len(req.CodeHash) > 0:
		h, err := types.HashFromBytes(req.CodeHash)
		if err != nil {
			return nil, hash, status.Error(codes.InvalidArgument, err.Error())
		}
		hash = h
		if s.store == nil {
			return nil, hash, status.Error(codes.FailedPrecondition, "server has no code store")
		}
		code, err = s.store.Get(hash)
		if err != nil {
			return nil, hash, err
		}

	default:
		return nil, hash, status.Error(codes.InvalidArgument, "code or code hash required")
	}

	if err := ctx.Err(); err != nil {
		return nil, hash, status.FromContextError(err).Err()
	}

	heapPages := req.HeapPages
	if heapPages == 0 {
		heapPages = s.config.HeapPages
	}

	out, err := metadata.FromRuntimeCode(code, heapPages,
		metadata.WithLogHandler(s.runtimeLogger(hash)),
		metadata.WithExecutorOptions(executor.WithComputeLimit(s.config.ComputeLimit)),
	)
	return out, hash, err
}

// PutCode stores runtime code.
func (s *Service) PutCode(ctx context.Context, req *PutCodeRequest) (*PutCodeResponse, error) {
	if s.store == nil {
		return nil, status.Error(codes.FailedPrecondition, "server has no code store")
	}
	if len(req.Code) == 0 {
		return nil, status.Error(codes.InvalidArgument, "code required")
	}

	existed := s.store.Has(types.CodeHash(req.Code))
	hash, err := s.store.Put(req.Code)
	if err != nil {
		s.log.Errorf("put code: %v", err)
		return nil, status.Error(codes.Internal, err.Error())
	}

	if !existed {
		s.log.Infof("stored runtime code %s (%d bytes)", hash, len(req.Code))
	}
	return &PutCodeResponse{CodeHash: hash.Bytes(), Created: !existed}, nil
}

// classify maps a fetch error to its metric outcome and gRPC status.
func (s *Service) classify(err error) (string, error) {
	if err == nil {
		return OutcomeOK, nil
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument:
			return OutcomeInvalidArgument, err
		case codes.NotFound:
			return OutcomeNotFound, err
		}
		return OutcomeInternal, err
	}

	var initErr *metadata.InitError
	switch {
	case errors.Is(err, codestore.ErrNotFound):
		return OutcomeNotFound, status.Error(codes.NotFound, err.Error())
	case errors.As(err, &initErr):
		return OutcomeInitError, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, metadata.ErrTrapped):
		return OutcomeTrapped, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, metadata.ErrExternalityNotAllowed):
		return OutcomeExternality, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, metadata.ErrBadLengthPrefix):
		return OutcomeBadPrefix, status.Error(codes.FailedPrecondition, err.Error())
	}

	s.log.Errorf("fetch: %v", err)
	return OutcomeInternal, status.Error(codes.Internal, err.Error())
}

func (s *Service) runtimeLogger(hash types.Hash) func(executor.LogEmit) {
	return func(l executor.LogEmit) {
		switch l.Level {
		case syscall.LevelError:
			s.log.Errorf("runtime %s: %s: %s", hash, l.Target, l.Message)
		case syscall.LevelWarn:
			s.log.Warningf("runtime %s: %s: %s", hash, l.Target, l.Message)
		case syscall.LevelInfo:
			s.log.Infof("runtime %s: %s: %s", hash, l.Target, l.Message)
		default:
			s.log.Debugf("runtime %s: %s: %s", hash, l.Target, l.Message)
		}
	}
}

var _ MetadataServer = (*Service)(nil)
