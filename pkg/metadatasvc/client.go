package metadatasvc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/stratus-metadata/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client configuration defaults.
const (
	DefaultKeepaliveTime    = 30 * time.Second
	DefaultKeepaliveTimeout = 10 * time.Second
)

// ErrNoAddress is returned when dialing without an address.
var ErrNoAddress = errors.New("metadata service address is required")

// ClientConfig holds client configuration.
type ClientConfig struct {
	// Address is the gRPC target, e.g. "localhost:7878".
	Address string

	// UseTLS enables TLS for the connection.
	UseTLS bool

	// MaxMessageSize bounds messages in both directions.
	MaxMessageSize int

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns the default client configuration for address.
func DefaultClientConfig(address string) ClientConfig {
	return ClientConfig{
		Address:          address,
		MaxMessageSize:   DefaultMaxMessageSize,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
	}
}

// Client calls a remote metadata service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client. The connection is established lazily on the first
// call. Extra options are appended after the configured ones.
func Dial(config ClientConfig, opts ...grpc.DialOption) (*Client, error) {
	if config.Address == "" {
		return nil, ErrNoAddress
	}

	base := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(Codec{}),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}
	if config.UseTLS {
		base = append(base, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}),
		))
	} else {
		base = append(base, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(config.Address, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Fetch sends a raw fetch request.
func (c *Client) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	out := new(FetchResponse)
	if err := c.conn.Invoke(ctx, fetchMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchCode returns the metadata of the given runtime code.
func (c *Client) FetchCode(ctx context.Context, code []byte, heapPages uint64) ([]byte, error) {
	resp, err := c.Fetch(ctx, &FetchRequest{Code: code, HeapPages: heapPages})
	if err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

// FetchHash returns the metadata of runtime code stored on the server.
func (c *Client) FetchHash(ctx context.Context, hash types.Hash, heapPages uint64) ([]byte, error) {
	resp, err := c.Fetch(ctx, &FetchRequest{CodeHash: hash.Bytes(), HeapPages: heapPages})
	if err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

// PutCode uploads runtime code and returns its hash.
func (c *Client) PutCode(ctx context.Context, code []byte) (types.Hash, bool, error) {
	out := new(PutCodeResponse)
	if err := c.conn.Invoke(ctx, putCodeMethod, &PutCodeRequest{Code: code}, out); err != nil {
		return types.Hash{}, false, err
	}
	hash, err := types.HashFromBytes(out.CodeHash)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("server returned bad hash: %w", err)
	}
	return hash, out.Created, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
