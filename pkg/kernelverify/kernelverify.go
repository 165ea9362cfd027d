// Package kernelverify is a gRPC client for the optional kernel-delegate
// back-end spec.md §1 names as an external collaborator: a remote oracle
// ebpfcheck's own abs_validate verdict can be cross-checked against (e.g. a
// real kernel's BPF_PROG_LOAD path). Grounded on pkg/geyser/client.go's
// dial-option idiom (keepalive, insecure credentials, default call
// options) and its own admission — "In production, this would use the
// generated Geyser client" — that it hand-rolls the wire call where a
// generated client would normally sit; kernelverify makes the same move
// for a unary RPC via ClientConn.Invoke, registering a gob codec in place
// of a .proto-generated one (no .proto/generated Go exists in the
// retrieval pack to import faithfully).
package kernelverify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/gob"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"

	"github.com/fortiblox/ebpfcheck/pkg/asm"
	"github.com/fortiblox/ebpfcheck/pkg/verifier"
)

const method = "/kernelverify.KernelVerifier/CrossCheck"

// Request is the wire payload for a CrossCheck call: the same
// (program_info, instruction sequence) pair Digest hashes in
// pkg/verifycache.
type Request struct {
	Info  asm.ProgramInfo
	Insns []asm.Instruction
}

// Response carries the remote verifier's verdict, or a textual error if the
// remote side could not produce one (a Go error doesn't gob-encode across
// an arbitrary remote implementation, so the wire contract is a string).
type Response struct {
	Result verifier.Result
	Err    string
}

const gobCodecName = "gob"

// gobCodec stands in for a .proto-generated codec: Request/Response are
// plain gob-encodable structs, not generated protobuf messages.
type gobCodec struct{}

func (gobCodec) Name() string { return gobCodecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("kernelverify: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("kernelverify: gob unmarshal: %w", err)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// Config configures a kernel-delegate client. Grounded on pkg/geyser's
// Config (Endpoint/UseTLS/Keepalive*/MaxMessageSize fields).
type Config struct {
	Endpoint         string
	UseTLS           bool
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	MaxMessageSize   int
}

// DefaultConfig returns sane defaults for Endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:         endpoint,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		MaxMessageSize:   16 << 20,
	}
}

// Client is a thin wrapper over a gRPC ClientConn dialed with the gob
// codec registered above.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to cfg.Endpoint. extra is appended after the standard
// keepalive/codec/transport-credentials options, letting callers (and
// tests, via grpc.WithContextDialer) inject their own dialer.
func Dial(ctx context.Context, cfg Config, extra ...grpc.DialOption) (*Client, error) {
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			grpc.CallContentSubtype(gobCodecName),
		),
	}
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, extra...)

	conn, err := grpc.DialContext(ctx, cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("kernelverify: dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// CrossCheck asks the remote kernel-delegate backend to verify the same
// program and returns its verdict.
func (c *Client) CrossCheck(ctx context.Context, info asm.ProgramInfo, insns []asm.Instruction) (verifier.Result, error) {
	req := &Request{Info: info, Insns: insns}
	resp := &Response{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return verifier.Result{}, fmt.Errorf("kernelverify: invoke: %w", err)
	}
	if resp.Err != "" {
		return verifier.Result{}, fmt.Errorf("kernelverify: remote error: %s", resp.Err)
	}
	return resp.Result, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error { return c.conn.Close() }
