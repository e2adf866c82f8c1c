// Package client is the Go client library of the embedded vector database. It speaks Arrow
// Flight to the database service and can own an embedded instance of it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/annbench/internal/embedded"
	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/schema"
	"github.com/23skdu/annbench/internal/server"
)

// Config selects the database to talk to. Exactly one of Addr and Embedded is set.
type Config struct {
	// Addr attaches to an already running service.
	Addr string
	// Embedded starts an instance owned by the client.
	Embedded *embedded.Options

	// MaxMsgSize bounds gRPC messages in both directions. Defaults to 100MB.
	MaxMsgSize int
	// DialTimeout bounds the connectivity check made by New.
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Client is a handle to one database. It is safe for concurrent use.
type Client struct {
	conn   *grpc.ClientConn
	flight flight.Client
	owned  *embedded.Instance
	logger *zap.Logger
}

// New connects to the database described by cfg, starting an embedded instance first
// when cfg.Embedded is set.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if (cfg.Addr == "") == (cfg.Embedded == nil) {
		return nil, anerrors.NewConfigurationError("client", "exactly one of Addr and Embedded must be set")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = 100 * 1024 * 1024
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	c := &Client{logger: cfg.Logger}
	addr := cfg.Addr
	if cfg.Embedded != nil {
		inst, err := embedded.Start(ctx, *cfg.Embedded, cfg.Logger)
		if err != nil {
			return nil, err
		}
		c.owned = inst
		addr = inst.Addr()
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMsgSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMsgSize),
		),
	)
	if err != nil {
		_ = c.closeOwned()
		return nil, anerrors.WrapNetworkError(err, "client", "dial").WithContext("addr", addr)
	}
	c.conn = conn
	c.flight = flight.NewClientFromConn(conn, nil)

	// grpc.NewClient is lazy; list the schema once so a wrong address fails here.
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if _, err := c.Schema().List(pingCtx); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.logger.Debug("Client connected", zap.String("addr", addr), zap.Bool("embedded", c.owned != nil))
	return c, nil
}

// Addr returns the target the client is connected to, or "" once closed.
func (c *Client) Addr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.Target()
}

// Close releases the connection and, when owned, stops the embedded instance.
func (c *Client) Close() error {
	var connErr error
	if c.conn != nil {
		connErr = c.conn.Close()
		c.conn = nil
	}
	if err := c.closeOwned(); err != nil {
		return err
	}
	return connErr
}

func (c *Client) closeOwned() error {
	if c.owned == nil {
		return nil
	}
	err := c.owned.Close()
	c.owned = nil
	return err
}

// doAction runs one DoAction and decodes its single result into out, when out is non-nil.
func (c *Client) doAction(ctx context.Context, typ string, body any, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encode body: %w", typ, err)
		}
	}

	stream, err := c.flight.DoAction(ctx, &flight.Action{Type: typ, Body: raw})
	if err != nil {
		return fromStatus(typ, err)
	}
	res, err := stream.Recv()
	if err != nil {
		return fromStatus(typ, err)
	}
	// Drain so the stream completes cleanly.
	for {
		if _, err := stream.Recv(); err != nil {
			if !errors.Is(err, io.EOF) {
				return fromStatus(typ, err)
			}
			break
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return anerrors.MalformedResponse(typ, err.Error())
	}
	return nil
}

// Schema returns the schema API.
func (c *Client) Schema() *SchemaAPI {
	return &SchemaAPI{c: c}
}

// SchemaAPI manages class descriptors.
type SchemaAPI struct {
	c *Client
}

// Create creates a class and returns the descriptor as stored.
func (s *SchemaAPI) Create(ctx context.Context, class schema.Class) (schema.Class, error) {
	var out schema.Class
	err := s.c.doAction(ctx, server.ActionCreateClass, class, &out)
	return out, err
}

// Get returns a class descriptor.
func (s *SchemaAPI) Get(ctx context.Context, name string) (schema.Class, error) {
	var out schema.Class
	err := s.c.doAction(ctx, server.ActionGetClass, server.ClassRef{Class: name}, &out)
	return out, err
}

// UpdateConfig replaces the descriptor of class name with class. Only the vector index
// ef may differ from the stored descriptor.
func (s *SchemaAPI) UpdateConfig(ctx context.Context, name string, class schema.Class) (schema.Class, error) {
	class.Class = name
	var out schema.Class
	err := s.c.doAction(ctx, server.ActionUpdateClass, class, &out)
	return out, err
}

// Exists reports whether class name exists.
func (s *SchemaAPI) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Get(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	}
	return false, err
}

// List returns every class descriptor, sorted by name.
func (s *SchemaAPI) List(ctx context.Context) ([]schema.Class, error) {
	var out server.ClassList
	if err := s.c.doAction(ctx, server.ActionListClasses, nil, &out); err != nil {
		return nil, err
	}
	return out.Classes, nil
}

// Count returns the number of objects stored in class name.
func (c *Client) Count(ctx context.Context, name string) (int, error) {
	var out server.CountResult
	if err := c.doAction(ctx, server.ActionCountObjs, server.ClassRef{Class: name}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}
